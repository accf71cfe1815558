package store

import (
	"database/sql"

	"github.com/agentbus/orchestrator/internal/apierr"
)

// CommandQueueEntry mirrors the command_queue table (spec.md §3).
type CommandQueueEntry struct {
	ID          int64
	SessionName string
	Host        string
	Command     string
	Status      string
	Priority    int
	CreatedAt   string
	UpdatedAt   string
	ExecutedAt  sql.NullString
	Error       sql.NullString
}

const cmdQueueColumns = `id, session_name, host, command, status, priority, created_at, updated_at, executed_at, error`

func scanCommandQueueEntry(row interface{ Scan(...any) error }) (*CommandQueueEntry, error) {
	var e CommandQueueEntry
	err := row.Scan(&e.ID, &e.SessionName, &e.Host, &e.Command, &e.Status, &e.Priority,
		&e.CreatedAt, &e.UpdatedAt, &e.ExecutedAt, &e.Error)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// EnqueueCommand inserts a pending deferred command.
func (s *Store) EnqueueCommand(sessionName, host, command string, priority int) (*CommandQueueEntry, error) {
	now := NowISO()
	res, err := s.db.Exec(
		`INSERT INTO command_queue (session_name, host, command, status, priority, created_at, updated_at)
		 VALUES (?, ?, ?, 'pending', ?, ?, ?)`,
		sessionName, host, command, priority, now, now,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetCommandQueueEntry(id)
}

// GetCommandQueueEntry fetches one entry by id.
func (s *Store) GetCommandQueueEntry(id int64) (*CommandQueueEntry, error) {
	row := s.db.QueryRow(`SELECT `+cmdQueueColumns+` FROM command_queue WHERE id = ?`, id)
	e, err := scanCommandQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, apierr.ErrNotFound
	}
	return e, err
}

// PendingCommands returns pending entries ordered by (priority desc,
// created_at asc) — the drain order on a reset (spec.md §4.J).
func (s *Store) PendingCommands(limit int) ([]*CommandQueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT `+cmdQueueColumns+` FROM command_queue
		 WHERE status = 'pending' ORDER BY priority DESC, created_at ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CommandQueueEntry
	for rows.Next() {
		e, err := scanCommandQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListCommandQueue returns queue entries, optionally filtered by status.
func (s *Store) ListCommandQueue(status string, limit int) ([]*CommandQueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + cmdQueueColumns + ` FROM command_queue`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CommandQueueEntry
	for rows.Next() {
		e, err := scanCommandQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetCommandQueueExecuting transitions a pending entry to executing.
func (s *Store) SetCommandQueueExecuting(id int64) error {
	_, err := s.db.Exec(`UPDATE command_queue SET status = 'executing', updated_at = ? WHERE id = ?`, NowISO(), id)
	return err
}

// CompleteCommandQueueEntry transitions an entry to completed.
func (s *Store) CompleteCommandQueueEntry(id int64) error {
	now := NowISO()
	_, err := s.db.Exec(
		`UPDATE command_queue SET status = 'completed', executed_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id,
	)
	return err
}

// FailCommandQueueEntry transitions an entry to failed, recording errMsg.
func (s *Store) FailCommandQueueEntry(id int64, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE command_queue SET status = 'failed', error = ?, updated_at = ? WHERE id = ?`,
		errMsg, NowISO(), id,
	)
	return err
}

// CancelCommandQueueEntry cancels a pending entry. Attempting to cancel
// a non-pending entry fails with ErrNotFound (spec.md §4.J).
func (s *Store) CancelCommandQueueEntry(id int64) error {
	res, err := s.db.Exec(
		`UPDATE command_queue SET status = 'cancelled', updated_at = ? WHERE id = ? AND status = 'pending'`,
		NowISO(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apierr.ErrNotFound
	}
	return nil
}

// CommandQueueStats returns the count of entries per status.
func (s *Store) CommandQueueStats() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM command_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}
