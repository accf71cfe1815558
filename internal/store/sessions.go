package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/agentbus/orchestrator/internal/apierr"
)

// Session mirrors the sessions table (spec.md §3).
type Session struct {
	Name              string
	Host              sql.NullString
	Status            string
	AgentType         sql.NullString
	WorkingDir        sql.NullString
	CreatedAt         string
	UpdatedAt         string
	ClosedAt          sql.NullString
	DiscordThreadID   sql.NullString
	DiscordArchived   bool
	SlackThreadTS     sql.NullString
	SlackChannelID    sql.NullString
	SlackArchived     bool
}

const sessionColumns = `name, host, status, agent_type, working_dir, created_at, updated_at,
	closed_at, discord_thread_id, discord_archived, slack_thread_ts, slack_channel_id, slack_archived`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	err := row.Scan(&s.Name, &s.Host, &s.Status, &s.AgentType, &s.WorkingDir, &s.CreatedAt,
		&s.UpdatedAt, &s.ClosedAt, &s.DiscordThreadID, &s.DiscordArchived, &s.SlackThreadTS,
		&s.SlackChannelID, &s.SlackArchived)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// NowISO returns the current time formatted as spec.md's ISO-8601 UTC.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// InsertSessionIfAbsent inserts a newly discovered session as active,
// matching the reconciler's INSERT OR IGNORE semantics.
func (s *Store) InsertSessionIfAbsent(name, host string) error {
	now := NowISO()
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO sessions (name, host, status, created_at, updated_at) VALUES (?, ?, 'active', ?, ?)`,
		name, host, now, now,
	)
	return err
}

// CreateSession inserts a brand-new session, failing if the name already
// exists (the API-driven create path, as opposed to reconciler discovery).
func (s *Store) CreateSession(name, host, agentType, workingDir string) error {
	now := NowISO()
	_, err := s.db.Exec(
		`INSERT INTO sessions (name, host, status, agent_type, working_dir, created_at, updated_at)
		 VALUES (?, ?, 'active', ?, ?, ?, ?)`,
		name, host, nullIfEmpty(agentType), nullIfEmpty(workingDir), now, now,
	)
	return err
}

// GetSession fetches a session by name.
func (s *Store) GetSession(name string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE name = ?`, name)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apierr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListSessionsFilter is the filter/sort/pagination contract for spec.md
// §4.L's session list endpoint.
type ListSessionsFilter struct {
	Status      string
	Host        string
	NameSubstr  string
	Sort        string // allow-listed column name
	Descending  bool
	Limit       int
	Offset      int
}

var sessionSortAllowList = map[string]bool{
	"name": true, "host": true, "status": true, "created_at": true, "updated_at": true,
}

// ListSessions returns sessions matching f. The sort column is validated
// against an allow-list before being interpolated into the query text
// (spec.md §9: never let user input reach SQL text untrusted).
func (s *Store) ListSessions(f ListSessionsFilter) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Host != "" {
		query += ` AND host = ?`
		args = append(args, f.Host)
	}
	if f.NameSubstr != "" {
		query += ` AND name LIKE ?`
		args = append(args, "%"+f.NameSubstr+"%")
	}

	sortCol := "updated_at"
	if f.Sort != "" {
		if !sessionSortAllowList[f.Sort] {
			return nil, fmt.Errorf("%w: sort field %q", apierr.ErrInvalidInput, f.Sort)
		}
		sortCol = f.Sort
	}
	dir := "ASC"
	if f.Descending {
		dir = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortCol, dir)

	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListNonClosedSessions returns all sessions whose status is not closed —
// the reconciler's per-tick baseline.
func (s *Store) ListNonClosedSessions() ([]*Session, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions WHERE status != 'closed'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSessionStatus transitions status, optionally updating host, and
// always bumps updated_at.
func (s *Store) UpdateSessionStatus(name, status, host string) error {
	now := NowISO()
	if host != "" {
		_, err := s.db.Exec(`UPDATE sessions SET status = ?, host = ?, updated_at = ? WHERE name = ?`,
			status, host, now, name)
		return err
	}
	_, err := s.db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE name = ?`, status, now, name)
	return err
}

// TouchSessionUpdatedAt bumps only updated_at.
func (s *Store) TouchSessionUpdatedAt(name string) error {
	_, err := s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE name = ?`, NowISO(), name)
	return err
}

// CloseSession marks a session closed and stamps closed_at.
func (s *Store) CloseSession(name string) error {
	now := NowISO()
	_, err := s.db.Exec(`UPDATE sessions SET status = 'closed', closed_at = ?, updated_at = ? WHERE name = ?`,
		now, now, name)
	return err
}

// DeleteSession removes a session row outright (used by the API delete
// path after the remote tmux session has been killed).
func (s *Store) DeleteSession(name string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.ErrNotFound
	}
	return nil
}

// PatchSessionWorkingDir updates working_dir only.
func (s *Store) PatchSessionWorkingDir(name, dir string) error {
	_, err := s.db.Exec(`UPDATE sessions SET working_dir = ?, updated_at = ? WHERE name = ?`, dir, NowISO(), name)
	return err
}

// PatchSessionAgentType updates agent_type only.
func (s *Store) PatchSessionAgentType(name, agentType string) error {
	_, err := s.db.Exec(`UPDATE sessions SET agent_type = ?, updated_at = ? WHERE name = ?`, agentType, NowISO(), name)
	return err
}

// SetDiscordThread sets the Discord thread anchor for a session.
func (s *Store) SetDiscordThread(name, threadID string) error {
	_, err := s.db.Exec(`UPDATE sessions SET discord_thread_id = ? WHERE name = ?`, threadID, name)
	return err
}

// SetSlackThread sets the Slack thread anchor for a session.
func (s *Store) SetSlackThread(name, channelID, threadTS string) error {
	_, err := s.db.Exec(`UPDATE sessions SET slack_channel_id = ?, slack_thread_ts = ? WHERE name = ?`,
		channelID, threadTS, name)
	return err
}

// SetThreadArchived flips the archival flag for the named platform.
func (s *Store) SetThreadArchived(name, platform string, archived bool) error {
	col := "discord_archived"
	if platform == "slack" {
		col = "slack_archived"
	}
	_, err := s.db.Exec(fmt.Sprintf(`UPDATE sessions SET %s = ? WHERE name = ?`, col), archived, name)
	return err
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
