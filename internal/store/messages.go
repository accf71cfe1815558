package store

import (
	"database/sql"
	"fmt"
)

// Message mirrors the messages table (spec.md §3).
type Message struct {
	ID            int64
	SessionName   string
	Role          string
	Content       string
	Source        string
	SourceID      sql.NullString
	SourceAuthor  sql.NullString
	Timestamp     string
	IngestedAt    string
	DedupHash     sql.NullString
}

const messageColumns = `id, session_name, role, content, source, source_id, source_author, timestamp, ingested_at, dedup_hash`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SessionName, &m.Role, &m.Content, &m.Source, &m.SourceID,
		&m.SourceAuthor, &m.Timestamp, &m.IngestedAt, &m.DedupHash)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessageIfAbsent inserts a message using insert-or-ignore
// semantics keyed on the unique dedup_hash index (spec.md §3): replays
// are idempotent regardless of arrival order. Returns true if a new row
// was actually inserted.
func (s *Store) InsertMessageIfAbsent(m Message) (bool, int64, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO messages
			(session_name, role, content, source, source_id, source_author, timestamp, ingested_at, dedup_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionName, m.Role, m.Content, m.Source, m.SourceID, m.SourceAuthor, m.Timestamp, m.IngestedAt, m.DedupHash,
	)
	if err != nil {
		return false, 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, err
	}
	if n == 0 {
		return false, 0, nil
	}
	id, err := res.LastInsertId()
	return true, id, err
}

// CountMessages returns the number of messages belonging to a session.
func (s *Store) CountMessages(sessionName string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_name = ?`, sessionName).Scan(&n)
	return n, err
}

// GetMessages returns a page of a session's messages, oldest first.
func (s *Store) GetMessages(sessionName string, limit, offset int) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages WHERE session_name = ? ORDER BY timestamp ASC LIMIT ? OFFSET ?`,
		sessionName, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MaxSourceID returns the lexicographically/numerically highest source_id
// stored for a (session, source) pair — the message-sync worker's
// high-watermark cursor (spec.md §4.I). Returns "" if none stored yet.
func (s *Store) MaxSourceID(sessionName, source string) (string, error) {
	var id sql.NullString
	err := s.db.QueryRow(
		`SELECT MAX(source_id) FROM messages WHERE session_name = ? AND source = ? AND source_id IS NOT NULL`,
		sessionName, source,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	if !id.Valid {
		return "", nil
	}
	return id.String, nil
}

// SearchResult is one full-text search hit with a boundary snippet.
type SearchResult struct {
	Message Message
	Snippet string
}

// SearchMessages runs a ranked full-text query over message content.
// The caller is expected to have already validated query length (spec.md
// §8: min length 2) and performed FTS quote-doubling.
func (s *Store) SearchMessages(ftsQuery string, limit, offset int) ([]SearchResult, error) {
	rows, err := s.db.Query(
		`SELECT m.id, m.session_name, m.role, m.content, m.source, m.source_id,
		        m.source_author, m.timestamp, m.ingested_at, m.dedup_hash,
		        snippet(messages_fts, 0, '[', ']', '…', 8) AS snip
		 FROM messages_fts
		 JOIN messages m ON m.id = messages_fts.rowid
		 WHERE messages_fts MATCH ?
		 ORDER BY rank
		 LIMIT ? OFFSET ?`,
		ftsQuery, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var m Message
		var snip string
		if err := rows.Scan(&m.ID, &m.SessionName, &m.Role, &m.Content, &m.Source, &m.SourceID,
			&m.SourceAuthor, &m.Timestamp, &m.IngestedAt, &m.DedupHash, &snip); err != nil {
			return nil, err
		}
		out = append(out, SearchResult{Message: m, Snippet: snip})
	}
	return out, rows.Err()
}

// AppendEvent inserts a row into the append-only event audit log.
func (s *Store) AppendEvent(eventType, sessionName, payload string) error {
	_, err := s.db.Exec(
		`INSERT INTO events (event_type, session_name, payload, created_at) VALUES (?, ?, ?, ?)`,
		eventType, nullIfEmpty(sessionName), payload, NowISO(),
	)
	return err
}
