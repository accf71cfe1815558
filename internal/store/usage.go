package store

import "database/sql"

// UsageSnapshot mirrors the usage_snapshots table (spec.md §3).
type UsageSnapshot struct {
	ID                  int64
	Provider            string
	PolledAt            string
	RequestsLimit       sql.NullInt64
	RequestsRemaining   sql.NullInt64
	RequestsReset       sql.NullString
	InputTokensLimit     sql.NullInt64
	InputTokensRemaining sql.NullInt64
	InputTokensReset     sql.NullString
	OutputTokensLimit     sql.NullInt64
	OutputTokensRemaining sql.NullInt64
	OutputTokensReset     sql.NullString
	TokensLimit         sql.NullInt64
	TokensRemaining     sql.NullInt64
	TokensReset         sql.NullString
	PollModel           sql.NullString
	PollStatusCode      sql.NullInt64
	ErrorMessage        sql.NullString
}

const usageColumns = `id, provider, polled_at, requests_limit, requests_remaining, requests_reset,
	input_tokens_limit, input_tokens_remaining, input_tokens_reset,
	output_tokens_limit, output_tokens_remaining, output_tokens_reset,
	tokens_limit, tokens_remaining, tokens_reset,
	poll_model, poll_status_code, error_message`

func scanUsageSnapshot(row interface{ Scan(...any) error }) (*UsageSnapshot, error) {
	var s UsageSnapshot
	err := row.Scan(&s.ID, &s.Provider, &s.PolledAt, &s.RequestsLimit, &s.RequestsRemaining, &s.RequestsReset,
		&s.InputTokensLimit, &s.InputTokensRemaining, &s.InputTokensReset,
		&s.OutputTokensLimit, &s.OutputTokensRemaining, &s.OutputTokensReset,
		&s.TokensLimit, &s.TokensRemaining, &s.TokensReset,
		&s.PollModel, &s.PollStatusCode, &s.ErrorMessage)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertUsageSnapshot appends a poll result. Append-only: no update path.
func (s *Store) InsertUsageSnapshot(snap UsageSnapshot) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO usage_snapshots
			(provider, polled_at, requests_limit, requests_remaining, requests_reset,
			 input_tokens_limit, input_tokens_remaining, input_tokens_reset,
			 output_tokens_limit, output_tokens_remaining, output_tokens_reset,
			 tokens_limit, tokens_remaining, tokens_reset,
			 poll_model, poll_status_code, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Provider, snap.PolledAt, snap.RequestsLimit, snap.RequestsRemaining, snap.RequestsReset,
		snap.InputTokensLimit, snap.InputTokensRemaining, snap.InputTokensReset,
		snap.OutputTokensLimit, snap.OutputTokensRemaining, snap.OutputTokensReset,
		snap.TokensLimit, snap.TokensRemaining, snap.TokensReset,
		snap.PollModel, snap.PollStatusCode, snap.ErrorMessage,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestUsableSnapshot returns the most recent snapshot for provider
// whose poll reached the API (status 200 or 429) — the baseline the
// usage monitor diffs against for reset detection (spec.md §4.J).
func (s *Store) LatestUsableSnapshot(provider string) (*UsageSnapshot, error) {
	row := s.db.QueryRow(
		`SELECT `+usageColumns+` FROM usage_snapshots
		 WHERE provider = ? AND poll_status_code IN (200, 429)
		 ORDER BY polled_at DESC LIMIT 1`,
		provider,
	)
	snap, err := scanUsageSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return snap, err
}

// UsageHistory returns recent snapshots for a provider, newest first.
func (s *Store) UsageHistory(provider string, limit int) ([]*UsageSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT `+usageColumns+` FROM usage_snapshots WHERE provider = ? ORDER BY polled_at DESC LIMIT ?`,
		provider, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UsageSnapshot
	for rows.Next() {
		snap, err := scanUsageSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// PurgeUsageSnapshotsOlderThan deletes snapshots beyond the retention
// horizon (spec.md §4.J), returning the count removed.
func (s *Store) PurgeUsageSnapshotsOlderThan(cutoffISO string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM usage_snapshots WHERE polled_at < ?`, cutoffISO)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
