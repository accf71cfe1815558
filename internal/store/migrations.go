package store

import (
	"database/sql"
	"fmt"
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    name                TEXT PRIMARY KEY,
    host                TEXT,
    status              TEXT NOT NULL DEFAULT 'active',
    agent_type          TEXT,
    working_dir         TEXT,
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL,
    closed_at           TEXT,
    discord_thread_id   TEXT,
    discord_archived    INTEGER DEFAULT 0,
    slack_thread_ts     TEXT,
    slack_channel_id    TEXT,
    slack_archived      INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
CREATE INDEX IF NOT EXISTS idx_sessions_status_updated ON sessions(status, updated_at);

CREATE TABLE IF NOT EXISTS messages (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_name    TEXT NOT NULL REFERENCES sessions(name),
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    source          TEXT NOT NULL,
    source_id       TEXT,
    source_author   TEXT,
    timestamp       TEXT NOT NULL,
    ingested_at     TEXT NOT NULL,
    dedup_hash      TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_dedup ON messages(dedup_hash);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_name, timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_session_role ON messages(session_name, role);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    content,
    session_name UNINDEXED,
    role UNINDEXED,
    content='messages',
    content_rowid='id'
);

CREATE TABLE IF NOT EXISTS events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type      TEXT NOT NULL,
    session_name    TEXT,
    payload         TEXT NOT NULL,
    created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);

CREATE TABLE IF NOT EXISTS kv (
    key     TEXT PRIMARY KEY,
    value   TEXT NOT NULL,
    updated TEXT NOT NULL
);
`

const schemaV2 = `
CREATE TABLE IF NOT EXISTS usage_snapshots (
    id                          INTEGER PRIMARY KEY AUTOINCREMENT,
    provider                    TEXT NOT NULL DEFAULT 'anthropic',
    polled_at                   TEXT NOT NULL,
    requests_limit              INTEGER,
    requests_remaining          INTEGER,
    requests_reset              TEXT,
    input_tokens_limit          INTEGER,
    input_tokens_remaining      INTEGER,
    input_tokens_reset          TEXT,
    output_tokens_limit         INTEGER,
    output_tokens_remaining     INTEGER,
    output_tokens_reset         TEXT,
    tokens_limit                INTEGER,
    tokens_remaining            INTEGER,
    tokens_reset                TEXT,
    poll_model                  TEXT,
    poll_status_code            INTEGER,
    error_message               TEXT
);

CREATE INDEX IF NOT EXISTS idx_usage_polled ON usage_snapshots(polled_at);
CREATE INDEX IF NOT EXISTS idx_usage_provider ON usage_snapshots(provider, polled_at);
`

const schemaV3 = `
CREATE TABLE IF NOT EXISTS command_queue (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_name    TEXT NOT NULL,
    host            TEXT NOT NULL,
    command         TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    priority        INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    executed_at     TEXT,
    error           TEXT
);

CREATE INDEX IF NOT EXISTS idx_cmdq_status ON command_queue(status);
CREATE INDEX IF NOT EXISTS idx_cmdq_created ON command_queue(created_at);
`

var ftsTriggers = []string{
	`CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
		INSERT INTO messages_fts(rowid, content, session_name, role)
		VALUES (new.id, new.content, new.session_name, new.role);
	END`,
	`CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
		INSERT INTO messages_fts(messages_fts, rowid, content, session_name, role)
		VALUES ('delete', old.id, old.content, old.session_name, old.role);
	END`,
	`CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
		INSERT INTO messages_fts(messages_fts, rowid, content, session_name, role)
		VALUES ('delete', old.id, old.content, old.session_name, old.role);
		INSERT INTO messages_fts(rowid, content, session_name, role)
		VALUES (new.id, new.content, new.session_name, new.role);
	END`,
}

// migrate applies schema versions in order, tracking schema_version in the
// meta table so re-runs against an existing database are no-ops.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}

	if err := s.migrateV1(); err != nil {
		return err
	}
	if err := s.migrateV2(); err != nil {
		return err
	}
	if err := s.migrateV3(); err != nil {
		return err
	}
	return nil
}

func (s *Store) schemaVersion() (int, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int
	fmt.Sscanf(v, "%d", &n)
	return n, nil
}

func (s *Store) setSchemaVersion(n int) error {
	_, err := s.db.Exec(`INSERT INTO meta(key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%d", n))
	return err
}

func (s *Store) migrateV1() error {
	v, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if v >= 1 {
		return nil
	}
	if _, err := s.db.Exec(schemaV1); err != nil {
		return fmt.Errorf("schema v1: %w", err)
	}
	for _, trig := range ftsTriggers {
		if _, err := s.db.Exec(trig); err != nil {
			return fmt.Errorf("fts trigger: %w", err)
		}
	}
	s.logger.Info().Msg("applied schema v1")
	return s.setSchemaVersion(1)
}

func (s *Store) migrateV2() error {
	v, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if v >= 2 {
		return nil
	}
	if _, err := s.db.Exec(schemaV2); err != nil {
		return fmt.Errorf("schema v2: %w", err)
	}
	s.logger.Info().Msg("applied schema v2")
	return s.setSchemaVersion(2)
}

func (s *Store) migrateV3() error {
	v, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if v >= 3 {
		return nil
	}
	if _, err := s.db.Exec(schemaV3); err != nil {
		return fmt.Errorf("schema v3: %w", err)
	}
	s.logger.Info().Msg("applied schema v3")
	return s.setSchemaVersion(3)
}
