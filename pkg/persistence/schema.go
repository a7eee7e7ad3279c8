package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 3

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func (s *Store) initializeSchemaWithMigrations() error {
	currentVersion, err := s.schemaVersion()
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// If database is empty (version 0), create fresh schema
	if currentVersion == 0 {
		return s.createSchema()
	}

	// If database is up-to-date, no migration needed
	if currentVersion == CurrentSchemaVersion {
		return nil
	}

	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("store schema version %d is newer than supported version %d", currentVersion, CurrentSchemaVersion)
	}

	return s.runMigrations(currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func (s *Store) runMigrations(fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := s.runMigration(version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}

		// Update schema version after successful migration
		if err := s.setSchemaVersion(version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

// runMigration applies a specific version migration.
func (s *Store) runMigration(version int) error {
	switch version {
	case 1:
		return nil // version 1 is always created fresh
	case 2:
		return s.migrateToVersion2()
	case 3:
		return s.migrateToVersion3()
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds the handled_at column so operators can see claim
// latency, and an index covering the pending-row poll.
func (s *Store) migrateToVersion2() error {
	migrations := []string{
		"ALTER TABLE dispatch_rows ADD COLUMN handled_at BIGINT",
		"CREATE INDEX IF NOT EXISTS idx_dispatch_pending ON dispatch_rows(bot_id, status, created_at)",
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}

	return nil
}

// migrateToVersion3 adds the response_summaries table used by synthesis
// waits and by the collaboration register.
func (s *Store) migrateToVersion3() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS response_summaries (
			id TEXT PRIMARY KEY,
			coord_chat_id TEXT NOT NULL,
			round_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			content TEXT NOT NULL,
			source_chat_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_summaries_round ON response_summaries(coord_chat_id, round_id, speaker)",
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}

	return nil
}

// createSchema creates all required tables and indices.
func (s *Store) createSchema() error {
	tables := []string{
		// Schema version tracking
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at BIGINT NOT NULL DEFAULT 0
		)`,

		// Per-bot dispatch rows. One row per (bot, message); the status
		// flip from pending to handled is the cross-process claim.
		`CREATE TABLE IF NOT EXISTS dispatch_rows (
			bot_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			speaker TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','handled')),
			created_at BIGINT NOT NULL,
			handled_at BIGINT,
			PRIMARY KEY (bot_id, message_id)
		)`,

		// Chat message log shared with the chat backend
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,

		// Post-dispatch response summaries keyed by coordination round
		`CREATE TABLE IF NOT EXISTS response_summaries (
			id TEXT PRIMARY KEY,
			coord_chat_id TEXT NOT NULL,
			round_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			content TEXT NOT NULL,
			source_chat_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_dispatch_pending ON dispatch_rows(bot_id, status, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_chat_messages_chat ON chat_messages(chat_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_summaries_round ON response_summaries(coord_chat_id, round_id, speaker)",
	}

	for _, ddl := range tables {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	for _, ddl := range indices {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := s.setSchemaVersion(CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// setSchemaVersion records the current schema version.
func (s *Store) setSchemaVersion(version int) error {
	query := s.rebind(`
		INSERT INTO schema_version (version, applied_at) VALUES (?, ?)
		ON CONFLICT (version) DO UPDATE SET applied_at = excluded.applied_at
	`)
	if _, err := s.db.Exec(query, version, nowMillis()); err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// schemaVersion returns the current schema version, creating the tracking
// table on first contact so a fresh database reads as version 0.
func (s *Store) schemaVersion() (int, error) {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure schema_version table: %w", err)
	}

	// MAX over an empty table scans as NULL on both backends
	var version sql.NullInt64
	err = s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
