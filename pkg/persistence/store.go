// Package persistence provides the SQL row store shared with the chat
// backend: the per-bot dispatch rows that drive reliable inbound delivery,
// the chat message log, and cross-agent response summaries. The store runs
// on SQLite (pure Go) for single-box deployments and tests, or on
// PostgreSQL when the chat backend already lives there.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
	_ "modernc.org/sqlite"             // pure-Go SQLite driver
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store wraps a database handle and the placeholder dialect that goes
// with it. All queries are written with ? placeholders and rebound for
// postgres at execution time.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens the row store and brings the schema up to the current
// version. SQLite connections are serialized through a single connection
// so concurrent writers never see SQLITE_BUSY.
func Open(driver, dsn string) (*Store, error) {
	var db *sql.DB
	var err error

	switch driver {
	case DriverSQLite:
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		db.SetMaxOpenConns(4)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}

	// Test connection with a simple ping
	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			_ = closeErr
		}
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	s := &Store{db: db, driver: driver}

	if driver == DriverSQLite {
		if err := s.applyPragmas(); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				_ = closeErr
			}
			return nil, err
		}
	}

	if err := s.initializeSchemaWithMigrations(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			_ = closeErr
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// applyPragmas enables WAL mode, foreign keys, and a busy timeout on the
// SQLite connection.
func (s *Store) applyPragmas() error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}

// Ping verifies the store is reachable. The inbound health loop calls
// this once a minute.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("store ping failed: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// Driver returns the driver name the store was opened with.
func (s *Store) Driver() string {
	return s.driver
}

// rebind rewrites ? placeholders to $1..$n for postgres. SQLite queries
// pass through unchanged.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Timestamps are stored as Unix milliseconds so ordering and cutoff
// comparisons behave identically on both backends.

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
