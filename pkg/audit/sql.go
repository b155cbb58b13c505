package audit

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ErrUnsupportedBackend is returned by Open for an unknown backend name
var ErrUnsupportedBackend = errors.New("unsupported audit backend")

// Config selects and configures an audit backend
type Config struct {
	Backend string // file, sqlite or postgres
	Path    string // file path, or sqlite database path
	DSN     string // postgres connection string
	Unit    string // tag stored with each SQL record
}

// Open creates a sink for the configured backend
func Open(cfg Config) (Sink, error) {
	switch cfg.Backend {
	case "file", "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("audit file path is required")
		}
		return OpenFile(cfg.Path)
	case "sqlite", "sqlite3":
		return OpenSQLite(cfg.Path, cfg.Unit)
	case "postgres", "postgresql":
		return OpenPostgres(cfg.DSN, cfg.Unit)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.Backend)
	}
}

// SQLSink stores one row per record. Each INSERT runs in its own
// implicit transaction, so a record is committed before Write returns.
type SQLSink struct {
	mu     sync.Mutex
	db     *sql.DB
	insert string
	query  string
	unit   string
	now    func() time.Time
	closed bool
}

// OpenSQLite opens (or creates) a SQLite audit database.
// synchronous=FULL makes every commit reach disk.
func OpenSQLite(path, unit string) (*SQLSink, error) {
	if path == "" {
		path = "audit.db"
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=FULL", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recorded_at DATETIME NOT NULL,
		unit TEXT NOT NULL,
		message TEXT NOT NULL
	);`
	return newSQLSink(db, schema,
		`INSERT INTO audit_records (recorded_at, unit, message) VALUES (?, ?, ?)`,
		`SELECT recorded_at, message FROM audit_records WHERE unit = ? ORDER BY id`, unit)
}

// OpenPostgres connects to PostgreSQL and ensures the audit table exists
func OpenPostgres(dsn, unit string) (*SQLSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id BIGSERIAL PRIMARY KEY,
		recorded_at TIMESTAMPTZ NOT NULL,
		unit TEXT NOT NULL,
		message TEXT NOT NULL
	);`
	return newSQLSink(db, schema,
		`INSERT INTO audit_records (recorded_at, unit, message) VALUES ($1, $2, $3)`,
		`SELECT recorded_at, message FROM audit_records WHERE unit = $1 ORDER BY id`, unit)
}

func newSQLSink(db *sql.DB, schema, insert, query, unit string) (*SQLSink, error) {
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLSink{db: db, insert: insert, query: query, unit: unit, now: time.Now}, nil
}

// Write inserts one record
func (s *SQLSink) Write(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, err := s.db.Exec(s.insert, s.now().UTC(), s.unit, message); err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// Entries returns all records for this sink's unit, oldest first
func (s *SQLSink) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(s.query, s.unit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Time, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		e.Time = e.Time.Local()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close is idempotent
func (s *SQLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
