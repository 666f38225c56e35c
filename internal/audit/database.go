package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Database is the audit store connection. The server is first
// contacted on use, so an unreachable database fails writes rather
// than startup.
type Database struct {
	db     *sql.DB
	driver string

	mu    sync.Mutex
	ready bool
}

// NewDatabase prepares a sqlite3 or postgres pool without dialing
func NewDatabase(driver, dsn string) (*Database, error) {
	var (
		db  *sql.DB
		err error
	)

	switch driver {
	case "sqlite3":
		if err := ensureDir(filepath.Dir(dsn)); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err = sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_foreign_keys=1")
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// single writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(time.Hour)
	case "postgres":
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(4)
		db.SetConnMaxIdleTime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", driver)
	}

	return &Database{db: db, driver: driver}, nil
}

// OpenDatabase prepares the pool and connects right away
func OpenDatabase(ctx context.Context, driver, dsn string) (*Database, error) {
	d, err := NewDatabase(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := d.Connect(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Connect pings the server and creates the schema on first success.
// After a failure the next call tries again.
func (d *Database) Connect(ctx context.Context) error {
	_, err := d.conn(ctx)
	return err
}

func (d *Database) conn(ctx context.Context) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ready {
		return d.db, nil
	}
	if err := d.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := d.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	d.ready = true
	return d.db, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Ping checks the connection for health checks
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Driver returns the driver name
func (d *Database) Driver() string {
	return d.driver
}

func (d *Database) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS occurrences (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL,
		class TEXT NOT NULL,
		first_seen TIMESTAMP NOT NULL,
		peak_confidence DOUBLE PRECISION NOT NULL,
		frame_seq BIGINT NOT NULL,
		image_ref TEXT,
		recorded_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS occurrence_closures (
		occurrence_id TEXT PRIMARY KEY REFERENCES occurrences(id),
		last_seen TIMESTAMP NOT NULL,
		peak_confidence DOUBLE PRECISION NOT NULL,
		closed_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS job_outcomes (
		job_id TEXT PRIMARY KEY,
		occurrence_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT,
		finished_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_occurrences_site_time ON occurrences(site_id, first_seen);
	CREATE INDEX IF NOT EXISTS idx_job_outcomes_occurrence ON job_outcomes(occurrence_id);
	`

	// both drivers accept several statements in one parameterless Exec
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders for postgres
func (d *Database) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
