// Package journal records served transfer sessions in a SQLite database.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Entry is one served session.
type Entry struct {
	ID             string
	Remote         string
	Transport      string
	Image          string
	Started        time.Time
	Finished       time.Time
	HeaderRequests int
	ChunksServed   int
	Resyncs        int
	BytesServed    int64
	Completed      bool
	Error          string
}

// Duration is how long the session lasted.
func (e Entry) Duration() time.Duration { return e.Finished.Sub(e.Started) }

var ErrEmptyID = errors.New("journal entry has no id")

// Journal is a transfer journal backed by a single SQLite connection.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	connector, err := (&driver.SQLite{}).OpenConnector("file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("error creating sqlite connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func initSchema(db *sql.DB) error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS transfers
			( id TEXT PRIMARY KEY
			, remote TEXT NOT NULL
			, transport TEXT NOT NULL
			, image TEXT NOT NULL
			, started INTEGER NOT NULL
			, finished INTEGER NOT NULL
			, header_requests INTEGER NOT NULL
			, chunks_served INTEGER NOT NULL
			, resyncs INTEGER NOT NULL
			, bytes_served INTEGER NOT NULL
			, completed INTEGER NOT NULL
			, error TEXT NOT NULL
			)`,
		`CREATE INDEX IF NOT EXISTS transfers_started
			ON transfers(started DESC)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("error initializing journal schema: %w", err)
		}
	}
	return nil
}

// Record stores e, replacing any entry with the same id.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return ErrEmptyID
	}
	_, err := j.db.ExecContext(ctx, `INSERT OR REPLACE INTO transfers
		(id, remote, transport, image, started, finished, header_requests,
		 chunks_served, resyncs, bytes_served, completed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Remote, e.Transport, e.Image,
		e.Started.UnixMilli(), e.Finished.UnixMilli(),
		e.HeaderRequests, e.ChunksServed, e.Resyncs, e.BytesServed,
		e.Completed, e.Error,
	)
	if err != nil {
		return fmt.Errorf("record transfer %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx, `SELECT
		id, remote, transport, image, started, finished, header_requests,
		chunks_served, resyncs, bytes_served, completed, error
		FROM transfers ORDER BY started DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			started, finished int64
		)
		if err := rows.Scan(&e.ID, &e.Remote, &e.Transport, &e.Image, &started, &finished,
			&e.HeaderRequests, &e.ChunksServed, &e.Resyncs, &e.BytesServed,
			&e.Completed, &e.Error); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		e.Started = time.UnixMilli(started)
		e.Finished = time.UnixMilli(finished)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }
