package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS job_history (
	id          TEXT PRIMARY KEY,
	video_id    TEXT NOT NULL,
	media_type  TEXT NOT NULL,
	quality     TEXT NOT NULL,
	state       TEXT NOT NULL,
	error_kind  TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	bytes       INTEGER NOT NULL DEFAULT 0,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS job_history_finished_idx ON job_history (finished_at DESC);
`

// SQLite stores the ledger in a single file through the pure Go driver.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Record(ctx context.Context, e Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_history (id, video_id, media_type, quality, state, error_kind, title, bytes, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			error_kind = excluded.error_kind,
			title = excluded.title,
			bytes = excluded.bytes,
			finished_at = excluded.finished_at`,
		e.ID, e.VideoID, e.Type, e.Quality, e.State, e.ErrorKind, e.Title, e.Bytes,
		e.StartedAt.UnixNano(), e.FinishedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

func (s *SQLite) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, video_id, media_type, quality, state, error_kind, title, bytes, started_at, finished_at
		FROM job_history
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			started, finished int64
		)
		if err := rows.Scan(&e.ID, &e.VideoID, &e.Type, &e.Quality, &e.State, &e.ErrorKind, &e.Title, &e.Bytes, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.StartedAt = time.Unix(0, started).UTC()
		e.FinishedAt = time.Unix(0, finished).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close(context.Context) error {
	return s.db.Close()
}
