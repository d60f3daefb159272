package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS job_history (
	id          TEXT PRIMARY KEY,
	video_id    TEXT NOT NULL,
	media_type  TEXT NOT NULL,
	quality     TEXT NOT NULL,
	state       TEXT NOT NULL,
	error_kind  TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	bytes       BIGINT NOT NULL DEFAULT 0,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS job_history_finished_idx ON job_history (finished_at DESC);
`

// PostgresConfig describes the connection pool backing the ledger.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	AcquireTimeout  time.Duration
	ApplicationName string
}

type Postgres struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// OpenPostgres connects and applies the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	appName := cfg.ApplicationName
	if appName == "" {
		appName = "mediafetch"
	}
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	store := &Postgres{pool: pool, acquireTimeout: cfg.AcquireTimeout}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (p *Postgres) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (p *Postgres) migrate(ctx context.Context) error {
	return p.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin migration: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if _, err := tx.Exec(ctx, postgresSchema); err != nil {
			return fmt.Errorf("apply postgres schema: %w", err)
		}
		return tx.Commit(ctx)
	})
}

func (p *Postgres) Record(ctx context.Context, e Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	return p.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO job_history (id, video_id, media_type, quality, state, error_kind, title, bytes, started_at, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				state = EXCLUDED.state,
				error_kind = EXCLUDED.error_kind,
				title = EXCLUDED.title,
				bytes = EXCLUDED.bytes,
				finished_at = EXCLUDED.finished_at`,
			e.ID, e.VideoID, e.Type, e.Quality, e.State, e.ErrorKind, e.Title, e.Bytes,
			e.StartedAt.UTC(), e.FinishedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert history entry: %w", err)
		}
		return nil
	})
}

func (p *Postgres) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var out []Entry
	err := p.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT id, video_id, media_type, quality, state, error_kind, title, bytes, started_at, finished_at
			FROM job_history
			ORDER BY finished_at DESC, id DESC
			LIMIT $1`, ClampLimit(limit))
		if err != nil {
			return fmt.Errorf("query history: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var e Entry
			if err := rows.Scan(&e.ID, &e.VideoID, &e.Type, &e.Quality, &e.State, &e.ErrorKind, &e.Title, &e.Bytes, &e.StartedAt, &e.FinishedAt); err != nil {
				return fmt.Errorf("scan history: %w", err)
			}
			e.StartedAt = e.StartedAt.UTC()
			e.FinishedAt = e.FinishedAt.UTC()
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close waits for the pool to drain or ctx to end, whichever comes first.
func (p *Postgres) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
