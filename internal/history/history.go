// Package history keeps a ledger of finished jobs.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Entry is one finished job.
type Entry struct {
	ID         string    `json:"id"`
	VideoID    string    `json:"videoId"`
	Type       string    `json:"type"`
	Quality    string    `json:"quality"`
	State      string    `json:"state"`
	ErrorKind  string    `json:"errorKind,omitempty"`
	Title      string    `json:"title,omitempty"`
	Bytes      int64     `json:"bytes"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Store persists entries. Recent returns the newest first.
type Store interface {
	Record(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Config selects and configures a driver.
type Config struct {
	// Driver is memory, sqlite or postgres.
	Driver   string
	DSN      string
	Capacity int
	Postgres PostgresConfig
}

func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(cfg.Capacity), nil
	case "sqlite":
		store, err := OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres", "postgresql":
		pg := cfg.Postgres
		if pg.DSN == "" {
			pg.DSN = cfg.DSN
		}
		store, err := OpenPostgres(ctx, pg)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported history driver %q", cfg.Driver)
	}
}

// ClampLimit applies the default and the ceiling to a requested page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

func validate(e Entry) error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("history entry id is required")
	}
	return nil
}
