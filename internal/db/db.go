package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ssuji15/orca/internal/config"
)

const connectTimeout = 5 * time.Second

// DB owns the pgx pool shared by the postgres document store.
type DB struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, cfg *config.PostgresConfig) (*DB, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("postgres connection url is empty")
	}

	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pg config: %w", err)
	}
	if cfg.MAX_CONNS > 0 {
		pc.MaxConns = cfg.MAX_CONNS
	}
	pc.MinConns = min(2, pc.MaxConns)
	pc.MaxConnLifetime = time.Hour
	pc.HealthCheckPeriod = 30 * time.Second

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &DB{Pool: pool}, nil
}

func (d *DB) Close(ctx context.Context) {
	d.Pool.Close()
}
