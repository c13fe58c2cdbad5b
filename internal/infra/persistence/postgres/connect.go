// Package postgres opens the pgx pool shared by the Postgres source and sink.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/logmerge/internal/infra/config"
	"github.com/coachpo/logmerge/internal/observability"
)

// PoolConfig translates cfg into pgxpool settings.
func PoolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns >= 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	return poolCfg, nil
}

// Connect builds a pool and pings it with exponential backoff until cfg.ConnectTimeout elapses.
// The pool is closed again when the database never answers.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger observability.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = observability.Log()
	}
	poolCfg, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if err := ping(ctx, pool, timeout, logger); err != nil {
		pool.Close()
		return nil, err
	}

	ObservePoolMetrics(pool, "primary")
	logger.Info("database connected",
		observability.F("host", poolCfg.ConnConfig.Host),
		observability.F("database", poolCfg.ConnConfig.Database),
		observability.F("max_conns", poolCfg.MaxConns))
	return pool, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func ping(ctx context.Context, db pinger, timeout time.Duration, logger observability.Logger) error {
	if logger == nil {
		logger = observability.Log()
	}
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, db.Ping(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Info("database not ready; retrying",
				observability.F("attempt", attempts),
				observability.F("retry_in", next.String()),
				observability.F("error", err))
		}),
	)
	if err != nil {
		return fmt.Errorf("ping database after %d attempts: %w", attempts, err)
	}
	return nil
}
