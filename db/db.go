package db

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/smtpd/config"
	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/metrics"
)

// MigrationsFS holds the schema migrations applied by Migrate.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS

type Database struct {
	Pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewDatabaseFromConfig connects the pool and, when enabled, brings the
// schema up to date.
func NewDatabaseFromConfig(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	lifetime, err := cfg.GetMaxConnLifetime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	poolConfig.MaxConnLifetime = lifetime

	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	logger.Info("Database: connecting", "host", cfg.Host, "port", cfg.Port, "name", cfg.Name, "user", cfg.User)

	if cfg.AutoMigrate {
		if err := Migrate(ctx, cfg.DSN()); err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	return &Database{Pool: pool, queryTimeout: queryTimeout}, nil
}

// NewDatabase wraps an existing pool.
func NewDatabase(pool *pgxpool.Pool) *Database {
	return &Database{Pool: pool, queryTimeout: 30 * time.Second}
}

func (d *Database) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// withTimeout bounds a single read query.
func (d *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.queryTimeout)
}

// Ping is used by the health endpoint.
func (d *Database) Ping(ctx context.Context) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return d.Pool.Ping(ctx)
}

// StartPoolMetrics starts a goroutine that periodically collects connection pool metrics
func (d *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := d.Pool.Stat()
				metrics.DBPoolTotalConns.Set(float64(stats.TotalConns()))
				metrics.DBPoolIdleConns.Set(float64(stats.IdleConns()))
				metrics.DBPoolAcquiredConns.Set(float64(stats.AcquiredConns()))
			}
		}
	}()
}

func observeQuery(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DBQueriesTotal.WithLabelValues(op, status).Inc()
}
