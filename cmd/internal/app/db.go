package app

import (
	"context"
	"time"

	"tuitui/cmd/internal/broker"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool builds a pgxpool and validates connectivity.
func NewDBPool(ctx context.Context, cfg ServerConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// newMessageStore picks Postgres when a database URL is configured and the in-memory store
// otherwise. The returned pool is nil in memory mode; the caller owns it.
func newMessageStore(ctx context.Context, cfg ServerConfig, log Logger) (broker.MessageStore, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return broker.NewInMemoryStore(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	st, err := broker.NewPostgresStore(pool, broker.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return st, pool, nil
}
