package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresScope is the durable scope backed by a single key/value table,
// partitioned so multiple worker instances can share one database.
type PostgresScope struct {
	pool      DBPool
	partition string
	log       *zap.Logger
}

// NewPostgresScope verifies connectivity and returns the durable scope.
func NewPostgresScope(ctx context.Context, pool DBPool, partition string, logger *zap.Logger) (*PostgresScope, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresScope{
		pool:      pool,
		partition: partition,
		log:       logger.Named("pgstore"),
	}, nil
}

func (p *PostgresScope) Get(ctx context.Context, key string) (string, bool, error) {
	const query = `SELECT value FROM worker_kv WHERE partition = $1 AND key = $2;`
	var value string
	err := p.pool.QueryRow(ctx, query, p.partition, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return value, true, nil
}

func (p *PostgresScope) Set(ctx context.Context, key, value string) error {
	const query = `
        INSERT INTO worker_kv (partition, key, value, updated_at)
        VALUES ($1, $2, $3, now())
        ON CONFLICT (partition, key) DO UPDATE SET
            value = EXCLUDED.value,
            updated_at = EXCLUDED.updated_at;
    `
	if _, err := p.pool.Exec(ctx, query, p.partition, key, value); err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

func (p *PostgresScope) Delete(ctx context.Context, key string) error {
	const query = `DELETE FROM worker_kv WHERE partition = $1 AND key = $2;`
	if _, err := p.pool.Exec(ctx, query, p.partition, key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

func (p *PostgresScope) Clear(ctx context.Context) error {
	const query = `DELETE FROM worker_kv WHERE partition = $1;`
	if _, err := p.pool.Exec(ctx, query, p.partition); err != nil {
		return fmt.Errorf("failed to clear partition %s: %w", p.partition, err)
	}
	return nil
}
