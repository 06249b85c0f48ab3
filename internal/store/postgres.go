package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL. PutIfAbsent maps to
// INSERT ... ON CONFLICT DO NOTHING, so first-write-wins holds across
// replicas of this service.
//
// Schema:
//
//	CREATE TABLE IF NOT EXISTS rampart_records (
//	    key        TEXT PRIMARY KEY,
//	    value      JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX IF NOT EXISTS idx_rampart_records_prefix
//	    ON rampart_records (key text_pattern_ops);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and verifies the connection.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM rampart_records WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres select: %w", err)
	}
	return value, nil
}

func (p *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO rampart_records (key, value, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("postgres upsert: %w", err)
	}
	return nil
}

func (p *PostgresStore) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		tag, err := p.pool.Exec(ctx,
			`INSERT INTO rampart_records (key, value, updated_at)
			 VALUES ($1, $2, NOW())
			 ON CONFLICT (key) DO NOTHING`,
			key, value)
		if err != nil {
			return nil, false, fmt.Errorf("postgres insert: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return value, true, nil
		}

		existing, err := p.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			// Lost the insert race, then the winner was deleted before
			// the read. Try again.
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	return nil, false, fmt.Errorf("postgres insert: key %s kept disappearing", key)
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM rampart_records WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("postgres delete: %w", err)
	}
	return nil
}

func (p *PostgresStore) ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)

	rows, err := p.pool.Query(ctx,
		`SELECT key, value FROM rampart_records WHERE key LIKE $1 ESCAPE '\'`,
		escaped+"%")
	if err != nil {
		return nil, fmt.Errorf("postgres scan: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("postgres scan row: %w", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres scan rows: %w", err)
	}

	return out, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
