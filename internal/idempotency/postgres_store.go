package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore shares replay records between API instances behind a load
// balancer.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS submit_replays (
    key TEXT PRIMARY KEY,
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
)`

const createIndexSQL = `CREATE INDEX IF NOT EXISTS submit_replays_expires_at_idx ON submit_replays (expires_at)`

// NewPostgresStore connects using dsn and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	for _, stmt := range []string{createTableSQL, createIndexSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT status_code, response, created_at, expires_at
FROM submit_replays
WHERE key = $1 AND expires_at > now()
`, key)

	var rec Record
	if err := row.Scan(&rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Save keeps the first record for a key; a concurrent duplicate submit must
// not overwrite the response that was already handed out.
func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO submit_replays (key, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (key) DO UPDATE
SET status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE submit_replays.expires_at <= now()
`, key, record.StatusCode, record.Response, record.CreatedAt, record.ExpiresAt)
	return err
}

// Purge deletes expired rows.
func (p *PostgresStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM submit_replays WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
