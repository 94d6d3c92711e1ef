package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

// PostgresBackend stores one row per user and upserts only the rows that changed.
type PostgresBackend struct {
	pool  *pgxpool.Pool
	table string
}

var (
	_ Backend       = (*PostgresBackend)(nil)
	_ HealthChecker = (*PostgresBackend)(nil)
)

// PostgresOption configures PostgresBackend.
type PostgresOption func(*PostgresBackend)

// WithTable sets the table name (default "user_quotas").
func WithTable(name string) PostgresOption {
	return func(b *PostgresBackend) { b.table = name }
}

// NewPostgresBackend creates a backend on pool. Call EnsureSchema before use.
func NewPostgresBackend(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresBackend, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	b := &PostgresBackend{pool: pool, table: "user_quotas"}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// EnsureSchema creates the quota table if it does not exist.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			user_id TEXT PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 0 CHECK (count >= 0),
			image_count INTEGER NOT NULL DEFAULT 0 CHECK (image_count >= 0),
			last_reset TIMESTAMPTZ NOT NULL,
			last_image_reset TIMESTAMPTZ NOT NULL
		)`, b.table)
	if _, err := b.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("quota/postgres: ensure schema: %w", err)
	}
	return nil
}

// Load returns every row. An empty table is a valid empty mapping.
func (b *PostgresBackend) Load(ctx context.Context) (map[string]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := b.pool.Query(ctx, fmt.Sprintf(
		`SELECT user_id, count, image_count, last_reset, last_image_reset FROM %s`, b.table))
	if err != nil {
		return nil, fmt.Errorf("quota/postgres: query: %w", err)
	}
	defer rows.Close()

	records := make(map[string]Record)
	for rows.Next() {
		var id string
		var r Record
		if err := rows.Scan(&id, &r.TextCount, &r.ImageCount, &r.LastTextReset, &r.LastImageReset); err != nil {
			return nil, fmt.Errorf("quota/postgres: scan: %w", err)
		}
		r.LastTextReset = stamp(r.LastTextReset)
		r.LastImageReset = stamp(r.LastImageReset)
		records[id] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quota/postgres: iterate: %w", err)
	}
	return records, nil
}

// Save upserts the changed users, or every user when changed is empty.
func (b *PostgresBackend) Save(ctx context.Context, records map[string]Record, changed ...string) error {
	ids := changed
	if len(ids) == 0 {
		ids = make([]string, 0, len(records))
		for id := range records {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	q := fmt.Sprintf(`
		INSERT INTO %s (user_id, count, image_count, last_reset, last_image_reset)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET count = EXCLUDED.count,
		    image_count = EXCLUDED.image_count,
		    last_reset = EXCLUDED.last_reset,
		    last_image_reset = EXCLUDED.last_image_reset`, b.table)

	batch := &pgx.Batch{}
	for _, id := range ids {
		r, ok := records[id]
		if !ok {
			continue
		}
		batch.Queue(q, id, r.TextCount, r.ImageCount, r.LastTextReset, r.LastImageReset)
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("quota/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("quota/postgres: upsert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("quota/postgres: commit: %w", err)
	}
	return nil
}

func (b *PostgresBackend) HealthCheck(ctx context.Context) error {
	return b.pool.Ping(ctx)
}
