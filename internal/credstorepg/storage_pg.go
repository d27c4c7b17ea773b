package credstorepg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStorage persists credential entries in PostgreSQL through pgx.
type PostgresStorage struct {
	pool      *pgxpool.Pool
	namespace string
}

// NewPostgresStorage constructs a pgx-backed storage scoped to namespace.
func NewPostgresStorage(pool *pgxpool.Pool, namespace string) *PostgresStorage {
	return &PostgresStorage{pool: pool, namespace: namespace}
}

// Load returns the value stored under key.
func (storage *PostgresStorage) Load(ctx context.Context, key string) (string, bool, error) {
	var value string
	row := storage.pool.QueryRow(ctx, `
SELECT entry_value
FROM credential_entries
WHERE namespace = $1 AND entry_key = $2
`, storage.namespace, key)
	if scanErr := row.Scan(&value); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("credstore.load.pgx: %w", scanErr)
	}
	return value, true, nil
}

// Save upserts every entry inside one transaction.
func (storage *PostgresStorage) Save(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	nowUnix := time.Now().UTC().Unix()
	err := pgx.BeginFunc(ctx, storage.pool, func(tx pgx.Tx) error {
		for key, value := range entries {
			if _, execErr := tx.Exec(ctx, `
INSERT INTO credential_entries (namespace, entry_key, entry_value, updated_at_unix)
VALUES ($1, $2, $3, $4)
ON CONFLICT (namespace, entry_key)
DO UPDATE SET entry_value = EXCLUDED.entry_value, updated_at_unix = EXCLUDED.updated_at_unix
`, storage.namespace, key, value, nowUnix); execErr != nil {
				return execErr
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("credstore.save.pgx: %w", err)
	}
	return nil
}

// Remove deletes every key with one statement.
func (storage *PostgresStorage) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := storage.pool.Exec(ctx, `
DELETE FROM credential_entries
WHERE namespace = $1 AND entry_key = ANY($2)
`, storage.namespace, keys)
	if err != nil {
		return fmt.Errorf("credstore.remove.pgx: %w", err)
	}
	return nil
}

// Close closes the pool.
func (storage *PostgresStorage) Close() error {
	storage.pool.Close()
	return nil
}
