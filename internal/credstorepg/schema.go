package credstorepg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the credential table if it does not exist.
// The layout matches the GORM-managed table so both drivers can share a database.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credential_entries (
    namespace TEXT NOT NULL,
    entry_key TEXT NOT NULL,
    entry_value TEXT NOT NULL,
    updated_at_unix BIGINT NOT NULL,
    PRIMARY KEY (namespace, entry_key)
);
`)
	return err
}
