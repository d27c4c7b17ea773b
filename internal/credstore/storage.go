package credstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/credstorepg"
)

// Storage is the persistent key-value backend behind the credential store.
type Storage interface {
	// Load returns the value stored under key and whether it was present.
	Load(ctx context.Context, key string) (string, bool, error)
	// Save writes every entry in a single atomic step.
	Save(ctx context.Context, entries map[string]string) error
	// Remove deletes every key in a single atomic step. Missing keys are ignored.
	Remove(ctx context.Context, keys ...string) error
	// Close releases driver resources.
	Close() error
}

// Open resolves a Storage driver from the URL scheme.
//
// Supported schemes: memory, file, redis, sqlite, postgres (GORM), and pgx.
func Open(ctx context.Context, storageURL string, namespace string) (Storage, string, error) {
	if strings.TrimSpace(storageURL) == "" {
		return nil, "", fmt.Errorf("credstore.open: %w", ErrEmptyStorageURL)
	}
	parsed, err := url.Parse(storageURL)
	if err != nil {
		return nil, "", fmt.Errorf("credstore.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credstore.open: %w", errNoScheme)
	}
	if strings.TrimSpace(namespace) == "" {
		namespace = DefaultNamespace
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory":
		return NewMemoryStorage(), "memory", nil
	case "file":
		path := parsed.Path
		if parsed.Host != "" {
			path = parsed.Host + path
		}
		storage, fileErr := NewFileStorage(path)
		if fileErr != nil {
			return nil, "", fileErr
		}
		return storage, "file", nil
	case "redis", "rediss":
		storage, redisErr := NewRedisStorageFromURL(ctx, storageURL, namespace)
		if redisErr != nil {
			return nil, "", redisErr
		}
		return storage, "redis", nil
	case "pgx":
		parsed.Scheme = "postgres"
		pool, poolErr := credstorepg.BuildPool(ctx, parsed.String())
		if poolErr != nil {
			return nil, "", fmt.Errorf("credstore.open.pgx: %w", poolErr)
		}
		if schemaErr := credstorepg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, "", fmt.Errorf("credstore.migrate.pgx: %w", schemaErr)
		}
		return credstorepg.NewPostgresStorage(pool, namespace), "pgx", nil
	default:
		storage, dbErr := NewDatabaseStorage(ctx, storageURL, namespace)
		if dbErr != nil {
			return nil, "", dbErr
		}
		return storage, storage.Driver(), nil
	}
}
