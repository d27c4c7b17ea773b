package credstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStorage is an in-memory Storage intended for tests and ephemeral sessions.
type MemoryStorage struct {
	mutex   sync.Mutex
	entries map[string]string
	closed  bool
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[string]string)}
}

// Load returns the value stored under key.
func (storage *MemoryStorage) Load(ctx context.Context, key string) (string, bool, error) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()

	if storage.closed {
		return "", false, fmt.Errorf("credstore.memory.load: %w", ErrStorageClosed)
	}
	value, ok := storage.entries[key]
	return value, ok, nil
}

// Save writes all entries under one lock.
func (storage *MemoryStorage) Save(ctx context.Context, entries map[string]string) error {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()

	if storage.closed {
		return fmt.Errorf("credstore.memory.save: %w", ErrStorageClosed)
	}
	for key := range entries {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("credstore.memory.save: %w", ErrEmptyKey)
		}
	}
	for key, value := range entries {
		storage.entries[key] = value
	}
	return nil
}

// Remove deletes all keys under one lock.
func (storage *MemoryStorage) Remove(ctx context.Context, keys ...string) error {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()

	if storage.closed {
		return fmt.Errorf("credstore.memory.remove: %w", ErrStorageClosed)
	}
	for _, key := range keys {
		delete(storage.entries, key)
	}
	return nil
}

// Close marks the storage unusable.
func (storage *MemoryStorage) Close() error {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	storage.closed = true
	return nil
}

// Len reports how many keys are stored.
func (storage *MemoryStorage) Len() int {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	return len(storage.entries)
}
