package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStorage keeps entries in a JSON file readable only by the owner.
type FileStorage struct {
	mutex sync.Mutex
	path  string
}

// NewFileStorage prepares a file-backed storage at path, creating parent directories.
func NewFileStorage(path string) (*FileStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("credstore.file.open: %w", errFileEmptyPath)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("credstore.file.open: %w", err)
	}
	return &FileStorage{path: path}, nil
}

// Path returns the backing file path.
func (storage *FileStorage) Path() string {
	return storage.path
}

// Load returns the value stored under key.
func (storage *FileStorage) Load(ctx context.Context, key string) (string, bool, error) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()

	entries, err := storage.readLocked()
	if err != nil {
		return "", false, err
	}
	value, ok := entries[key]
	return value, ok, nil
}

// Save merges entries into the file with a single rename.
func (storage *FileStorage) Save(ctx context.Context, entries map[string]string) error {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()

	current, err := storage.readLocked()
	if err != nil {
		return err
	}
	for key, value := range entries {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("credstore.file.save: %w", ErrEmptyKey)
		}
		current[key] = value
	}
	return storage.writeLocked(current)
}

// Remove deletes keys with a single rename.
func (storage *FileStorage) Remove(ctx context.Context, keys ...string) error {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()

	current, err := storage.readLocked()
	if err != nil {
		return err
	}
	changed := false
	for _, key := range keys {
		if _, ok := current[key]; ok {
			delete(current, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return storage.writeLocked(current)
}

// Close is a no-op; every write is already flushed.
func (storage *FileStorage) Close() error {
	return nil
}

func (storage *FileStorage) readLocked() (map[string]string, error) {
	data, err := os.ReadFile(storage.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("credstore.file.read: %w", err)
	}
	entries := make(map[string]string)
	if len(strings.TrimSpace(string(data))) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("credstore.file.decode: %w", err)
	}
	return entries, nil
}

func (storage *FileStorage) writeLocked(entries map[string]string) error {
	encoded, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore.file.encode: %w", err)
	}
	temporary, err := os.CreateTemp(filepath.Dir(storage.path), ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("credstore.file.write: %w", err)
	}
	temporaryPath := temporary.Name()
	defer func() { _ = os.Remove(temporaryPath) }()

	if err := temporary.Chmod(0o600); err != nil {
		_ = temporary.Close()
		return fmt.Errorf("credstore.file.write: %w", err)
	}
	if _, err := temporary.Write(encoded); err != nil {
		_ = temporary.Close()
		return fmt.Errorf("credstore.file.write: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("credstore.file.write: %w", err)
	}
	if err := os.Rename(temporaryPath, storage.path); err != nil {
		return fmt.Errorf("credstore.file.rename: %w", err)
	}
	return nil
}
