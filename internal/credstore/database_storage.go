package credstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DatabaseStorage persists credential entries using GORM.
type DatabaseStorage struct {
	db          *gorm.DB
	driverLabel string
	namespace   string
}

type credentialRecord struct {
	Namespace     string `gorm:"column:namespace;primaryKey"`
	EntryKey      string `gorm:"column:entry_key;primaryKey"`
	EntryValue    string `gorm:"column:entry_value;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (credentialRecord) TableName() string {
	return "credential_entries"
}

// NewDatabaseStorage opens a GORM-backed storage and migrates its table.
func NewDatabaseStorage(ctx context.Context, databaseURL string, namespace string) (*DatabaseStorage, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("credstore.database.open: %w", ErrEmptyStorageURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("credstore.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&credentialRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("credstore.migrate.%s: %w", driverLabel, migrateErr)
	}
	if strings.TrimSpace(namespace) == "" {
		namespace = DefaultNamespace
	}
	return &DatabaseStorage{
		db:          gormDB,
		driverLabel: driverLabel,
		namespace:   namespace,
	}, nil
}

// Driver exposes the selected database driver label.
func (storage *DatabaseStorage) Driver() string {
	return storage.driverLabel
}

// Load returns the value stored under key.
func (storage *DatabaseStorage) Load(ctx context.Context, key string) (string, bool, error) {
	var record credentialRecord
	err := storage.db.WithContext(ctx).
		Where("namespace = ? AND entry_key = ?", storage.namespace, key).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("credstore.load.%s: %w", storage.driverLabel, err)
	}
	return record.EntryValue, true, nil
}

// Save upserts all entries inside one transaction.
func (storage *DatabaseStorage) Save(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	nowUnix := time.Now().UTC().Unix()
	records := make([]credentialRecord, 0, len(entries))
	for key, value := range entries {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("credstore.save.%s: %w", storage.driverLabel, ErrEmptyKey)
		}
		records = append(records, credentialRecord{
			Namespace:     storage.namespace,
			EntryKey:      key,
			EntryValue:    value,
			UpdatedAtUnix: nowUnix,
		})
	}
	err := storage.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "namespace"}, {Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at_unix"}),
		}).Create(&records).Error
	})
	if err != nil {
		return fmt.Errorf("credstore.save.%s: %w", storage.driverLabel, err)
	}
	return nil
}

// Remove deletes all keys with a single statement.
func (storage *DatabaseStorage) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := storage.db.WithContext(ctx).
		Where("namespace = ? AND entry_key IN ?", storage.namespace, keys).
		Delete(&credentialRecord{}).Error
	if err != nil {
		return fmt.Errorf("credstore.remove.%s: %w", storage.driverLabel, err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (storage *DatabaseStorage) Close() error {
	sqlDB, err := storage.db.DB()
	if err != nil {
		return fmt.Errorf("credstore.close.%s: %w", storage.driverLabel, err)
	}
	return sqlDB.Close()
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("credstore.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credstore.dialect: %w", errNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credstore.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credstore.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedScheme)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
