package credstore

import "errors"

var (
	// ErrUnsupportedScheme indicates that no storage driver is registered for the URL scheme.
	ErrUnsupportedScheme = errors.New("credstore.unsupported_scheme")
	// ErrEmptyStorageURL indicates that Open received a blank storage URL.
	ErrEmptyStorageURL = errors.New("credstore.empty_storage_url")
	// ErrEmptyKey indicates that a storage operation received a blank key.
	ErrEmptyKey = errors.New("credstore.empty_key")
	// ErrEmptyToken indicates that SetCredentials received a response without an access token.
	ErrEmptyToken = errors.New("credstore.empty_token")
	// ErrStorageClosed indicates that the storage driver was used after Close.
	ErrStorageClosed = errors.New("credstore.closed")

	errSQLiteEmptyPath  = errors.New("credstore.sqlite.empty_path")
	errSQLiteInvalidURL = errors.New("credstore.sqlite.invalid_url")
	errFileEmptyPath    = errors.New("credstore.file.empty_path")
	errNoScheme         = errors.New("credstore.no_scheme")
)
