package store

import (
	"context"
	"fmt"
	"path/filepath"
)

// Options carries backend-specific settings for New.
type Options struct {
	DataDir     string
	DatabaseURL string
	S3          S3Config
}

// New creates a Store based on the backend name.
//
// Supported backends:
//
//	"json"         - one JSON file per key in DataDir (default)
//	"sqlite"       - SQLite database at DataDir/crm.db (cgo driver)
//	"sqlite-nocgo" - same, using the pure-Go driver
//	"postgres"     - Postgres at DatabaseURL
//	"s3"           - S3 (or compatible) bucket
//	"memory"       - In-memory (ephemeral, for testing)
func New(ctx context.Context, backend string, opts Options) (Store, error) {
	switch backend {
	case "json", "":
		return NewJsonFileStore(opts.DataDir)
	case "sqlite":
		return NewSqliteStoreWithDriver(DriverCgo, filepath.Join(opts.DataDir, "crm.db"))
	case "sqlite-nocgo":
		return NewSqliteStoreWithDriver(DriverPure, filepath.Join(opts.DataDir, "crm.db"))
	case "postgres":
		return NewPostgresStore(ctx, opts.DatabaseURL)
	case "s3":
		return NewS3Store(ctx, opts.S3)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q (supported: json, sqlite, sqlite-nocgo, postgres, s3, memory)", backend)
	}
}
