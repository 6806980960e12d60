package sessionstore

import (
	"context"
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

// Config selects and configures a backend.
type Config struct {
	// Backend is one of memory, file, sqlite or s3.
	// Default: file
	Backend string

	// Path is the root directory (file) or database path (sqlite).
	Path string

	S3 S3Config
}

// Open builds the Store selected by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = BackendFile
	}

	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("session store path is required for backend %q", backend)
		}
		return NewFileStore(cfg.Path), nil
	case BackendSQLite:
		return OpenSQLite(ctx, SQLiteConfig{Path: cfg.Path})
	case BackendS3:
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown session store backend: %q", cfg.Backend)
	}
}
