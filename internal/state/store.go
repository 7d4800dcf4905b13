// Package state persists entity attributes across process restarts.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown state backend")

// Attributes is an entity's persisted attribute set, one JSON value per name.
type Attributes = map[string]json.RawMessage

// Store loads and saves attribute sets keyed by entity ID.
type Store interface {
	// Load returns the saved attributes, or nil if none were saved.
	Load(ctx context.Context, entityID string) (Attributes, error)
	Save(ctx context.Context, entityID string, attrs Attributes) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend string
	Dir     string // file, sqlite
	DSN     string // postgres
}

// Open returns the Store for opts.Backend.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("state")

	switch opts.Backend {
	case "", BackendFile:
		return NewFileStore(opts.Dir, logger)
	case BackendSQLite:
		return NewSQLiteStore(ctx, opts.Dir, logger)
	case BackendPostgres:
		return NewPostgresStore(ctx, opts.DSN, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}

func encode(attrs Attributes) ([]byte, error) {
	if attrs == nil {
		attrs = Attributes{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Attributes, error) {
	var attrs Attributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return attrs, nil
}
