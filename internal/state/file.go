package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileStore keeps one JSON document per entity under a directory.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

type fileDocument struct {
	EntityID   string     `json:"entity_id"`
	Attributes Attributes `json:"attributes"`
	SavedAt    time.Time  `json:"saved_at"`
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(entityID string) string {
	r := strings.NewReplacer("/", "_", `\`, "_", ":", "_", "$", "_")
	return filepath.Join(s.dir, r.Replace(entityID)+".json")
}

// Load reads the entity's document. A missing file is not an error.
func (s *FileStore) Load(_ context.Context, entityID string) (Attributes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(entityID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return doc.Attributes, nil
}

// Save writes the document with tmp + rename so a crash never leaves a
// partial file behind.
func (s *FileStore) Save(_ context.Context, entityID string, attrs Attributes) error {
	if attrs == nil {
		attrs = Attributes{}
	}
	data, err := json.MarshalIndent(fileDocument{
		EntityID:   entityID,
		Attributes: attrs,
		SavedAt:    time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(entityID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	s.logger.Debug("Saved state", zap.String("entity", entityID), zap.String("path", path))
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
