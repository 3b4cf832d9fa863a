package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/clause-crawler/internal/storage/local"
)

// FileStore keeps the document in one indented JSON file.
type FileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("repository path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger}, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

type rawDocument struct {
	Metadata DocumentMetadata           `json:"metadata"`
	Clauses  map[string]json.RawMessage `json:"clauses"`
}

// Load reads the document. A missing file yields an empty document. Records
// that fail to decode or lack an id or title are dropped and logged.
func (s *FileStore) Load(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no repository file, starting empty", zap.String("path", s.path))
		return NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read repository: %w", err)
	}
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode repository: %w", err)
	}
	doc := NewDocument()
	if !raw.Metadata.LastUpdate.IsZero() {
		doc.Metadata.LastUpdate = raw.Metadata.LastUpdate
	}
	for key, msg := range raw.Clauses {
		var rec Record
		if err := json.Unmarshal(msg, &rec); err != nil {
			s.logger.Warn("discarding malformed clause", zap.String("id", key), zap.Error(err))
			continue
		}
		if rec.ID == "" {
			rec.ID = key
		}
		if rec.ID != key || strings.TrimSpace(rec.Content.Title) == "" {
			s.logger.Warn("discarding clause with inconsistent shape", zap.String("id", key))
			continue
		}
		doc.Clauses[key] = &rec
	}
	doc.Metadata.Stats = ComputeStats(doc.Clauses)
	return doc, nil
}

// Save writes doc with stats recomputed.
func (s *FileStore) Save(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc.Metadata.Stats = ComputeStats(doc.Clauses)
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("encode repository: %w", err)
	}
	if err := local.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write repository: %w", err)
	}
	return nil
}

// ReadDocument loads path without opening a Repository.
func ReadDocument(ctx context.Context, path string) (*Document, error) {
	store, err := NewFileStore(path, nil)
	if err != nil {
		return nil, err
	}
	return store.Load(ctx)
}
