package frontier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/clause-crawler/internal/storage/local"
)

// FileStore persists frontier State as a JSON document.
type FileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore returns a store bound to path.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger}, nil
}

// Path returns the state file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the stored state. found is false on a first run (no file).
func (s *FileStore) Load(_ context.Context) (State, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no crawl state found, starting fresh", zap.String("path", s.path))
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("read crawl state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("decode crawl state: %w", err)
	}
	s.logger.Info("crawl state loaded",
		zap.String("path", s.path),
		zap.Int("pending", len(st.PendingURLs)),
		zap.Int("visited", len(st.VisitedURLs)),
	)
	return st, true, nil
}

// Save atomically replaces the state file.
func (s *FileStore) Save(_ context.Context, st State) error {
	visited := append([]string{}, st.VisitedURLs...)
	sort.Strings(visited)
	st.VisitedURLs = visited
	if st.PendingURLs == nil {
		st.PendingURLs = []string{}
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode crawl state: %w", err)
	}
	if err := local.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write crawl state: %w", err)
	}
	return nil
}
