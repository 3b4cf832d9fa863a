// Package badger implements the extraction result cache on BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
)

const keyPrefix = "extraction:"

// Config controls where the cache lives.
type Config struct {
	Dir      string        `mapstructure:"dir"`
	InMemory bool          `mapstructure:"in_memory"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Cache implements crawler.ExtractionCache.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	logger *zap.Logger
}

var _ crawler.ExtractionCache = (*Cache)(nil)

type zapAdapter struct {
	logger *zap.SugaredLogger
}

var _ badger.Logger = (*zapAdapter)(nil)

func (a *zapAdapter) Errorf(msg string, items ...any) {
	a.logger.Errorf(strings.TrimSpace(msg), items...)
}

func (a *zapAdapter) Warningf(msg string, items ...any) {
	a.logger.Warnf(strings.TrimSpace(msg), items...)
}

func (a *zapAdapter) Infof(msg string, items ...any) {
	a.logger.Debugf(strings.TrimSpace(msg), items...)
}

func (a *zapAdapter) Debugf(msg string, items ...any) {
	a.logger.Debugf(strings.TrimSpace(msg), items...)
}

// Open opens (or creates) the cache.
func Open(cfg Config, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(cfg.Dir) == "" {
			return nil, fmt.Errorf("cache directory is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts.Logger = &zapAdapter{logger: logger.Sugar()}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Cache{db: db, ttl: cfg.TTL, logger: logger}, nil
}

// Close releases the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached candidates for key.
func (c *Cache) Get(ctx context.Context, key string) ([]crawler.Candidate, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var out []crawler.Candidate
	found := false
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry: %w", err)
	}
	return out, found, nil
}

// Put stores candidates under key.
func (c *Cache) Put(ctx context.Context, key string, candidates []crawler.Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := json.Marshal(candidates)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(keyPrefix+key), val)
		if c.ttl > 0 {
			entry = entry.WithTTL(c.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Len counts cached entries.
func (c *Cache) Len() (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
