// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/clause-crawler/internal/api"
	badgercache "github.com/JakeFAU/clause-crawler/internal/cache/badger"
	"github.com/JakeFAU/clause-crawler/internal/clock/system"
	"github.com/JakeFAU/clause-crawler/internal/config"
	"github.com/JakeFAU/clause-crawler/internal/crawler"
	"github.com/JakeFAU/clause-crawler/internal/enrichment"
	"github.com/JakeFAU/clause-crawler/internal/extraction"
	collyfetcher "github.com/JakeFAU/clause-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/clause-crawler/internal/frontier"
	"github.com/JakeFAU/clause-crawler/internal/hash/sha256"
	"github.com/JakeFAU/clause-crawler/internal/id/uuid"
	"github.com/JakeFAU/clause-crawler/internal/llm"
	"github.com/JakeFAU/clause-crawler/internal/pipeline"
	"github.com/JakeFAU/clause-crawler/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/clause-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/clause-crawler/internal/repository"
	"github.com/JakeFAU/clause-crawler/internal/storage/gcs"
	"github.com/JakeFAU/clause-crawler/internal/storage/local"
	"github.com/JakeFAU/clause-crawler/internal/storage/postgres"
)

// ErrNoCredentials is returned when an LLM-backed service is requested but
// no completion credential was discovered.
var ErrNoCredentials = errors.New("no completion credentials configured")

// App holds the shared, long-lived services of one process. It is built once
// at startup by the CLI and closed when the command returns.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock
	ids    crawler.IDGenerator
	hasher crawler.Hasher

	repoStore *repository.FileStore
	repo      *repository.Repository
	mirror    *postgres.ClauseStore
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	cache     *badgercache.Cache
	fetcher   crawler.Fetcher

	completers []crawler.Completer
	pool       *extraction.CredentialPool

	closers []func() error
}

// Option customizes App construction, mostly for tests.
type Option func(*App)

// WithCompleters bypasses credential discovery and uses the given completers as pool slots.
func WithCompleters(completers ...crawler.Completer) Option {
	return func(a *App) {
		a.completers = completers
	}
}

// WithPublisher replaces the configured notification publisher.
func WithPublisher(p crawler.Publisher) Option {
	return func(a *App) {
		a.publisher = p
	}
}

// WithBlobStore replaces the configured page archive.
func WithBlobStore(b crawler.BlobStore) Option {
	return func(a *App) {
		a.blobs = b
	}
}

// WithFetcher replaces the colly fetcher.
func WithFetcher(f crawler.Fetcher) Option {
	return func(a *App) {
		a.fetcher = f
	}
}

// WithClock replaces the wall clock.
func WithClock(c crawler.Clock) Option {
	return func(a *App) {
		a.clock = c
	}
}

// New builds the services described by cfg. Optional backends (Postgres
// mirror, blob archive, Pub/Sub, cache) are only dialed when configured.
// It fails fast when a configured backend cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.NewUUIDGenerator(),
		hasher: sha256.New(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.initStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initRepository(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initNotifications(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initCache(); err != nil {
		a.Close()
		return nil, err
	}
	if a.fetcher == nil {
		a.fetcher = a.newFetcher()
	}
	logger.Info("application services initialized",
		zap.String("repository", cfg.Repository.Path),
		zap.Int("clauses", a.repo.Len()),
		zap.Bool("mirror", a.mirror != nil),
		zap.Bool("archive", a.blobs != nil),
		zap.Bool("notifications", a.publisher != nil),
		zap.Bool("cache", a.cache != nil))
	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	if a.blobs != nil {
		return nil
	}
	switch a.cfg.Storage.Backend {
	case config.StorageLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("init local page archive: %w", err)
		}
		a.blobs = store
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("init gcs page archive: %w", err)
		}
		a.blobs = store
	}
	return nil
}

func (a *App) initRepository(ctx context.Context) error {
	store, err := repository.NewFileStore(a.cfg.Repository.Path, a.logger.Named("repository"))
	if err != nil {
		return fmt.Errorf("init repository store: %w", err)
	}
	a.repoStore = store

	repoOpts := []repository.Option{repository.WithLogger(a.logger.Named("repository"))}
	if a.cfg.DB.DSN != "" {
		mirror, err := postgres.NewClauseStore(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			Table:           a.cfg.DB.Table,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("init postgres mirror: %w", err)
		}
		a.closers = append(a.closers, func() error { mirror.Close(); return nil })
		if err := mirror.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("init postgres mirror: %w", err)
		}
		a.mirror = mirror
		repoOpts = append(repoOpts, repository.WithMirror(mirror))
	}

	repo, err := repository.Open(ctx, store, a.clock, a.ids, repoOpts...)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	a.repo = repo
	return nil
}

func (a *App) initNotifications(ctx context.Context) error {
	if a.publisher != nil || a.cfg.PubSub.TopicName == "" {
		return nil
	}
	pub, err := pubsubpublisher.Dial(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("init pubsub publisher: %w", err)
	}
	a.closers = append(a.closers, pub.Close)
	a.publisher = pub
	return nil
}

func (a *App) initCache() error {
	if !a.cfg.Cache.Enabled {
		return nil
	}
	cache, err := badgercache.Open(badgercache.Config{
		Dir:      a.cfg.Cache.Dir,
		InMemory: a.cfg.Cache.InMemory,
		TTL:      a.cfg.Cache.TTL,
	}, a.logger.Named("cache"))
	if err != nil {
		return fmt.Errorf("init extraction cache: %w", err)
	}
	a.closers = append(a.closers, cache.Close)
	a.cache = cache
	return nil
}

func (a *App) newFetcher() *collyfetcher.Fetcher {
	markers := make(map[crawler.SourceKind][]string)
	for _, src := range a.cfg.Sources {
		markers[src.Kind] = append(markers[src.Kind], src.NotFoundMarkers...)
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Crawler.RequestsPerSec,
		DefaultBurst: a.cfg.Crawler.Burst,
	})
	return collyfetcher.New(collyfetcher.Config{
		UserAgent:       a.cfg.Crawler.UserAgent,
		AcceptLanguage:  a.cfg.HTTP.AcceptLanguage,
		RespectRobots:   a.cfg.Crawler.RespectRobots,
		Timeout:         a.cfg.HTTP.Timeout,
		MaxAttempts:     a.cfg.HTTP.MaxAttempts,
		BackoffBase:     a.cfg.HTTP.BackoffInitial,
		BackoffMax:      a.cfg.HTTP.BackoffMax,
		NotFoundMarkers: markers,
		MinTextLength:   a.cfg.HTTP.MinTextLength,
	}, limiter, a.clock, a.logger.Named("fetcher"))
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Repository returns the clause repository.
func (a *App) Repository() *repository.Repository {
	return a.repo
}

// Mirror returns the Postgres mirror, or nil when none is configured.
func (a *App) Mirror() *postgres.ClauseStore {
	return a.mirror
}

// Pool returns the credential pool, building it from discovered credentials
// on first use.
func (a *App) Pool() (*extraction.CredentialPool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	completers := a.completers
	if len(completers) == 0 {
		creds := a.cfg.Credentials()
		if len(creds) == 0 {
			return nil, ErrNoCredentials
		}
		clients, err := llm.NewClients(llm.Config{
			BaseURL:     a.cfg.LLM.BaseURL,
			Model:       a.cfg.LLM.Model,
			Temperature: a.cfg.LLM.Temperature,
			Timeout:     a.cfg.LLM.Timeout,
		}, creds)
		if err != nil {
			return nil, fmt.Errorf("init completion clients: %w", err)
		}
		completers = clients
	}
	pool, err := extraction.NewCredentialPool(completers, a.clock, a.logger.Named("credentials"))
	if err != nil {
		return nil, fmt.Errorf("init credential pool: %w", err)
	}
	a.pool = pool
	return pool, nil
}

// Pipeline wires a crawl run. fresh ignores any saved frontier state.
func (a *App) Pipeline(fresh bool) (*pipeline.Pipeline, error) {
	pool, err := a.Pool()
	if err != nil {
		return nil, err
	}
	batchOpts := []extraction.Option{extraction.WithLogger(a.logger.Named("extraction"))}
	if a.cache != nil {
		batchOpts = append(batchOpts, extraction.WithCache(a.cache, a.hasher))
	}
	batcher, err := extraction.NewBatcher(pool, extraction.Config{
		MaxBatchWidth: a.cfg.Extraction.MaxBatchWidth,
		MaxChars:      a.cfg.Extraction.MaxChars,
		MaxAttempts:   a.cfg.Extraction.MaxAttempts,
		BackoffBase:   a.cfg.Extraction.BackoffBase,
		BackoffMax:    a.cfg.Extraction.BackoffMax,
		WavePause:     a.cfg.Extraction.WavePause,
	}, batchOpts...)
	if err != nil {
		return nil, fmt.Errorf("init extraction batcher: %w", err)
	}
	states, err := frontier.NewFileStore(a.cfg.Crawler.StatePath, a.logger.Named("frontier"))
	if err != nil {
		return nil, fmt.Errorf("init crawl state store: %w", err)
	}
	p, err := pipeline.New(pipeline.Config{
		MaxPages:       a.cfg.Crawler.MaxPages,
		ChunksPerBatch: a.cfg.Crawler.ChunksPerBatch,
		Fresh:          fresh,
		ArchivePrefix:  a.cfg.Storage.Prefix,
		Topic:          a.cfg.PubSub.TopicName,
		RepositoryPath: a.cfg.Repository.Path,
	}, pipeline.Deps{
		Sources:   a.cfg.Sources,
		Frontier:  frontier.New(a.clock),
		State:     states,
		Fetcher:   a.fetcher,
		Analyzer:  batcher,
		Repo:      a.repo,
		BlobStore: a.blobs,
		Publisher: a.publisher,
		Hasher:    a.hasher,
		Clock:     a.clock,
		IDs:       a.ids,
		Logger:    a.logger.Named("pipeline"),
	})
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}
	return p, nil
}

// Deduplicator wires the similarity-driven merge pass.
func (a *App) Deduplicator() (*repository.Deduplicator, error) {
	pool, err := a.Pool()
	if err != nil {
		return nil, err
	}
	cmp := llm.NewComparator(pool.Completer(), a.logger.Named("comparator"))
	return repository.NewDeduplicator(a.repo, cmp, float64(a.cfg.Repository.MergeThreshold), a.logger.Named("merge")), nil
}

// Enricher wires the enrichment pass.
func (a *App) Enricher() (*enrichment.Enricher, error) {
	pool, err := a.Pool()
	if err != nil {
		return nil, err
	}
	return enrichment.New(a.repo, pool.Completer(), a.cfg.Repository.EnrichAttempts, a.logger.Named("enrichment"),
		enrichment.WithBackoff(a.cfg.Extraction.BackoffBase, a.cfg.Extraction.BackoffMax)), nil
}

// Server builds the status server over the repository file.
func (a *App) Server() *api.Server {
	return api.NewServer(a.repoStore, api.Options{APIKey: a.cfg.Server.APIKey}, a.logger.Named("api"))
}

// Close releases every backend. It is safe to call more than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
}
