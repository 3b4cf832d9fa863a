// Package pipeline runs the crawl loop: frontier, fetch, extraction and
// repository upsert, with the frontier state persisted at safe points.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
	"github.com/JakeFAU/clause-crawler/internal/frontier"
	"github.com/JakeFAU/clause-crawler/internal/repository"
)

// EventRepositoryUpdated is the event name of the completion notification.
const EventRepositoryUpdated = "repository.updated"

// Analyzer turns chunks into candidate clauses.
type Analyzer interface {
	Analyze(ctx context.Context, chunks []crawler.Chunk) ([]crawler.Candidate, error)
}

// Upserter ingests candidates.
type Upserter interface {
	Upsert(ctx context.Context, cand crawler.Candidate, locator string) (repository.UpsertResult, error)
	Stats() crawler.Stats
}

// StateStore persists the frontier between runs.
type StateStore interface {
	Load(ctx context.Context) (frontier.State, bool, error)
	Save(ctx context.Context, st frontier.State) error
}

// Config controls a run.
type Config struct {
	// MaxPages caps pages visited in one run. Zero means no cap.
	MaxPages int
	// ChunksPerBatch is how many page chunks are buffered before extraction.
	ChunksPerBatch int
	// Fresh ignores any saved frontier state.
	Fresh bool
	// ArchivePrefix prefixes raw page blob paths.
	ArchivePrefix string
	// Topic receives the completion notification when a publisher is set.
	Topic string
	// RepositoryPath is reported in the completion notification.
	RepositoryPath string
}

// Deps are the collaborators of a Pipeline. BlobStore and Publisher are optional.
type Deps struct {
	Sources   []crawler.Source
	Frontier  *frontier.Frontier
	State     StateStore
	Fetcher   crawler.Fetcher
	Analyzer  Analyzer
	Repo      Upserter
	BlobStore crawler.BlobStore
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Logger    *zap.Logger
}

// Report summarizes a run.
type Report struct {
	RunID           string        `json:"run_id"`
	Resumed         bool          `json:"resumed"`
	PagesVisited    int           `json:"pages_visited"`
	PagesFailed     int           `json:"pages_failed"`
	PagesArchived   int           `json:"pages_archived"`
	LinksEnqueued   int           `json:"links_enqueued"`
	ChunksAnalyzed  int           `json:"chunks_analyzed"`
	Candidates      int           `json:"candidates"`
	Created         int           `json:"created"`
	Updated         int           `json:"updated"`
	Unchanged       int           `json:"unchanged"`
	CapReached      bool          `json:"cap_reached"`
	PendingURLs     int           `json:"pending_urls"`
	Stats           crawler.Stats `json:"stats"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	NotificationID  string        `json:"notification_id,omitempty"`
	ArchiveFailures int           `json:"archive_failures"`
}

// Pipeline is one crawl run's wiring.
type Pipeline struct {
	cfg    Config
	deps   Deps
	scopes map[string]crawler.Source
	logger *zap.Logger

	buffer []crawler.Chunk
}

// New validates deps and builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Frontier == nil:
		return nil, fmt.Errorf("pipeline: frontier is required")
	case deps.State == nil:
		return nil, fmt.Errorf("pipeline: state store is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("pipeline: fetcher is required")
	case deps.Analyzer == nil:
		return nil, fmt.Errorf("pipeline: analyzer is required")
	case deps.Repo == nil:
		return nil, fmt.Errorf("pipeline: repository is required")
	case deps.Clock == nil || deps.IDs == nil:
		return nil, fmt.Errorf("pipeline: clock and id generator are required")
	case deps.BlobStore != nil && deps.Hasher == nil:
		return nil, fmt.Errorf("pipeline: hasher is required when archiving pages")
	}
	if len(deps.Sources) == 0 {
		return nil, fmt.Errorf("pipeline: at least one source is required")
	}
	if cfg.ChunksPerBatch <= 0 {
		cfg.ChunksPerBatch = 5
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scopes := make(map[string]crawler.Source)
	for _, src := range deps.Sources {
		for _, host := range src.Hosts() {
			scopes[host] = src
		}
	}
	return &Pipeline{cfg: cfg, deps: deps, scopes: scopes, logger: logger}, nil
}

// Run executes one crawl. A fatal extraction error aborts without saving the
// frontier past the last fully processed batch.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	runID, err := p.deps.IDs.NewID()
	if err != nil {
		return Report{}, fmt.Errorf("generate run id: %w", err)
	}
	report := Report{RunID: runID, StartedAt: p.deps.Clock.Now()}
	log := p.logger.With(zap.String("run_id", runID))

	if !p.cfg.Fresh {
		state, found, err := p.deps.State.Load(ctx)
		if err != nil {
			return report, fmt.Errorf("load crawl state: %w", err)
		}
		if found {
			p.deps.Frontier.Restore(state)
			report.Resumed = true
			log.Info("crawl state restored",
				zap.Int("pending", p.deps.Frontier.Pending()),
				zap.Int("visited", p.deps.Frontier.Visited()))
		}
	}
	for _, src := range p.deps.Sources {
		p.deps.Frontier.Enqueue(src.Seeds...)
	}

	for {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("crawl: %w", err)
		}
		if p.cfg.MaxPages > 0 && report.PagesVisited >= p.cfg.MaxPages {
			report.CapReached = true
			log.Warn("page ceiling reached", zap.Int("max_pages", p.cfg.MaxPages))
			break
		}
		next, ok := p.deps.Frontier.Next()
		if !ok {
			break
		}
		p.visit(ctx, next, &report, log)
		if len(p.buffer) >= p.cfg.ChunksPerBatch {
			if err := p.flush(ctx, &report, log); err != nil {
				return report, err
			}
		}
	}
	if err := p.flush(ctx, &report, log); err != nil {
		return report, err
	}

	report.PendingURLs = p.deps.Frontier.Pending()
	report.Stats = p.deps.Repo.Stats()
	report.FinishedAt = p.deps.Clock.Now()
	p.notify(ctx, &report, log)
	log.Info("crawl finished",
		zap.Int("visited", report.PagesVisited),
		zap.Int("failed", report.PagesFailed),
		zap.Int("candidates", report.Candidates),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Bool("cap_reached", report.CapReached),
		zap.Int("pending", report.PendingURLs))
	return report, nil
}

func (p *Pipeline) visit(ctx context.Context, target string, report *Report, log *zap.Logger) {
	src := p.sourceFor(target)
	page, ok := p.deps.Fetcher.Fetch(ctx, target, src.Kind)
	p.deps.Frontier.MarkVisited(target)
	report.PagesVisited++
	if !ok {
		report.PagesFailed++
		return
	}
	if page.FinalURL != "" && page.FinalURL != target {
		p.deps.Frontier.MarkVisited(page.FinalURL)
	}

	var inScope []string
	for _, link := range page.Links {
		if p.inScope(link) {
			inScope = append(inScope, link)
		}
	}
	report.LinksEnqueued += p.deps.Frontier.Enqueue(inScope...)

	p.archive(ctx, target, page, report, log)

	if strings.TrimSpace(page.Text) == "" {
		log.Debug("page has no content", zap.String("url", target))
		return
	}
	p.buffer = append(p.buffer, crawler.Chunk{
		Index:     report.ChunksAnalyzed + len(p.buffer),
		SourceURL: target,
		Title:     page.Title,
		Text:      page.Text,
	})
}

// flush analyzes buffered chunks, upserts every candidate and then saves the
// frontier. Every visited page is fully processed when the state is written.
func (p *Pipeline) flush(ctx context.Context, report *Report, log *zap.Logger) error {
	if len(p.buffer) > 0 {
		candidates, err := p.deps.Analyzer.Analyze(ctx, p.buffer)
		if err != nil {
			if errors.Is(err, crawler.ErrCredentialsExhausted) {
				log.Error("credential pool exhausted, aborting run", zap.Error(err))
			}
			return fmt.Errorf("analyze batch: %w", err)
		}
		report.ChunksAnalyzed += len(p.buffer)
		report.Candidates += len(candidates)
		for _, cand := range candidates {
			res, err := p.deps.Repo.Upsert(ctx, cand, cand.SourceURL)
			if err != nil {
				return fmt.Errorf("upsert candidate: %w", err)
			}
			switch res {
			case repository.UpsertCreated:
				report.Created++
			case repository.UpsertUpdated:
				report.Updated++
			default:
				report.Unchanged++
			}
		}
		p.buffer = p.buffer[:0]
	}
	if err := p.deps.State.Save(ctx, p.deps.Frontier.Snapshot()); err != nil {
		return fmt.Errorf("save crawl state: %w", err)
	}
	return nil
}

func (p *Pipeline) archive(ctx context.Context, target string, page crawler.Page, report *Report, log *zap.Logger) {
	if p.deps.BlobStore == nil || len(page.Body) == 0 {
		return
	}
	hash, err := p.deps.Hasher.Hash(page.Body)
	if err != nil {
		report.ArchiveFailures++
		log.Warn("hash page failed", zap.String("url", target), zap.Error(err))
		return
	}
	path := p.blobPath(crawler.Hostname(target), hash)
	if _, err := p.deps.BlobStore.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(page.Body)); err != nil {
		report.ArchiveFailures++
		log.Warn("archive page failed", zap.String("url", target), zap.Error(err))
		return
	}
	report.PagesArchived++
}

func (p *Pipeline) blobPath(host, hash string) string {
	prefix := strings.Trim(p.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", host, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, host, hash)
}

func (p *Pipeline) notify(ctx context.Context, report *Report, log *zap.Logger) {
	if p.deps.Publisher == nil || p.cfg.Topic == "" {
		return
	}
	event := crawler.RepositoryUpdated{
		Event:     EventRepositoryUpdated,
		RunID:     report.RunID,
		Path:      p.cfg.RepositoryPath,
		Stats:     report.Stats,
		Timestamp: report.FinishedAt,
	}
	id, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, event)
	if err != nil {
		log.Warn("publish repository update failed", zap.String("topic", p.cfg.Topic), zap.Error(err))
		return
	}
	report.NotificationID = id
}

func (p *Pipeline) sourceFor(raw string) crawler.Source {
	return p.scopes[crawler.Hostname(raw)]
}

// inScope keeps links on a configured host and, when the source lists path
// prefixes, under one of them.
func (p *Pipeline) inScope(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	src, ok := p.scopes[strings.ToLower(u.Hostname())]
	if !ok {
		return false
	}
	if len(src.AllowPrefixes) == 0 {
		return true
	}
	for _, prefix := range src.AllowPrefixes {
		if strings.HasPrefix(u.Path, prefix) {
			return true
		}
	}
	return false
}
