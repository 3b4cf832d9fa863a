// Package extraction turns raw page content into candidate clauses by fanning
// chunks out to a completion service over a rotating pool of credentials.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
	"github.com/JakeFAU/clause-crawler/internal/metrics"
)

// Config bounds the batcher.
type Config struct {
	// MaxBatchWidth caps simultaneous outstanding requests.
	MaxBatchWidth int
	// MaxChars is the per-chunk character budget.
	MaxChars int
	// MaxAttempts bounds attempts per chunk. Credential re-dispatch does not count.
	MaxAttempts int
	// BackoffBase is the retry delay unit (base * 2^attempt).
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// WavePause is slept between waves.
	WavePause time.Duration
}

// Batcher implements the extraction contract Analyze(chunks) -> candidates.
type Batcher struct {
	cfg    Config
	pool   *CredentialPool
	cache  crawler.ExtractionCache
	hasher crawler.Hasher
	retry  *crawler.ExponentialRetryPolicy
	logger *zap.Logger
}

// Option customizes a Batcher.
type Option func(*Batcher)

// WithCache consults cache before spending a credential. hasher keys the cache.
func WithCache(cache crawler.ExtractionCache, hasher crawler.Hasher) Option {
	return func(b *Batcher) {
		b.cache = cache
		b.hasher = hasher
	}
}

// WithLogger sets the batcher logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Batcher) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBatcher builds a Batcher over pool.
func NewBatcher(pool *CredentialPool, cfg Config, opts ...Option) (*Batcher, error) {
	if pool == nil {
		return nil, fmt.Errorf("credential pool is required")
	}
	if cfg.MaxBatchWidth <= 0 {
		cfg.MaxBatchWidth = 5
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 30000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	b := &Batcher{
		cfg:    cfg,
		pool:   pool,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.retry = crawler.NewExponentialRetryPolicy(
		crawler.WithMaxAttempts(cfg.MaxAttempts),
		crawler.WithBaseDelay(cfg.BackoffBase),
		crawler.WithMaxDelay(cfg.BackoffMax),
	)
	return b, nil
}

// Analyze extracts candidates from chunks in waves no wider than
// min(MaxBatchWidth, active credentials). Result order within a wave follows
// chunk order. An exhausted credential pool aborts the whole batch.
func (b *Batcher) Analyze(ctx context.Context, chunks []crawler.Chunk) ([]crawler.Candidate, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	workers, err := ants.NewPool(b.cfg.MaxBatchWidth)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	defer workers.Release()

	var out []crawler.Candidate
	for start := 0; start < len(chunks); {
		width := b.waveWidth()
		if width == 0 {
			return nil, crawler.ErrCredentialsExhausted
		}
		end := min(start+width, len(chunks))
		results, err := b.runWave(ctx, workers, chunks[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, results...)
		b.logger.Debug("extraction wave done",
			zap.Int("from", start),
			zap.Int("to", end),
			zap.Int("width", width),
			zap.Int("candidates", len(results)),
		)
		start = end
		if start < len(chunks) {
			if err := crawler.Sleep(ctx, b.cfg.WavePause); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (b *Batcher) waveWidth() int {
	return min(b.cfg.MaxBatchWidth, b.pool.Active())
}

func (b *Batcher) runWave(ctx context.Context, workers *ants.Pool, wave []crawler.Chunk) ([]crawler.Candidate, error) {
	waveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([][]crawler.Candidate, len(wave))
	errs := make([]error, len(wave))
	var wg sync.WaitGroup
	for i, chunk := range wave {
		wg.Add(1)
		submitErr := workers.Submit(func() {
			defer wg.Done()
			results[i], errs[i] = b.analyzeChunk(waveCtx, chunk)
			if errors.Is(errs[i], crawler.ErrCredentialsExhausted) {
				cancel()
			}
		})
		if submitErr != nil {
			wg.Done()
			cancel()
			wg.Wait()
			return nil, fmt.Errorf("submit chunk %d: %w", chunk.Index, submitErr)
		}
	}
	wg.Wait()

	for _, err := range errs {
		if errors.Is(err, crawler.ErrCredentialsExhausted) {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("extraction wave: %w", err)
	}
	var out []crawler.Candidate
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// analyzeChunk returns (nil, nil) when every attempt failed; only pool exhaustion
// and cancellation are reported as errors.
func (b *Batcher) analyzeChunk(ctx context.Context, chunk crawler.Chunk) ([]crawler.Candidate, error) {
	prompt := BuildPrompt(chunk.Title, chunk.SourceURL, TruncateRunes(chunk.Text, b.cfg.MaxChars))
	log := b.logger.With(zap.Int("chunk", chunk.Index), zap.String("url", chunk.SourceURL))

	key := b.cacheKey(prompt)
	if cached, ok := b.cacheGet(ctx, key, log); ok {
		return withSource(cached, chunk.SourceURL), nil
	}

	lease, err := b.pool.Next()
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < b.cfg.MaxAttempts; {
		raw, err := lease.Client.Complete(ctx, prompt)
		if err == nil {
			candidates, perr := ParseResponse(raw)
			if perr == nil {
				metrics.ObserveExtraction("success")
				b.cachePut(ctx, key, candidates, log)
				return withSource(candidates, chunk.SourceURL), nil
			}
			err = perr
		}
		switch {
		case errors.Is(err, crawler.ErrCredentialInvalid):
			metrics.ObserveExtraction("credential_invalid")
			b.pool.Evict(lease.Index, err.Error())
			lease, err = b.pool.Next()
			if err != nil {
				log.Error("no credential left for chunk", zap.Error(err))
				return nil, err
			}
			log.Info("chunk re-dispatched", zap.Int("slot", lease.Index))
			continue
		case ctx.Err() != nil:
			return nil, fmt.Errorf("analyze chunk %d: %w", chunk.Index, ctx.Err())
		case errors.Is(err, crawler.ErrMalformedResponse):
			metrics.ObserveExtraction("malformed")
		case errors.Is(err, crawler.ErrRateLimited):
			metrics.ObserveExtraction("rate_limited")
		default:
			metrics.ObserveExtraction("error")
		}
		attempt++
		if !b.retry.ShouldRetry(err, attempt) {
			log.Warn("extraction attempt failed, giving up", zap.Int("slot", lease.Index), zap.Int("attempt", attempt), zap.Error(err))
			break
		}
		delay := b.retry.Backoff(attempt - 1)
		log.Warn("extraction attempt failed, backing off",
			zap.Int("slot", lease.Index), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		if err := crawler.Sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("analyze chunk %d: %w", chunk.Index, err)
		}
	}
	metrics.ObserveExtraction("exhausted")
	log.Warn("chunk yielded no clauses after all attempts", zap.Int("attempts", b.cfg.MaxAttempts))
	return nil, nil
}

func (b *Batcher) cacheKey(prompt string) string {
	if b.cache == nil || b.hasher == nil {
		return ""
	}
	key, err := b.hasher.Hash([]byte(prompt))
	if err != nil {
		return ""
	}
	return key
}

func (b *Batcher) cacheGet(ctx context.Context, key string, log *zap.Logger) ([]crawler.Candidate, bool) {
	if key == "" {
		return nil, false
	}
	cached, ok, err := b.cache.Get(ctx, key)
	if err != nil {
		log.Warn("extraction cache read failed", zap.Error(err))
		return nil, false
	}
	if ok {
		metrics.ObserveExtraction("cache_hit")
	}
	return cached, ok
}

func (b *Batcher) cachePut(ctx context.Context, key string, candidates []crawler.Candidate, log *zap.Logger) {
	if key == "" {
		return
	}
	if err := b.cache.Put(ctx, key, candidates); err != nil {
		log.Warn("extraction cache write failed", zap.Error(err))
	}
}

func withSource(candidates []crawler.Candidate, sourceURL string) []crawler.Candidate {
	out := make([]crawler.Candidate, len(candidates))
	for i, c := range candidates {
		c.SourceURL = sourceURL
		out[i] = c
	}
	return out
}
