// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
	"github.com/JakeFAU/clause-crawler/internal/metrics"
)

const (
	defaultUserAgent      = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	defaultAccept         = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	defaultAcceptLanguage = "fr-FR,fr;q=0.9,en-US;q=0.8,en;q=0.7"
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	Accept         string
	AcceptLanguage string
	RespectRobots  bool
	Timeout        time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	// NotFoundMarkers lists body substrings that identify a soft "page does not exist" response per source kind.
	NotFoundMarkers map[crawler.SourceKind][]string
	// MinTextLength is the minimum length of a fallback text block.
	MinTextLength int
}

// Waiter paces requests per host.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	limiter       Waiter
	retry         *crawler.ExponentialRetryPolicy
	extractor     *contentExtractor
	clock         crawler.Clock
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
	OnHTML(string, colly.HTMLCallback)
}

// fetchResult accumulates what the collector callbacks observe for one attempt.
type fetchResult struct {
	page        crawler.Page
	contentHTML string
	blocks      []string
	err         error
}

var errUnexpectedStatus = errors.New("unexpected status")

// New builds a Fetcher. limiter and clock may be nil.
func New(cfg Config, limiter Waiter, clock crawler.Clock, logger *zap.Logger) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Accept == "" {
		cfg.Accept = defaultAccept
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = defaultAcceptLanguage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.MinTextLength <= 0 {
		cfg.MinTextLength = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	// Retries revisit the same URL through the shared visit store.
	c.AllowURLRevisit = true
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		limiter:       limiter,
		retry: crawler.NewExponentialRetryPolicy(
			crawler.WithMaxAttempts(cfg.MaxAttempts),
			crawler.WithBaseDelay(cfg.BackoffBase),
			crawler.WithMaxDelay(cfg.BackoffMax),
		),
		extractor: newContentExtractor(),
		clock:     clock,
		logger:    logger,
	}
}

// Fetch retrieves url with bounded retries. ok is false for every non-success outcome.
func (f *Fetcher) Fetch(ctx context.Context, url string, kind crawler.SourceKind) (crawler.Page, bool) {
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return crawler.Page{}, false
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, url); err != nil {
				f.logger.Warn("rate limiter wait aborted", zap.String("url", url), zap.Error(err))
				return crawler.Page{}, false
			}
		}
		page, err := f.fetchOnce(ctx, url, kind)
		if err == nil {
			metrics.ObserveCrawl(url, "success", len(page.Body))
			return page, true
		}
		if errors.Is(err, crawler.ErrNotFound) {
			metrics.ObserveCrawl(url, "not_found", 0)
			f.logger.Info("page not found", zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
			return crawler.Page{}, false
		}
		f.logger.Warn("fetch attempt failed", zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
		if !f.retry.ShouldRetry(err, attempt) {
			metrics.ObserveCrawl(url, "failed", 0)
			return crawler.Page{}, false
		}
		if err := f.retry.Wait(ctx, attempt-1); err != nil {
			return crawler.Page{}, false
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string, kind crawler.SourceKind) (crawler.Page, error) {
	result := &fetchResult{}
	start := time.Now()
	collector := f.buildCollector(result, start)

	if err := f.runCollector(ctx, collector, url); err != nil && result.page.StatusCode == 0 {
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			return crawler.Page{}, fmt.Errorf("%w: %v", crawler.ErrNotFound, err)
		}
		return crawler.Page{}, err
	}
	return f.classify(result, url, kind)
}

func (f *Fetcher) classify(result *fetchResult, url string, kind crawler.SourceKind) (crawler.Page, error) {
	status := result.page.StatusCode
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return crawler.Page{}, fmt.Errorf("%w: status %d", crawler.ErrNotFound, status)
	case status < 200 || status > 299:
		if result.err != nil {
			return crawler.Page{}, fmt.Errorf("%w %d: %v", errUnexpectedStatus, status, result.err)
		}
		return crawler.Page{}, fmt.Errorf("%w %d", errUnexpectedStatus, status)
	}
	if len(strings.TrimSpace(string(result.page.Body))) == 0 {
		return crawler.Page{}, fmt.Errorf("%w: empty body", crawler.ErrNotFound)
	}
	if marker, ok := f.notFoundMarker(result.page.Body, kind); ok {
		return crawler.Page{}, fmt.Errorf("%w: body contains %q", crawler.ErrNotFound, marker)
	}

	page := result.page
	page.Kind = kind
	if page.URL == "" {
		page.URL = url
	}
	page.Text = f.extractor.text(result.contentHTML, result.blocks, page.FinalURL)
	if f.clock != nil {
		page.FetchedAt = f.clock.Now()
	} else {
		page.FetchedAt = time.Now().UTC()
	}
	return page, nil
}

func (f *Fetcher) notFoundMarker(body []byte, kind crawler.SourceKind) (string, bool) {
	markers := f.cfg.NotFoundMarkers[kind]
	if len(markers) == 0 {
		return "", false
	}
	lower := strings.ToLower(string(body))
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return m, true
		}
	}
	return "", false
}

func (f *Fetcher) buildCollector(result *fetchResult, start time.Time) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)
	baseTransport := f.transport
	if baseTransport == nil {
		baseTransport = newHTTPTransport()
	}
	collector.WithTransport(baseTransport)

	f.configureCollectorHooks(collector, result, start)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *fetchResult, start time.Time) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", f.cfg.Accept)
		r.Headers.Set("Accept-Language", f.cfg.AcceptLanguage)
	})

	hooks.OnResponse(func(r *colly.Response) {
		result.page.URL = r.Request.URL.String()
		result.page.FinalURL = r.Request.URL.String()
		result.page.StatusCode = r.StatusCode
		result.page.Body = append([]byte(nil), r.Body...)
		result.page.Duration = time.Since(start)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		result.err = err
		if r != nil {
			result.page.StatusCode = r.StatusCode
		}
	})

	hooks.OnHTML("title", func(e *colly.HTMLElement) {
		if result.page.Title == "" {
			result.page.Title = strings.TrimSpace(e.Text)
		}
	})

	hooks.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link != "" {
			result.page.Links = append(result.page.Links, link)
		}
	})

	hooks.OnHTML(contentSelector, func(e *colly.HTMLElement) {
		if result.contentHTML != "" {
			return
		}
		if html, err := e.DOM.Html(); err == nil {
			result.contentHTML = html
		}
	})

	hooks.OnHTML(fallbackSelector, func(e *colly.HTMLElement) {
		text := strings.TrimSpace(e.Text)
		if len([]rune(text)) > f.cfg.MinTextLength {
			result.blocks = append(result.blocks, text)
		}
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
