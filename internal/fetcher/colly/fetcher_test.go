package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
)

const articleHTML = `<html><head><title> Succession et testament </title></head><body>
<nav><a href="/fr/succession">Succession</a><a href="https://other.org/page">Ailleurs</a><a href="#top">Haut</a></nav>
<main><h2>Le testament olographe</h2><p>Le testament olographe doit être écrit en entier, daté et signé de la main du testateur.</p></main>
</body></html>`

func newTestFetcher(cfg Config) *Fetcher {
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	return New(cfg, nil, fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}, nil)
}

type fakeClock struct {
	now time.Time
}

func (f fakeClock) Now() time.Time {
	return f.now
}

func htmlHandler(status int, body string, hits *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestFetchSuccessExtractsContentAndLinks(t *testing.T) {
	t.Parallel()

	var gotUA, gotLang, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	f := newTestFetcher(Config{UserAgent: "clause-test-agent"})
	page, ok := f.Fetch(context.Background(), srv.URL+"/fr/testament", "notaires")
	require.True(t, ok)

	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Equal(t, "Succession et testament", page.Title)
	assert.Equal(t, crawler.SourceKind("notaires"), page.Kind)
	assert.Contains(t, page.Links, srv.URL+"/fr/succession")
	assert.Contains(t, page.Links, "https://other.org/page")
	for _, l := range page.Links {
		assert.NotContains(t, l, "#top")
	}
	assert.Contains(t, page.Text, "## Le testament olographe")
	assert.Contains(t, page.Text, "daté et signé")
	assert.NotContains(t, page.Text, "Ailleurs")
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), page.FetchedAt)

	assert.Equal(t, "clause-test-agent", gotUA)
	assert.Equal(t, defaultAcceptLanguage, gotLang)
	assert.Equal(t, defaultAccept, gotAccept)
}

func TestFetchFallbackTextBlocks(t *testing.T) {
	t.Parallel()

	body := `<html><body><h1>Court</h1><p>Les héritiers réservataires ont droit à une part minimale.</p>
<ul><li>Le conjoint survivant peut opter pour l'usufruit.</li><li>Bref</li></ul></body></html>`
	srv := httptest.NewServer(htmlHandler(http.StatusOK, body, nil))
	defer srv.Close()

	page, ok := newTestFetcher(Config{}).Fetch(context.Background(), srv.URL, "")
	require.True(t, ok)
	assert.Equal(t,
		"Les héritiers réservataires ont droit à une part minimale.\nLe conjoint survivant peut opter pour l'usufruit.",
		page.Text,
	)
}

func TestFetchNotFoundIsNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(htmlHandler(http.StatusNotFound, "missing", &hits))
	defer srv.Close()

	_, ok := newTestFetcher(Config{}).Fetch(context.Background(), srv.URL+"/gone", "")
	assert.False(t, ok)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		htmlHandler(http.StatusOK, articleHTML, nil)(w, r)
	}))
	defer srv.Close()

	page, ok := newTestFetcher(Config{MaxAttempts: 3}).Fetch(context.Background(), srv.URL, "")
	require.True(t, ok)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, "Succession et testament", page.Title)
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(htmlHandler(http.StatusInternalServerError, "boom", &hits))
	defer srv.Close()

	_, ok := newTestFetcher(Config{MaxAttempts: 3}).Fetch(context.Background(), srv.URL, "")
	assert.False(t, ok)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchSoftNotFoundMarker(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	body := `<html><body><main><p>Désolé, cette page n'existe pas ou a été déplacée.</p></main></body></html>`
	srv := httptest.NewServer(htmlHandler(http.StatusOK, body, &hits))
	defer srv.Close()

	f := newTestFetcher(Config{NotFoundMarkers: map[crawler.SourceKind][]string{
		"service-public": {"Cette page n'existe pas"},
	}})
	_, ok := f.Fetch(context.Background(), srv.URL, "service-public")
	assert.False(t, ok)
	assert.Equal(t, int32(1), hits.Load())

	// Markers only apply to their own source kind.
	_, ok = f.Fetch(context.Background(), srv.URL, "notaires")
	assert.True(t, ok)
}

func TestFetchEmptyBodyIsNotFound(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(htmlHandler(http.StatusOK, "  ", &hits))
	defer srv.Close()

	_, ok := newTestFetcher(Config{}).Fetch(context.Background(), srv.URL, "")
	assert.False(t, ok)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(htmlHandler(http.StatusOK, articleHTML, nil))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := newTestFetcher(Config{}).Fetch(ctx, srv.URL, "")
	assert.False(t, ok)
}

type recordingWaiter struct {
	urls []string
	err  error
}

func (w *recordingWaiter) Wait(_ context.Context, url string) error {
	w.urls = append(w.urls, url)
	return w.err
}

func TestFetchWaitsOnLimiter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(htmlHandler(http.StatusOK, articleHTML, nil))
	defer srv.Close()

	waiter := &recordingWaiter{}
	f := New(Config{BackoffBase: time.Millisecond}, waiter, nil, nil)
	_, ok := f.Fetch(context.Background(), srv.URL, "")
	require.True(t, ok)
	assert.Equal(t, []string{srv.URL}, waiter.urls)

	blocked := &recordingWaiter{err: errors.New("limiter closed")}
	f = New(Config{}, blocked, nil, nil)
	_, ok = f.Fetch(context.Background(), srv.URL, "")
	assert.False(t, ok)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(Config{})
	result := &fetchResult{}
	hooks := &stubHooks{html: map[string]colly.HTMLCallback{}}
	f.configureCollectorHooks(hooks, result, time.Unix(0, 0))
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)
	for _, sel := range []string{"title", "a[href]", contentSelector, fallbackSelector} {
		assert.Contains(t, hooks.html, sel)
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, defaultAcceptLanguage, collyReq.Headers.Get("Accept-Language"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/a")},
	})
	assert.Equal(t, http.StatusOK, result.page.StatusCode)
	assert.Equal(t, "https://example.com/a", result.page.FinalURL)

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("Bad Gateway"))
	assert.Equal(t, http.StatusBadGateway, result.page.StatusCode)
	require.Error(t, result.err)
}

func TestClassifyStatuses(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(Config{})
	_, err := f.classify(&fetchResult{page: crawler.Page{StatusCode: http.StatusGone}}, "https://x.test", "")
	assert.ErrorIs(t, err, crawler.ErrNotFound)

	_, err = f.classify(&fetchResult{page: crawler.Page{StatusCode: http.StatusTooManyRequests}}, "https://x.test", "")
	assert.ErrorIs(t, err, errUnexpectedStatus)
	assert.True(t, f.retry.ShouldRetry(err, 1))

	page, err := f.classify(&fetchResult{page: crawler.Page{StatusCode: 200, Body: []byte("<p>x</p>")}}, "https://x.test", "k")
	require.NoError(t, err)
	assert.Equal(t, "https://x.test", page.URL)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
	html       map[string]colly.HTMLCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

func (s *stubHooks) OnHTML(selector string, cb colly.HTMLCallback) {
	s.html[selector] = cb
}

func TestContentExtractorFallsBackOnEmptyMarkup(t *testing.T) {
	t.Parallel()

	c := newContentExtractor()
	assert.Equal(t, "a\nb", c.text("", []string{"a", "b"}, "https://example.com"))
	assert.Equal(t, "fallback", c.text("<script>alert(1)</script>", []string{"fallback"}, "https://example.com"))
	assert.True(t, strings.HasPrefix(c.text("<p>Bonjour</p>", nil, "https://example.com"), "Bonjour"))
}
