// Package metrics exposes Prometheus collectors for the clause crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	extractionAttemptsTotal       *prometheus.CounterVec
	credentialEvictionsTotal      prometheus.Counter
	credentialsActive             prometheus.Gauge
	clauseUpsertsTotal            *prometheus.CounterVec
	clauseMergesTotal             prometheus.Counter
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages crawled, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		extractionAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extraction_attempts_total",
				Help: "Extraction requests sent to the completion service, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		credentialEvictionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "extraction_credential_evictions_total",
				Help: "Credentials permanently removed from the pool.",
			},
		)

		credentialsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "extraction_credentials_active",
				Help: "Credentials currently usable by the extraction batcher.",
			},
		)

		clauseUpsertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repository_upserts_total",
				Help: "Clause upserts, labeled by result (created, updated, unchanged).",
			},
			[]string{"result"},
		)

		clauseMergesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "repository_merges_total",
				Help: "Duplicate clause pairs merged.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCrawl increments the crawler page metrics.
func ObserveCrawl(site string, status string, bytesFetched int) {
	if crawlerPagesTotal == nil {
		return
	}
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveExtraction counts one extraction attempt outcome.
func ObserveExtraction(outcome string) {
	if extractionAttemptsTotal == nil {
		return
	}
	extractionAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveEviction counts a credential eviction and updates the active gauge.
func ObserveEviction(active int) {
	if credentialEvictionsTotal == nil {
		return
	}
	credentialEvictionsTotal.Inc()
	credentialsActive.Set(float64(active))
}

// SetActiveCredentials sets the active credential gauge.
func SetActiveCredentials(active int) {
	if credentialsActive == nil {
		return
	}
	credentialsActive.Set(float64(active))
}

// ObserveUpsert counts an upsert result.
func ObserveUpsert(result string) {
	if clauseUpsertsTotal == nil {
		return
	}
	clauseUpsertsTotal.WithLabelValues(result).Inc()
}

// ObserveMerge counts a duplicate merge.
func ObserveMerge() {
	if clauseMergesTotal == nil {
		return
	}
	clauseMergesTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if crawlerRateLimitDelaysSeconds == nil {
		return
	}
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
