package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if crawlerPagesTotal == nil || crawlerBytesTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil ||
		extractionAttemptsTotal == nil || clauseUpsertsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveCrawl("https://www.notaires.fr/fr/succession", "success", 512)
	if val := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("www.notaires.fr", "success")); val != 1 {
		t.Errorf("Expected crawlerPagesTotal to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("www.notaires.fr")); val != 512 {
		t.Errorf("Expected crawlerBytesTotal to be 512, got %f", val)
	}
}

func TestDomainCollectors(t *testing.T) {
	Init()

	ObserveExtraction("malformed")
	ObserveExtraction("malformed")
	if val := testutil.ToFloat64(extractionAttemptsTotal.WithLabelValues("malformed")); val != 2 {
		t.Errorf("Expected 2 malformed attempts, got %f", val)
	}

	SetActiveCredentials(3)
	ObserveEviction(2)
	if val := testutil.ToFloat64(credentialsActive); val != 2 {
		t.Errorf("Expected 2 active credentials, got %f", val)
	}
	if val := testutil.ToFloat64(credentialEvictionsTotal); val != 1 {
		t.Errorf("Expected 1 eviction, got %f", val)
	}

	ObserveUpsert("created")
	if val := testutil.ToFloat64(clauseUpsertsTotal.WithLabelValues("created")); val != 1 {
		t.Errorf("Expected 1 created upsert, got %f", val)
	}

	ObserveMerge()
	if val := testutil.ToFloat64(clauseMergesTotal); val != 1 {
		t.Errorf("Expected 1 merge, got %f", val)
	}

	ObserveRateLimitDelay("example.com", 150*time.Millisecond)
	if val := testutil.CollectAndCount(crawlerRateLimitDelaysSeconds); val != 1 {
		t.Errorf("Expected one rate limit series, got %d", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
