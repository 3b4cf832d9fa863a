package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves a page. ok is false for every non-success outcome.
type Fetcher interface {
	Fetch(ctx context.Context, url string, kind SourceKind) (Page, bool)
}

// Completer sends a single prompt to a text-understanding service.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Comparator scores the semantic similarity of two clauses on a 0..100 scale.
type Comparator interface {
	Compare(ctx context.Context, a, b string) (float64, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// ExtractionCache remembers successful extraction results by content digest.
type ExtractionCache interface {
	Get(ctx context.Context, key string) ([]Candidate, bool, error)
	Put(ctx context.Context, key string, candidates []Candidate) error
}
