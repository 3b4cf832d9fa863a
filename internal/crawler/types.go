package crawler

import (
	"net/url"
	"strings"
	"time"
)

// SourceKind identifies a family of sites sharing markup and "missing page" conventions.
type SourceKind string

// Source describes one site the crawler is allowed to walk.
type Source struct {
	Name            string     `mapstructure:"name" json:"name"`
	Kind            SourceKind `mapstructure:"kind" json:"kind"`
	Seeds           []string   `mapstructure:"seeds" json:"seeds"`
	AllowPrefixes   []string   `mapstructure:"allow_prefixes" json:"allow_prefixes,omitempty"`
	NotFoundMarkers []string   `mapstructure:"not_found_markers" json:"not_found_markers,omitempty"`
}

// Hosts returns the lowercase hostnames of the source seeds.
func (s Source) Hosts() []string {
	seen := make(map[string]struct{}, len(s.Seeds))
	out := make([]string, 0, len(s.Seeds))
	for _, seed := range s.Seeds {
		u, err := url.Parse(seed)
		if err != nil || u.Hostname() == "" {
			continue
		}
		host := strings.ToLower(u.Hostname())
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		out = append(out, host)
	}
	return out
}

// Page is a successfully fetched document.
type Page struct {
	URL        string
	FinalURL   string
	Kind       SourceKind
	StatusCode int
	Title      string
	Body       []byte
	Text       string
	Links      []string
	FetchedAt  time.Time
	Duration   time.Duration
}

// Chunk is one unit of raw content submitted to the extraction service.
type Chunk struct {
	Index     int
	SourceURL string
	Title     string
	Text      string
}

// Candidate is a clause proposed by the extraction service, not yet merged into the repository.
type Candidate struct {
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	Text        string   `json:"text"`
	Explanation string   `json:"explanation"`
	Conditions  []string `json:"conditions"`
	Exceptions  []string `json:"exceptions"`
	References  []string `json:"references"`
	Keywords    []string `json:"keywords"`
	SourceURL   string   `json:"-"`
}

// Stats aggregates repository counters.
type Stats struct {
	TotalClauses      int `json:"total_clauses"`
	EnrichedClauses   int `json:"enriched_clauses"`
	PendingEnrichment int `json:"pending_enrichment"`
}

// RepositoryUpdated is published after a run changed the clause repository.
type RepositoryUpdated struct {
	Event     string    `json:"event"`
	RunID     string    `json:"run_id"`
	Path      string    `json:"path"`
	Stats     Stats     `json:"stats"`
	Timestamp time.Time `json:"timestamp"`
}
