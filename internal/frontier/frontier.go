// Package frontier tracks which URLs remain to be crawled and which were visited.
//
// Newly discovered links are inserted at the front of the pending queue, which
// biases the walk towards depth. URLs never move from visited back to pending,
// and the pending queue never holds duplicates or visited entries.
package frontier

import (
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
)

// State is the serializable form of a Frontier.
type State struct {
	PendingURLs []string  `json:"pending_urls"`
	VisitedURLs []string  `json:"visited_urls"`
	LastUpdate  time.Time `json:"last_update"`
}

// Frontier is the crawl queue plus the visited set.
type Frontier struct {
	mu         sync.Mutex
	pending    []string
	pendingSet map[string]struct{}
	visited    map[string]struct{}
	lastUpdate time.Time
	clock      crawler.Clock
}

// New returns an empty Frontier.
func New(clock crawler.Clock) *Frontier {
	return &Frontier{
		pendingSet: make(map[string]struct{}),
		visited:    make(map[string]struct{}),
		clock:      clock,
	}
}

// Enqueue adds URLs at the front of the queue, keeping their relative order.
// URLs that are invalid, already visited or already pending are skipped.
// It returns the number of URLs added.
func (f *Frontier) Enqueue(urls ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	batch := make([]string, 0, len(urls))
	for _, raw := range urls {
		u, err := crawler.NormalizeURL(raw)
		if err != nil {
			continue
		}
		if _, ok := f.visited[u]; ok {
			continue
		}
		if _, ok := f.pendingSet[u]; ok {
			continue
		}
		f.pendingSet[u] = struct{}{}
		batch = append(batch, u)
	}
	if len(batch) == 0 {
		return 0
	}
	f.pending = append(batch, f.pending...)
	f.touch()
	return len(batch)
}

// Next pops the front URL. ok is false when the queue is empty.
func (f *Frontier) Next() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) == 0 {
		return "", false
	}
	u := f.pending[0]
	f.pending[0] = ""
	f.pending = f.pending[1:]
	delete(f.pendingSet, u)
	f.touch()
	return u, true
}

// MarkVisited records url as visited and removes it from pending. Idempotent.
func (f *Frontier) MarkVisited(raw string) {
	u, err := crawler.NormalizeURL(raw)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.pendingSet[u]; ok {
		delete(f.pendingSet, u)
		for i, p := range f.pending {
			if p == u {
				f.pending = append(f.pending[:i], f.pending[i+1:]...)
				break
			}
		}
	}
	if _, ok := f.visited[u]; ok {
		return
	}
	f.visited[u] = struct{}{}
	f.touch()
}

// IsVisited reports whether url was already visited.
func (f *Frontier) IsVisited(raw string) bool {
	u, err := crawler.NormalizeURL(raw)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.visited[u]
	return ok
}

// Pending returns the number of queued URLs.
func (f *Frontier) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Visited returns the number of visited URLs.
func (f *Frontier) Visited() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}

// Snapshot copies the current state. Visited URLs are sorted.
func (f *Frontier) Snapshot() State {
	f.mu.Lock()
	defer f.mu.Unlock()

	visited := make([]string, 0, len(f.visited))
	for u := range f.visited {
		visited = append(visited, u)
	}
	sort.Strings(visited)
	return State{
		PendingURLs: append([]string{}, f.pending...),
		VisitedURLs: visited,
		LastUpdate:  f.lastUpdate,
	}
}

// Restore replaces the current state with s, normalizing every URL and
// dropping pending entries that are duplicated or already visited.
func (f *Frontier) Restore(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending = nil
	f.pendingSet = make(map[string]struct{}, len(s.PendingURLs))
	f.visited = make(map[string]struct{}, len(s.VisitedURLs))
	for _, raw := range s.VisitedURLs {
		if u, err := crawler.NormalizeURL(raw); err == nil {
			f.visited[u] = struct{}{}
		}
	}
	for _, raw := range s.PendingURLs {
		u, err := crawler.NormalizeURL(raw)
		if err != nil {
			continue
		}
		if _, ok := f.visited[u]; ok {
			continue
		}
		if _, ok := f.pendingSet[u]; ok {
			continue
		}
		f.pendingSet[u] = struct{}{}
		f.pending = append(f.pending, u)
	}
	f.lastUpdate = s.LastUpdate
}

func (f *Frontier) touch() {
	if f.clock != nil {
		f.lastUpdate = f.clock.Now()
	}
}
