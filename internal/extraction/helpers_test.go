package extraction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
)

const validResponse = `Voici le résultat :
{"clauses": [{"type": "testament", "title": "Testament olographe", "text": "Écrit, daté et signé de la main du testateur.",
"explanation": "Forme la plus simple de testament.", "conditions": ["Écriture manuscrite"], "exceptions": [],
"references": ["Article 970 du Code civil"], "keywords": ["testament"]}]}
Bonne journée.`

type reply struct {
	out string
	err error
}

// scriptedCompleter replays replies in order; the last one repeats.
type scriptedCompleter struct {
	mu      sync.Mutex
	replies []reply
	calls   int
	prompts []string
	invalid atomic.Bool
	delay   time.Duration
	gauge   *inflightGauge
}

func newScripted(replies ...reply) *scriptedCompleter {
	return &scriptedCompleter{replies: replies}
}

func (s *scriptedCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if s.gauge != nil {
		s.gauge.enter()
		defer s.gauge.leave()
	}
	if s.delay > 0 {
		if err := crawler.Sleep(ctx, s.delay); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.prompts = append(s.prompts, prompt)
	if s.invalid.Load() {
		return "", fmt.Errorf("API key not valid: %w", crawler.ErrCredentialInvalid)
	}
	if len(s.replies) == 0 {
		return validResponse, nil
	}
	idx := min(s.calls-1, len(s.replies)-1)
	return s.replies[idx].out, s.replies[idx].err
}

func (s *scriptedCompleter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type inflightGauge struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (g *inflightGauge) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current++
	if g.current > g.peak {
		g.peak = g.current
	}
}

func (g *inflightGauge) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current--
}

func (g *inflightGauge) Peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

type fakeClock struct {
	now time.Time
}

func (f fakeClock) Now() time.Time {
	return f.now
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]crawler.Candidate
	puts int
}

func newMapCache() *mapCache {
	return &mapCache{data: map[string][]crawler.Candidate{}}
}

func (m *mapCache) Get(_ context.Context, key string) ([]crawler.Candidate, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Put(_ context.Context, key string, c []crawler.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = c
	m.puts++
	return nil
}

func chunks(n int) []crawler.Chunk {
	out := make([]crawler.Chunk, n)
	for i := range out {
		out[i] = crawler.Chunk{
			Index:     i,
			SourceURL: fmt.Sprintf("https://www.notaires.fr/page-%d", i),
			Title:     fmt.Sprintf("Page %d", i),
			Text:      fmt.Sprintf("Contenu de la page numéro %d sur les successions.", i),
		}
	}
	return out
}

func fastConfig() Config {
	return Config{
		MaxBatchWidth: 5,
		MaxAttempts:   5,
		BackoffBase:   time.Millisecond,
		WavePause:     time.Millisecond,
	}
}
