// Package memory contains an in-memory publisher for tests and offline runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
)

// Publisher records published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	err      error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every later Publish return err.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the recorded repository notifications in publish order.
func (p *Publisher) Events() []crawler.RepositoryUpdated {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawler.RepositoryUpdated
	for _, m := range p.messages {
		if ev, ok := m.Payload.(crawler.RepositoryUpdated); ok {
			out = append(out, ev)
		}
	}
	return out
}
