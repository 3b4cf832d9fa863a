package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now advances one second per call.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("v-%03d", s.n), nil
}

type memStore struct {
	doc   *Document
	saves int
	err   error
}

func (m *memStore) Load(context.Context) (*Document, error) {
	if m.doc == nil {
		return NewDocument(), nil
	}
	return m.doc, nil
}

func (m *memStore) Save(_ context.Context, doc *Document) error {
	if m.err != nil {
		return m.err
	}
	m.saves++
	m.doc = doc
	return nil
}

type recordingMirror struct {
	upserts []string
	deletes []string
}

func (m *recordingMirror) UpsertClause(_ context.Context, rec *Record) error {
	m.upserts = append(m.upserts, rec.ID)
	return nil
}

func (m *recordingMirror) DeleteClause(_ context.Context, id string) error {
	m.deletes = append(m.deletes, id)
	return nil
}

func candidate(title, text string, conditions ...string) crawler.Candidate {
	return crawler.Candidate{
		Type:        "testament",
		Title:       title,
		Text:        text,
		Explanation: "Explication pratique de la clause.",
		Conditions:  conditions,
		Exceptions:  []string{},
		References:  []string{"Article 970 du Code civil"},
		Keywords:    []string{"testament"},
	}
}
