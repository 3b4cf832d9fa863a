package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
	"github.com/JakeFAU/clause-crawler/internal/metrics"
)

// DefaultCheckFrequency is stored on new records.
const DefaultCheckFrequency = "monthly"

// Store persists the whole document.
type Store interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
}

// Mirror receives a copy of every persisted change. Mirror failures are
// logged and never fail the write.
type Mirror interface {
	UpsertClause(ctx context.Context, rec *Record) error
	DeleteClause(ctx context.Context, id string) error
}

// UpsertResult reports what Upsert did.
type UpsertResult string

// Upsert outcomes.
const (
	UpsertCreated   UpsertResult = "created"
	UpsertUpdated   UpsertResult = "updated"
	UpsertUnchanged UpsertResult = "unchanged"
)

// Repository is the in-memory clause map with write-through persistence.
type Repository struct {
	mu     sync.RWMutex
	doc    *Document
	store  Store
	mirror Mirror
	clock  crawler.Clock
	ids    crawler.IDGenerator
	logger *zap.Logger
}

// Option customizes a Repository.
type Option func(*Repository)

// WithMirror sets a secondary sink for persisted records.
func WithMirror(m Mirror) Option {
	return func(r *Repository) {
		r.mirror = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Open loads the document from store.
func Open(ctx context.Context, store Store, clock crawler.Clock, ids crawler.IDGenerator, opts ...Option) (*Repository, error) {
	if store == nil {
		return nil, fmt.Errorf("repository store is required")
	}
	if clock == nil || ids == nil {
		return nil, fmt.Errorf("repository clock and id generator are required")
	}
	r := &Repository{
		store:  store,
		clock:  clock,
		ids:    ids,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	doc, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load repository: %w", err)
	}
	if doc == nil {
		doc = NewDocument()
	}
	if doc.Clauses == nil {
		doc.Clauses = map[string]*Record{}
	}
	doc.Metadata.Stats = ComputeStats(doc.Clauses)
	r.doc = doc
	return r, nil
}

// Upsert converts the candidate into a record and writes it, merging into an
// existing record with the same id. The repository is saved on every call; a
// failed save leaves the in-memory state unchanged.
func (r *Repository) Upsert(ctx context.Context, cand crawler.Candidate, locator string) (UpsertResult, error) {
	incoming := contentFromCandidate(cand)
	if strings.TrimSpace(incoming.Title) == "" {
		return "", fmt.Errorf("upsert clause: empty title")
	}
	id := ClauseID(incoming.Type, incoming.Title)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	existing, ok := r.doc.Clauses[id]
	var (
		result UpsertResult
		staged *Record
	)
	if !ok {
		versionID, err := r.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("upsert clause %s: %w", id, err)
		}
		rec := &Record{
			ID: id,
			Metadata: Metadata{
				Source: SourceInfo{
					FirstFound:     now,
					LastChecked:    now,
					LastModified:   now,
					CheckFrequency: DefaultCheckFrequency,
				},
				Enrichment: EnrichmentInfo{
					NeedsUpdate:  true,
					UpdateReason: ReasonNew,
				},
			},
			Content: incoming,
		}
		rec.Metadata.Source.URLs = appendLocator(nil, locator)
		rec.History.Versions = []Version{{
			ID:       versionID,
			Date:     now,
			Type:     VersionCreation,
			Snapshot: incoming.clone(),
		}}
		staged = rec
		result = UpsertCreated
	} else {
		existing = existing.Clone()
		merged, changes := mergeIncoming(existing.Content, incoming)
		existing.Metadata.Source.LastChecked = now
		existing.Metadata.Source.URLs = appendLocator(existing.Metadata.Source.URLs, locator)
		result = UpsertUnchanged
		if len(changes) > 0 {
			versionID, err := r.ids.NewID()
			if err != nil {
				return "", fmt.Errorf("upsert clause %s: %w", id, err)
			}
			existing.Content = merged
			existing.Metadata.Source.LastModified = now
			existing.Metadata.Enrichment.NeedsUpdate = true
			existing.Metadata.Enrichment.UpdateReason = ReasonChanged
			existing.History.Versions = append(existing.History.Versions, Version{
				ID:       versionID,
				Date:     now,
				Type:     VersionUpdate,
				Changes:  changes,
				Snapshot: merged.clone(),
			})
			result = UpsertUpdated
		}
		staged = existing
	}

	if err := r.commitLocked(ctx, staged, ""); err != nil {
		return "", err
	}
	metrics.ObserveUpsert(string(result))
	r.mirrorUpsert(ctx, staged)
	r.logger.Debug("clause upserted", zap.String("id", id), zap.String("result", string(result)), zap.String("url", locator))
	return result, nil
}

// mergeIncoming folds incoming into current and names the fields that changed.
func mergeIncoming(current, incoming Content) (Content, []string) {
	merged := current.clone()
	merged.Description = longer(current.Description, incoming.Description)
	merged.Explanation = longer(current.Explanation, incoming.Explanation)
	merged.Conditions = Union(current.Conditions, incoming.Conditions)
	merged.Exceptions = Union(current.Exceptions, incoming.Exceptions)
	merged.References = Union(current.References, incoming.References)
	merged.Keywords = Union(current.Keywords, incoming.Keywords)

	var changes []string
	if merged.Description != current.Description {
		changes = append(changes, "description")
	}
	if merged.Explanation != current.Explanation {
		changes = append(changes, "explanation")
	}
	for _, f := range []struct {
		name   string
		before []string
		after  []string
	}{
		{"conditions", current.Conditions, merged.Conditions},
		{"exceptions", current.Exceptions, merged.Exceptions},
		{"references", current.References, merged.References},
		{"keywords", current.Keywords, merged.Keywords},
	} {
		if !slices.Equal(f.before, f.after) {
			changes = append(changes, f.name)
		}
	}
	return merged, changes
}

func contentFromCandidate(c crawler.Candidate) Content {
	clauseType := strings.TrimSpace(c.Type)
	if clauseType == "" {
		clauseType = "general"
	}
	title := strings.TrimSpace(c.Title)
	return Content{
		Type:        clauseType,
		Title:       title,
		Description: strings.TrimSpace(c.Text),
		Explanation: strings.TrimSpace(c.Explanation),
		Conditions:  NormalizeList(c.Conditions),
		Exceptions:  NormalizeList(c.Exceptions),
		References:  NormalizeList(c.References),
		Keywords:    Keywords(title, c.Keywords, clauseType),
	}
}

func appendLocator(urls []string, locator string) []string {
	locator = strings.TrimSpace(locator)
	if locator == "" || slices.Contains(urls, locator) {
		return urls
	}
	return append(urls, locator)
}

// ApplyEnrichment stores details on id, bumps the enrichment version and
// clears needs_update. The repository is saved.
func (r *Repository) ApplyEnrichment(ctx context.Context, id string, details Details) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.doc.Clauses[id]
	if !ok {
		return fmt.Errorf("apply enrichment %s: %w", id, crawler.ErrNotFound)
	}
	rec := current.Clone()
	versionID, err := r.ids.NewID()
	if err != nil {
		return fmt.Errorf("apply enrichment %s: %w", id, err)
	}
	now := r.clock.Now()
	normalized := Details{}
	src := details.fields()
	dst := normalized.fields()
	for i := range src {
		*dst[i] = NormalizeList(*src[i])
	}
	rec.Content.Details = normalized
	rec.Metadata.Enrichment.Version++
	rec.Metadata.Enrichment.LastEnriched = &now
	rec.Metadata.Enrichment.QualityScore = float64(normalized.Filled()) / DetailFieldCount
	rec.Metadata.Enrichment.NeedsUpdate = false
	rec.Metadata.Enrichment.UpdateReason = ""
	rec.History.Versions = append(rec.History.Versions, Version{
		ID:       versionID,
		Date:     now,
		Type:     VersionUpdate,
		Changes:  []string{"enrichment"},
		Snapshot: rec.Content.clone(),
	})
	if err := r.commitLocked(ctx, rec, ""); err != nil {
		return err
	}
	r.mirrorUpsert(ctx, rec)
	return nil
}

// replaceMerged stores merged under its id, deletes removedID and saves.
func (r *Repository) replaceMerged(ctx context.Context, merged *Record, removedID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.commitLocked(ctx, merged, removedID); err != nil {
		return err
	}
	r.mirrorUpsert(ctx, merged)
	if r.mirror != nil {
		if err := r.mirror.DeleteClause(ctx, removedID); err != nil {
			r.logger.Warn("mirror delete failed", zap.String("id", removedID), zap.Error(err))
		}
	}
	return nil
}

// Save persists the document.
func (r *Repository) Save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked(ctx)
}

// commitLocked stores put, deletes removeID (when set) and saves. The previous
// entries and document metadata are restored if the save fails.
func (r *Repository) commitLocked(ctx context.Context, put *Record, removeID string) error {
	meta := r.doc.Metadata
	prev, hadPrev := r.doc.Clauses[put.ID]
	removed, hadRemoved := r.doc.Clauses[removeID]

	r.doc.Clauses[put.ID] = put
	if removeID != "" {
		delete(r.doc.Clauses, removeID)
	}
	if err := r.saveLocked(ctx); err != nil {
		if hadPrev {
			r.doc.Clauses[put.ID] = prev
		} else {
			delete(r.doc.Clauses, put.ID)
		}
		if removeID != "" && hadRemoved {
			r.doc.Clauses[removeID] = removed
		}
		r.doc.Metadata = meta
		return err
	}
	return nil
}

func (r *Repository) saveLocked(ctx context.Context) error {
	r.doc.Metadata.LastUpdate = r.clock.Now()
	r.doc.Metadata.Version = FormatVersion
	r.doc.Metadata.Format = FormatName
	r.doc.Metadata.Stats = ComputeStats(r.doc.Clauses)
	if err := r.store.Save(ctx, r.doc); err != nil {
		return fmt.Errorf("save repository: %w", err)
	}
	return nil
}

func (r *Repository) mirrorUpsert(ctx context.Context, rec *Record) {
	if r.mirror == nil || rec == nil {
		return
	}
	if err := r.mirror.UpsertClause(ctx, rec); err != nil {
		r.logger.Warn("mirror upsert failed", zap.String("id", rec.ID), zap.Error(err))
	}
}

// Get returns a copy of the record with id.
func (r *Repository) Get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.doc.Clauses[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// IDs returns every clause id in sorted order.
func (r *Repository) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.doc.Clauses))
	for id := range r.doc.Clauses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PendingEnrichment returns the sorted ids flagged needs_update.
func (r *Repository) PendingEnrichment() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, rec := range r.doc.Clauses {
		if rec.Metadata.Enrichment.NeedsUpdate {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of clauses.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.doc.Clauses)
}

// Stats recomputes the aggregate counters.
func (r *Repository) Stats() crawler.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ComputeStats(r.doc.Clauses)
}

// LastUpdate is the time of the last save.
func (r *Repository) LastUpdate() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.Metadata.LastUpdate
}

// Records returns copies of every record in id order.
func (r *Repository) Records() []*Record {
	ids := r.IDs()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.doc.Clauses[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out
}
