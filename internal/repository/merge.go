package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
	"github.com/JakeFAU/clause-crawler/internal/metrics"
)

// DefaultMergeThreshold is the score a pair must exceed to be merged.
const DefaultMergeThreshold = 90

// Merge combines a and b into a new record keyed by a.ID. Neither input is
// modified. versionID and now stamp the synthetic merge version.
func Merge(a, b *Record, versionID string, now time.Time) *Record {
	out := a.Clone()
	bc := b.Clone()

	out.Content.Description = longer(a.Content.Description, b.Content.Description)
	out.Content.Explanation = longer(a.Content.Explanation, b.Content.Explanation)
	out.Content.Conditions = Union(a.Content.Conditions, b.Content.Conditions)
	out.Content.Exceptions = Union(a.Content.Exceptions, b.Content.Exceptions)
	out.Content.References = Union(a.Content.References, b.Content.References)
	out.Content.Keywords = Union(a.Content.Keywords, b.Content.Keywords)
	dst := out.Content.Details.fields()
	src := bc.Content.Details.fields()
	for i := range dst {
		if len(*dst[i]) == 0 {
			*dst[i] = *src[i]
		}
	}

	sa := &out.Metadata.Source
	sb := b.Metadata.Source
	if !sb.FirstFound.IsZero() && (sa.FirstFound.IsZero() || sb.FirstFound.Before(sa.FirstFound)) {
		sa.FirstFound = sb.FirstFound
	}
	if sb.LastChecked.After(sa.LastChecked) {
		sa.LastChecked = sb.LastChecked
	}
	sa.LastModified = now
	sa.URLs = Union(sa.URLs, sb.URLs)

	enr := &out.Metadata.Enrichment
	enr2 := bc.Metadata.Enrichment
	enr.Version = max(enr.Version, enr2.Version)
	enr.QualityScore = max(enr.QualityScore, enr2.QualityScore)
	if enr2.LastEnriched != nil && (enr.LastEnriched == nil || enr2.LastEnriched.After(*enr.LastEnriched)) {
		enr.LastEnriched = enr2.LastEnriched
	}
	enr.NeedsUpdate = true
	enr.UpdateReason = ReasonMerge

	out.History.Versions = append(out.History.Versions, bc.History.Versions...)
	out.History.Versions = append(out.History.Versions, Version{
		ID:         versionID,
		Date:       now,
		Type:       VersionMerge,
		Changes:    []string{"merge"},
		MergedFrom: []string{a.ID, b.ID},
		Snapshot:   out.Content.clone(),
	})
	return out
}

// ScoredPair is one compared pair of ids.
type ScoredPair struct {
	A     string  `json:"a"`
	B     string  `json:"b"`
	Score float64 `json:"score"`
}

// MergeReport summarizes a Deduplicator run.
type MergeReport struct {
	Compared   int          `json:"compared"`
	Candidates []ScoredPair `json:"candidates"`
	Merged     []ScoredPair `json:"merged"`
}

// Deduplicator scores every pair of records and merges near-duplicates.
type Deduplicator struct {
	repo      *Repository
	cmp       crawler.Comparator
	threshold float64
	logger    *zap.Logger
}

// NewDeduplicator builds a Deduplicator. threshold <= 0 uses DefaultMergeThreshold.
func NewDeduplicator(repo *Repository, cmp crawler.Comparator, threshold float64, logger *zap.Logger) *Deduplicator {
	if threshold <= 0 {
		threshold = DefaultMergeThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{repo: repo, cmp: cmp, threshold: threshold, logger: logger}
}

// Run scores all unordered pairs first, then merges pairs scoring above the
// threshold in descending score order, skipping pairs where either record
// was already merged away. Comparator failures score 0; exhaustion and
// cancellation abort the run.
func (d *Deduplicator) Run(ctx context.Context) (MergeReport, error) {
	var report MergeReport
	records := d.repo.Records()
	payloads := make([]string, len(records))
	for i, rec := range records {
		data, err := json.Marshal(rec.Content)
		if err != nil {
			return report, fmt.Errorf("marshal clause %s: %w", rec.ID, err)
		}
		payloads[i] = string(data)
	}

	for i := 0; i < len(records); i++ {
		for j := i + 1; j < len(records); j++ {
			score, err := d.cmp.Compare(ctx, payloads[i], payloads[j])
			report.Compared++
			if err != nil {
				if errors.Is(err, crawler.ErrCredentialsExhausted) || ctx.Err() != nil {
					return report, fmt.Errorf("compare %s/%s: %w", records[i].ID, records[j].ID, err)
				}
				d.logger.Warn("comparison failed, scoring 0",
					zap.String("a", records[i].ID), zap.String("b", records[j].ID), zap.Error(err))
				score = 0
			}
			if score > d.threshold {
				report.Candidates = append(report.Candidates, ScoredPair{A: records[i].ID, B: records[j].ID, Score: score})
			}
		}
	}
	sort.SliceStable(report.Candidates, func(i, j int) bool {
		return report.Candidates[i].Score > report.Candidates[j].Score
	})

	for _, pair := range report.Candidates {
		a, okA := d.repo.Get(pair.A)
		b, okB := d.repo.Get(pair.B)
		if !okA || !okB {
			continue
		}
		versionID, err := d.repo.ids.NewID()
		if err != nil {
			return report, fmt.Errorf("merge %s/%s: %w", pair.A, pair.B, err)
		}
		merged := Merge(a, b, versionID, d.repo.clock.Now())
		if err := d.repo.replaceMerged(ctx, merged, b.ID); err != nil {
			return report, fmt.Errorf("merge %s/%s: %w", pair.A, pair.B, err)
		}
		metrics.ObserveMerge()
		report.Merged = append(report.Merged, pair)
		d.logger.Info("clauses merged",
			zap.String("kept", pair.A), zap.String("removed", pair.B), zap.Float64("score", pair.Score))
	}
	return report, nil
}
