// Package repository holds the clause repository: candidate ingestion with
// idempotent upsert, similarity-driven duplicate merging, append-only history
// and JSON file persistence.
package repository

import (
	"time"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
)

// Document format constants.
const (
	FormatName    = "unified_clause_data"
	FormatVersion = "1.0"
)

// VersionType tags a history entry.
type VersionType string

// History event types.
const (
	VersionCreation VersionType = "creation"
	VersionUpdate   VersionType = "update"
	VersionMerge    VersionType = "merge"
)

// Update reasons recorded on metadata.enrichment.update_reason.
const (
	ReasonNew     = "new clause"
	ReasonChanged = "content changed"
	ReasonMerge   = "merge"
)

// Document is the persisted repository file.
type Document struct {
	Metadata DocumentMetadata   `json:"metadata"`
	Clauses  map[string]*Record `json:"clauses"`
}

// DocumentMetadata describes the file as a whole. Stats are recomputed on
// every save and load.
type DocumentMetadata struct {
	LastUpdate time.Time     `json:"last_update"`
	Version    string        `json:"version"`
	Format     string        `json:"format"`
	Stats      crawler.Stats `json:"stats"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		Metadata: DocumentMetadata{Version: FormatVersion, Format: FormatName},
		Clauses:  map[string]*Record{},
	}
}

// Record is one clause with its provenance and history.
type Record struct {
	ID       string   `json:"id"`
	Metadata Metadata `json:"metadata"`
	Content  Content  `json:"content"`
	History  History  `json:"history"`
}

// Metadata groups source tracking and enrichment state.
type Metadata struct {
	Source     SourceInfo     `json:"source"`
	Enrichment EnrichmentInfo `json:"enrichment"`
}

// SourceInfo tracks where and when a clause was seen.
type SourceInfo struct {
	FirstFound     time.Time `json:"first_found"`
	LastChecked    time.Time `json:"last_checked"`
	LastModified   time.Time `json:"last_modified"`
	CheckFrequency string    `json:"check_frequency"`
	URLs           []string  `json:"urls,omitempty"`
}

// EnrichmentInfo tracks the enrichment pass.
type EnrichmentInfo struct {
	Version      int        `json:"version"`
	LastEnriched *time.Time `json:"last_enriched"`
	QualityScore float64    `json:"quality_score"`
	NeedsUpdate  bool       `json:"needs_update"`
	UpdateReason string     `json:"update_reason"`
}

// Content is the clause body.
type Content struct {
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Explanation string   `json:"explanation,omitempty"`
	Conditions  []string `json:"conditions"`
	Exceptions  []string `json:"exceptions"`
	References  []string `json:"references"`
	Keywords    []string `json:"keywords"`
	Details
}

// Details are the practical drafting fields filled by the enrichment pass.
type Details struct {
	ApplicationConditions []string `json:"application_conditions,omitempty"`
	DraftingRequirements  []string `json:"drafting_requirements,omitempty"`
	UseCases              []string `json:"use_cases,omitempty"`
	PointsOfAttention     []string `json:"points_of_attention,omitempty"`
	RecommendedWording    []string `json:"recommended_wording,omitempty"`
	PitfallsToAvoid       []string `json:"pitfalls_to_avoid,omitempty"`
	RequiredDocuments     []string `json:"required_documents,omitempty"`
	KeyDeadlines          []string `json:"key_deadlines,omitempty"`
}

// DetailFieldCount is the number of enrichment fields used for the quality score.
const DetailFieldCount = 8

func (d *Details) fields() []*[]string {
	return []*[]string{
		&d.ApplicationConditions,
		&d.DraftingRequirements,
		&d.UseCases,
		&d.PointsOfAttention,
		&d.RecommendedWording,
		&d.PitfallsToAvoid,
		&d.RequiredDocuments,
		&d.KeyDeadlines,
	}
}

// Filled counts non-empty detail fields.
func (d Details) Filled() int {
	n := 0
	for _, f := range d.fields() {
		if len(*f) > 0 {
			n++
		}
	}
	return n
}

// History is the append-only list of snapshots.
type History struct {
	Versions []Version `json:"versions"`
}

// Version is an immutable snapshot of content.
type Version struct {
	ID         string      `json:"id"`
	Date       time.Time   `json:"date"`
	Type       VersionType `json:"type"`
	Changes    []string    `json:"changes,omitempty"`
	MergedFrom []string    `json:"merged_from,omitempty"`
	Snapshot   Content     `json:"snapshot"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Metadata.Source.URLs = cloneStrings(r.Metadata.Source.URLs)
	if r.Metadata.Enrichment.LastEnriched != nil {
		at := *r.Metadata.Enrichment.LastEnriched
		out.Metadata.Enrichment.LastEnriched = &at
	}
	out.Content = r.Content.clone()
	out.History.Versions = make([]Version, len(r.History.Versions))
	for i, v := range r.History.Versions {
		v.Changes = cloneStrings(v.Changes)
		v.MergedFrom = cloneStrings(v.MergedFrom)
		v.Snapshot = v.Snapshot.clone()
		out.History.Versions[i] = v
	}
	return &out
}

func (c Content) clone() Content {
	out := c
	out.Conditions = cloneStrings(c.Conditions)
	out.Exceptions = cloneStrings(c.Exceptions)
	out.References = cloneStrings(c.References)
	out.Keywords = cloneStrings(c.Keywords)
	src := c.Details.fields()
	dst := out.Details.fields()
	for i := range src {
		*dst[i] = cloneStrings(*src[i])
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// ComputeStats derives aggregate counters from the clause map.
func ComputeStats(clauses map[string]*Record) crawler.Stats {
	stats := crawler.Stats{TotalClauses: len(clauses)}
	for _, r := range clauses {
		if r.Metadata.Enrichment.Version > 0 {
			stats.EnrichedClauses++
		}
		if r.Metadata.Enrichment.NeedsUpdate {
			stats.PendingEnrichment++
		}
	}
	return stats
}
