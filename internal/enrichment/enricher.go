// Package enrichment fills the practical drafting fields of clauses flagged
// needs_update by asking the completion service for them.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
	"github.com/JakeFAU/clause-crawler/internal/extraction"
	"github.com/JakeFAU/clause-crawler/internal/repository"
)

// DefaultMaxAttempts bounds attempts per clause.
const DefaultMaxAttempts = 3

// DefaultBackoffBase is the first retry delay.
const DefaultBackoffBase = 2 * time.Second

const enrichPrompt = `En tant qu'expert juridique spécialisé dans la rédaction d'actes de succession, analysez la clause suivante et fournissez des informations pratiques pour sa rédaction.

Clause actuelle :
Type: %s
Titre: %s
Description: %s
Conditions actuelles: %s
Exceptions actuelles: %s
Références: %s

Répondez uniquement avec un objet JSON de la forme suivante :

{
  "application_conditions": ["conditions précises pour appliquer cette clause"],
  "drafting_requirements": ["points à respecter dans la rédaction"],
  "use_cases": ["situations typiques d'utilisation"],
  "points_of_attention": ["éléments critiques à ne pas oublier"],
  "recommended_wording": ["formulations juridiques appropriées"],
  "pitfalls_to_avoid": ["erreurs courantes à éviter"],
  "required_documents": ["documents nécessaires"],
  "key_deadlines": ["délais à respecter"]
}

IMPORTANT : soyez précis et pratique. Les informations doivent être directement utilisables par un notaire.`

// Report summarizes a pass.
type Report struct {
	Considered int      `json:"considered"`
	Enriched   []string `json:"enriched"`
	Failed     []string `json:"failed"`
}

// Enricher runs the enrichment pass over a repository.
type Enricher struct {
	repo        *repository.Repository
	completer   crawler.Completer
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	retry       *crawler.ExponentialRetryPolicy
	logger      *zap.Logger
}

// Option customizes an Enricher.
type Option func(*Enricher)

// WithBackoff sets the retry delay unit and cap. Zero values keep the defaults.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(e *Enricher) {
		if base > 0 {
			e.backoffBase = base
		}
		if maxDelay > 0 {
			e.backoffMax = maxDelay
		}
	}
}

// New builds an Enricher. maxAttempts <= 0 uses DefaultMaxAttempts.
func New(repo *repository.Repository, completer crawler.Completer, maxAttempts int, logger *zap.Logger, opts ...Option) *Enricher {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Enricher{
		repo:        repo,
		completer:   completer,
		maxAttempts: maxAttempts,
		backoffBase: DefaultBackoffBase,
		backoffMax:  time.Minute,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.retry = crawler.NewExponentialRetryPolicy(
		crawler.WithMaxAttempts(maxAttempts),
		crawler.WithBaseDelay(e.backoffBase),
		crawler.WithMaxDelay(e.backoffMax),
	)
	return e
}

// Run enriches up to limit pending clauses (limit <= 0 means all) in id
// order. Failed clauses are left untouched. Credential exhaustion aborts.
func (e *Enricher) Run(ctx context.Context, limit int) (Report, error) {
	var report Report
	ids := e.repo.PendingEnrichment()
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("enrichment pass: %w", err)
		}
		rec, ok := e.repo.Get(id)
		if !ok {
			continue
		}
		report.Considered++
		details, err := e.enrich(ctx, rec)
		if err != nil {
			if errors.Is(err, crawler.ErrCredentialsExhausted) || ctx.Err() != nil {
				return report, fmt.Errorf("enrich %s: %w", id, err)
			}
			e.logger.Warn("clause enrichment failed", zap.String("id", id), zap.Error(err))
			report.Failed = append(report.Failed, id)
			continue
		}
		if err := e.repo.ApplyEnrichment(ctx, id, details); err != nil {
			return report, err
		}
		report.Enriched = append(report.Enriched, id)
		e.logger.Info("clause enriched", zap.String("id", id), zap.Int("filled", details.Filled()))
	}
	return report, nil
}

func (e *Enricher) enrich(ctx context.Context, rec *repository.Record) (repository.Details, error) {
	prompt := BuildPrompt(rec.Content)
	for attempt := 1; ; attempt++ {
		raw, err := e.completer.Complete(ctx, prompt)
		if err != nil && (errors.Is(err, crawler.ErrCredentialsExhausted) || ctx.Err() != nil) {
			return repository.Details{}, err
		}
		if err == nil {
			var details repository.Details
			details, err = ParseDetails(raw)
			if err == nil {
				return details, nil
			}
		}
		if !e.retry.ShouldRetry(err, attempt) {
			return repository.Details{}, fmt.Errorf("enrich after %d attempts: %w", attempt, err)
		}
		delay := e.retry.Backoff(attempt - 1)
		e.logger.Debug("enrichment attempt failed",
			zap.String("id", rec.ID), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		if err := crawler.Sleep(ctx, delay); err != nil {
			return repository.Details{}, err
		}
	}
}

// BuildPrompt renders the enrichment prompt for content.
func BuildPrompt(c repository.Content) string {
	return fmt.Sprintf(enrichPrompt,
		c.Type,
		c.Title,
		c.Description,
		strings.Join(c.Conditions, ", "),
		strings.Join(c.Exceptions, ", "),
		strings.Join(c.References, ", "),
	)
}

type detailsEnvelope struct {
	ApplicationConditions *[]string `json:"application_conditions"`
	DraftingRequirements  *[]string `json:"drafting_requirements"`
	UseCases              *[]string `json:"use_cases"`
	PointsOfAttention     *[]string `json:"points_of_attention"`
	RecommendedWording    *[]string `json:"recommended_wording"`
	PitfallsToAvoid       *[]string `json:"pitfalls_to_avoid"`
	RequiredDocuments     *[]string `json:"required_documents"`
	KeyDeadlines          *[]string `json:"key_deadlines"`
}

// ParseDetails decodes the JSON object embedded in raw. Every one of the
// eight fields must be present.
func ParseDetails(raw string) (repository.Details, error) {
	body, ok := extraction.ExciseJSON(raw)
	if !ok {
		return repository.Details{}, fmt.Errorf("%w: no json object", crawler.ErrMalformedResponse)
	}
	var env detailsEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return repository.Details{}, fmt.Errorf("decode enrichment: %w: %w", crawler.ErrMalformedResponse, err)
	}
	fields := []struct {
		name string
		val  *[]string
	}{
		{"application_conditions", env.ApplicationConditions},
		{"drafting_requirements", env.DraftingRequirements},
		{"use_cases", env.UseCases},
		{"points_of_attention", env.PointsOfAttention},
		{"recommended_wording", env.RecommendedWording},
		{"pitfalls_to_avoid", env.PitfallsToAvoid},
		{"required_documents", env.RequiredDocuments},
		{"key_deadlines", env.KeyDeadlines},
	}
	for _, f := range fields {
		if f.val == nil {
			return repository.Details{}, fmt.Errorf("missing %s: %w", f.name, crawler.ErrMalformedResponse)
		}
	}
	return repository.Details{
		ApplicationConditions: *env.ApplicationConditions,
		DraftingRequirements:  *env.DraftingRequirements,
		UseCases:              *env.UseCases,
		PointsOfAttention:     *env.PointsOfAttention,
		RecommendedWording:    *env.RecommendedWording,
		PitfallsToAvoid:       *env.PitfallsToAvoid,
		RequiredDocuments:     *env.RequiredDocuments,
		KeyDeadlines:          *env.KeyDeadlines,
	}, nil
}
