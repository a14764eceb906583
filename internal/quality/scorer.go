package quality

import (
	"time"

	"github.com/catherinevee/evidencemgr/pkg/models"
)

// Sub-score weights. They sum to 1.0, so the weighted score stays inside
// [0,1] before the final clamp.
const (
	weightCompleteness  = 0.30
	weightFreshness     = 0.25
	weightRelevance     = 0.25
	weightVerifiability = 0.20
)

// Scorer computes the canonical audit-readiness score for normalized
// evidence records. Adapters may carry their own advisory heuristics, but
// every stored score comes from here so scoring is consistent across
// providers.
type Scorer struct {
	now func() time.Time
}

// NewScorer creates a scorer using wall-clock time.
func NewScorer() *Scorer {
	return &Scorer{now: time.Now}
}

// NewScorerAt creates a scorer with a fixed clock, for deterministic tests.
func NewScorerAt(now func() time.Time) *Scorer {
	return &Scorer{now: now}
}

// Score returns a confidence score in [0,1] for the record: a weighted
// combination of completeness, freshness, relevance and verifiability.
func (s *Scorer) Score(record models.EvidenceRecord) float64 {
	score := weightCompleteness*s.Completeness(record) +
		weightFreshness*s.Freshness(record) +
		weightRelevance*s.Relevance(record) +
		weightVerifiability*s.Verifiability(record)

	return clamp(score)
}

// Completeness measures presence of the core descriptive fields.
func (s *Scorer) Completeness(record models.EvidenceRecord) float64 {
	score := 0.0
	if record.ResourceName != "" {
		score += 0.2
	}
	if record.Description != "" {
		score += 0.2
	}
	if record.EvidenceType != "" {
		score += 0.2
	}
	if len(record.ControlTags) > 0 {
		score += 0.2
	}
	if record.Source != "" {
		score += 0.2
	}
	if record.Partial {
		score -= 0.2
	}
	return clamp(score)
}

// Freshness applies age-based decay from the collection timestamp.
func (s *Scorer) Freshness(record models.EvidenceRecord) float64 {
	if record.CollectedAt.IsZero() {
		return 0.1
	}

	age := s.now().Sub(record.CollectedAt)
	switch {
	case age <= 7*24*time.Hour:
		return 1.0
	case age <= 30*24*time.Hour:
		return 0.9
	case age <= 60*24*time.Hour:
		return 0.75
	case age <= 90*24*time.Hour:
		return 0.5
	case age <= 180*24*time.Hour:
		return 0.25
	default:
		return 0.1
	}
}

// Relevance measures how well the record maps onto audit structure:
// compliance control references, an audit section and a review priority.
func (s *Scorer) Relevance(record models.EvidenceRecord) float64 {
	score := 0.0
	if len(record.ControlTags) > 0 {
		score += 0.4
	}
	if _, ok := record.Payload["audit_section"]; ok {
		score += 0.3
	}
	if _, ok := record.Payload["priority"]; ok {
		score += 0.3
	}
	return clamp(score)
}

// Verifiability favors automated collection from trusted sources over
// manual uploads.
func (s *Scorer) Verifiability(record models.EvidenceRecord) float64 {
	var score float64
	switch record.CollectionMethod {
	case models.CollectionAutomated:
		score = 0.8
	case models.CollectionSemiAutomated:
		score = 0.6
	case models.CollectionManual:
		score = 0.3
	default:
		score = 0.3
	}
	if record.TrustedSource {
		score += 0.2
	}
	return clamp(score)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
