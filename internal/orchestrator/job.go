package orchestrator

import (
	"time"

	"github.com/catherinevee/evidencemgr/pkg/models"
)

// jobContext accumulates one job's bookkeeping while it runs: which
// evidence types have been attempted, per-type quality aggregates and the
// cumulative error list. It replaces scattered mutable locals so every
// status update draws from one consistent snapshot.
type jobContext struct {
	jobID string
	owner string

	// collectible holds the requested types at least one configured
	// provider supports, in requested order. Its length is the fixed
	// progress denominator.
	collectible []string
	unsupported []string
	total       int

	// attempted marks a type once some provider has finished with it,
	// whether that attempt succeeded or its failure was recorded. Progress
	// derives from this set, so it only ever grows.
	attempted map[string]bool

	qualitySum   map[string]float64
	qualityCount map[string]int

	errors []models.JobError
}

func newJobContext(jobID, owner string, requestedTypes []string) *jobContext {
	return &jobContext{
		jobID:        jobID,
		owner:        owner,
		collectible:  append([]string{}, requestedTypes...),
		attempted:    make(map[string]bool),
		qualitySum:   make(map[string]float64),
		qualityCount: make(map[string]int),
	}
}

// fixDenominator splits the requested types into collectible and
// unsupported given the constructed provider units, and freezes the
// progress denominator.
func (jc *jobContext) fixDenominator(units []providerUnit) {
	supported := make(map[string]bool)
	for _, unit := range units {
		for _, t := range unit.types {
			supported[t] = true
		}
	}

	requested := jc.collectible
	jc.collectible = nil
	jc.unsupported = nil
	for _, t := range requested {
		if supported[t] {
			jc.collectible = append(jc.collectible, t)
		} else {
			jc.unsupported = append(jc.unsupported, t)
		}
	}
	jc.total = len(jc.collectible)
}

func (jc *jobContext) markAttempted(types []string) {
	for _, t := range types {
		jc.attempted[t] = true
	}
}

// progress is the percentage of collectible evidence types attempted so
// far, floored and capped at 100. It is non-decreasing because attempted
// only grows and the denominator is fixed.
func (jc *jobContext) progress() int {
	if jc.total == 0 {
		return 100
	}
	p := 100 * len(jc.attempted) / jc.total
	if p > 100 {
		p = 100
	}
	return p
}

// completedTypes returns the attempted types in requested order.
func (jc *jobContext) completedTypes() []string {
	out := make([]string, 0, len(jc.attempted))
	for _, t := range jc.collectible {
		if jc.attempted[t] {
			out = append(out, t)
		}
	}
	return out
}

func (jc *jobContext) addQuality(evidenceType string, score float64) {
	jc.qualitySum[evidenceType] += score
	jc.qualityCount[evidenceType]++
}

// qualityAverages returns the mean quality score of the records stored so
// far, per evidence type.
func (jc *jobContext) qualityAverages() map[string]float64 {
	out := make(map[string]float64, len(jc.qualitySum))
	for t, sum := range jc.qualitySum {
		out[t] = sum / float64(jc.qualityCount[t])
	}
	return out
}

func (jc *jobContext) addError(provider, evidenceType, message string, at time.Time) {
	jc.errors = append(jc.errors, models.JobError{
		Provider:     provider,
		EvidenceType: evidenceType,
		Message:      message,
		OccurredAt:   at.UTC(),
	})
}
