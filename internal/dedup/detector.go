package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/catherinevee/evidencemgr/internal/logger"
	"github.com/catherinevee/evidencemgr/pkg/models"
)

// DefaultLookbackWindow bounds how far back the detector searches. Evidence
// older than the window is allowed to re-enter even when its content hash
// matches, since legitimately re-collected artifacts should not be
// suppressed forever.
const DefaultLookbackWindow = 24 * time.Hour

// ChecksumLookup is the slice of the evidence store the detector needs:
// content hashes of existing non-duplicate records for one subject and
// evidence type inside a time window.
type ChecksumLookup interface {
	RecentChecksums(ctx context.Context, owner, evidenceType string, since time.Time) ([]string, error)
}

// Detector decides whether an incoming evidence record duplicates one
// already stored for the same subject within the lookback window.
type Detector struct {
	lookup ChecksumLookup
	window time.Duration
	log    logger.Logger
}

// NewDetector creates a detector with the default lookback window.
func NewDetector(lookup ChecksumLookup) *Detector {
	return NewDetectorWithWindow(lookup, DefaultLookbackWindow)
}

// NewDetectorWithWindow creates a detector with a custom lookback window.
func NewDetectorWithWindow(lookup ChecksumLookup, window time.Duration) *Detector {
	return &Detector{
		lookup: lookup,
		window: window,
		log:    logger.New("dedup"),
	}
}

// ContentHash computes the SHA-256 hash over the normalized projection of a
// record: evidence type, resource name, source and canonical payload JSON.
// Hashing instead of full comparison bounds memory and makes the check
// idempotent and order-independent.
func ContentHash(record models.EvidenceRecord) (string, error) {
	projection := struct {
		EvidenceType string                 `json:"evidence_type"`
		ResourceName string                 `json:"resource_name"`
		Source       string                 `json:"source"`
		Payload      map[string]interface{} `json:"payload"`
	}{
		EvidenceType: record.EvidenceType,
		ResourceName: record.ResourceName,
		Source:       record.Source,
		Payload:      record.Payload,
	}

	canonical, err := json.Marshal(projection)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// IsDuplicate reports whether candidate duplicates an existing record for
// the same owner and evidence type within the lookback window. On internal
// error it fails open and returns false: over-collection is recoverable,
// lost evidence is not.
func (d *Detector) IsDuplicate(ctx context.Context, owner string, candidate models.EvidenceRecord) bool {
	hash := candidate.Checksum
	if hash == "" {
		var err error
		hash, err = ContentHash(candidate)
		if err != nil {
			d.log.Error("content hashing failed, allowing record through",
				logger.String("evidence_type", candidate.EvidenceType),
				logger.Err(err))
			return false
		}
	}

	since := time.Now().Add(-d.window)
	existing, err := d.lookup.RecentChecksums(ctx, owner, candidate.EvidenceType, since)
	if err != nil {
		d.log.Error("duplicate lookup failed, allowing record through",
			logger.String("evidence_type", candidate.EvidenceType),
			logger.Err(err))
		return false
	}

	for _, checksum := range existing {
		if checksum == hash {
			return true
		}
	}
	return false
}
