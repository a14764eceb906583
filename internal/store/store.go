package store

import (
	"context"
	"errors"
	"time"

	"github.com/catherinevee/evidencemgr/pkg/models"
)

var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrStatusConflict is returned when an optimistic status update loses
	// the compare-and-set race.
	ErrStatusConflict = errors.New("job status changed concurrently")
)

// JobUpdate describes a partial update to a job. Nil fields are left
// untouched. When ExpectedStatus is set the update applies only if the
// stored status still matches, so concurrent status writers cannot lose
// updates.
type JobUpdate struct {
	ExpectedStatus *models.JobStatus
	Status         models.JobStatus
	Progress       *int
	Activity       *string
	CompletedTypes []string
	QualityByType  map[string]float64
	Errors         []models.JobError
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// EvidenceStore persists collection jobs and evidence records. Evidence
// writes are append-only per job; a failed record save must not corrupt the
// job's progress counters.
type EvidenceStore interface {
	// CreateJob persists a new job and returns its id
	CreateJob(ctx context.Context, job *models.CollectionJob) (string, error)

	// GetJob retrieves a job by id
	GetJob(ctx context.Context, id string) (*models.CollectionJob, error)

	// UpdateJobStatus applies a partial, optionally compare-and-set update
	UpdateJobStatus(ctx context.Context, id string, update JobUpdate) error

	// SaveEvidenceRecord persists one evidence record and returns its id
	SaveEvidenceRecord(ctx context.Context, record *models.EvidenceRecord) (string, error)

	// ListEvidence returns a page of a job's evidence plus the total count
	ListEvidence(ctx context.Context, jobID string, filter models.EvidenceFilter, page models.Page) ([]models.EvidenceRecord, int, error)

	// RecentChecksums returns content hashes of non-duplicate records for
	// one owner and evidence type collected at or after since
	RecentChecksums(ctx context.Context, owner, evidenceType string, since time.Time) ([]string, error)
}
