package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/catherinevee/evidencemgr/pkg/models"
)

// MemoryStore is an in-memory EvidenceStore used by tests and as the
// reference implementation of the compare-and-set semantics.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*models.CollectionJob
	evidence []models.EvidenceRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.CollectionJob),
	}
}

// CreateJob persists a new job and returns its id
func (s *MemoryStore) CreateJob(ctx context.Context, job *models.CollectionJob) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	stored := *job
	s.jobs[job.ID] = &stored
	return job.ID, nil
}

// GetJob retrieves a job by id
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.CollectionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

// UpdateJobStatus applies a partial, optionally compare-and-set update
func (s *MemoryStore) UpdateJobStatus(ctx context.Context, id string, update JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if update.ExpectedStatus != nil && job.Status != *update.ExpectedStatus {
		return ErrStatusConflict
	}

	if update.Status != "" {
		job.Status = update.Status
	}
	if update.Progress != nil {
		job.Progress = *update.Progress
	}
	if update.Activity != nil {
		job.CurrentActivity = *update.Activity
	}
	if update.CompletedTypes != nil {
		job.CompletedTypes = append([]string{}, update.CompletedTypes...)
	}
	if update.QualityByType != nil {
		job.QualityByType = make(map[string]float64, len(update.QualityByType))
		for k, v := range update.QualityByType {
			job.QualityByType[k] = v
		}
	}
	if update.Errors != nil {
		job.Errors = append([]models.JobError{}, update.Errors...)
	}
	if update.StartedAt != nil {
		job.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		job.CompletedAt = update.CompletedAt
	}
	return nil
}

// SaveEvidenceRecord persists one evidence record and returns its id
func (s *MemoryStore) SaveEvidenceRecord(ctx context.Context, record *models.EvidenceRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	s.evidence = append(s.evidence, *record)
	return record.ID, nil
}

// ListEvidence returns a page of a job's evidence plus the total count
func (s *MemoryStore) ListEvidence(ctx context.Context, jobID string, filter models.EvidenceFilter, page models.Page) ([]models.EvidenceRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.EvidenceRecord
	for _, record := range s.evidence {
		if record.JobID != jobID {
			continue
		}
		if filter.EvidenceType != "" && record.EvidenceType != filter.EvidenceType {
			continue
		}
		if filter.Source != "" && record.Source != filter.Source {
			continue
		}
		if record.QualityScore < filter.MinQuality {
			continue
		}
		matched = append(matched, record)
	}

	total := len(matched)
	offset := page.Offset
	if offset > total {
		offset = total
	}
	end := total
	if page.Limit > 0 && offset+page.Limit < end {
		end = offset + page.Limit
	}
	return matched[offset:end], total, nil
}

// RecentChecksums returns content hashes of non-duplicate records for one
// owner and evidence type collected at or after since
func (s *MemoryStore) RecentChecksums(ctx context.Context, owner, evidenceType string, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var checksums []string
	for _, record := range s.evidence {
		if record.Owner != owner || record.EvidenceType != evidenceType {
			continue
		}
		if record.Duplicate || record.Checksum == "" {
			continue
		}
		if record.CollectedAt.Before(since) {
			continue
		}
		checksums = append(checksums, record.Checksum)
	}
	return checksums, nil
}
