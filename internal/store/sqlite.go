package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/catherinevee/evidencemgr/pkg/models"
)

// SQLiteStore is the durable EvidenceStore implementation.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig represents database configuration
type SQLiteConfig struct {
	Path string
}

// DefaultSQLiteConfig returns default database configuration
func DefaultSQLiteConfig() *SQLiteConfig {
	homeDir, _ := os.UserHomeDir()
	return &SQLiteConfig{
		Path: filepath.Join(homeDir, ".evidencemgr", "evidencemgr.db"),
	}
}

// NewSQLiteStore opens (and if needed creates) the database.
func NewSQLiteStore(config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", config.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS collection_jobs (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		requested_types TEXT,
		providers TEXT,
		status TEXT NOT NULL,
		progress INTEGER DEFAULT 0,
		current_activity TEXT,
		completed_types TEXT,
		quality_by_type TEXT,
		errors TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON collection_jobs(owner);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON collection_jobs(status);

	CREATE TABLE IF NOT EXISTS evidence_records (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		evidence_type TEXT NOT NULL,
		source TEXT NOT NULL,
		resource_id TEXT,
		resource_name TEXT,
		description TEXT,
		payload TEXT,
		control_tags TEXT,
		collection_method TEXT,
		trusted_source INTEGER DEFAULT 0,
		partial INTEGER DEFAULT 0,
		quality_score REAL DEFAULT 0,
		checksum TEXT,
		duplicate INTEGER DEFAULT 0,
		stale INTEGER DEFAULT 0,
		collected_at TIMESTAMP,
		FOREIGN KEY (job_id) REFERENCES collection_jobs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_job ON evidence_records(job_id);
	CREATE INDEX IF NOT EXISTS idx_evidence_owner_type ON evidence_records(owner, evidence_type);
	CREATE INDEX IF NOT EXISTS idx_evidence_checksum ON evidence_records(checksum);
	CREATE INDEX IF NOT EXISTS idx_evidence_collected ON evidence_records(collected_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob persists a new job and returns its id
func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.CollectionJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	requestedTypes, _ := json.Marshal(job.RequestedTypes)
	providers, _ := json.Marshal(job.Providers)
	completedTypes, _ := json.Marshal(job.CompletedTypes)
	qualityByType, _ := json.Marshal(job.QualityByType)
	jobErrors, _ := json.Marshal(job.Errors)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_jobs
			(id, owner, requested_types, providers, status, progress, current_activity,
			 completed_types, quality_by_type, errors, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Owner, string(requestedTypes), string(providers), string(job.Status),
		job.Progress, job.CurrentActivity, string(completedTypes), string(qualityByType),
		string(jobErrors), job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}
	return job.ID, nil
}

// GetJob retrieves a job by id
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.CollectionJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, requested_types, providers, status, progress, current_activity,
		       completed_types, quality_by_type, errors, created_at, started_at, completed_at
		FROM collection_jobs WHERE id = ?`, id)

	var job models.CollectionJob
	var requestedTypes, providers, completedTypes, qualityByType, jobErrors string
	var status string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.Owner, &requestedTypes, &providers, &status, &job.Progress,
		&job.CurrentActivity, &completedTypes, &qualityByType, &jobErrors,
		&job.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	job.Status = models.JobStatus(status)
	json.Unmarshal([]byte(requestedTypes), &job.RequestedTypes)
	json.Unmarshal([]byte(providers), &job.Providers)
	json.Unmarshal([]byte(completedTypes), &job.CompletedTypes)
	json.Unmarshal([]byte(qualityByType), &job.QualityByType)
	json.Unmarshal([]byte(jobErrors), &job.Errors)
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

// UpdateJobStatus applies a partial, optionally compare-and-set update.
// The CAS is expressed in the WHERE clause so concurrent writers cannot
// interleave between read and write.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id string, update JobUpdate) error {
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}

	if update.Status != "" {
		current.Status = update.Status
	}
	if update.Progress != nil {
		current.Progress = *update.Progress
	}
	if update.Activity != nil {
		current.CurrentActivity = *update.Activity
	}
	if update.CompletedTypes != nil {
		current.CompletedTypes = update.CompletedTypes
	}
	if update.QualityByType != nil {
		current.QualityByType = update.QualityByType
	}
	if update.Errors != nil {
		current.Errors = update.Errors
	}
	if update.StartedAt != nil {
		current.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		current.CompletedAt = update.CompletedAt
	}

	completedTypes, _ := json.Marshal(current.CompletedTypes)
	qualityByType, _ := json.Marshal(current.QualityByType)
	jobErrors, _ := json.Marshal(current.Errors)

	query := `
		UPDATE collection_jobs
		SET status = ?, progress = ?, current_activity = ?, completed_types = ?,
		    quality_by_type = ?, errors = ?, started_at = ?, completed_at = ?
		WHERE id = ?`
	args := []interface{}{
		string(current.Status), current.Progress, current.CurrentActivity,
		string(completedTypes), string(qualityByType), string(jobErrors),
		current.StartedAt, current.CompletedAt, id,
	}
	if update.ExpectedStatus != nil {
		query += ` AND status = ?`
		args = append(args, string(*update.ExpectedStatus))
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if update.ExpectedStatus != nil {
			return ErrStatusConflict
		}
		return ErrJobNotFound
	}
	return nil
}

// SaveEvidenceRecord persists one evidence record and returns its id
func (s *SQLiteStore) SaveEvidenceRecord(ctx context.Context, record *models.EvidenceRecord) (string, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	payload, err := json.Marshal(record.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize payload: %w", err)
	}
	controlTags, _ := json.Marshal(record.ControlTags)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evidence_records
			(id, job_id, owner, evidence_type, source, resource_id, resource_name,
			 description, payload, control_tags, collection_method, trusted_source,
			 partial, quality_score, checksum, duplicate, stale, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.JobID, record.Owner, record.EvidenceType, record.Source,
		record.ResourceID, record.ResourceName, record.Description, string(payload),
		string(controlTags), string(record.CollectionMethod), record.TrustedSource,
		record.Partial, record.QualityScore, record.Checksum, record.Duplicate,
		record.Stale, record.CollectedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert evidence record: %w", err)
	}
	return record.ID, nil
}

// ListEvidence returns a page of a job's evidence plus the total count
func (s *SQLiteStore) ListEvidence(ctx context.Context, jobID string, filter models.EvidenceFilter, page models.Page) ([]models.EvidenceRecord, int, error) {
	where := `WHERE job_id = ? AND quality_score >= ?`
	args := []interface{}{jobID, filter.MinQuality}
	if filter.EvidenceType != "" {
		where += ` AND evidence_type = ?`
		args = append(args, filter.EvidenceType)
	}
	if filter.Source != "" {
		where += ` AND source = ?`
		args = append(args, filter.Source)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence_records `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count evidence: %w", err)
	}

	query := `
		SELECT id, job_id, owner, evidence_type, source, resource_id, resource_name,
		       description, payload, control_tags, collection_method, trusted_source,
		       partial, quality_score, checksum, duplicate, stale, collected_at
		FROM evidence_records ` + where + ` ORDER BY collected_at, id`
	if page.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, page.Limit, page.Offset)
	} else if page.Offset > 0 {
		query += fmt.Sprintf(` LIMIT -1 OFFSET %d`, page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list evidence: %w", err)
	}
	defer rows.Close()

	var records []models.EvidenceRecord
	for rows.Next() {
		var record models.EvidenceRecord
		var payload, controlTags, method string
		err := rows.Scan(&record.ID, &record.JobID, &record.Owner, &record.EvidenceType,
			&record.Source, &record.ResourceID, &record.ResourceName, &record.Description,
			&payload, &controlTags, &method, &record.TrustedSource, &record.Partial,
			&record.QualityScore, &record.Checksum, &record.Duplicate, &record.Stale,
			&record.CollectedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan evidence record: %w", err)
		}
		record.CollectionMethod = models.CollectionMethod(method)
		json.Unmarshal([]byte(payload), &record.Payload)
		json.Unmarshal([]byte(controlTags), &record.ControlTags)
		records = append(records, record)
	}
	return records, total, rows.Err()
}

// RecentChecksums returns content hashes of non-duplicate records for one
// owner and evidence type collected at or after since
func (s *SQLiteStore) RecentChecksums(ctx context.Context, owner, evidenceType string, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT checksum FROM evidence_records
		WHERE owner = ? AND evidence_type = ? AND duplicate = 0
		  AND checksum != '' AND collected_at >= ?`,
		owner, evidenceType, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query checksums: %w", err)
	}
	defer rows.Close()

	var checksums []string
	for rows.Next() {
		var checksum string
		if err := rows.Scan(&checksum); err != nil {
			return nil, err
		}
		checksums = append(checksums, checksum)
	}
	return checksums, rows.Err()
}
