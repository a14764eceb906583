package models

import (
	"time"
)

// AuthScheme identifies how a provider credential authenticates.
type AuthScheme string

const (
	AuthSchemeAPIKey         AuthScheme = "api-key"
	AuthSchemeOAuth2         AuthScheme = "oauth2"
	AuthSchemeRoleAssumption AuthScheme = "role-assumption"
)

// CredentialStatus describes the last known health of a stored credential.
type CredentialStatus string

const (
	CredentialStatusUnverified CredentialStatus = "unverified"
	CredentialStatusHealthy    CredentialStatus = "healthy"
	CredentialStatusFailing    CredentialStatus = "failing"
)

// CredentialHealth is a snapshot of the most recent authentication outcome.
type CredentialHealth struct {
	Status      CredentialStatus `json:"status"`
	LastChecked time.Time        `json:"last_checked,omitempty"`
	Detail      string           `json:"detail,omitempty"`
}

// ProviderCredential references one user's credential set for one provider.
// The Ciphertext field holds the encrypted envelope produced by the vault;
// decrypted material never appears on this struct.
type ProviderCredential struct {
	UserID     string           `json:"user_id"`
	Provider   string           `json:"provider"`
	AuthScheme AuthScheme       `json:"auth_scheme"`
	Ciphertext string           `json:"ciphertext"`
	Region     string           `json:"region,omitempty"`
	Tenant     string           `json:"tenant,omitempty"`
	Health     CredentialHealth `json:"health"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// JobStatus represents the status of a collection job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobError is one entry in a job's cumulative, ordered error list.
type JobError struct {
	Provider     string    `json:"provider,omitempty"`
	EvidenceType string    `json:"evidence_type,omitempty"`
	Message      string    `json:"message"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// CollectionJob tracks one run of the orchestrator against a set of
// configured providers and requested evidence types.
type CollectionJob struct {
	ID              string             `json:"id"`
	Owner           string             `json:"owner"`
	RequestedTypes  []string           `json:"requested_types"`
	Providers       []string           `json:"providers"`
	Status          JobStatus          `json:"status"`
	Progress        int                `json:"progress_percentage"`
	CurrentActivity string             `json:"current_activity,omitempty"`
	CompletedTypes  []string           `json:"completed_types,omitempty"`
	QualityByType   map[string]float64 `json:"quality_by_type,omitempty"`
	Errors          []JobError         `json:"errors,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}

// CollectionMethod describes how a piece of evidence was gathered.
type CollectionMethod string

const (
	CollectionAutomated     CollectionMethod = "automated"
	CollectionSemiAutomated CollectionMethod = "semi_automated"
	CollectionManual        CollectionMethod = "manual"
)

// EvidenceRecord is a normalized artifact collected from a provider for
// compliance audit purposes. Immutable after creation except for soft
// status changes performed by maintenance routines.
type EvidenceRecord struct {
	ID               string                 `json:"id"`
	JobID            string                 `json:"job_id"`
	Owner            string                 `json:"owner"`
	EvidenceType     string                 `json:"evidence_type"`
	Source           string                 `json:"source"`
	ResourceID       string                 `json:"resource_id"`
	ResourceName     string                 `json:"resource_name"`
	Description      string                 `json:"description,omitempty"`
	Payload          map[string]interface{} `json:"payload"`
	ControlTags      []string               `json:"control_tags,omitempty"`
	CollectionMethod CollectionMethod       `json:"collection_method"`
	TrustedSource    bool                   `json:"trusted_source"`
	Partial          bool                   `json:"partial,omitempty"`
	QualityScore     float64                `json:"quality_score"`
	Checksum         string                 `json:"checksum"`
	Duplicate        bool                   `json:"duplicate,omitempty"`
	Stale            bool                   `json:"stale,omitempty"`
	CollectedAt      time.Time              `json:"collected_at"`
}

// EvidenceFilter narrows ListEvidence results.
type EvidenceFilter struct {
	EvidenceType string
	Source       string
	MinQuality   float64
}

// Page describes pagination for list operations.
type Page struct {
	Offset int
	Limit  int
}
