package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/catherinevee/evidencemgr/internal/dedup"
	"github.com/catherinevee/evidencemgr/internal/logger"
	"github.com/catherinevee/evidencemgr/internal/providers"
	"github.com/catherinevee/evidencemgr/internal/quality"
	"github.com/catherinevee/evidencemgr/internal/resilience"
	"github.com/catherinevee/evidencemgr/internal/store"
	"github.com/catherinevee/evidencemgr/internal/vault"
	"github.com/catherinevee/evidencemgr/pkg/models"
)

// Config tunes orchestrator resilience behavior. Zero values fall back to
// provider-tuned defaults.
type Config struct {
	Retry          *resilience.RetryConfig
	CircuitBreaker *resilience.CircuitBreakerConfig
}

// Request describes one collection run. Credentials are visited in the
// order given, which is the user's configured provider order.
type Request struct {
	Owner          string
	Credentials    []models.ProviderCredential
	RequestedTypes []string
}

// Orchestrator drives collection jobs through their lifecycle: it decrypts
// provider credentials, authenticates adapters, collects evidence,
// deduplicates and scores each record, and persists everything while
// keeping the job's status, progress and error list current.
//
// One provider failing never aborts the job; only credential decryption
// failures, storage failures and cancellation are job-fatal.
type Orchestrator struct {
	vault    *vault.Vault
	registry *providers.Registry
	store    store.EvidenceStore
	detector *dedup.Detector
	scorer   *quality.Scorer

	retryCfg   *resilience.RetryConfig
	breakerCfg *resilience.CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker

	now func() time.Time
	log logger.Logger
}

// New creates an orchestrator. Circuit breakers are created lazily per
// provider and shared across jobs, so a provider that melts down under one
// user's job is backed off for everyone.
func New(v *vault.Vault, registry *providers.Registry, evidenceStore store.EvidenceStore, detector *dedup.Detector, scorer *quality.Scorer, cfg *Config) *Orchestrator {
	if cfg == nil {
		cfg = &Config{}
	}
	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = resilience.ProviderRetryConfig()
	}
	breakerCfg := cfg.CircuitBreaker
	if breakerCfg == nil {
		breakerCfg = resilience.DefaultCircuitBreakerConfig()
	}

	return &Orchestrator{
		vault:      v,
		registry:   registry,
		store:      evidenceStore,
		detector:   detector,
		scorer:     scorer,
		retryCfg:   retryCfg,
		breakerCfg: breakerCfg,
		breakers:   make(map[string]*resilience.CircuitBreaker),
		now:        time.Now,
		log:        logger.New("orchestrator"),
	}
}

// StartCollection creates a job for the request and runs it to a terminal
// state. It is meant to be invoked from a background task runner; the
// returned job id is valid even when the run itself failed, and the job
// record carries the failure detail.
func (o *Orchestrator) StartCollection(ctx context.Context, req Request) (string, error) {
	if req.Owner == "" {
		return "", errors.New("owner is required")
	}
	if len(req.Credentials) == 0 {
		return "", errors.New("at least one provider credential is required")
	}
	if len(req.RequestedTypes) == 0 {
		return "", errors.New("at least one evidence type is required")
	}

	providerIDs := make([]string, 0, len(req.Credentials))
	for _, cred := range req.Credentials {
		providerIDs = append(providerIDs, cred.Provider)
	}

	job := &models.CollectionJob{
		Owner:          req.Owner,
		RequestedTypes: append([]string{}, req.RequestedTypes...),
		Providers:      providerIDs,
		Status:         models.JobStatusPending,
		CreatedAt:      o.now().UTC(),
	}
	jobID, err := o.store.CreateJob(ctx, job)
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	return jobID, o.run(ctx, jobID, req)
}

// Job returns the current state of a job.
func (o *Orchestrator) Job(ctx context.Context, jobID string) (*models.CollectionJob, error) {
	return o.store.GetJob(ctx, jobID)
}

// Evidence returns a page of a job's collected evidence plus the total count.
func (o *Orchestrator) Evidence(ctx context.Context, jobID string, filter models.EvidenceFilter, page models.Page) ([]models.EvidenceRecord, int, error) {
	return o.store.ListEvidence(ctx, jobID, filter, page)
}

// providerUnit is one provider's slice of the job: its adapter, the
// requested evidence types it can serve, and any construction error.
type providerUnit struct {
	provider string
	adapter  providers.Adapter
	types    []string
	buildErr error
}

func (o *Orchestrator) run(ctx context.Context, jobID string, req Request) error {
	log := o.log.WithContext(ctx).WithFields(
		logger.String("job_id", jobID),
		logger.String("owner", req.Owner))

	pending := models.JobStatusPending
	startedAt := o.now().UTC()
	if err := o.store.UpdateJobStatus(ctx, jobID, store.JobUpdate{
		ExpectedStatus: &pending,
		Status:         models.JobStatusRunning,
		StartedAt:      &startedAt,
		Activity:       stringPtr("starting collection"),
	}); err != nil {
		return fmt.Errorf("failed to start job %s: %w", jobID, err)
	}

	jc := newJobContext(jobID, req.Owner, req.RequestedTypes)

	// Decrypt credentials and construct every adapter up front so the set
	// of collectible evidence types, and with it the progress denominator,
	// is fixed before any provider runs. Decrypted material is handed to
	// the adapter constructor and goes out of scope here.
	units := make([]providerUnit, 0, len(req.Credentials))
	for _, cred := range req.Credentials {
		material, err := o.vault.Decrypt(cred.Ciphertext)
		if err != nil {
			log.Error("credential decryption failed",
				logger.String("provider", cred.Provider),
				logger.Err(err))
			jc.addError(cred.Provider, "", fmt.Sprintf("credential decryption failed: %v", err), o.now())
			return o.failJob(ctx, jc, err)
		}

		adapter, err := o.registry.New(cred.Provider, providers.Config{
			Credentials: material,
			Region:      cred.Region,
			Tenant:      cred.Tenant,
		})
		unit := providerUnit{provider: cred.Provider, adapter: adapter, buildErr: err}
		if err == nil {
			unit.types = intersect(req.RequestedTypes, adapter.SupportedEvidenceTypes())
		}
		units = append(units, unit)
	}

	jc.fixDenominator(units)
	for _, t := range jc.unsupported {
		log.Warn("evidence type not supported by any configured provider",
			logger.String("evidence_type", t))
		jc.addError("", t, "evidence type not supported by any configured provider", o.now())
	}

	if jc.total == 0 {
		return o.completeJob(ctx, jc)
	}

	for i := range units {
		if ctx.Err() != nil {
			jc.addError("", "", "collection cancelled", o.now())
			return o.failJob(ctx, jc, ctx.Err())
		}
		unit := &units[i]
		cred := &req.Credentials[i]

		if unit.buildErr != nil {
			log.Warn("provider adapter construction failed",
				logger.String("provider", unit.provider),
				logger.Err(unit.buildErr))
			jc.addError(unit.provider, "", unit.buildErr.Error(), o.now())
			o.markCredential(cred, models.CredentialStatusFailing, unit.buildErr.Error())
			continue
		}

		if err := o.updateProgress(ctx, jc, fmt.Sprintf("authenticating with %s", unit.provider)); err != nil {
			return err
		}

		records, err := o.collectFromProvider(ctx, unit)
		jc.markAttempted(unit.types)
		if err != nil {
			switch {
			case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
				log.Warn("provider circuit breaker rejected collection",
					logger.String("provider", unit.provider))
				jc.addError(unit.provider, "", "provider temporarily disabled by circuit breaker", o.now())
			case providers.IsAuthError(err):
				log.Warn("provider authentication failed",
					logger.String("provider", unit.provider),
					logger.Err(err))
				jc.addError(unit.provider, "", err.Error(), o.now())
				o.markCredential(cred, models.CredentialStatusFailing, err.Error())
			default:
				log.Error("provider collection failed",
					logger.String("provider", unit.provider),
					logger.Err(err))
				jc.addError(unit.provider, "", fmt.Sprintf("collection failed: %v", err), o.now())
			}
			if err := o.updateProgress(ctx, jc, fmt.Sprintf("skipped %s", unit.provider)); err != nil {
				return err
			}
			continue
		}

		o.markCredential(cred, models.CredentialStatusHealthy, "")
		if err := o.persistRecords(ctx, jc, unit, records); err != nil {
			return o.failJob(ctx, jc, err)
		}
		if err := o.updateProgress(ctx, jc, fmt.Sprintf("finished %s", unit.provider)); err != nil {
			return err
		}
	}

	return o.completeJob(ctx, jc)
}

// collectFromProvider authenticates and collects under the provider's
// circuit breaker, with retries around the collection call itself.
func (o *Orchestrator) collectFromProvider(ctx context.Context, unit *providerUnit) ([]models.EvidenceRecord, error) {
	var records []models.EvidenceRecord

	err := o.breakerFor(unit.provider).Execute(ctx, func(ctx context.Context) error {
		ok, err := unit.adapter.Authenticate(ctx)
		if err != nil {
			if providers.IsAuthError(err) {
				return err
			}
			return &providers.TransportError{Provider: unit.provider, Cause: err}
		}
		if !ok {
			return &providers.AuthError{Provider: unit.provider, Message: "credentials rejected"}
		}

		_, err = resilience.Retry(ctx, o.retryCfg, func(ctx context.Context) error {
			var collectErr error
			records, collectErr = unit.adapter.CollectAll(ctx)
			return collectErr
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// persistRecords runs each collected record through the dedup and scoring
// pipeline and saves it. Per-record failures are isolated; only a storage
// failure aborts, and the caller treats that as job-fatal.
func (o *Orchestrator) persistRecords(ctx context.Context, jc *jobContext, unit *providerUnit, records []models.EvidenceRecord) error {
	requested := make(map[string]bool, len(unit.types))
	for _, t := range unit.types {
		requested[t] = true
	}

	for _, record := range records {
		if !requested[record.EvidenceType] {
			continue
		}

		record.JobID = jc.jobID
		record.Owner = jc.owner
		if record.Source == "" {
			record.Source = unit.provider
		}
		if record.CollectedAt.IsZero() {
			record.CollectedAt = o.now().UTC()
		}

		if record.Checksum == "" {
			checksum, err := dedup.ContentHash(record)
			if err != nil {
				jc.addError(unit.provider, record.EvidenceType,
					fmt.Sprintf("content hashing failed for %s: %v", record.ResourceName, err), o.now())
				continue
			}
			record.Checksum = checksum
		}

		if o.detector.IsDuplicate(ctx, jc.owner, record) {
			o.log.Debug("suppressing duplicate evidence record",
				logger.String("job_id", jc.jobID),
				logger.String("evidence_type", record.EvidenceType),
				logger.String("resource_name", record.ResourceName))
			continue
		}

		record.QualityScore = o.scorer.Score(record)

		if _, err := o.store.SaveEvidenceRecord(ctx, &record); err != nil {
			jc.addError(unit.provider, record.EvidenceType,
				fmt.Sprintf("failed to persist evidence: %v", err), o.now())
			return fmt.Errorf("failed to persist evidence record: %w", err)
		}
		jc.addQuality(record.EvidenceType, record.QualityScore)
	}
	return nil
}

// updateProgress pushes the job's current counters to the store. Losing the
// store mid-job is fatal; there is nowhere left to record outcomes.
func (o *Orchestrator) updateProgress(ctx context.Context, jc *jobContext, activity string) error {
	progress := jc.progress()
	if err := o.store.UpdateJobStatus(ctx, jc.jobID, store.JobUpdate{
		Progress:       &progress,
		Activity:       &activity,
		CompletedTypes: jc.completedTypes(),
		QualityByType:  jc.qualityAverages(),
		Errors:         jc.errors,
	}); err != nil {
		return fmt.Errorf("failed to update job %s: %w", jc.jobID, err)
	}
	return nil
}

func (o *Orchestrator) completeJob(ctx context.Context, jc *jobContext) error {
	progress := 100
	completedAt := o.now().UTC()
	if err := o.store.UpdateJobStatus(ctx, jc.jobID, store.JobUpdate{
		Status:         models.JobStatusCompleted,
		Progress:       &progress,
		Activity:       stringPtr("collection complete"),
		CompletedTypes: jc.completedTypes(),
		QualityByType:  jc.qualityAverages(),
		Errors:         jc.errors,
		CompletedAt:    &completedAt,
	}); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jc.jobID, err)
	}
	return nil
}

func (o *Orchestrator) failJob(ctx context.Context, jc *jobContext, cause error) error {
	progress := jc.progress()
	completedAt := o.now().UTC()
	// The terminal status must land even when the job context was
	// cancelled, otherwise the job stays running forever.
	if err := o.store.UpdateJobStatus(context.WithoutCancel(ctx), jc.jobID, store.JobUpdate{
		Status:         models.JobStatusFailed,
		Progress:       &progress,
		Activity:       stringPtr("collection failed"),
		CompletedTypes: jc.completedTypes(),
		QualityByType:  jc.qualityAverages(),
		Errors:         jc.errors,
		CompletedAt:    &completedAt,
	}); err != nil {
		o.log.Error("failed to record job failure",
			logger.String("job_id", jc.jobID),
			logger.Err(err))
	}
	return cause
}

// breakerFor returns the shared circuit breaker for a provider, creating
// it on first use.
func (o *Orchestrator) breakerFor(provider string) *resilience.CircuitBreaker {
	o.mu.Lock()
	defer o.mu.Unlock()

	breaker, ok := o.breakers[provider]
	if !ok {
		breaker = resilience.NewCircuitBreaker(provider, o.breakerCfg)
		o.breakers[provider] = breaker
	}
	return breaker
}

func (o *Orchestrator) markCredential(cred *models.ProviderCredential, status models.CredentialStatus, detail string) {
	cred.Health = models.CredentialHealth{
		Status:      status,
		LastChecked: o.now().UTC(),
		Detail:      detail,
	}
}

// intersect returns the members of requested that appear in supported,
// preserving requested order.
func intersect(requested, supported []string) []string {
	supportedSet := make(map[string]bool, len(supported))
	for _, t := range supported {
		supportedSet[t] = true
	}

	var out []string
	for _, t := range requested {
		if supportedSet[t] {
			out = append(out, t)
		}
	}
	return out
}

func stringPtr(s string) *string {
	return &s
}
