package providers

import (
	"context"
	"fmt"

	"github.com/catherinevee/evidencemgr/pkg/models"
)

// Adapter defines the contract every evidence provider implements. Given
// decrypted credentials, an adapter authenticates against its external
// system and returns typed evidence records. Individual resource failures
// inside CollectAll yield degraded partial records rather than aborting
// the provider call.
type Adapter interface {
	// Name returns the provider id (e.g. "aws", "googleworkspace")
	Name() string

	// Authenticate verifies the credentials against the live API. A false
	// return without error means the credentials were rejected.
	Authenticate(ctx context.Context) (bool, error)

	// SupportedEvidenceTypes returns the evidence types this adapter can collect
	SupportedEvidenceTypes() []string

	// CollectAll gathers every supported evidence record in one pass
	CollectAll(ctx context.Context) ([]models.EvidenceRecord, error)
}

// Config carries the decrypted credential material and provider scoping
// into an adapter constructor. Instances live only for the duration of one
// adapter invocation and must never be persisted or logged.
type Config struct {
	// Decrypted credential material from the vault
	Credentials map[string]interface{}

	// Region or location scope, where the provider has one
	Region string

	// Tenant, domain or account scope, where the provider has one
	Tenant string
}

// StringCredential reads a string credential field, tolerating absence.
func (c Config) StringCredential(key string) string {
	if v, ok := c.Credentials[key].(string); ok {
		return v
	}
	return ""
}

// AuthError indicates the provider rejected the supplied credentials.
// Fatal for that provider only; the orchestrator skips it and continues.
type AuthError struct {
	Provider string
	Message  string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s authentication failed: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s authentication failed", e.Provider)
}

// TransportError indicates a provider API became unreachable or started
// failing mid-collection.
type TransportError struct {
	Provider string
	Cause    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport failure: %v", e.Provider, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// IsAuthError checks if an error is an AuthError.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*AuthError)
	return ok
}
