package mock

import (
	"context"

	"github.com/catherinevee/evidencemgr/internal/providers"
	"github.com/catherinevee/evidencemgr/pkg/models"
)

// Adapter is a configurable in-memory adapter for tests.
type Adapter struct {
	ProviderName  string
	EvidenceTypes []string
	Records       []models.EvidenceRecord
	AuthOK        bool
	AuthErr       error
	CollectErr    error
	CollectCalls  int
	AuthCalls     int
}

// New returns an adapter that authenticates successfully and returns the
// given records.
func New(name string, evidenceTypes []string, records []models.EvidenceRecord) *Adapter {
	return &Adapter{
		ProviderName:  name,
		EvidenceTypes: evidenceTypes,
		Records:       records,
		AuthOK:        true,
	}
}

// Factory wraps the adapter into a registry factory.
func (a *Adapter) Factory() providers.Factory {
	return func(config providers.Config) (providers.Adapter, error) {
		return a, nil
	}
}

func (a *Adapter) Name() string {
	return a.ProviderName
}

func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	a.AuthCalls++
	return a.AuthOK, a.AuthErr
}

func (a *Adapter) SupportedEvidenceTypes() []string {
	return a.EvidenceTypes
}

func (a *Adapter) CollectAll(ctx context.Context) ([]models.EvidenceRecord, error) {
	a.CollectCalls++
	if a.CollectErr != nil {
		return nil, a.CollectErr
	}
	return a.Records, nil
}
