package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/davidleathers/control-assurance-backend/internal/domain/control"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

var _ workflow.ProviderDirectory = (*ProviderDirectory)(nil)

// ProviderDirectory resolves evidence providers from explicit
// (control, evidence type) entries, then per-type defaults.
type ProviderDirectory struct {
	mu        sync.RWMutex
	byControl map[string]map[control.EvidenceType]string
	byType    map[control.EvidenceType]string
	fallback  string
}

// NewProviderDirectory creates a directory. fallback, when non-empty, is
// returned for anything not registered.
func NewProviderDirectory(fallback string) *ProviderDirectory {
	return &ProviderDirectory{
		byControl: make(map[string]map[control.EvidenceType]string),
		byType:    make(map[control.EvidenceType]string),
		fallback:  fallback,
	}
}

// Register assigns provider to evidenceType on one control
func (d *ProviderDirectory) Register(controlRef string, evidenceType control.EvidenceType, provider string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.byControl[controlRef]
	if !ok {
		m = make(map[control.EvidenceType]string)
		d.byControl[controlRef] = m
	}
	m[evidenceType] = provider
}

// RegisterDefault assigns provider to evidenceType on every control
func (d *ProviderDirectory) RegisterDefault(evidenceType control.EvidenceType, provider string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byType[evidenceType] = provider
}

func (d *ProviderDirectory) ResolveProvider(_ context.Context, controlRef string, evidenceType control.EvidenceType) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if p, ok := d.byControl[controlRef][evidenceType]; ok {
		return p, nil
	}
	if p, ok := d.byType[evidenceType]; ok {
		return p, nil
	}
	if d.fallback != "" {
		return d.fallback, nil
	}
	return "", fmt.Errorf("no provider registered for %s on %s", evidenceType, controlRef)
}
