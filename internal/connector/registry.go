package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"docmigrate/internal/domain"
)

// Credential is the decrypted secret handed to a connector factory.
type Credential struct {
	Scheme string
	Secret []byte
	Scopes []string
}

// Settings carries service-level connector configuration plus the job's
// source location.
type Settings struct {
	SourceLocation string
	BaseURL        string
	Region         string
	Endpoint       string
	DriveID        string
	Repository     string
	PageSize       int
	Extra          map[string]string
}

type Factory func(ctx context.Context, s Settings, cred Credential) (Connector, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[domain.SourceSystem]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[domain.SourceSystem]Factory{}}
}

func (r *Registry) Register(system domain.SourceSystem, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[system] = f
}

func (r *Registry) Open(ctx context.Context, system domain.SourceSystem, s Settings, cred Credential) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[system]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.Errorf(domain.CodeBadConfig, "no connector registered for %s", system)
	}
	c, err := f(ctx, s, cred)
	if err != nil {
		return nil, fmt.Errorf("open %s connector: %w", system, err)
	}
	return c, nil
}

func (r *Registry) Systems() []domain.SourceSystem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SourceSystem, 0, len(r.factories))
	for s := range r.factories {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
