package directory

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownProviderType signals an approve/reject against a type the
// registry does not know.
var ErrUnknownProviderType = errors.New("directory: unknown provider type")

// Approvable is the uniform approval capability every provider type exposes.
type Approvable interface {
	Approve(ctx context.Context, id, by, notes string) error
	Reject(ctx context.Context, id, by, reason string) error
}

// Registry maps a provider type name to its Approvable implementation, so
// callers select behavior by lookup instead of a chain of per-type branches.
type Registry struct {
	entries map[ProviderType]Approvable
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[ProviderType]Approvable)}
}

func (r *Registry) Register(kind ProviderType, a Approvable) {
	r.entries[kind] = a
}

func (r *Registry) Lookup(kind string) (Approvable, error) {
	a, ok := r.entries[ProviderType(kind)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProviderType, kind)
	}
	return a, nil
}

// responderApprover adapts the responders table to Approvable for one
// concrete provider type.
type responderApprover struct {
	repo *Repository
	kind ProviderType
}

func (a responderApprover) Approve(ctx context.Context, id, by, notes string) error {
	return a.repo.approve(ctx, a.kind, id, by, notes)
}

func (a responderApprover) Reject(ctx context.Context, id, by, reason string) error {
	return a.repo.reject(ctx, a.kind, id, by, reason)
}

// NewApprovalRegistry registers every provider type against the shared
// responders store.
func NewApprovalRegistry(repo *Repository) *Registry {
	reg := NewRegistry()
	for _, kind := range ProviderTypes() {
		reg.Register(kind, responderApprover{repo: repo, kind: kind})
	}
	return reg
}
