// Package provider implements the content-provider pipeline (spec ยง4.h):
// an ordered chain of validate/beforeWrite/afterWrite/delete/move/copy/read
// hooks that lets features like tag extraction or link indexing participate
// in every kernel write without the kernel knowing their types. A Registry
// implements kernel.Pipeline directly, so installing it is one call:
// k.SetPipeline(registry).
package provider

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/vaultfs/vaultfs/internal/kernel"
	"github.com/vaultfs/vaultfs/internal/storage"
)

// Provider is the capability set a content provider may implement (spec
// ยง9 "Dynamic plugin graph / duck-typed providers"). Every hook is
// independently optional: a zero-value Provider behaves as identity at
// every stage. CanHandle defaults to true when nil.
type Provider struct {
	Name     string
	Priority int

	CanHandle func(n *kernel.VNode) bool

	OnValidate     func(ctx context.Context, n *kernel.VNode, content []byte) error
	OnBeforeWrite  func(ctx context.Context, n *kernel.VNode, content []byte, tx storage.Transaction) ([]byte, error)
	OnAfterWrite   func(ctx context.Context, n *kernel.VNode, content []byte, tx storage.Transaction) (map[string]any, error)
	OnBeforeDelete func(ctx context.Context, n *kernel.VNode, tx storage.Transaction) error
	OnAfterDelete  func(ctx context.Context, n *kernel.VNode, tx storage.Transaction) error
	OnAfterMove    func(ctx context.Context, n *kernel.VNode, oldPath string, tx storage.Transaction) error
	OnAfterCopy    func(ctx context.Context, n *kernel.VNode, sourceID string, tx storage.Transaction) error
	OnAfterRead    func(ctx context.Context, n *kernel.VNode, content []byte) error
}

func (p *Provider) applies(n *kernel.VNode) bool {
	if p.CanHandle == nil {
		return true
	}

	return p.CanHandle(n)
}

// Registry holds providers sorted by descending priority and folds their
// hooks into the hook methods of kernel.Pipeline (spec ยง4.h).
// It implements kernel.Pipeline.
type Registry struct {
	mu        sync.RWMutex
	providers []*Provider
}

// New creates an empty provider registry.
func New() *Registry {
	return &Registry{}
}

// Register adds p to the registry, re-sorting by descending priority with
// registration order as the tiebreak.
func (r *Registry) Register(p *Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers = append(r.providers, p)

	sort.SliceStable(r.providers, func(i, j int) bool {
		return r.providers[i].Priority > r.providers[j].Priority
	})
}

// Unregister removes the provider with the given name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.providers[:0]

	for _, p := range r.providers {
		if p.Name != name {
			out = append(out, p)
		}
	}

	r.providers = out
}

func (r *Registry) snapshot() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Provider, len(r.providers))
	copy(out, r.providers)

	return out
}

// Validate folds OnValidate across every applicable provider; the first
// failure aborts before any mutation (spec ยง4.h step 1).
func (r *Registry) Validate(ctx context.Context, n *kernel.VNode, content []byte) error {
	for _, p := range r.snapshot() {
		if p.OnValidate == nil || !p.applies(n) {
			continue
		}

		if err := p.OnValidate(ctx, n, content); err != nil {
			return err
		}
	}

	return nil
}

// BeforeWrite folds OnBeforeWrite left-to-right, each provider rewriting
// the bytes the next one sees (spec ยง4.h step 2).
func (r *Registry) BeforeWrite(ctx context.Context, n *kernel.VNode, content []byte, tx storage.Transaction) ([]byte, error) {
	for _, p := range r.snapshot() {
		if p.OnBeforeWrite == nil || !p.applies(n) {
			continue
		}

		rewritten, err := p.OnBeforeWrite(ctx, n, content, tx)
		if err != nil {
			return nil, err
		}

		content = rewritten
	}

	return content, nil
}

// AfterWrite folds OnAfterWrite across every applicable provider, merging
// each returned map into one derivedData result (spec ยง4.h step 4).
// Independent provider failures are aggregated with multierr rather than
// aborting on the first one, since afterWrite hooks observe already-
// persisted bytes and a composite provider's inner failures should not
// mask each other.
func (r *Registry) AfterWrite(ctx context.Context, n *kernel.VNode, content []byte, tx storage.Transaction) (map[string]any, error) {
	derived := map[string]any{}

	var errs error

	for _, p := range r.snapshot() {
		if p.OnAfterWrite == nil || !p.applies(n) {
			continue
		}

		result, err := p.OnAfterWrite(ctx, n, content, tx)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		for k, v := range result {
			derived[k] = v
		}
	}

	return derived, errs
}

// BeforeDelete folds OnBeforeDelete; the first failure aborts the delete.
func (r *Registry) BeforeDelete(ctx context.Context, n *kernel.VNode, tx storage.Transaction) error {
	for _, p := range r.snapshot() {
		if p.OnBeforeDelete == nil || !p.applies(n) {
			continue
		}

		if err := p.OnBeforeDelete(ctx, n, tx); err != nil {
			return err
		}
	}

	return nil
}

// AfterDelete folds OnAfterDelete, aggregating independent failures.
func (r *Registry) AfterDelete(ctx context.Context, n *kernel.VNode, tx storage.Transaction) error {
	var errs error

	for _, p := range r.snapshot() {
		if p.OnAfterDelete == nil || !p.applies(n) {
			continue
		}

		if err := p.OnAfterDelete(ctx, n, tx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// AfterMove folds OnAfterMove, aggregating independent failures.
func (r *Registry) AfterMove(ctx context.Context, n *kernel.VNode, oldPath string, tx storage.Transaction) error {
	var errs error

	for _, p := range r.snapshot() {
		if p.OnAfterMove == nil || !p.applies(n) {
			continue
		}

		if err := p.OnAfterMove(ctx, n, oldPath, tx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// AfterCopy folds OnAfterCopy, aggregating independent failures.
func (r *Registry) AfterCopy(ctx context.Context, n *kernel.VNode, sourceID string, tx storage.Transaction) error {
	var errs error

	for _, p := range r.snapshot() {
		if p.OnAfterCopy == nil || !p.applies(n) {
			continue
		}

		if err := p.OnAfterCopy(ctx, n, sourceID, tx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// AfterRead folds OnAfterRead, aggregating independent failures. Read
// hooks never gate the read itself; callers log a returned error rather
// than propagating it (see kernel.Read).
func (r *Registry) AfterRead(ctx context.Context, n *kernel.VNode, content []byte) error {
	var errs error

	for _, p := range r.snapshot() {
		if p.OnAfterRead == nil || !p.applies(n) {
			continue
		}

		if err := p.OnAfterRead(ctx, n, content); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// Composite is a provider whose hooks fan out into an ordered inner list
// (spec ยง9 "Composite content providers"), e.g. a "markdown" provider
// fanning out into tag-extraction and link-indexing sub-providers. Build
// one with Composite and register the result like any other Provider.
func Composite(name string, priority int, canHandle func(*kernel.VNode) bool, inner ...*Provider) *Provider {
	innerReg := &Registry{providers: inner}

	return &Provider{
		Name:      name,
		Priority:  priority,
		CanHandle: canHandle,
		OnValidate: func(ctx context.Context, n *kernel.VNode, content []byte) error {
			return innerReg.Validate(ctx, n, content)
		},
		OnBeforeWrite: func(ctx context.Context, n *kernel.VNode, content []byte, tx storage.Transaction) ([]byte, error) {
			return innerReg.BeforeWrite(ctx, n, content, tx)
		},
		OnAfterWrite: func(ctx context.Context, n *kernel.VNode, content []byte, tx storage.Transaction) (map[string]any, error) {
			return innerReg.AfterWrite(ctx, n, content, tx)
		},
		OnBeforeDelete: func(ctx context.Context, n *kernel.VNode, tx storage.Transaction) error {
			return innerReg.BeforeDelete(ctx, n, tx)
		},
		OnAfterDelete: func(ctx context.Context, n *kernel.VNode, tx storage.Transaction) error {
			return innerReg.AfterDelete(ctx, n, tx)
		},
		OnAfterMove: func(ctx context.Context, n *kernel.VNode, oldPath string, tx storage.Transaction) error {
			return innerReg.AfterMove(ctx, n, oldPath, tx)
		},
		OnAfterCopy: func(ctx context.Context, n *kernel.VNode, sourceID string, tx storage.Transaction) error {
			return innerReg.AfterCopy(ctx, n, sourceID, tx)
		},
		OnAfterRead: func(ctx context.Context, n *kernel.VNode, content []byte) error {
			return innerReg.AfterRead(ctx, n, content)
		},
	}
}
