// Package registry maps manifest URLs to the runtime handles of installed
// applications.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/storefront/pkg/storefront"
)

// Source loads the handles of previously installed applications.
type Source func(ctx context.Context) ([]storefront.InstallerHandle, error)

// Registry is a concurrency-safe manifest URL to installer handle map.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]storefront.InstallerHandle
	onPut   []func(count int)
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handles: make(map[string]storefront.InstallerHandle)}
}

// Init loads persisted installs. Existing entries are kept.
func (r *Registry) Init(ctx context.Context, src Source) error {
	handles, err := src(ctx)
	if err != nil {
		return fmt.Errorf("failed to load installed apps: %w", err)
	}
	for _, h := range handles {
		r.Put(h.ManifestURL(), h)
	}
	return nil
}

// OnChange registers a callback invoked with the new entry count after every Put.
func (r *Registry) OnChange(fn func(count int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPut = append(r.onPut, fn)
}

// Put records the handle for manifestURL, replacing any previous one.
func (r *Registry) Put(manifestURL string, h storefront.InstallerHandle) {
	if manifestURL == "" || h == nil {
		return
	}

	r.mu.Lock()
	r.handles[manifestURL] = h
	count := len(r.handles)
	callbacks := append([]func(int){}, r.onPut...)
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn(count)
	}
}

// Lookup returns the handle for manifestURL.
func (r *Registry) Lookup(manifestURL string) (storefront.InstallerHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[manifestURL]
	return h, ok
}

// All returns every handle, ordered by manifest URL.
func (r *Registry) All() []storefront.InstallerHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]storefront.InstallerHandle, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.handles[k])
	}
	return out
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
