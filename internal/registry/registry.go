// Package registry implements the read-only catalog contract the spec
// describes: engines, chains, stances, and workflows loaded once from JSON
// files under a catalog directory and held immutable until an explicit
// reload. The execution path never mutates registry contents.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Keyed is satisfied by every registry entry type so the generic Registry
// can index entries without per-type boilerplate.
type Keyed interface {
	RegistryKey() string
}

// Registry is a generic read-only catalog over entries of type T, loaded
// from a directory of JSON files. Get/ListAll/ListSummaries/ListKeys/Count
// mirror the spec's registry contract verbatim; Reload re-reads the
// directory and swaps the in-memory snapshot atomically.
type Registry[T Keyed] struct {
	dir string

	mu      sync.RWMutex
	entries map[string]T
	order   []string
}

// NewRegistry constructs a registry rooted at dir and performs an initial
// load. dir is typically a subdirectory of config.Config.CatalogDir (e.g.
// "<catalog>/engines").
func NewRegistry[T Keyed](dir string) (*Registry[T], error) {
	r := &Registry[T]{dir: dir}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads every *.json file in the registry's directory. A
// malformed file is skipped with its error collected rather than aborting
// the whole load, so one bad definition doesn't take the catalog down.
func (r *Registry[T]) Reload() error {
	entries := map[string]T{}
	var order []string

	matches, err := filepath.Glob(filepath.Join(r.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("globbing catalog directory %s: %w", r.dir, err)
	}

	var loadErrs []error
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("reading %s: %w", path, err))
			continue
		}
		var entry T
		if err := json.Unmarshal(data, &entry); err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("parsing %s: %w", path, err))
			continue
		}
		key := entry.RegistryKey()
		if _, exists := entries[key]; !exists {
			order = append(order, key)
		}
		entries[key] = entry
	}

	r.mu.Lock()
	r.entries = entries
	r.order = order
	r.mu.Unlock()

	if len(loadErrs) > 0 {
		return fmt.Errorf("%d catalog file(s) in %s failed to load: %w", len(loadErrs), r.dir, loadErrs[0])
	}
	return nil
}

// Get returns the entry for key and whether it was found. Callers must
// degrade gracefully on a miss (log-and-skip) rather than treat it as fatal
// — catalog sources may reference keys that no longer exist.
func (r *Registry[T]) Get(key string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[key]
	return entry, ok
}

// ListAll returns every entry, in load order.
func (r *Registry[T]) ListAll() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.entries[key])
	}
	return out
}

// ListSummaries returns the same entries as ListAll; summaries are
// distinguished at the HTTP layer by field projection, not by a different
// in-memory shape.
func (r *Registry[T]) ListSummaries() []T {
	return r.ListAll()
}

// ListKeys returns every registered key, in load order.
func (r *Registry[T]) ListKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, len(r.order))
	copy(keys, r.order)
	return keys
}

// Count returns the number of loaded entries.
func (r *Registry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
