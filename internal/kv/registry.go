// SPDX-License-Identifier: MPL-2.0

package kv

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/invowk/wasmshim/internal/config"
)

// Registry opens the configured stores of one task on first use and closes
// them together.
type Registry struct {
	cfg *config.Config

	mu     sync.Mutex
	open   map[string]Store
	closed bool
}

// NewRegistry returns a Registry over cfg's stores section.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{cfg: cfg, open: make(map[string]Store)}
}

// Has reports whether label can be opened.
func (r *Registry) Has(label string) bool {
	_, ok := r.cfg.Store(label)
	return ok
}

// Open returns the store for label.
func (r *Registry) Open(_ context.Context, label string) (Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := r.open[label]; ok {
		return s, nil
	}

	sc, ok := r.cfg.Store(label)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownStore, label)
	}

	var s Store
	switch sc.Type {
	case config.StoreTypeMemory:
		s = NewMemory()
	case config.StoreTypeRedis:
		addr := sc.URL
		if addr == "" {
			addr = r.cfg.Redis.Address
		}
		rs, err := NewRedis(addr, label)
		if err != nil {
			return nil, fmt.Errorf("open store %q: %w", label, err)
		}
		s = rs
	default:
		return nil, fmt.Errorf("open store %q: %w", label, sc.Type.Validate())
	}
	r.open[label] = s
	return s, nil
}

// Opened returns the labels opened so far.
func (r *Registry) Opened() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.open))
}

// Close closes every opened store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	for label, s := range r.open {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store %q: %w", label, err))
		}
	}
	clear(r.open)
	return errors.Join(errs...)
}
