// SPDX-License-Identifier: MPL-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"golang.org/x/sync/singleflight"

	"github.com/invowk/wasmshim/internal/manifest"
)

const (
	// DefaultCompileTimeout bounds one compilation when Config leaves it zero.
	DefaultCompileTimeout = time.Minute
	// DefaultMemoryLimit applies to components without a memory limit.
	DefaultMemoryLimit = 128 << 20
)

type (
	// Config configures a Store.
	Config struct {
		CompileTimeout time.Duration
		// CacheDir enables the process-wide on-disk compilation cache.
		CacheDir string
		// DefaultMemory is the ceiling for components whose limits leave it zero.
		DefaultMemory uint64
		// HTTPClient downloads url sources.
		HTTPClient *http.Client
		// RuntimeInit instantiates host modules on every artifact runtime,
		// after WASI.
		RuntimeInit func(ctx context.Context, r wazero.Runtime) error
		// Listener is attached to metered artifacts at compile time.
		Listener experimental.FunctionListenerFactory
		Logger   *log.Logger
	}

	// Store resolves and caches compiled artifacts for one task.
	Store struct {
		cfg    Config
		logger *log.Logger
		group  singleflight.Group

		mu          sync.Mutex
		entries     map[Key]*Artifact
		byComponent map[string]Key
		closed      bool

		compiles atomic.Int64
		hits     atomic.Int64
	}

	// Stats is a snapshot of store activity.
	Stats struct {
		Entries  int
		Compiles int64
		Hits     int64
		Refs     int64
	}
)

// New creates a Store.
func New(cfg Config) *Store {
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = DefaultCompileTimeout
	}
	if cfg.DefaultMemory == 0 {
		cfg.DefaultMemory = DefaultMemoryLimit
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "store"})
	}
	return &Store{
		cfg:         cfg,
		logger:      logger,
		entries:     make(map[Key]*Artifact),
		byComponent: make(map[string]Key),
	}
}

// Resolve returns the compiled artifact for c, compiling it on first use.
// The returned artifact holds one reference; pair it with Release.
func (s *Store) Resolve(ctx context.Context, c manifest.Component) (*Artifact, error) {
	if a, ok, err := s.lookupComponent(c.ID); err != nil || ok {
		if err != nil {
			return nil, &ResolveError{Component: c.ID, Err: err}
		}
		s.hits.Add(1)
		a.refs.Add(1)
		return a, nil
	}

	bin, err := s.fetch(ctx, c.Source)
	if err != nil {
		return nil, &ResolveError{Component: c.ID, Err: err}
	}
	key := s.keyFor(bin, c.Limits)

	// The compilation is shared, so it runs detached from ctx and is bounded
	// only by the compile timeout. A caller that gives up stops waiting.
	ch := s.group.DoChan(key.String(), func() (any, error) {
		s.mu.Lock()
		if a, ok := s.entries[key]; ok {
			s.mu.Unlock()
			s.hits.Add(1)
			return a, nil
		}
		s.mu.Unlock()

		a, err := s.compile(context.WithoutCancel(ctx), c.ID, key, bin)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			_ = a.close(context.Background())
			return nil, ErrClosed
		}
		s.entries[key] = a
		s.compiles.Add(1)
		return a, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, &ResolveError{Component: c.ID, Err: context.Cause(ctx)}
	}
	if res.Err != nil {
		return nil, &ResolveError{Component: c.ID, Err: res.Err}
	}

	a := res.Val.(*Artifact)
	a.refs.Add(1)
	s.mu.Lock()
	s.byComponent[c.ID] = key
	s.mu.Unlock()
	return a, nil
}

func (s *Store) lookupComponent(id string) (*Artifact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	key, ok := s.byComponent[id]
	if !ok {
		return nil, false, nil
	}
	a, ok := s.entries[key]
	return a, ok, nil
}

func (s *Store) keyFor(bin []byte, limits manifest.Limits) Key {
	mem := limits.MemoryBytes
	if mem == 0 {
		mem = s.cfg.DefaultMemory
	}
	return Key{
		Digest:      digestOf(bin),
		MemoryPages: memoryPages(mem),
		Metered:     limits.MaxSteps > 0 && s.cfg.Listener != nil,
	}
}

// Release drops one reference. Artifacts stay cached until Close.
func (s *Store) Release(a *Artifact) {
	if a == nil {
		return
	}
	if a.refs.Add(-1) < 0 {
		a.refs.Store(0)
		s.logger.Warn("artifact released more often than resolved", "component", a.component)
	}
}

// compile builds the runtime and compiled module for key, bounded by the
// compile timeout. A compilation that outlives the timeout is discarded
// when it finishes.
func (s *Store) compile(ctx context.Context, id string, key Key, bin []byte) (*Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CompileTimeout)
	defer cancel()

	type result struct {
		a   *Artifact
		err error
	}
	done := make(chan result, 1)
	buildCtx := context.WithoutCancel(ctx)
	start := time.Now()
	go func() {
		a, err := s.build(buildCtx, id, key, bin)
		done <- result{a, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		s.logger.Debug("compiled component", "component", id, "key", key.String(),
			"cached", r.a.fromCache, "duration", time.Since(start))
		return r.a, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.a != nil {
				_ = r.a.close(context.Background())
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("compilation exceeded %s", s.cfg.CompileTimeout)
		}
		return nil, ctx.Err()
	}
}

func (s *Store) build(ctx context.Context, id string, key Key, bin []byte) (*Artifact, error) {
	rcfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(key.MemoryPages).
		WithCloseOnContextDone(true)

	fromCache := false
	if dir := s.cfg.CacheDir; dir != "" {
		cc, err := sharedDiskCache(dir)
		if err != nil {
			s.logger.Warn("disk compilation cache unavailable, using memory only", "dir", dir, "error", err)
		} else {
			rcfg = rcfg.WithCompilationCache(cc)
			fromCache = hasMarker(dir, key)
		}
	}

	r := wazero.NewRuntimeWithConfig(ctx, rcfg)
	fail := func(err error) (*Artifact, error) {
		_ = r.Close(ctx)
		return nil, err
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return fail(fmt.Errorf("instantiate WASI: %w", err))
	}
	if s.cfg.RuntimeInit != nil {
		if err := s.cfg.RuntimeInit(ctx, r); err != nil {
			return fail(fmt.Errorf("instantiate host modules: %w", err))
		}
	}

	compileCtx := ctx
	if key.Metered {
		compileCtx = experimental.WithFunctionListenerFactory(ctx, s.cfg.Listener)
	}
	compiled, err := r.CompileModule(compileCtx, bin)
	if err != nil {
		return fail(fmt.Errorf("compile: %w", err))
	}
	if _, ok := compiled.ExportedFunctions()["_start"]; !ok {
		return fail(ErrMissingStart)
	}

	if dir := s.cfg.CacheDir; dir != "" && !fromCache {
		writeMarker(dir, key)
	}

	return &Artifact{
		key:       key,
		component: id,
		runtime:   r,
		module:    compiled,
		fromCache: fromCache,
	}, nil
}

// Close releases every artifact. Resolve fails afterwards.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entries := s.entries
	s.entries = make(map[Key]*Artifact)
	s.byComponent = make(map[string]Key)
	s.mu.Unlock()

	var errs []error
	for key, a := range entries {
		if err := a.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close artifact %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of store activity.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Entries:  len(s.entries),
		Compiles: s.compiles.Load(),
		Hits:     s.hits.Load(),
	}
	for _, a := range s.entries {
		st.Refs += a.refs.Load()
	}
	return st
}
