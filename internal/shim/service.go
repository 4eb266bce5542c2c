// SPDX-License-Identifier: MPL-2.0

package shim

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"syscall"

	"github.com/invowk/wasmshim/pkg/types"
)

// Service is the lifecycle protocol over a set of tasks keyed by id.
type Service struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewService returns an empty Service.
func NewService() *Service {
	return &Service{tasks: make(map[string]*Task)}
}

// Create loads the bundle at bundlePath as task id. A task whose creation
// fails is still registered: Start rejects it and Wait and Delete report
// its reserved exit code.
func (s *Service) Create(ctx context.Context, id, bundlePath string, opts CreateOptions) error {
	t := newTask(id, bundlePath, opts)
	t.mu.Lock()
	defer t.mu.Unlock()

	s.mu.Lock()
	if _, ok := s.tasks[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTaskExists, id)
	}
	s.tasks[id] = t
	s.mu.Unlock()

	return t.createLocked(ctx)
}

// Task returns the task with the given id.
func (s *Service) Task(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	return t, nil
}

// Tasks returns the registered task ids in order.
func (s *Service) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.tasks))
}

// Start starts task id and returns its pid.
func (s *Service) Start(ctx context.Context, id string) (int, error) {
	t, err := s.Task(id)
	if err != nil {
		return 0, err
	}
	return t.Start(ctx)
}

// Kill forwards sig to task id.
func (s *Service) Kill(ctx context.Context, id string, sig syscall.Signal) error {
	t, err := s.Task(id)
	if err != nil {
		return err
	}
	return t.Kill(ctx, sig)
}

// Wait blocks until task id stopped and returns its exit code.
func (s *Service) Wait(ctx context.Context, id string) (types.ExitCode, error) {
	t, err := s.Task(id)
	if err != nil {
		return 0, err
	}
	return t.Wait(ctx)
}

// Exec runs a one-shot invocation in task id.
func (s *Service) Exec(ctx context.Context, id string, req ExecRequest) (types.ExitCode, error) {
	t, err := s.Task(id)
	if err != nil {
		return types.ExitFailure, err
	}
	return t.Exec(ctx, req)
}

// State returns a snapshot of task id.
func (s *Service) State(id string) (Status, error) {
	t, err := s.Task(id)
	if err != nil {
		return Status{}, err
	}
	return t.Status(), nil
}

// Delete releases task id and forgets it.
func (s *Service) Delete(ctx context.Context, id string) (types.ExitCode, error) {
	t, err := s.Task(id)
	if err != nil {
		return 0, err
	}
	code, err := t.Delete(ctx)
	if errors.Is(err, ErrInvalidState) {
		return 0, err
	}
	s.mu.Lock()
	if s.tasks[id] == t {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	return code, err
}
