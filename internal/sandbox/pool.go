// SPDX-License-Identifier: MPL-2.0

package sandbox

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent invocations across every dispatcher of a task.
type Pool struct {
	sem      *semaphore.Weighted
	size     int
	inFlight atomic.Int64
}

// NewPool returns a pool of size slots (at least one).
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Acquire waits for a slot. The returned release func is safe to call more
// than once.
func (p *Pool) Acquire(ctx context.Context) (release func(), err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			p.inFlight.Add(-1)
			p.sem.Release(1)
		})
	}, nil
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.size }

// InFlight returns the number of held slots.
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }
