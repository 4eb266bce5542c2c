// SPDX-License-Identifier: MPL-2.0

package kv

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned by Get for missing keys.
	ErrNotFound = errors.New("key not found")
	// ErrUnknownStore is returned by Registry.Open for unconfigured labels.
	ErrUnknownStore = errors.New("unknown key/value store")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("key/value store is closed")
)

type (
	// Store is one labelled key/value store.
	Store interface {
		Get(ctx context.Context, key string) ([]byte, error)
		Set(ctx context.Context, key string, value []byte) error
		Delete(ctx context.Context, key string) error
		Close() error
	}

	// Memory is a Store held in process memory for the task's lifetime.
	Memory struct {
		mu     sync.RWMutex
		data   map[string][]byte
		closed bool
	}
)

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

// Close discards the contents.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	clear(m.data)
	return nil
}

// Len returns the number of keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
