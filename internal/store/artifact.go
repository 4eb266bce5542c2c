// SPDX-License-Identifier: MPL-2.0

package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
)

// PageSize is the wasm linear memory page size in bytes.
const PageSize = 65536

const maxPages = 65536

type (
	// Key identifies a compiled artifact.
	Key struct {
		// Digest is "sha256:<hex>" of the bytecode.
		Digest      string
		MemoryPages uint32
		Metered     bool
	}

	// Artifact is a compiled component. It is shared read-only by every
	// invocation; each invocation instantiates its own module from it.
	Artifact struct {
		key       Key
		component string
		runtime   wazero.Runtime
		module    wazero.CompiledModule
		fromCache bool
		refs      atomic.Int64
	}
)

func (k Key) String() string {
	metered := "unmetered"
	if k.Metered {
		metered = "metered"
	}
	return fmt.Sprintf("%s/%dp/%s", k.Digest, k.MemoryPages, metered)
}

// fileName is a filesystem-safe form of the key.
func (k Key) fileName() string {
	_, hexDigest, _ := strings.Cut(k.Digest, ":")
	m := 0
	if k.Metered {
		m = 1
	}
	return fmt.Sprintf("%s-%d-%d", hexDigest, k.MemoryPages, m)
}

func digestOf(bin []byte) string {
	sum := sha256.Sum256(bin)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// memoryPages converts a byte ceiling to whole pages, at least one.
func memoryPages(bytes uint64) uint32 {
	pages := bytes / PageSize
	switch {
	case pages < 1:
		return 1
	case pages > maxPages:
		return maxPages
	default:
		return uint32(pages)
	}
}

// Key returns the content key.
func (a *Artifact) Key() Key { return a.key }

// Component returns the id of the component that first resolved the artifact.
func (a *Artifact) Component() string { return a.component }

// Runtime returns the wazero runtime owning the compiled module. Its host
// modules are already instantiated.
func (a *Artifact) Runtime() wazero.Runtime { return a.runtime }

// Module returns the compiled module.
func (a *Artifact) Module() wazero.CompiledModule { return a.module }

// MemoryLimitBytes returns the linear memory ceiling.
func (a *Artifact) MemoryLimitBytes() uint64 { return uint64(a.key.MemoryPages) * PageSize }

// Metered reports whether guest calls are counted against a step budget.
func (a *Artifact) Metered() bool { return a.key.Metered }

// FromCache reports whether the disk cache already held this artifact when
// it was first resolved.
func (a *Artifact) FromCache() bool { return a.fromCache }

// Refs returns the current reference count.
func (a *Artifact) Refs() int64 { return a.refs.Load() }

func (a *Artifact) close(ctx context.Context) error {
	return a.runtime.Close(ctx)
}
