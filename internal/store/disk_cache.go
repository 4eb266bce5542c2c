// SPDX-License-Identifier: MPL-2.0

package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
)

const indexDirName = "wasmshim-index"

var (
	diskCachesMu sync.Mutex
	diskCaches   = make(map[string]wazero.CompilationCache)
)

// sharedDiskCache returns the process-wide compilation cache for dir,
// creating it on first use.
func sharedDiskCache(dir string) (wazero.CompilationCache, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cache dir %q: %w", dir, err)
	}

	diskCachesMu.Lock()
	defer diskCachesMu.Unlock()

	if cc, ok := diskCaches[abs]; ok {
		return cc, nil
	}
	if err := os.MkdirAll(filepath.Join(abs, indexDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %q: %w", abs, err)
	}
	cc, err := wazero.NewCompilationCacheWithDir(abs)
	if err != nil {
		return nil, fmt.Errorf("open compilation cache %q: %w", abs, err)
	}
	diskCaches[abs] = cc
	return cc, nil
}

// markerPath is written once an artifact compiled into the disk cache.
func markerPath(dir string, key Key) string {
	return filepath.Join(dir, indexDirName, key.fileName())
}

func hasMarker(dir string, key Key) bool {
	_, err := os.Stat(markerPath(dir, key))
	return err == nil
}

func writeMarker(dir string, key Key) {
	if err := os.WriteFile(markerPath(dir, key), []byte(key.String()+"\n"), 0o644); err != nil {
		slog.Debug("failed to record compiled artifact", "key", key.String(), "error", err)
	}
}
