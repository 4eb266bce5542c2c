// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"testing"

	"github.com/testcontainers/testcontainers-go"
)

// containerSlots limits concurrent container tests across a test binary.
// The capacity is WASMSHIM_TEST_CONTAINER_PARALLEL when set, otherwise
// min(GOMAXPROCS, 2).
var containerSlots = sync.OnceValue(func() chan struct{} {
	return make(chan struct{}, containerParallelism())
})

func containerParallelism() int {
	if v := os.Getenv("WASMSHIM_TEST_CONTAINER_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return min(runtime.GOMAXPROCS(0), 2)
}

// ContainersAvailable reports whether a testcontainers provider can be
// reached. The provider lookup panics on some hosts without a daemon.
func ContainersAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return true
}

// RequireContainers skips t in short mode or when no provider is reachable.
// Otherwise it holds a container slot until t finishes.
func RequireContainers(t testing.TB, what string) {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s integration test in short mode", what)
	}
	if !ContainersAvailable() {
		t.Skipf("skipping %s integration test: testcontainers provider not available", what)
	}
	slots := containerSlots()
	slots <- struct{}{}
	t.Cleanup(func() { <-slots })
}
