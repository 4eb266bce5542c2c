// SPDX-License-Identifier: MPL-2.0

package shim

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/invowk/wasmshim/internal/config"
	"github.com/invowk/wasmshim/pkg/types"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes of a task.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// writeBundle creates a bundle holding spin.toml and the given wasm files.
func writeBundle(t *testing.T, manifest string, files map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "spin.toml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.HTTP.ListenAddr = "127.0.0.1:0"
	cfg.Shutdown.GracePeriod = 2 * time.Second
	cfg.Retry.Backoff = time.Millisecond
	return cfg
}

func testOptions(cfg *config.Config) CreateOptions {
	if cfg == nil {
		cfg = testConfig()
	}
	return CreateOptions{
		Config:    cfg,
		LookupEnv: func(string) (string, bool) { return "", false },
		Stdout:    io.Discard,
		Stderr:    io.Discard,
		Logger:    log.New(io.Discard),
	}
}

func createTask(t *testing.T, bundle string, opts CreateOptions) *Task {
	t.Helper()
	task := newTask("test", bundle, opts)
	task.mu.Lock()
	err := task.createLocked(context.Background())
	task.mu.Unlock()
	if err != nil {
		t.Fatalf("create error = %v", err)
	}
	t.Cleanup(func() {
		_ = task.Kill(context.Background(), syscall.SIGKILL)
		<-task.Exited()
		_, _ = task.Delete(context.Background())
	})
	return task
}

func waitExit(t *testing.T, task *Task) types.ExitCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code, err := task.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return code
}

const echoManifest = `
manifest_version = 1

[application]
name = "echo"

[[trigger.http]]
route = "/..."
component = "echo"

[component.echo]
source = "echo.wasm"
`
