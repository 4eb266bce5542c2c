// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/invowk/wasmshim/internal/testutil/wasmtest"
	"github.com/invowk/wasmshim/pkg/types"
)

func writeBundle(t *testing.T, manifest string, files map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "wasmshim.toml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

const jobManifest = `
manifest_version = 1

[application]
name = "job"
version = "1.0.0"

[[trigger.command]]
component = "job"

[component.job]
source = "job.wasm"
`

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	bundle := writeBundle(t, jobManifest, map[string][]byte{"job.wasm": wasmtest.Exit(0)})
	stdout, _, err := execute(t, "validate", bundle)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	for _, want := range []string{"job 1.0.0", "is valid", "command"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func TestValidateCommandRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		manifest string
		files    map[string][]byte
		stderr   string
	}{
		{
			name: "unknown trigger protocol",
			manifest: `
manifest_version = 1
[application]
name = "bad"
[[trigger.ftp]]
component = "job"
[component.job]
source = "job.wasm"
`,
			files:  map[string][]byte{"job.wasm": wasmtest.Exit(0)},
			stderr: "ftp",
		},
		{
			name: "missing component source",
			manifest: `
manifest_version = 1
[application]
name = "bad"
[[trigger.command]]
component = "job"
[component.job]
source = "missing.wasm"
`,
			stderr: "load manifest",
		},
		{
			name: "redis trigger without address",
			manifest: `
manifest_version = 1
[application]
name = "bad"
[[trigger.redis]]
channel = "events"
component = "job"
[component.job]
source = "job.wasm"
`,
			files:  map[string][]byte{"job.wasm": wasmtest.Exit(0)},
			stderr: "redis",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			bundle := writeBundle(t, tt.manifest, tt.files)
			_, stderr, err := execute(t, "validate", bundle)
			if code := exitCodeOf(t, err); code != types.ExitConfigInvalid {
				t.Errorf("exit code = %d, want %d", code, types.ExitConfigInvalid)
			}
			if !strings.Contains(stderr, tt.stderr) {
				t.Errorf("stderr missing %q:\n%s", tt.stderr, stderr)
			}
		})
	}
}

func TestValidateCommandNoManifest(t *testing.T) {
	t.Parallel()

	_, stderr, err := execute(t, "validate", t.TempDir())
	if code := exitCodeOf(t, err); code != types.ExitConfigInvalid {
		t.Errorf("exit code = %d, want %d", code, types.ExitConfigInvalid)
	}
	if !strings.Contains(stderr, "load manifest") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRunCommandTrigger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		module []byte
		stdout string
		code   types.ExitCode
	}{
		{"success", wasmtest.Output("done\n", "", 0), "done\n", types.ExitSuccess},
		{"component exit code", wasmtest.Output("partial\n", "oops\n", 3), "partial\n", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			bundle := writeBundle(t, jobManifest, map[string][]byte{"job.wasm": tt.module})
			stdout, _, err := execute(t, "run", bundle)
			if code := exitCodeOf(t, err); code != tt.code {
				t.Errorf("exit code = %d, want %d", code, tt.code)
			}
			if stdout != tt.stdout {
				t.Errorf("stdout = %q, want %q", stdout, tt.stdout)
			}
		})
	}
}

func TestRunCommandPassesTrailingArgs(t *testing.T) {
	t.Parallel()

	bundle := writeBundle(t, jobManifest, map[string][]byte{"job.wasm": wasmtest.ArgCount()})
	_, _, err := execute(t, "run", bundle, "--", "a", "b")
	// argv[0] is the component id.
	if code := exitCodeOf(t, err); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestRunCommandCreateFailure(t *testing.T) {
	t.Parallel()

	bundle := writeBundle(t, jobManifest, map[string][]byte{"job.wasm": wasmtest.Junk()})
	_, stderr, err := execute(t, "run", bundle)
	if code := exitCodeOf(t, err); code != types.ExitStartupFailed {
		t.Errorf("exit code = %d, want %d", code, types.ExitStartupFailed)
	}
	if !strings.Contains(stderr, "create task") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestExecCommand(t *testing.T) {
	t.Parallel()

	bundle := writeBundle(t, jobManifest, map[string][]byte{"job.wasm": wasmtest.Output("out", "err", 0)})
	stdout, stderr, err := execute(t, "exec", bundle, "job")
	if err != nil {
		t.Fatalf("exec error = %v", err)
	}
	if stdout != "out" {
		t.Errorf("stdout = %q, want %q", stdout, "out")
	}
	if !strings.Contains(stderr, "err") {
		t.Errorf("stderr = %q", stderr)
	}

	_, _, err = execute(t, "exec", bundle, "nope")
	if code := exitCodeOf(t, err); code != types.ExitFailure {
		t.Errorf("unknown component exit code = %d, want %d", code, types.ExitFailure)
	}
}

func TestPrecompileCommand(t *testing.T) {
	t.Parallel()

	bundle := writeBundle(t, jobManifest, map[string][]byte{"job.wasm": wasmtest.Exit(0)})
	cacheDir := t.TempDir()

	stdout, _, err := execute(t, "precompile", bundle, "--cache-dir", cacheDir)
	if err != nil {
		t.Fatalf("precompile error = %v", err)
	}
	if !strings.Contains(stdout, "job") || strings.Contains(stdout, "(cached)") {
		t.Errorf("first run stdout = %q", stdout)
	}

	stdout, _, err = execute(t, "precompile", bundle, "--cache-dir", cacheDir)
	if err != nil {
		t.Fatalf("second precompile error = %v", err)
	}
	if !strings.Contains(stdout, "(cached)") {
		t.Errorf("second run stdout = %q, want a cache hit", stdout)
	}
}

func TestConfigShow(t *testing.T) {
	t.Parallel()

	stdout, stderr, err := execute(t, "config", "show")
	if err != nil {
		t.Fatalf("config show error = %v", err)
	}
	if !strings.Contains(stdout, `listen_addr: "127.0.0.1:0"`) {
		t.Errorf("stdout = %q", stdout)
	}
	if !strings.Contains(stderr, "config.cue") {
		t.Errorf("stderr = %q, want the config file path", stderr)
	}
}
