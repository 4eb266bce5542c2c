// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/invowk/wasmshim/internal/dag"
)

// writeBundle creates a bundle directory holding the given files.
func writeBundle(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func load(t *testing.T, files map[string]string, env map[string]string) (*App, error) {
	t.Helper()
	return Load(context.Background(), writeBundle(t, files), WithEnv(env))
}

const echoManifest = `
manifest_version = 1

[application]
name = "echo"
version = "0.1.0"

[variables]
greeting = { default = "hello {{ env.USER }}" }
target = { default = "{{ greeting }}, world" }
token = { required = true, secret = true }

[[trigger.http]]
route = "/echo/..."
component = "echo"

[[trigger.http]]
id = "exact"
route = "/echo/health"
component = "echo"
executor = "wagi"

[[trigger.command]]
component = "cli"
args = "--name 'hello world' $MODE"

[component.echo]
source = "echo.wasm"
allowed_outbound_hosts = ["https://api.example.com", "*://localhost:*"]
key_value_stores = ["default"]
allowed_env = ["LANG"]

[component.echo.environment]
GREETING = "{{ target }}"

[component.echo.variables]
token = "{{ token }}"

[component.echo.limits]
memory = "64MiB"
max_steps = 100000
timeout = "5s"

[component.cli]
source = { inline = "AGFzbQEAAAA=" }

[component.cli.environment]
MODE = "fast"
`

func TestLoad_TOML(t *testing.T) {
	t.Parallel()

	app, err := load(t, map[string]string{
		"wasmshim.toml": echoManifest,
		"echo.wasm":     "\x00asm",
	}, map[string]string{"USER": "ada", "WASMSHIM_VARIABLE_TOKEN": "s3cret"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if app.Name != "echo" || app.Version != "0.1.0" {
		t.Errorf("application = %q %q", app.Name, app.Version)
	}

	echo, ok := app.Component("echo")
	if !ok {
		t.Fatal("component echo missing")
	}
	if echo.Source.Kind != SourceFile || !filepath.IsAbs(echo.Source.Path) {
		t.Errorf("source = %+v", echo.Source)
	}
	if got := echo.Environment["GREETING"]; got != "hello ada, world" {
		t.Errorf("GREETING = %q", got)
	}
	if got := echo.Variables["token"]; got != "s3cret" {
		t.Errorf("token = %q", got)
	}
	want := Limits{MemoryBytes: 64 << 20, MaxSteps: 100000, Timeout: 5 * time.Second}
	if echo.Limits != want {
		t.Errorf("limits = %+v, want %+v", echo.Limits, want)
	}
	if !echo.Capabilities.AllowsStore("default") || echo.Capabilities.AllowsStore("cache") {
		t.Errorf("stores = %v", echo.Capabilities.KeyValueStores)
	}

	cli, _ := app.Component("cli")
	if cli.Source.Kind != SourceInline || string(cli.Source.Data) != "\x00asm\x01\x00\x00\x00" {
		t.Errorf("inline source = %+v", cli.Source)
	}

	triggers := app.Triggers()
	if len(triggers) != 3 {
		t.Fatalf("got %d triggers", len(triggers))
	}
	if triggers[0].ID != "http-0" || triggers[1].ID != "exact" || triggers[2].ID != "command-0" {
		t.Errorf("trigger ids = %s, %s, %s", triggers[0].ID, triggers[1].ID, triggers[2].ID)
	}
	httpCfg := triggers[1].Config.(HTTPConfig)
	if httpCfg.Executor != ExecutorWagi || httpCfg.Route.Wildcard {
		t.Errorf("http config = %+v", httpCfg)
	}
	cmd := triggers[2].Config.(CommandConfig)
	if !slices.Equal(cmd.Args, []string{"--name", "hello world", "fast"}) {
		t.Errorf("command args = %q", cmd.Args)
	}

	if v := app.Variables()["token"]; !v.Secret {
		t.Error("token should be secret")
	}
	if !slices.Equal(app.TriggerKinds(), []TriggerKind{TriggerHTTP, TriggerCommand}) {
		t.Errorf("kinds = %v", app.TriggerKinds())
	}
}

func TestLoad_CUE(t *testing.T) {
	t.Parallel()

	app, err := load(t, map[string]string{
		"app.cue": `
manifest_version: 1
application: name: "queue"
trigger: redis: [{channel: "jobs", component: "worker", max_attempts: 5, backoff: "1s"}]
trigger: sqs: [{queue_url: "https://sqs.eu-west-1.amazonaws.com/1/q", component: "worker"}]
component: worker: source: "worker.wasm"
`,
		"worker.wasm": "",
	}, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	redis := app.TriggersOf(TriggerRedis)
	if len(redis) != 1 {
		t.Fatalf("redis triggers = %v", redis)
	}
	cfg := redis[0].Config.(RedisConfig)
	if cfg.Channel != "jobs" || cfg.Retry.MaxAttempts != 5 || cfg.Retry.Backoff != time.Second {
		t.Errorf("redis config = %+v", cfg)
	}
	if len(app.TriggersOf(TriggerSQS)) != 1 {
		t.Error("expected one sqs trigger")
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	const header = "manifest_version = 1\n[application]\nname = \"app\"\n"
	const comp = "[component.c]\nsource = \"c.wasm\"\n"

	tests := []struct {
		name     string
		manifest string
		env      map[string]string
		kind     ErrorKind
		sentinel error
		contains string
	}{
		{
			name:     "unknown trigger protocol",
			manifest: header + "[[trigger.ftp]]\ncomponent = \"c\"\n" + comp,
			kind:     KindMalformedSource,
			sentinel: ErrInvalidTriggerKind,
			contains: `unknown trigger protocol "ftp"`,
		},
		{
			name:     "trigger references unknown component",
			manifest: header + "[[trigger.http]]\nroute = \"/\"\ncomponent = \"missing\"\n" + comp,
			kind:     KindUnresolvedReference,
			contains: "trigger.http[0].component",
		},
		{
			name:     "missing source file",
			manifest: header + "[component.other]\nsource = \"nope.wasm\"\n" + comp,
			kind:     KindUnresolvedReference,
			contains: "not found",
		},
		{
			name:     "undeclared variable",
			manifest: header + comp + "[component.c.environment]\nX = \"{{ nope }}\"\n",
			kind:     KindUnresolvedReference,
			contains: `variable "nope" is not declared`,
		},
		{
			name:     "unset env var",
			manifest: header + comp + "[component.c.environment]\nX = \"{{ env.NOPE }}\"\n",
			kind:     KindUnresolvedReference,
			contains: `environment variable "NOPE"`,
		},
		{
			name:     "required variable without value",
			manifest: header + "[variables]\ntoken = { required = true }\n" + comp,
			kind:     KindUnresolvedReference,
			contains: "WASMSHIM_VARIABLE_TOKEN",
		},
		{
			name:     "unterminated template",
			manifest: header + comp + "[component.c.environment]\nX = \"{{ oops\"\n",
			kind:     KindInvalidExpression,
			contains: "unterminated",
		},
		{
			name:     "unsupported expression",
			manifest: header + comp + "[component.c.environment]\nX = \"{{ a + b }}\"\n",
			kind:     KindInvalidExpression,
			contains: "unsupported expression",
		},
		{
			name:     "variable cycle",
			manifest: header + "[variables]\na = { default = \"{{ b }}\" }\nb = { default = \"{{ a }}\" }\n" + comp,
			kind:     KindInvalidExpression,
			sentinel: (*dag.CycleError)(nil),
			contains: "a -> b -> a",
		},
		{
			name:     "duplicate route",
			manifest: header + "[[trigger.http]]\nroute = \"/a\"\ncomponent = \"c\"\n[[trigger.http]]\nroute = \"/a/\"\ncomponent = \"c\"\n" + comp,
			kind:     KindMalformedSource,
			contains: "already claimed",
		},
		{
			name:     "bad memory limit",
			manifest: header + comp + "[component.c.limits]\nmemory = \"lots\"\n",
			kind:     KindMalformedSource,
			contains: "invalid memory size",
		},
		{
			name:     "bad inline base64",
			manifest: header + "[component.c]\nsource = { inline = \"!!!\" }\n",
			kind:     KindMalformedSource,
			contains: "base64",
		},
		{
			name:     "unsupported manifest version",
			manifest: "manifest_version = 2\n[application]\nname = \"app\"\n" + comp,
			kind:     KindMalformedSource,
			contains: "manifest_version",
		},
		{
			name:     "toml syntax error",
			manifest: "manifest_version = \n",
			kind:     KindMalformedSource,
			contains: "line 1",
		},
		{
			name:     "outbound host without scheme",
			manifest: header + "[component.c]\nsource = \"c.wasm\"\nallowed_outbound_hosts = [\"example.com\"]\n",
			kind:     KindMalformedSource,
			contains: "must include a scheme",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := load(t, map[string]string{"wasmshim.toml": tt.manifest, "c.wasm": ""}, tt.env)
			if err == nil {
				t.Fatal("expected error")
			}
			var me *ManifestError
			if !errors.As(err, &me) {
				t.Fatalf("expected *ManifestError, got %T: %v", err, err)
			}
			if me.Kind != tt.kind {
				t.Errorf("kind = %v, want %v (%v)", me.Kind, tt.kind, err)
			}
			if !errors.Is(err, ErrLoad) {
				t.Error("error should wrap ErrLoad")
			}
			switch s := tt.sentinel.(type) {
			case nil:
			case *dag.CycleError:
				if !errors.As(err, &s) {
					t.Errorf("expected a *dag.CycleError in the chain: %v", err)
				}
			default:
				if !errors.Is(err, s) {
					t.Errorf("expected errors.Is(%v)", s)
				}
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error %q should contain %q", err, tt.contains)
			}
		})
	}
}

func TestLoad_KindSentinels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind     ErrorKind
		sentinel error
	}{
		{KindUnresolvedReference, ErrUnresolvedReference},
		{KindInvalidExpression, ErrInvalidExpression},
		{KindMalformedSource, ErrMalformedSource},
	}
	for _, tt := range tests {
		err := &ManifestError{Kind: tt.kind, File: "f", Err: errors.New("x")}
		if !errors.Is(err, tt.sentinel) || !errors.Is(err, ErrLoad) {
			t.Errorf("%v should wrap %v and ErrLoad", tt.kind, tt.sentinel)
		}
	}
}

func TestLoad_BundleDiscovery(t *testing.T) {
	t.Parallel()

	dir := writeBundle(t, map[string]string{
		"spin.toml": "manifest_version = 1\n[application]\nname = \"spin\"\n[component.c]\nsource = { url = \"https://example.com/c.wasm\" }\n",
	})
	app, err := Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	c, _ := app.Component("c")
	if c.Source.Kind != SourceURL {
		t.Errorf("source = %+v", c.Source)
	}
	if app.Dir != dir {
		t.Errorf("Dir = %q, want %q", app.Dir, dir)
	}

	_, err = Load(context.Background(), t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("empty bundle: expected ErrNotFound, got %v", err)
	}
}

func TestLoad_DoesNotMutateAfterReturn(t *testing.T) {
	t.Parallel()

	app, err := load(t, map[string]string{"wasmshim.toml": echoManifest, "echo.wasm": ""},
		map[string]string{"USER": "x", "WASMSHIM_VARIABLE_TOKEN": "t"})
	if err != nil {
		t.Fatal(err)
	}
	comps := app.Components()
	comps[0].ID = "mutated"
	if again := app.Components(); again[0].ID == "mutated" {
		t.Error("Components() must return a copy")
	}
}
