// SPDX-License-Identifier: MPL-2.0

package shim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/invowk/wasmshim/internal/sandbox"
	"github.com/invowk/wasmshim/internal/testutil/wasmtest"
)

const toolsManifest = `
manifest_version = 1

[application]
name = "tools"

[[trigger.http]]
route = "/..."
component = "loop"

[component.loop]
source = "loop.wasm"

[component.set]
source = "set.wasm"
key_value_stores = ["default"]

[component.get]
source = "get.wasm"
key_value_stores = ["default"]

[component.sneaky]
source = "get.wasm"
`

func toolsTask(t *testing.T) *Task {
	t.Helper()
	cfg := testConfig()
	cfg.Limits.MaxSteps = 1000
	cfg.Limits.Timeout = 10 * time.Second
	bundle := writeBundle(t, toolsManifest, map[string][]byte{
		"loop.wasm": wasmtest.CallLoop(),
		"set.wasm":  wasmtest.KeyValueSet("default", "greeting", "hello"),
		"get.wasm":  wasmtest.KeyValueGet("default", "greeting"),
	})
	return createTask(t, bundle, testOptions(cfg))
}

func TestInvoker_AppliesDefaultLimits(t *testing.T) {
	t.Parallel()

	task := toolsTask(t)
	_, err := task.invoker.Invoke(context.Background(), "loop", sandbox.Request{})
	if !errors.Is(err, sandbox.ErrResourceExceeded) {
		t.Fatalf("Invoke() = %v, want the configured step budget to stop the loop", err)
	}
}

func TestInvoker_StateOnlyThroughDeclaredStores(t *testing.T) {
	t.Parallel()

	task := toolsTask(t)
	ctx := context.Background()

	if res, err := task.invoker.Invoke(ctx, "set", sandbox.Request{}); err != nil || res.ExitCode != 0 {
		t.Fatalf("set = %+v, %v", res, err)
	}
	res, err := task.invoker.Invoke(ctx, "get", sandbox.Request{})
	if err != nil || string(res.Stdout) != "hello" {
		t.Fatalf("get = %+v, %v, want the stored value", res, err)
	}

	_, err = task.invoker.Invoke(ctx, "sneaky", sandbox.Request{})
	if !errors.Is(err, sandbox.ErrCapabilityDenied) {
		t.Errorf("undeclared store access = %v, want ErrCapabilityDenied", err)
	}
}

func TestInvoker_SharesCompiledArtifacts(t *testing.T) {
	t.Parallel()

	task := toolsTask(t)
	ctx := context.Background()
	for range 3 {
		if _, err := task.invoker.Invoke(ctx, "get", sandbox.Request{}); err != nil {
			t.Fatal(err)
		}
	}
	st := task.store.Stats()
	if st.Refs != 0 {
		t.Errorf("Refs = %d after invocations returned, want 0", st.Refs)
	}
	// Eager creation compiled every component; get and sneaky share bytecode.
	if st.Entries != 3 {
		t.Errorf("Entries = %d, want 3", st.Entries)
	}
}
