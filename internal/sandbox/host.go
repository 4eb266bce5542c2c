// SPDX-License-Identifier: MPL-2.0

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/invowk/wasmshim/internal/kv"
)

// HostModule is the import module name of the host functions.
const HostModule = "wasmshim"

const (
	errnoNotFound    int32 = -1
	errnoTooSmall    int32 = -3
	errnoBackend     int32 = -4
	errnoInvalidArgs int32 = -5

	// maxRedirects matches net/http's default policy.
	maxRedirects = 10

	// deniedExitCode ends a module whose host call was refused. The
	// recorded denial decides the classification, not this code.
	deniedExitCode = 126
)

// HostFunctions instantiates the wasmshim host module on r. It is the
// store's runtime initializer.
func HostFunctions(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().WithFunc(kvGet).Export("kv_get").
		NewFunctionBuilder().WithFunc(kvSet).Export("kv_set").
		NewFunctionBuilder().WithFunc(kvDelete).Export("kv_delete").
		NewFunctionBuilder().WithFunc(httpGet).Export("http_get").
		NewFunctionBuilder().WithFunc(variableGet).Export("variable_get").
		Instantiate(ctx)
	return err
}

// redirectError stops a redirect to a host the component did not declare.
type redirectError struct {
	URL *url.URL
}

func (e *redirectError) Error() string { return fmt.Sprintf("redirect to %s", e.URL.Redacted()) }

func (e *redirectError) Unwrap() error { return errRedirect }

// deny records the refusal and terminates the calling module.
func deny(ctx context.Context, m api.Module, inv *invocation, err error) {
	inv.recordDenial(err)
	inv.logger.Warn("capability denied", "error", err)
	_ = m.CloseWithExitCode(ctx, deniedExitCode)
	panic(sys.NewExitError(deniedExitCode))
}

func readString(m api.Module, ptr, length uint32) (string, bool) {
	b, ok := m.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}

// writeOut copies v into the guest buffer and returns its length.
func writeOut(m api.Module, ptr, capacity uint32, v []byte) int32 {
	if uint64(len(v)) > uint64(capacity) {
		return errnoTooSmall
	}
	if !m.Memory().Write(ptr, v) {
		return errnoInvalidArgs
	}
	return int32(len(v))
}

// openStore checks the store capability and opens the store.
func openStore(ctx context.Context, m api.Module, inv *invocation, label string) (kv.Store, int32) {
	if !inv.caps.AllowsStore(label) {
		deny(ctx, m, inv, fmt.Errorf("key/value store %q is not declared", label))
	}
	if inv.stores == nil {
		return nil, errnoBackend
	}
	s, err := inv.stores.Open(ctx, label)
	if err != nil {
		inv.logger.Error("open key/value store", "store", label, "error", err)
		return nil, errnoBackend
	}
	return s, 0
}

func kvArgs(m api.Module, storePtr, storeLen, keyPtr, keyLen uint32) (label, key string, ok bool) {
	if label, ok = readString(m, storePtr, storeLen); !ok {
		return "", "", false
	}
	key, ok = readString(m, keyPtr, keyLen)
	return label, key, ok
}

func kvGet(ctx context.Context, m api.Module, storePtr, storeLen, keyPtr, keyLen, outPtr, outCap uint32) int32 {
	inv := invocationFrom(ctx)
	label, key, ok := kvArgs(m, storePtr, storeLen, keyPtr, keyLen)
	if inv == nil || !ok {
		return errnoInvalidArgs
	}
	s, errno := openStore(ctx, m, inv, label)
	if errno != 0 {
		return errno
	}
	v, err := s.Get(ctx, key)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return errnoNotFound
	case err != nil:
		inv.logger.Error("key/value get", "store", label, "error", err)
		return errnoBackend
	}
	return writeOut(m, outPtr, outCap, v)
}

func kvSet(ctx context.Context, m api.Module, storePtr, storeLen, keyPtr, keyLen, valPtr, valLen uint32) int32 {
	inv := invocationFrom(ctx)
	label, key, ok := kvArgs(m, storePtr, storeLen, keyPtr, keyLen)
	if inv == nil || !ok {
		return errnoInvalidArgs
	}
	value, ok := m.Memory().Read(valPtr, valLen)
	if !ok {
		return errnoInvalidArgs
	}
	s, errno := openStore(ctx, m, inv, label)
	if errno != 0 {
		return errno
	}
	if err := s.Set(ctx, key, value); err != nil {
		inv.logger.Error("key/value set", "store", label, "error", err)
		return errnoBackend
	}
	return 0
}

func kvDelete(ctx context.Context, m api.Module, storePtr, storeLen, keyPtr, keyLen uint32) int32 {
	inv := invocationFrom(ctx)
	label, key, ok := kvArgs(m, storePtr, storeLen, keyPtr, keyLen)
	if inv == nil || !ok {
		return errnoInvalidArgs
	}
	s, errno := openStore(ctx, m, inv, label)
	if errno != 0 {
		return errno
	}
	if err := s.Delete(ctx, key); err != nil {
		inv.logger.Error("key/value delete", "store", label, "error", err)
		return errnoBackend
	}
	return 0
}

func httpGet(ctx context.Context, m api.Module, urlPtr, urlLen, outPtr, outCap uint32) int32 {
	inv := invocationFrom(ctx)
	raw, ok := readString(m, urlPtr, urlLen)
	if inv == nil || !ok {
		return errnoInvalidArgs
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errnoInvalidArgs
	}
	if !inv.caps.AllowsOutbound(u) {
		deny(ctx, m, inv, fmt.Errorf("outbound request to %s://%s is not allowed", u.Scheme, u.Host))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return errnoInvalidArgs
	}
	client := *inv.httpClient
	client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		if !inv.caps.AllowsOutbound(next.URL) {
			return &redirectError{URL: next.URL}
		}
		return nil
	}
	resp, err := client.Do(req)
	var redirect *redirectError
	if errors.As(err, &redirect) {
		deny(ctx, m, inv, fmt.Errorf("outbound redirect to %s://%s is not allowed", redirect.URL.Scheme, redirect.URL.Host))
	}
	if err != nil {
		inv.logger.Debug("outbound request failed", "url", u.Redacted(), "error", err)
		return errnoBackend
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(outCap)+1))
	if err != nil {
		return errnoBackend
	}
	return writeOut(m, outPtr, outCap, body)
}

func variableGet(ctx context.Context, m api.Module, namePtr, nameLen, outPtr, outCap uint32) int32 {
	inv := invocationFrom(ctx)
	name, ok := readString(m, namePtr, nameLen)
	if inv == nil || !ok {
		return errnoInvalidArgs
	}
	v, ok := inv.variables[name]
	if !ok {
		return errnoNotFound
	}
	return writeOut(m, outPtr, outCap, []byte(v))
}
