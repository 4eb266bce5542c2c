// SPDX-License-Identifier: MPL-2.0

package trigger

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/invowk/wasmshim/internal/manifest"
	"github.com/invowk/wasmshim/internal/sandbox"
)

const (
	// HTTPDispatcherName names the single dispatcher serving every HTTP trigger.
	HTTPDispatcherName = "http"

	maxRequestBody    = 32 << 20
	readHeaderTimeout = 10 * time.Second

	// responseFinishTimeout bounds writing responses of force-cancelled requests.
	responseFinishTimeout = time.Second
)

// HTTPDispatcher serves every HTTP trigger of an app from one listener.
type HTTPDispatcher struct {
	*lifecycle
	addr   string
	routes *RouteTable

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewHTTP returns a dispatcher for the HTTP triggers among triggers,
// listening on the configured http.listen_addr.
func NewHTTP(triggers []manifest.Trigger, deps Deps) *HTTPDispatcher {
	l := newLifecycle(HTTPDispatcherName, manifest.TriggerHTTP, deps)
	return &HTTPDispatcher{
		lifecycle: l,
		addr:      l.deps.Config.HTTP.ListenAddr,
		routes:    NewRouteTable(triggers),
	}
}

// Addr returns the bound address, or nil before Start.
func (d *HTTPDispatcher) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Start binds the listener and begins serving.
func (d *HTTPDispatcher) Start(ctx context.Context) error {
	if err := d.TransitionToStarting(ctx); err != nil {
		return d.startRejected(err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", d.addr)
	if err != nil {
		return d.startError(err)
	}

	srv := &http.Server{
		Handler:           d,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          d.logger.StandardLog(),
	}
	d.mu.Lock()
	d.srv, d.ln = srv, ln
	d.mu.Unlock()

	d.AddGoroutine()
	go d.serve(srv, ln)

	d.TransitionToRunning()
	d.logger.Info("listening", "addr", ln.Addr().String(), "routes", d.routes.Len())
	return nil
}

func (d *HTTPDispatcher) serve(srv *http.Server, ln net.Listener) {
	defer d.DoneGoroutine()
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return
	}
	d.logger.Error("listener failed", "error", err)
	if d.TransitionToStopping() {
		d.finish(Status{Finished: true, Err: err})
		_ = d.Drain(0)
		d.TransitionToFailed(err)
	}
}

// Stop shuts the server down gracefully within grace, then force-cancels
// the invocations still running.
func (d *HTTPDispatcher) Stop(grace time.Duration) Status {
	d.mu.Lock()
	srv := d.srv
	d.mu.Unlock()

	if !d.TransitionToStopping() {
		if srv != nil {
			_ = srv.Close()
		}
		return d.waitStopped()
	}

	deadline := time.Now().Add(grace)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	shutdownErr := srv.Shutdown(ctx)

	status := d.drainStatus(time.Until(deadline))
	if shutdownErr != nil {
		if status.Err == nil {
			status.Err = &ShutdownTimeoutError{Dispatcher: d.name, Grace: grace, Err: shutdownErr}
		}
		// Cancelled handlers still owe their clients a response.
		finishCtx, finishCancel := context.WithTimeout(context.Background(), responseFinishTimeout)
		_ = srv.Shutdown(finishCtx)
		finishCancel()
	}
	_ = srv.Close()
	d.WaitForShutdown()

	status = d.finish(status)
	d.TransitionToStopped()
	d.logger.Info("stopped")
	return status
}

// ServeHTTP routes one request to its component.
func (d *HTTPDispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tr, cfg, ok := d.routes.Match(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	release, err := d.admit(r.Context())
	if err != nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	defer release()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ctx, cancel := d.invocationContext(r.Context())
	defer cancel()

	res, err := d.deps.Invoker.Invoke(ctx, tr.Component, sandbox.Request{
		Payload: body,
		Env:     cgiEnv(r, cfg, len(body)),
	})
	logger := d.logger.With("trigger", tr.ID, "component", tr.Component, "path", r.URL.Path)
	if err != nil {
		code := statusForError(err)
		logger.Warn("invocation failed", "status", code, "error", err)
		http.Error(w, http.StatusText(code), code)
		return
	}
	if res.ExitCode != 0 {
		logger.Warn("component exited with failure", "exit_code", res.ExitCode, "stderr", string(res.Stderr))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if cfg.Executor == manifest.ExecutorWagi {
		resp, err := parseCGIResponse(res.Stdout)
		if err != nil {
			logger.Warn("malformed CGI response", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		for k, v := range resp.header {
			w.Header()[k] = v
		}
		w.WriteHeader(resp.status)
		_, _ = w.Write(resp.body)
		return
	}
	_, _ = w.Write(res.Stdout)
}

// statusForError maps an invocation failure to an HTTP status.
func statusForError(err error) int {
	switch sandbox.KindOf(err) {
	case sandbox.KindTimeout:
		return http.StatusGatewayTimeout
	case sandbox.KindResourceExceeded, sandbox.KindCancelled:
		return http.StatusServiceUnavailable
	case sandbox.KindCapabilityDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
