// SPDX-License-Identifier: MPL-2.0

package serverbase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLifecycle(t *testing.T) {
	t.Parallel()

	b := NewBase()
	if b.State() != StateCreated || b.Context() != nil {
		t.Fatalf("new base: state %s, context %v", b.State(), b.Context())
	}
	if err := b.TransitionToStarting(context.Background()); err != nil {
		t.Fatalf("TransitionToStarting() = %v", err)
	}
	if err := b.TransitionToStarting(context.Background()); err == nil {
		t.Error("a second start must be rejected")
	}
	b.TransitionToRunning()
	if err := b.WaitForReady(context.Background()); err != nil || !b.IsRunning() {
		t.Fatalf("after TransitionToRunning: ready %v, state %s", err, b.State())
	}

	if !b.TransitionToStopping() {
		t.Fatal("first TransitionToStopping should win")
	}
	if b.TransitionToStopping() {
		t.Error("second TransitionToStopping should be a no-op")
	}
	b.TransitionToStopped()
	if b.State() != StateStopped {
		t.Errorf("state = %s, want stopped", b.State())
	}
}

func TestConcurrentStop(t *testing.T) {
	t.Parallel()

	b := running(t)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Go(func() {
			if b.TransitionToStopping() {
				wins.Add(1)
			}
		})
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("%d callers won TransitionToStopping, want 1", wins.Load())
	}
}

func TestStartWithCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewBase()
	err := b.TransitionToStarting(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("TransitionToStarting() = %v, want context.Canceled", err)
	}
	if b.State() != StateFailed {
		t.Errorf("state = %s, want failed", b.State())
	}
	select {
	case got := <-b.Err():
		if !errors.Is(got, context.Canceled) {
			t.Errorf("Err() = %v", got)
		}
	default:
		t.Error("failure should be reported on Err()")
	}
}

func TestState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		name  string
		live  bool
	}{
		{StateCreated, "created", false},
		{StateStarting, "starting", true},
		{StateRunning, "running", true},
		{StateStopping, "stopping", false},
		{StateStopped, "stopped", false},
		{StateFailed, "failed", false},
		{State(42), "State(42)", false},
		{State(-1), "State(-1)", false},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.name {
			t.Errorf("String() = %q, want %q", got, tt.name)
		}
		if got := tt.state.Live(); got != tt.live {
			t.Errorf("%s.Live() = %v, want %v", tt.name, got, tt.live)
		}
	}
}

func running(t *testing.T) *Base {
	t.Helper()
	b := NewBase()
	if err := b.TransitionToStarting(context.Background()); err != nil {
		t.Fatalf("TransitionToStarting failed: %v", err)
	}
	b.TransitionToRunning()
	return b
}

func TestTrackInvocation(t *testing.T) {
	t.Parallel()

	b := NewBase()
	if _, ok := b.TrackInvocation(); ok {
		t.Error("a dispatcher that never started must not accept invocations")
	}

	b = running(t)
	done, ok := b.TrackInvocation()
	if !ok {
		t.Fatal("running dispatcher should accept invocations")
	}
	if b.InFlight() != 1 {
		t.Errorf("InFlight() = %d, want 1", b.InFlight())
	}
	done()
	done()
	if b.InFlight() != 0 {
		t.Errorf("InFlight() = %d after done, want 0", b.InFlight())
	}

	b.TransitionToStopping()
	if _, ok := b.TrackInvocation(); ok {
		t.Error("stopping dispatcher must reject new invocations")
	}
	if b.Context().Err() == nil {
		t.Error("loop context should be cancelled once stopping")
	}
	if b.InvocationContext().Err() != nil {
		t.Error("invocation context must survive until forced")
	}
}

func TestDrain(t *testing.T) {
	t.Parallel()

	t.Run("completes within grace", func(t *testing.T) {
		t.Parallel()

		b := running(t)
		done, _ := b.TrackInvocation()
		time.AfterFunc(20*time.Millisecond, done)

		if err := b.Drain(5 * time.Second); err != nil {
			t.Fatalf("Drain() = %v", err)
		}
		if b.InvocationContext().Err() != nil {
			t.Error("a clean drain must not force cancellation")
		}
	})

	t.Run("grace exceeded forces cancellation", func(t *testing.T) {
		t.Parallel()

		b := running(t)
		ctx := b.InvocationContext()
		done, _ := b.TrackInvocation()
		go func() {
			<-ctx.Done()
			done()
		}()

		start := time.Now()
		err := b.Drain(50 * time.Millisecond)
		if !errors.Is(err, ErrGraceExceeded) {
			t.Fatalf("Drain() = %v, want ErrGraceExceeded", err)
		}
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			t.Errorf("Drain took %s", elapsed)
		}
		if b.InFlight() != 0 {
			t.Errorf("InFlight() = %d after drain", b.InFlight())
		}
	})

	t.Run("zero grace with nothing in flight", func(t *testing.T) {
		t.Parallel()

		if err := running(t).Drain(0); err != nil {
			t.Errorf("Drain(0) = %v", err)
		}
	})

	t.Run("every tracked invocation reports", func(t *testing.T) {
		t.Parallel()

		b := running(t)
		ctx := b.InvocationContext()
		const n = 16
		var completed, cancelled atomic.Int32
		for i := range n {
			done, ok := b.TrackInvocation()
			if !ok {
				t.Fatal("TrackInvocation rejected while running")
			}
			go func() {
				defer done()
				if i%2 == 0 {
					completed.Add(1)
					return
				}
				<-ctx.Done()
				cancelled.Add(1)
			}()
		}
		b.TransitionToStopping()
		_ = b.Drain(20 * time.Millisecond)
		if got := completed.Load() + cancelled.Load(); got != n {
			t.Errorf("%d of %d invocations reported", got, n)
		}
	})
}

func TestDone(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		end  func(*Base)
	}{
		{"stopped", func(b *Base) { b.TransitionToStopping(); b.TransitionToStopped() }},
		{"failed", func(b *Base) { b.TransitionToFailed(errors.New("bind")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := running(t)
			select {
			case <-b.Done():
				t.Fatal("Done closed while running")
			default:
			}
			tt.end(b)
			select {
			case <-b.Done():
			case <-time.After(time.Second):
				t.Fatal("Done not closed after terminal state")
			}
			if b.InvocationContext().Err() == nil {
				t.Error("terminal state should cancel invocations")
			}
		})
	}

	b := NewBase()
	b.TransitionToStopping()
	select {
	case <-b.Done():
	default:
		t.Error("stopping a never-started dispatcher should close Done")
	}
}
