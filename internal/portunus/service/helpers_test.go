package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap/zaptest"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/service"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store/memory"
)

// eventually polls cond until it holds or a real-time deadline passes.
// Fake clock timers run their callbacks on their own goroutines, so their
// effects are observed by polling.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// never asserts cond stays false for a short real-time window.
func never(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		if cond() {
			t.Fatalf("unexpected: %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// blockUntil waits for n timers or tickers to be registered on clock.
func blockUntil(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("waiting for %d timers: %v", n, err)
	}
}

type logViewFixture struct {
	clock  *clockwork.FakeClock
	store  *memory.Store
	buffer *service.LocalEventBuffer
	sched  *service.RetryScheduler
	view   *service.LogView
}

func newLogViewFixture(t *testing.T, st service.LogViewConfig) *logViewFixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(base)
	mem := memory.New(clock)
	buf := service.NewLocalEventBuffer()
	sched := service.NewRetryScheduler(clock, service.SchedulerConfig{})
	t.Cleanup(sched.Stop)

	if st.EventID == "" {
		st.EventID = "ev-1"
	}
	view := service.NewLogView(mem, buf, sched, st, zaptest.NewLogger(t), nil)
	t.Cleanup(view.Deactivate)

	return &logViewFixture{clock: clock, store: mem, buffer: buf, sched: sched, view: view}
}
