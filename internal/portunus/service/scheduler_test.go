package service_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/service"
)

func newScheduler(t *testing.T) (*service.RetryScheduler, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(base)
	s := service.NewRetryScheduler(clock, service.SchedulerConfig{})
	t.Cleanup(s.Stop)
	return s, clock
}

// ── After ────────────────────────────────────────────────────────────────────

func TestScheduler_AfterFiresOnDelay(t *testing.T) {
	s, clock := newScheduler(t)
	var fired atomic.Int32

	s.After(time.Second, func() { fired.Add(1) })

	clock.Advance(999 * time.Millisecond)
	never(t, "fired before its delay", func() bool { return fired.Load() > 0 })

	clock.Advance(time.Millisecond)
	eventually(t, "timer to fire", func() bool { return fired.Load() == 1 })
	eventually(t, "timer to be released", func() bool { return s.Pending() == 0 })
}

func TestScheduler_CancelPreventsFire(t *testing.T) {
	s, clock := newScheduler(t)
	var fired atomic.Int32

	cancel := s.After(time.Second, func() { fired.Add(1) })
	cancel()

	if s.Pending() != 0 {
		t.Errorf("expected no pending timers after cancel, got %d", s.Pending())
	}
	clock.Advance(2 * time.Second)
	never(t, "cancelled timer fired", func() bool { return fired.Load() > 0 })
}

func TestScheduler_AfterWriteFiresShortThenLong(t *testing.T) {
	s, clock := newScheduler(t)
	var fired atomic.Int32

	s.AfterWrite(func() { fired.Add(1) })
	if s.Pending() != 2 {
		t.Fatalf("expected 2 pending timers, got %d", s.Pending())
	}

	clock.Advance(service.DefaultRetryShort)
	eventually(t, "short retry", func() bool { return fired.Load() == 1 })

	clock.Advance(service.DefaultRetryLong - service.DefaultRetryShort)
	eventually(t, "long retry", func() bool { return fired.Load() == 2 })
}

func TestScheduler_CancelAllKeepsSchedulerUsable(t *testing.T) {
	s, clock := newScheduler(t)
	var fired atomic.Int32

	s.AfterWrite(func() { fired.Add(1) })
	s.CancelAll()
	if s.Pending() != 0 {
		t.Fatalf("expected 0 pending, got %d", s.Pending())
	}

	s.After(time.Second, func() { fired.Add(10) })
	clock.Advance(3 * time.Second)
	eventually(t, "timer after CancelAll", func() bool { return fired.Load() == 10 })
}

func TestScheduler_StopDisablesScheduling(t *testing.T) {
	s, clock := newScheduler(t)
	var fired atomic.Int32

	s.After(time.Second, func() { fired.Add(1) })
	s.Stop()
	s.After(time.Second, func() { fired.Add(1) })

	if s.Pending() != 0 {
		t.Errorf("expected 0 pending after Stop, got %d", s.Pending())
	}
	clock.Advance(2 * time.Second)
	never(t, "timer fired after Stop", func() bool { return fired.Load() > 0 })
}

// ── Debouncer ────────────────────────────────────────────────────────────────

func TestDebouncer_OnlyLastTriggerRuns(t *testing.T) {
	s, clock := newScheduler(t)
	d := s.NewDebouncer(500 * time.Millisecond)

	var last atomic.Value
	var runs atomic.Int32
	for _, q := range []string{"a", "ab", "abc"} {
		q := q
		d.Trigger(func() {
			last.Store(q)
			runs.Add(1)
		})
		clock.Advance(200 * time.Millisecond)
	}
	never(t, "debounced func ran inside the quiet window", func() bool { return runs.Load() > 0 })

	clock.Advance(300 * time.Millisecond)
	eventually(t, "debounced func", func() bool { return runs.Load() == 1 })
	if got := last.Load(); got != "abc" {
		t.Errorf("expected last trigger to win, got %v", got)
	}
}

func TestDebouncer_Cancel(t *testing.T) {
	s, clock := newScheduler(t)
	d := s.NewDebouncer(500 * time.Millisecond)
	var runs atomic.Int32

	d.Trigger(func() { runs.Add(1) })
	d.Cancel()
	clock.Advance(time.Second)
	never(t, "cancelled debounce ran", func() bool { return runs.Load() > 0 })
}

// ── Sequencer ────────────────────────────────────────────────────────────────

func TestSequencer_LastIssuedWins(t *testing.T) {
	var seq service.Sequencer

	first := seq.Next()
	second := seq.Next()
	if seq.Current(first) {
		t.Error("superseded token reported current")
	}
	if !seq.Current(second) {
		t.Error("latest token not current")
	}

	seq.Invalidate()
	if seq.Current(second) {
		t.Error("token still current after Invalidate")
	}
}
