package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Retry timing defaults. The server's commit lag is bounded and small, so
// refreshes are fixed-delay rather than exponential.
const (
	DefaultRetryShort     = 1 * time.Second
	DefaultRetryLong      = 2500 * time.Millisecond
	DefaultSearchDebounce = 500 * time.Millisecond
)

type SchedulerConfig struct {
	RetryShort time.Duration
	RetryLong  time.Duration
}

// RetryScheduler owns every timer a consuming surface starts, so that
// tearing the surface down cancels them all at once. It runs on a
// clockwork.Clock; tests drive it with a fake clock.
type RetryScheduler struct {
	clock clockwork.Clock
	short time.Duration
	long  time.Duration

	mu      sync.Mutex
	timers  map[*scheduled]struct{}
	stopped bool
}

type scheduled struct {
	timer clockwork.Timer
}

func NewRetryScheduler(clock clockwork.Clock, cfg SchedulerConfig) *RetryScheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.RetryShort <= 0 {
		cfg.RetryShort = DefaultRetryShort
	}
	if cfg.RetryLong <= 0 {
		cfg.RetryLong = DefaultRetryLong
	}
	return &RetryScheduler{
		clock:  clock,
		short:  cfg.RetryShort,
		long:   cfg.RetryLong,
		timers: make(map[*scheduled]struct{}),
	}
}

func (s *RetryScheduler) Clock() clockwork.Clock { return s.clock }

// After runs fn once d has elapsed. The returned func cancels it. After
// Stop, After is a no-op.
func (s *RetryScheduler) After(d time.Duration, fn func()) (cancel func()) {
	sc := &scheduled{}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return func() {}
	}
	s.timers[sc] = struct{}{}
	s.mu.Unlock()

	// The callback only runs fn if sc is still registered, so cancelling
	// never has to race the timer itself.
	t := s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		_, pending := s.timers[sc]
		delete(s.timers, sc)
		s.mu.Unlock()
		if pending {
			fn()
		}
	})

	s.mu.Lock()
	sc.timer = t
	if _, ok := s.timers[sc]; !ok {
		t.Stop()
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.timers[sc]; ok {
			delete(s.timers, sc)
			if sc.timer != nil {
				sc.timer.Stop()
			}
		}
	}
}

// AfterWrite schedules fn at the short and then the long retry delay.
func (s *RetryScheduler) AfterWrite(fn func()) (cancel func()) {
	c1 := s.After(s.short, fn)
	c2 := s.After(s.long, fn)
	return func() {
		c1()
		c2()
	}
}

// NewDebouncer returns a debouncer whose timers belong to s.
func (s *RetryScheduler) NewDebouncer(quiet time.Duration) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultSearchDebounce
	}
	return &Debouncer{sched: s, quiet: quiet}
}

// Pending returns the number of timers that have not fired yet.
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// CancelAll cancels every pending timer. Scheduling keeps working.
func (s *RetryScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// Stop cancels all pending timers and disables further scheduling.
func (s *RetryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cancelLocked()
}

func (s *RetryScheduler) cancelLocked() {
	for sc := range s.timers {
		if sc.timer != nil {
			sc.timer.Stop()
		}
	}
	s.timers = make(map[*scheduled]struct{})
}

// Debouncer runs the most recently triggered func once the quiet window
// has passed without another trigger.
type Debouncer struct {
	sched *RetryScheduler
	quiet time.Duration

	mu     sync.Mutex
	cancel func()
}

func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.cancel = d.sched.After(d.quiet, fn)
}

func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

// Sequencer hands out monotonically increasing request tokens. Only the
// last issued token is current.
type Sequencer struct {
	n atomic.Uint64
}

func (s *Sequencer) Next() uint64 { return s.n.Add(1) }

func (s *Sequencer) Current(token uint64) bool { return s.n.Load() == token }

// Invalidate makes every outstanding token stale.
func (s *Sequencer) Invalidate() { s.n.Add(1) }
