package service

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// LogPoller refreshes a LogView on a fixed interval so the reconciled log
// eventually converges even when no local action prompts a refresh. It is
// safe to stop via its context or the Stop method.
//
// An interval of 0 disables polling entirely.
type LogPoller struct {
	view     *LogView
	clock    clockwork.Clock
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	started  bool
	done     chan struct{}
}

// NewLogPoller creates a poller but does not start it.
func NewLogPoller(view *LogView, clock clockwork.Clock, interval time.Duration, logger *zap.Logger) *LogPoller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPoller{
		view:     view,
		clock:    clock,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins the polling loop. The first poll happens one interval after
// Start; the view's own activation covers the initial fetch.
func (p *LogPoller) Start(ctx context.Context) {
	p.started = true
	if p.interval <= 0 {
		p.logger.Info("log poller disabled (interval=0)")
		close(p.done)
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	ticker := p.clock.NewTicker(p.interval)

	go p.loop(ctx, ticker)

	p.logger.Info("log poller started", zap.Duration("interval", p.interval))
}

// Stop signals the poller to exit and waits for it to finish. Stopping a
// poller that was never started is a no-op.
func (p *LogPoller) Stop() {
	if !p.started {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *LogPoller) loop(ctx context.Context, ticker clockwork.Ticker) {
	defer close(p.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.poll(ctx)
		}
	}
}

func (p *LogPoller) poll(ctx context.Context) {
	if !p.view.Live() {
		return
	}
	if err := p.view.Refresh(ctx); err != nil && !errors.Is(err, ErrStaleResponse) {
		p.logger.Warn("log poll failed", zap.Error(err))
	}
}
