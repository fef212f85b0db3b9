package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

const (
	DefaultLocalSettle  = 1 * time.Second
	DefaultFetchTimeout = 10 * time.Second

	// maxFetchRetries bounds the fixed-delay retries after a failed fetch.
	// The first retry waits the short delay, the second the long one.
	maxFetchRetries = 2
)

type LogViewConfig struct {
	EventID string

	// LocalSettle is how long to wait after a local append before asking
	// the server, to give it time to commit.
	LocalSettle    time.Duration
	SearchDebounce time.Duration
	FetchTimeout   time.Duration
}

// View is the reconciled log as shown to the operator: newest first, no two
// records sharing an identity.
type View struct {
	Records    []types.ScanRecord `json:"records"`
	Page       int                `json:"page"`
	TotalPages int                `json:"total_pages"`
	TotalCount int                `json:"total_count"`
	Query      string             `json:"query,omitempty"`
	Searching  bool               `json:"searching"`
	Err        string             `json:"error,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
	Seq        uint64             `json:"seq"`
}

// LogView is the reconciliation engine for one consuming surface. It
// decides when to query the server of record and merges what comes back
// with the session's LocalEventBuffer.
//
// Every query carries a sequence token. A response is applied only while
// the view is live and its token is the last one issued; anything else is
// a stale response and is dropped.
type LogView struct {
	store   store.LogStore
	buffer  *LocalEventBuffer
	sched   *RetryScheduler
	logger  *zap.Logger
	metrics *Metrics
	cfg     LogViewConfig

	seq    Sequencer
	search *Debouncer
	settle *Debouncer

	mu        sync.Mutex
	live      bool
	lifeCtx   context.Context
	cancel    context.CancelFunc
	page      int
	query     string
	remote    []types.ScanRecord
	localSeen int
	failures  int
	view      View
	watchers  map[chan struct{}]struct{}
}

func NewLogView(
	st store.LogStore,
	buf *LocalEventBuffer,
	sched *RetryScheduler,
	cfg LogViewConfig,
	logger *zap.Logger,
	metrics *Metrics,
) *LogView {
	if cfg.LocalSettle <= 0 {
		cfg.LocalSettle = DefaultLocalSettle
	}
	if cfg.SearchDebounce <= 0 {
		cfg.SearchDebounce = DefaultSearchDebounce
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LogView{
		store:   st,
		buffer:  buf,
		sched:   sched,
		logger:  logger.With(zap.String("component", "log_view"), zap.String("event_id", cfg.EventID)),
		metrics: metrics,
		cfg:     cfg,
		search:  sched.NewDebouncer(cfg.SearchDebounce),
		settle:  sched.NewDebouncer(cfg.LocalSettle),
		page:     1,
		view:     View{Page: 1},
		watchers: make(map[chan struct{}]struct{}),
	}
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Activate mounts the view and performs the initial fetch of page 1.
func (v *LogView) Activate(ctx context.Context) error {
	v.mu.Lock()
	if v.live {
		v.mu.Unlock()
		return nil
	}
	v.live = true
	v.lifeCtx, v.cancel = context.WithCancel(context.Background())
	v.page = 1
	v.query = ""
	v.failures = 0
	v.mu.Unlock()

	v.logger.Debug("log view activated")
	return v.Refresh(ctx)
}

// Deactivate tears the view down: in-flight requests are cancelled, timers
// and debounce windows are stopped, and any response still on its way is
// discarded.
func (v *LogView) Deactivate() {
	v.mu.Lock()
	if !v.live {
		v.mu.Unlock()
		return
	}
	v.live = false
	v.cancel()
	v.seq.Invalidate()
	v.mu.Unlock()

	v.search.Cancel()
	v.settle.Cancel()
	v.sched.CancelAll()
	v.logger.Debug("log view deactivated")
}

func (v *LogView) Live() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.live
}

// ── Triggers ─────────────────────────────────────────────────────────────────

// Refresh queries the server for the current page or search and applies
// the result. It returns ErrStaleResponse when a newer request superseded
// this one or the view was torn down meanwhile.
func (v *LogView) Refresh(ctx context.Context) error {
	v.mu.Lock()
	if !v.live {
		v.mu.Unlock()
		return ErrStaleResponse
	}
	token := v.seq.Next()
	page, query := v.page, v.query
	lifeCtx := v.lifeCtx
	v.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, v.cfg.FetchTimeout)
	defer cancel()
	stop := context.AfterFunc(lifeCtx, cancel)
	defer stop()

	if query != "" {
		start := time.Now()
		recs, err := v.store.SearchLogs(fctx, types.LogFilter{EventID: v.cfg.EventID, Query: query})
		v.metrics.observeFetch("search", err, time.Since(start))
		return v.apply(token, fetchResult{search: true, records: recs, err: err})
	}

	start := time.Now()
	lp, err := v.store.FetchLogPage(fctx, v.cfg.EventID, page)
	v.metrics.observeFetch("page", err, time.Since(start))
	return v.apply(token, fetchResult{page: lp, err: err})
}

// LocalAppended tells the view the buffer grew. The new entries are merged
// into page 1 right away, and a refresh is scheduled after the settle
// delay since the server has probably not committed them yet.
func (v *LogView) LocalAppended() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.live || v.buffer.Len() <= v.localSeen {
		return
	}
	if v.query == "" && v.page == 1 {
		v.rebuildLocked()
		v.notifyLocked()
	}
	v.settle.Trigger(v.refreshAsync)
}

// ActionCompleted reacts to a finished write (scan recorded, device
// provisioned or assigned) with a short and a long delayed refresh.
func (v *LogView) ActionCompleted() {
	if !v.Live() {
		return
	}
	v.sched.AfterWrite(v.refreshAsync)
}

// Focus is called when the consuming surface becomes visible again.
func (v *LogView) Focus() {
	v.refreshAsync()
}

// SetQuery switches search mode on or off. A non-empty query is sent after
// the debounce window; clearing it returns to page 1 and refreshes at once.
func (v *LogView) SetQuery(q string) {
	q = strings.TrimSpace(q)

	v.mu.Lock()
	if !v.live || q == v.query {
		v.mu.Unlock()
		return
	}
	v.query = q
	v.seq.Invalidate()
	v.view.Query = q
	v.view.Searching = q != ""
	if q == "" {
		v.page = 1
		v.view.Page = 1
	}
	v.mu.Unlock()

	if q == "" {
		v.search.Cancel()
		v.refreshAsync()
		return
	}
	v.search.Trigger(v.refreshAsync)
}

// SetPage moves to page n of the remote log. Local records are only ever
// shown on page 1. Paging is ignored while searching.
func (v *LogView) SetPage(n int) {
	if n < 1 {
		n = 1
	}
	v.mu.Lock()
	if !v.live || v.query != "" || n == v.page {
		v.mu.Unlock()
		return
	}
	v.page = n
	v.seq.Invalidate()
	v.mu.Unlock()

	v.refreshAsync()
}

// Run maps bus events to triggers until ctx is done or events is closed.
func (v *LogView) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			v.handleEvent(ev)
		}
	}
}

func (v *LogView) handleEvent(ev Event) {
	switch ev.Kind {
	case EventScanRecorded:
		if v.cfg.EventID != "" && ev.EventID != "" && ev.EventID != v.cfg.EventID {
			return
		}
		v.LocalAppended()
		v.ActionCompleted()
	case EventDeviceProvisioned, EventDeviceAssigned:
		v.ActionCompleted()
	case EventSurfaceFocused:
		v.Focus()
	}
}

// Snapshot returns a copy of the current view.
func (v *LogView) Snapshot() View {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.view
	out.Records = append([]types.ScanRecord(nil), v.view.Records...)
	return out
}

// Subscribe returns a channel that receives a signal whenever the view
// changes, and a func that unsubscribes. Signals coalesce: a slow reader
// sees one pending signal, then reads Snapshot for the latest state.
func (v *LogView) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	v.mu.Lock()
	v.watchers[ch] = struct{}{}
	v.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.watchers, ch)
			v.mu.Unlock()
		})
	}
}

// ── Internals ────────────────────────────────────────────────────────────────

type fetchResult struct {
	search  bool
	page    types.LogPage
	records []types.ScanRecord
	err     error
}

func (v *LogView) refreshAsync() {
	if !v.Live() {
		return
	}
	go func() {
		err := v.Refresh(context.Background())
		if err != nil && !errors.Is(err, ErrStaleResponse) {
			v.logger.Debug("background refresh failed", zap.Error(err))
		}
	}()
}

func (v *LogView) apply(token uint64, res fetchResult) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	kind := "page"
	if res.search {
		kind = "search"
	}
	if !v.live || !v.seq.Current(token) {
		v.metrics.stale(kind)
		return ErrStaleResponse
	}

	if res.err != nil {
		v.failures++
		if v.failures <= maxFetchRetries && store.IsTransient(res.err) {
			delay := v.sched.short
			if v.failures == maxFetchRetries {
				delay = v.sched.long
			}
			v.sched.After(delay, v.refreshAsync)
			v.logger.Debug("log fetch failed, retry scheduled",
				zap.String("kind", kind), zap.Int("attempt", v.failures), zap.Error(res.err))
			return res.err
		}
		v.view.Err = res.err.Error()
		v.notifyLocked()
		v.logger.Warn("log fetch failed", zap.String("kind", kind), zap.Error(res.err))
		return res.err
	}

	v.failures = 0
	v.view.Err = ""
	v.view.Seq = token

	if res.search {
		v.remote = res.records
		v.view.Searching = true
		v.view.Query = v.query
		v.view.Records = Reconcile(nil, res.records)
		v.view.TotalCount = len(v.view.Records)
		v.view.TotalPages = 1
		v.view.Page = 1
	} else {
		v.remote = res.page.Records
		v.view.Searching = false
		v.view.Query = ""
		v.view.Page = v.page
		v.view.TotalPages = res.page.TotalPages
		v.view.TotalCount = res.page.TotalCount
		v.rebuildLocked()
	}
	v.localSeen = v.buffer.Len()
	v.view.UpdatedAt = v.sched.Clock().Now()
	v.metrics.viewSize(len(v.view.Records))
	v.notifyLocked()
	return nil
}

// notifyLocked signals every watcher without blocking. Caller holds v.mu.
func (v *LogView) notifyLocked() {
	for ch := range v.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// rebuildLocked recomputes the records of a non-search view from the last
// remote page and a fresh buffer snapshot. Caller holds v.mu.
func (v *LogView) rebuildLocked() {
	if v.page == 1 {
		v.view.Records = Reconcile(v.buffer.SnapshotFor(v.cfg.EventID), v.remote)
	} else {
		v.view.Records = Reconcile(nil, v.remote)
	}
}
