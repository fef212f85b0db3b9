// Package memory is an in-process implementation of the store contracts.
// It is used by tests and by the gate console in standalone dev mode, and
// can simulate the server behaviours the core must tolerate: commit lag on
// reads and writes that report failure after being applied.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

type logEntry struct {
	rec       types.ScanRecord
	visibleAt time.Time
}

type deviceEntry struct {
	dev       types.DeviceRecord
	visibleAt time.Time
}

type createFault struct {
	remaining int
	applied   bool
}

type Store struct {
	clock    clockwork.Clock
	pageSize int

	mu        sync.Mutex
	logs      []logEntry
	devices   map[string]*deviceEntry // by serial
	customers []types.Customer
	byRequest map[string]types.RecordScanResponse
	nextLog   int
	nextDev   int
	commitLag time.Duration

	createFault createFault
	findFaults  int
	fetchFaults int

	createCalls int
	findCalls   int
	fetchCalls  int
	searchCalls int
}

var (
	_ store.LogStore      = (*Store)(nil)
	_ store.DeviceStore   = (*Store)(nil)
	_ store.CustomerStore = (*Store)(nil)
)

func New(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:     clock,
		pageSize:  store.DefaultPageSize,
		devices:   make(map[string]*deviceEntry),
		byRequest: make(map[string]types.RecordScanResponse),
	}
}

// SetPageSize overrides the fixed page size. Values < 1 are ignored.
func (s *Store) SetPageSize(n int) {
	if n < 1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// SetCommitLag makes writes invisible to reads until lag has elapsed on the
// store clock.
func (s *Store) SetCommitLag(lag time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitLag = lag
}

// FailCreates makes the next n CreateDevice calls return ErrTransient. When
// applied is true the device is written anyway.
func (s *Store) FailCreates(n int, applied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createFault = createFault{remaining: n, applied: applied}
}

// FailFinds makes the next n FindDevice calls return ErrTransient.
func (s *Store) FailFinds(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findFaults = n
}

// FailFetches makes the next n FetchLogPage calls return ErrTransient.
func (s *Store) FailFetches(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchFaults = n
}

func (s *Store) AddCustomer(c types.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = fmt.Sprintf("cus-%d", len(s.customers)+1)
	}
	s.customers = append(s.customers, c)
}

// PutDevice stores dev immediately visible, replacing any device with the
// same serial.
func (s *Store) PutDevice(dev types.DeviceRecord) types.DeviceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev.Serial = types.NormalizeCardID(dev.Serial)
	if dev.ID == "" {
		s.nextDev++
		dev.ID = fmt.Sprintf("dev-%d", s.nextDev)
	}
	s.devices[dev.Serial] = &deviceEntry{dev: dev}
	return dev
}

// PutLog stores rec immediately visible and returns it with its remote id.
func (s *Store) PutLog(rec types.ScanRecord) types.ScanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.RemoteID == "" {
		s.nextLog++
		rec.RemoteID = fmt.Sprintf("log-%d", s.nextLog)
	}
	s.logs = append(s.logs, logEntry{rec: rec})
	return rec
}

// Devices returns every stored device regardless of visibility.
func (s *Store) Devices() []types.DeviceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.DeviceRecord, 0, len(s.devices))
	for _, e := range s.devices {
		out = append(out, e.dev)
	}
	return out
}

type Calls struct {
	Create int
	Find   int
	Fetch  int
	Search int
}

func (s *Store) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Calls{
		Create: s.createCalls,
		Find:   s.findCalls,
		Fetch:  s.fetchCalls,
		Search: s.searchCalls,
	}
}

func (s *Store) visible(at time.Time) bool {
	return !s.clock.Now().Before(at)
}

func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
