package service_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/service"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store/memory"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

type provisionFixture struct {
	clock *clockwork.FakeClock
	store *memory.Store
	bus   *service.Bus
	p     *service.Provisioner
}

func newProvisionFixture(t *testing.T, cfg service.ProvisionerConfig, devices store.DeviceStore) *provisionFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(base)
	mem := memory.New(clock)
	if devices == nil {
		devices = mem
	}
	bus := service.NewBus(zaptest.NewLogger(t))
	p := service.NewProvisioner(devices, mem, service.NewKeyedMutex(), bus, clock, cfg, zaptest.NewLogger(t), nil)
	return &provisionFixture{clock: clock, store: mem, bus: bus, p: p}
}

var autoProvision = service.ProvisionerConfig{AutoProvision: true}

func devicesWithSerial(mem *memory.Store, serial string) int {
	n := 0
	for _, d := range mem.Devices() {
		if d.Serial == serial {
			n++
		}
	}
	return n
}

// ── Lookup outcomes ──────────────────────────────────────────────────────────

func TestProvision_UnknownCardCreatedAndAwaitsAssignment(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)

	s, err := f.p.HandleScan(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("handle scan: %v", err)
	}

	if s.State != service.StateAwaitingAssignment {
		t.Fatalf("expected awaiting_assignment, got %s (%s)", s.State, s.ErrText)
	}
	if !s.Created || s.DeviceID == "" {
		t.Errorf("expected created device with id, got created=%v id=%q", s.Created, s.DeviceID)
	}
	want := []service.ProvisioningState{
		service.StateIdle, service.StateChecking, service.StateCreating,
		service.StateVerifying, service.StateAwaitingAssignment,
	}
	if !reflect.DeepEqual(s.History, want) {
		t.Errorf("history = %v, want %v", s.History, want)
	}

	dev := f.store.Devices()[0]
	if dev.Status != types.DeviceActive {
		t.Errorf("expected active device, got %s", dev.Status)
	}
	if want := base.AddDate(1, 0, 0); dev.ExpiresAt.Sub(want) > 24*time.Hour || want.Sub(dev.ExpiresAt) > 24*time.Hour {
		t.Errorf("expected expiry about a year out, got %v", dev.ExpiresAt)
	}
}

func TestProvision_SerialNormalizedBeforeLookup(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)

	s, err := f.p.HandleScan(context.Background(), "  card 007 ")
	if err != nil {
		t.Fatalf("handle scan: %v", err)
	}
	if s.Serial != "CARD007" {
		t.Errorf("expected serial CARD007, got %q", s.Serial)
	}
	if devicesWithSerial(f.store, "CARD007") != 1 {
		t.Errorf("expected device CARD007, got %+v", f.store.Devices())
	}
}

func TestProvision_EmptySerialRejected(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)
	if _, err := f.p.HandleScan(context.Background(), " \t "); !errors.Is(err, service.ErrInvalidSerial) {
		t.Errorf("expected ErrInvalidSerial, got %v", err)
	}
}

func TestProvision_ExistingAssignedIsTerminal(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)
	f.store.PutDevice(types.DeviceRecord{Serial: "ABC123", Status: types.DeviceActive, AssignedCustomer: "cus-9"})

	s, err := f.p.HandleScan(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("handle scan: %v", err)
	}
	if s.State != service.StateExistsAssigned {
		t.Errorf("expected already_exists_assigned, got %s", s.State)
	}
	if f.store.Calls().Create != 0 {
		t.Error("create called for a registered card")
	}
	if _, err := f.p.BeginAssignment(context.Background(), "ABC123"); !errors.Is(err, service.ErrAlreadyAssigned) {
		t.Errorf("expected ErrAlreadyAssigned, got %v", err)
	}
}

func TestProvision_ExistingUnassignedThenAssigned(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)
	f.store.AddCustomer(types.Customer{Name: "Ana", Phone: "+1 (555) 010-2000"})
	f.store.PutDevice(types.DeviceRecord{Serial: "ABC123", Status: types.DeviceActive})

	s, err := f.p.HandleScan(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("handle scan: %v", err)
	}
	if s.State != service.StateExistsUnassigned {
		t.Fatalf("expected already_exists_unassigned, got %s", s.State)
	}

	if s, err = f.p.BeginAssignment(context.Background(), "ABC123"); err != nil || s.State != service.StateAwaitingAssignment {
		t.Fatalf("begin assignment: state=%s err=%v", s.State, err)
	}

	s, err = f.p.Assign(context.Background(), "ABC123", "15550102000")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if s.State != service.StateDone || s.Customer == nil || s.Customer.Name != "Ana" {
		t.Errorf("expected done for Ana, got %s %+v", s.State, s.Customer)
	}
	if !f.store.Devices()[0].Assigned() {
		t.Error("device not assigned in the store")
	}
}

func TestProvision_AutoProvisionOffReportsUnregistered(t *testing.T) {
	f := newProvisionFixture(t, service.ProvisionerConfig{}, nil)

	s, err := f.p.HandleScan(context.Background(), "NEW1")
	if err != nil {
		t.Fatalf("handle scan: %v", err)
	}
	if s.State != service.StateDone || !s.NotRegistered {
		t.Errorf("expected done/not registered, got %s %v", s.State, s.NotRegistered)
	}
	if f.store.Calls().Create != 0 {
		t.Error("create called with auto-provisioning off")
	}
}

// ── Idempotence ──────────────────────────────────────────────────────────────

func TestProvision_ConcurrentScansCreateOnce(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)

	const scans = 10
	var wg sync.WaitGroup
	results := make([]service.ProvisioningSession, scans)
	errs := make([]error, scans)
	for i := 0; i < scans; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.p.HandleScan(context.Background(), "ABC123")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("scan %d: %v", i, err)
		}
	}
	if n := devicesWithSerial(f.store, "ABC123"); n != 1 {
		t.Fatalf("expected exactly one device ABC123, got %d", n)
	}
	if n := f.store.Calls().Create; n != 1 {
		t.Errorf("expected one create call, got %d", n)
	}

	created := 0
	for _, s := range results {
		if s.Created {
			created++
		}
		if s.State == service.StateError {
			t.Errorf("duplicate scan ended in error: %s", s.ErrText)
		}
	}
	if created != 1 {
		t.Errorf("expected one session to report the create, got %d", created)
	}
}

func TestProvision_RescanKeepsAwaitingAssignment(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)

	first, err := f.p.HandleScan(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	again, err := f.p.HandleScan(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}

	if again.State != service.StateAwaitingAssignment || again.DeviceID != first.DeviceID {
		t.Errorf("expected awaiting assignment for %s, got %s for %s", first.DeviceID, again.State, again.DeviceID)
	}
	if again.Attempt <= first.Attempt {
		t.Error("expected the rescan to start a new session")
	}
}

// ── Ambiguous writes ─────────────────────────────────────────────────────────

func TestProvision_FailedCreateThatLandedRecovers(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)
	f.store.FailCreates(1, true)

	s, err := f.p.HandleScan(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("expected recovery through verification, got %v", err)
	}
	if s.State != service.StateAwaitingAssignment || !s.Created {
		t.Errorf("expected awaiting_assignment/created, got %s/%v", s.State, s.Created)
	}
	if n := f.store.Calls().Create; n != 1 {
		t.Errorf("create repeated: %d calls", n)
	}
}

func TestProvision_FailedCreateNotFoundIsError(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)
	f.store.FailCreates(1, false)

	s, err := f.p.HandleScan(context.Background(), "ABC123")
	if !errors.Is(err, service.ErrNotFoundAfterWrite) {
		t.Fatalf("expected ErrNotFoundAfterWrite, got %v", err)
	}
	if s.State != service.StateError || s.Retryable {
		t.Errorf("expected non-retryable error, got %s retryable=%v", s.State, s.Retryable)
	}
	c := f.store.Calls()
	if c.Create != 1 || c.Find != 2 {
		t.Errorf("expected 1 create and 2 finds, got %+v", c)
	}
}

func TestProvision_FailedCreateCannotBeReopened(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)
	f.store.FailCreates(1, false)
	if _, err := f.p.HandleScan(context.Background(), "ABC123"); !errors.Is(err, service.ErrNotFoundAfterWrite) {
		t.Fatalf("expected ErrNotFoundAfterWrite, got %v", err)
	}

	s, err := f.p.BeginAssignment(context.Background(), "ABC123")
	if !errors.Is(err, service.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if s.State != service.StateError || s.DeviceID != "" {
		t.Errorf("expected the session left in error without a device, got %s device=%q", s.State, s.DeviceID)
	}
	if _, err := f.p.Assign(context.Background(), "ABC123", "x@example.com"); !errors.Is(err, service.ErrInvalidTransition) {
		t.Errorf("expected Assign refused, got %v", err)
	}
}

// flakyVerify fails the second FindDevice, which is the verification read
// after a create.
type flakyVerify struct {
	*memory.Store
	mu    sync.Mutex
	finds int
}

func (f *flakyVerify) FindDevice(ctx context.Context, serial string) (types.DeviceRecord, error) {
	f.mu.Lock()
	f.finds++
	n := f.finds
	f.mu.Unlock()
	if n == 2 {
		return types.DeviceRecord{}, store.ErrTransient
	}
	return f.Store.FindDevice(ctx, serial)
}

func TestProvision_VerifyReadFailureKeepsCause(t *testing.T) {
	clock := clockwork.NewFakeClockAt(base)
	mem := memory.New(clock)
	mem.FailCreates(1, true)
	p := service.NewProvisioner(&flakyVerify{Store: mem}, mem, nil, nil, clock, autoProvision, zaptest.NewLogger(t), nil)

	s, err := p.HandleScan(context.Background(), "ABC123")
	if !errors.Is(err, store.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if errors.Is(err, service.ErrNotFoundAfterWrite) {
		t.Errorf("a failed read was reported as not found: %v", err)
	}
	if s.State != service.StateError {
		t.Errorf("expected error state, got %s", s.State)
	}
}

func TestProvision_ErrorOutcomeCounted(t *testing.T) {
	clock := clockwork.NewFakeClockAt(base)
	mem := memory.New(clock)
	mem.FailCreates(1, false)
	m := service.NewMetrics(prometheus.NewRegistry())
	p := service.NewProvisioner(mem, mem, nil, nil, clock, autoProvision, zaptest.NewLogger(t), m)

	if _, err := p.HandleScan(context.Background(), "ABC123"); err == nil {
		t.Fatal("expected the scan to fail")
	}
	if got := testutil.ToFloat64(m.Provisioning.WithLabelValues(string(service.StateError))); got != 1 {
		t.Errorf("expected 1 error outcome, got %v", got)
	}
}

// racingDevices registers the card elsewhere just before this session's
// create reaches the store.
type racingDevices struct {
	*memory.Store
	competitor types.DeviceRecord
}

func (r *racingDevices) CreateDevice(ctx context.Context, serial string, d types.DeviceDefaults) (types.DeviceRecord, error) {
	c := r.competitor
	c.Serial = serial
	r.PutDevice(c)
	return r.Store.CreateDevice(ctx, serial, d)
}

func TestProvision_ConcurrentRegistrationTreatedAsExisting(t *testing.T) {
	clock := clockwork.NewFakeClockAt(base)
	mem := memory.New(clock)
	racing := &racingDevices{Store: mem, competitor: types.DeviceRecord{
		Status:           types.DeviceInactive,
		AssignedCustomer: "cus-7",
	}}
	p := service.NewProvisioner(racing, mem, nil, nil, clock, autoProvision, zaptest.NewLogger(t), nil)

	s, err := p.HandleScan(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if s.State != service.StateExistsAssigned || !s.Preexisting || s.Created {
		t.Errorf("expected preexisting assigned device, got %s preexisting=%v created=%v", s.State, s.Preexisting, s.Created)
	}
}

func TestProvision_TransientLookupRetriedOnce(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)
	f.store.PutDevice(types.DeviceRecord{Serial: "ABC123", Status: types.DeviceActive})
	f.store.FailFinds(1)

	s, err := f.p.HandleScan(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("handle scan: %v", err)
	}
	if s.State != service.StateExistsUnassigned {
		t.Errorf("expected already_exists_unassigned, got %s", s.State)
	}
}

func TestProvision_PersistentLookupFailureIsError(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)
	f.store.FailFinds(2)

	s, err := f.p.HandleScan(context.Background(), "ABC123")
	if !errors.Is(err, store.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if s.State != service.StateError {
		t.Errorf("expected error state, got %s", s.State)
	}
	if f.store.Calls().Create != 0 {
		t.Error("create attempted after a failed lookup")
	}
}

// ── Assignment ───────────────────────────────────────────────────────────────

func TestProvision_AmbiguousCustomerIsRetryable(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)
	f.store.AddCustomer(types.Customer{Name: "Bo", Phone: "010-000-0000", Email: "bo@example.com"})
	f.store.AddCustomer(types.Customer{Name: "Cy", Phone: "0100000000", Email: "cy@example.com"})

	if _, err := f.p.HandleScan(context.Background(), "ABC123"); err != nil {
		t.Fatalf("handle scan: %v", err)
	}

	s, err := f.p.Assign(context.Background(), "ABC123", "0100000000")
	var rerr *service.ResolutionError
	if !errors.As(err, &rerr) || rerr.Matches != 2 {
		t.Fatalf("expected resolution error with 2 matches, got %v", err)
	}
	if !errors.Is(err, service.ErrAmbiguousResolution) {
		t.Error("expected ErrAmbiguousResolution")
	}
	if s.State != service.StateError || !s.Retryable {
		t.Errorf("expected retryable error, got %s retryable=%v", s.State, s.Retryable)
	}
	if f.store.Devices()[0].Assigned() {
		t.Fatal("device assigned despite ambiguous match")
	}

	s, err = f.p.Assign(context.Background(), "ABC123", "CY@example.com")
	if err != nil {
		t.Fatalf("retry assign: %v", err)
	}
	if s.State != service.StateDone || s.Customer.Name != "Cy" {
		t.Errorf("expected done for Cy, got %s %+v", s.State, s.Customer)
	}
}

func TestProvision_NoCustomerMatch(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)
	f.store.AddCustomer(types.Customer{Name: "Bo", Phone: "5550001111"})
	if _, err := f.p.HandleScan(context.Background(), "ABC123"); err != nil {
		t.Fatalf("handle scan: %v", err)
	}

	// A partial number is a contains-match in the store but not an exact one.
	_, err := f.p.Assign(context.Background(), "ABC123", "555000")
	var rerr *service.ResolutionError
	if !errors.As(err, &rerr) || rerr.Matches != 0 {
		t.Fatalf("expected resolution error with 0 matches, got %v", err)
	}
}

func TestProvision_AssignWithoutSession(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)
	if _, err := f.p.Assign(context.Background(), "NOPE", "x@example.com"); !errors.Is(err, service.ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

func TestProvision_AssignFromWrongState(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)
	f.store.PutDevice(types.DeviceRecord{Serial: "ABC123", Status: types.DeviceActive})
	if _, err := f.p.HandleScan(context.Background(), "ABC123"); err != nil {
		t.Fatalf("handle scan: %v", err)
	}

	if _, err := f.p.Assign(context.Background(), "ABC123", "x@example.com"); !errors.Is(err, service.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition before BeginAssignment, got %v", err)
	}
}

func TestProvision_ResetForgetsSession(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)
	if _, err := f.p.HandleScan(context.Background(), "ABC123"); err != nil {
		t.Fatalf("handle scan: %v", err)
	}

	f.p.Reset(" abc123")
	if _, ok := f.p.Session("ABC123"); ok {
		t.Error("session still present after Reset")
	}
}

func TestProvision_PublishesEvents(t *testing.T) {
	f := newProvisionFixture(t, autoProvision, nil)
	f.store.AddCustomer(types.Customer{Name: "Ana", Email: "ana@example.com"})
	events, unsubscribe := f.bus.Subscribe(4)
	defer unsubscribe()

	if _, err := f.p.HandleScan(context.Background(), "ABC123"); err != nil {
		t.Fatalf("handle scan: %v", err)
	}
	if _, err := f.p.Assign(context.Background(), "ABC123", "ana@example.com"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	var kinds []service.EventKind
	for len(kinds) < 2 {
		kinds = append(kinds, (<-events).Kind)
	}
	want := []service.EventKind{service.EventDeviceProvisioned, service.EventDeviceAssigned}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}
