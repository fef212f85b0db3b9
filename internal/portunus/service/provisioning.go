package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

type ProvisioningState string

const (
	StateIdle               ProvisioningState = "idle"
	StateChecking           ProvisioningState = "checking"
	StateExistsAssigned     ProvisioningState = "already_exists_assigned"
	StateExistsUnassigned   ProvisioningState = "already_exists_unassigned"
	StateCreating           ProvisioningState = "creating"
	StateVerifying          ProvisioningState = "verifying_creation"
	StateAwaitingAssignment ProvisioningState = "awaiting_assignment"
	StateDone               ProvisioningState = "done"
	StateError              ProvisioningState = "error"
)

// transitions is the provisioning state machine. Anything not listed is
// rejected with ErrInvalidTransition.
var transitions = map[ProvisioningState][]ProvisioningState{
	StateIdle:               {StateChecking},
	StateChecking:           {StateExistsAssigned, StateExistsUnassigned, StateCreating, StateDone, StateError},
	StateCreating:           {StateVerifying, StateError},
	StateVerifying:          {StateAwaitingAssignment, StateDone, StateExistsAssigned, StateExistsUnassigned, StateError},
	StateExistsUnassigned:   {StateAwaitingAssignment},
	StateAwaitingAssignment: {StateDone, StateError},
	StateError:              {StateAwaitingAssignment},
}

func canTransition(from, to ProvisioningState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Settled reports whether a session in this state needs no more work from
// the workflow itself.
func (s ProvisioningState) Settled() bool {
	switch s {
	case StateExistsAssigned, StateExistsUnassigned, StateAwaitingAssignment, StateDone, StateError:
		return true
	}
	return false
}

// ProvisioningSession is the state of one scanned card's provisioning.
type ProvisioningSession struct {
	Serial   string              `json:"serial"`
	State    ProvisioningState   `json:"state"`
	DeviceID string              `json:"device_id,omitempty"`
	Device   *types.DeviceRecord `json:"device,omitempty"`
	Customer *types.Customer     `json:"customer,omitempty"`

	// Created is set when this session's create produced the device.
	Created bool `json:"created"`
	// Preexisting is set when a failed create was followed by a read that
	// found a device not matching what was asked for.
	Preexisting bool `json:"preexisting,omitempty"`
	// NotRegistered is set when the card is unknown and auto-provisioning
	// is off.
	NotRegistered bool `json:"not_registered,omitempty"`

	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
	ErrText string `json:"error,omitempty"`
	// Retryable errors leave the session open for another Assign.
	Retryable bool `json:"retryable,omitempty"`

	History   []ProvisioningState `json:"history"`
	Attempt   uint64              `json:"attempt"`
	StartedAt time.Time           `json:"started_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func (s ProvisioningSession) clone() ProvisioningSession {
	out := s
	out.History = append([]ProvisioningState(nil), s.History...)
	if s.Device != nil {
		d := *s.Device
		out.Device = &d
	}
	if s.Customer != nil {
		c := *s.Customer
		out.Customer = &c
	}
	return out
}

const (
	defaultDeviceTTL = 365 * 24 * time.Hour

	// expiryTolerance is how far a found device's expiry may be from the
	// one requested and still count as this session's create.
	expiryTolerance = 24 * time.Hour
)

type ProvisionerConfig struct {
	AutoProvision bool
	// VerifyDelay is the wait before the single verification read after a
	// create. Zero reads immediately.
	VerifyDelay time.Duration
	// RetryDelay is the wait before repeating a lookup that failed
	// transiently. Zero repeats immediately.
	RetryDelay time.Duration
	// DeviceTTL sets the default expiry of auto-registered cards.
	DeviceTTL time.Duration
}

// Provisioner runs the device provisioning workflow: a scanned card is
// looked up, registered if unknown, and handed to the operator for
// customer assignment.
//
// Work for one serial is strictly sequential under the Locker. Different
// serials proceed independently.
type Provisioner struct {
	devices   store.DeviceStore
	customers store.CustomerStore
	locker    Locker
	bus       *Bus
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *Metrics
	cfg       ProvisionerConfig

	mu       sync.Mutex
	sessions map[string]*ProvisioningSession
	attempts Sequencer
}

func NewProvisioner(
	devices store.DeviceStore,
	customers store.CustomerStore,
	locker Locker,
	bus *Bus,
	clock clockwork.Clock,
	cfg ProvisionerConfig,
	logger *zap.Logger,
	metrics *Metrics,
) *Provisioner {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeviceTTL <= 0 {
		cfg.DeviceTTL = defaultDeviceTTL
	}
	return &Provisioner{
		devices:   devices,
		customers: customers,
		locker:    locker,
		bus:       bus,
		clock:     clock,
		logger:    logger.With(zap.String("component", "provisioner")),
		metrics:   metrics,
		cfg:       cfg,
		sessions:  make(map[string]*ProvisioningSession),
	}
}

// ── Public operations ────────────────────────────────────────────────────────

// HandleScan runs a fresh provisioning session for a raw card read and
// returns it once it reaches a settled state. The returned error is the
// session's error, if it ended in StateError.
func (p *Provisioner) HandleScan(ctx context.Context, raw string) (ProvisioningSession, error) {
	serial := types.NormalizeCardID(raw)
	if serial == "" {
		return ProvisioningSession{}, ErrInvalidSerial
	}

	unlock, err := p.locker.Lock(ctx, serial)
	if err != nil {
		return ProvisioningSession{}, fmt.Errorf("lock %s: %w", serial, err)
	}
	defer unlock()

	start := p.clock.Now()
	s, prev := p.begin(serial)

	err = p.check(ctx, s, prev)
	out := p.snapshot(s)
	if out.State.Settled() {
		p.metrics.provisioned(out.State, p.clock.Since(start))
	}
	if err != nil {
		return out, err
	}
	p.logger.Info("provisioning settled",
		zap.String("serial", serial),
		zap.String("state", string(out.State)),
		zap.String("device_id", out.DeviceID),
		zap.Bool("created", out.Created))

	if p.bus != nil && !out.NotRegistered {
		p.bus.Publish(Event{Kind: EventDeviceProvisioned, CardID: serial, At: p.clock.Now()})
	}
	return out, out.Err
}

// BeginAssignment opens the customer assignment step for a card that was
// found registered but unassigned.
func (p *Provisioner) BeginAssignment(ctx context.Context, raw string) (ProvisioningSession, error) {
	serial := types.NormalizeCardID(raw)
	unlock, err := p.locker.Lock(ctx, serial)
	if err != nil {
		return ProvisioningSession{}, fmt.Errorf("lock %s: %w", serial, err)
	}
	defer unlock()

	s, ok := p.current(serial)
	if !ok {
		return ProvisioningSession{}, ErrNoSession
	}
	snap := p.snapshot(s)
	switch snap.State {
	case StateAwaitingAssignment:
		return snap, nil
	case StateExistsAssigned:
		return snap, ErrAlreadyAssigned
	case StateError:
		// Only a failed assignment on a known device can be reopened.
		if !snap.Retryable || snap.DeviceID == "" {
			return snap, fmt.Errorf("%w: begin assignment from %s", ErrInvalidTransition, snap.State)
		}
	}
	if err := p.transition(s, StateAwaitingAssignment, nil); err != nil {
		return p.snapshot(s), err
	}
	return p.snapshot(s), nil
}

// Assign resolves value (a phone number or email) to exactly one customer
// and assigns the card to them. Zero or several matches leave the session
// in a retryable error; the operator can call Assign again with a
// corrected value without scanning again.
func (p *Provisioner) Assign(ctx context.Context, raw, value string) (ProvisioningSession, error) {
	serial := types.NormalizeCardID(raw)
	unlock, err := p.locker.Lock(ctx, serial)
	if err != nil {
		return ProvisioningSession{}, fmt.Errorf("lock %s: %w", serial, err)
	}
	defer unlock()

	s, ok := p.current(serial)
	if !ok {
		return ProvisioningSession{}, ErrNoSession
	}

	snap := p.snapshot(s)
	switch {
	case snap.State == StateAwaitingAssignment:
	case snap.State == StateError && snap.Retryable && snap.DeviceID != "":
		if err := p.transition(s, StateAwaitingAssignment, nil); err != nil {
			return p.snapshot(s), err
		}
	default:
		return snap, fmt.Errorf("%w: assign from %s", ErrInvalidTransition, snap.State)
	}

	customer, err := p.resolveCustomer(ctx, value)
	if err != nil {
		_ = p.fail(s, err, true)
		return p.snapshot(s), err
	}

	dev, err := p.devices.AssignDevice(ctx, snap.DeviceID, customer.ID)
	if err != nil {
		err = fmt.Errorf("assign device %s: %w", snap.DeviceID, err)
		_ = p.fail(s, err, true)
		return p.snapshot(s), err
	}

	if err := p.transition(s, StateDone, func(s *ProvisioningSession) {
		s.Device = &dev
		s.Customer = &customer
		s.Message = "assigned to " + customer.Name
	}); err != nil {
		return p.snapshot(s), err
	}

	p.logger.Info("card assigned",
		zap.String("serial", serial),
		zap.String("device_id", dev.ID),
		zap.String("customer_id", customer.ID))
	if p.bus != nil {
		p.bus.Publish(Event{Kind: EventDeviceAssigned, CardID: serial, At: p.clock.Now()})
	}
	return p.snapshot(s), nil
}

// Session returns the latest session for a serial.
func (p *Provisioner) Session(raw string) (ProvisioningSession, bool) {
	s, ok := p.current(types.NormalizeCardID(raw))
	if !ok {
		return ProvisioningSession{}, false
	}
	return p.snapshot(s), true
}

// Reset forgets the session for a serial. Results still in flight for it
// are discarded.
func (p *Provisioner) Reset(raw string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, types.NormalizeCardID(raw))
}

// ── Workflow steps ───────────────────────────────────────────────────────────

func (p *Provisioner) check(ctx context.Context, s *ProvisioningSession, prev *ProvisioningSession) error {
	if err := p.transition(s, StateChecking, nil); err != nil {
		return err
	}

	dev, err := p.findDevice(ctx, s.Serial)
	switch {
	case err == nil:
		return p.settleExisting(s, dev, prev, false)
	case errors.Is(err, store.ErrNotFound):
		if !p.cfg.AutoProvision {
			return p.transition(s, StateDone, func(s *ProvisioningSession) {
				s.NotRegistered = true
				s.Message = "card is not registered"
			})
		}
		return p.create(ctx, s)
	default:
		return p.fail(s, fmt.Errorf("check %s: %w", s.Serial, err), false)
	}
}

func (p *Provisioner) create(ctx context.Context, s *ProvisioningSession) error {
	if err := p.transition(s, StateCreating, nil); err != nil {
		return err
	}

	defaults := types.DeviceDefaults{
		Status:    types.DeviceActive,
		ExpiresAt: p.clock.Now().UTC().Add(p.cfg.DeviceTTL),
	}
	created, cerr := p.devices.CreateDevice(ctx, s.Serial, defaults)
	if cerr != nil {
		// The server may have written the device despite the error, so the
		// outcome is settled by reading, never by writing again.
		cerr = fmt.Errorf("%w: create %s: %w", ErrAmbiguousWrite, s.Serial, cerr)
		p.logger.Warn("create not confirmed, verifying", zap.String("serial", s.Serial), zap.Error(cerr))
	}

	if err := p.transition(s, StateVerifying, nil); err != nil {
		return err
	}

	if p.cfg.VerifyDelay > 0 {
		select {
		case <-p.clock.After(p.cfg.VerifyDelay):
		case <-ctx.Done():
			return p.fail(s, fmt.Errorf("verify %s: %w", s.Serial, ctx.Err()), false)
		}
	}

	found, err := p.devices.FindDevice(ctx, s.Serial)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		// The device may exist; the read itself failed.
		return p.fail(s, fmt.Errorf("verify %s: %w", s.Serial, err), false)
	}
	if err != nil {
		cause := err
		if cerr != nil {
			cause = fmt.Errorf("%v (after %v)", err, cerr)
		}
		return p.fail(s, fmt.Errorf("%w: %s: %v", ErrNotFoundAfterWrite, s.Serial, cause), false)
	}

	if cerr != nil && (errors.Is(cerr, store.ErrConflict) || !matchesDefaults(found, defaults)) {
		// Someone else registered this card; treat it like a lookup hit.
		return p.settleExisting(s, found, nil, true)
	}

	deviceID := created.ID
	if deviceID == "" {
		deviceID = found.ID
	}
	if deviceID == "" {
		again, err := p.devices.FindDevice(ctx, s.Serial)
		if err != nil || again.ID == "" {
			return p.fail(s, fmt.Errorf("%w: %s: no device id", ErrNotFoundAfterWrite, s.Serial), false)
		}
		deviceID = again.ID
	}

	if found.Assigned() {
		return p.transition(s, StateDone, func(s *ProvisioningSession) {
			s.DeviceID = deviceID
			s.Device = &found
			s.Created = cerr == nil
			s.Message = "already assigned to " + found.AssignedCustomer
		})
	}

	return p.transition(s, StateAwaitingAssignment, func(s *ProvisioningSession) {
		s.DeviceID = deviceID
		s.Device = &found
		s.Created = true
	})
}

// settleExisting finishes a session whose card is already registered. A
// card that was awaiting assignment before this scan goes straight back to
// that step, so a duplicate tap does not lose the operator's place.
func (p *Provisioner) settleExisting(s *ProvisioningSession, dev types.DeviceRecord, prev *ProvisioningSession, preexisting bool) error {
	if dev.Assigned() {
		return p.transition(s, StateExistsAssigned, func(s *ProvisioningSession) {
			s.DeviceID = dev.ID
			s.Device = &dev
			s.Preexisting = preexisting
			s.Message = "already assigned to " + dev.AssignedCustomer
		})
	}

	if err := p.transition(s, StateExistsUnassigned, func(s *ProvisioningSession) {
		s.DeviceID = dev.ID
		s.Device = &dev
		s.Preexisting = preexisting
		s.Message = "registered, no customer assigned"
	}); err != nil {
		return err
	}

	if prev != nil && prev.DeviceID == dev.ID &&
		(prev.State == StateAwaitingAssignment || (prev.State == StateError && prev.Retryable)) {
		return p.transition(s, StateAwaitingAssignment, nil)
	}
	return nil
}

func (p *Provisioner) findDevice(ctx context.Context, serial string) (types.DeviceRecord, error) {
	dev, err := p.devices.FindDevice(ctx, serial)
	if err == nil || !store.IsTransient(err) {
		return dev, err
	}

	p.logger.Debug("device lookup failed, retrying once", zap.String("serial", serial), zap.Error(err))
	if p.cfg.RetryDelay > 0 {
		select {
		case <-p.clock.After(p.cfg.RetryDelay):
		case <-ctx.Done():
			return types.DeviceRecord{}, ctx.Err()
		}
	}
	return p.devices.FindDevice(ctx, serial)
}

func (p *Provisioner) resolveCustomer(ctx context.Context, value string) (types.Customer, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return types.Customer{}, &ResolutionError{Query: value}
	}

	found, err := p.customers.FindCustomers(ctx, value)
	if err != nil {
		return types.Customer{}, fmt.Errorf("find customer %q: %w", value, err)
	}

	var matches []types.Customer
	for _, c := range found {
		if exactCustomerMatch(c, value) {
			matches = append(matches, c)
		}
	}
	if len(matches) != 1 {
		return types.Customer{}, &ResolutionError{Query: value, Matches: len(matches)}
	}
	return matches[0], nil
}

// exactCustomerMatch compares email case-insensitively, or phone numbers
// by their digits.
func exactCustomerMatch(c types.Customer, value string) bool {
	if strings.Contains(value, "@") {
		return strings.EqualFold(strings.TrimSpace(c.Email), value)
	}
	digits := types.PhoneDigits(value)
	return digits != "" && types.PhoneDigits(c.Phone) == digits
}

func matchesDefaults(dev types.DeviceRecord, want types.DeviceDefaults) bool {
	if dev.Status != want.Status {
		return false
	}
	d := dev.ExpiresAt.Sub(want.ExpiresAt)
	if d < 0 {
		d = -d
	}
	return d <= expiryTolerance
}

// ── Session bookkeeping ──────────────────────────────────────────────────────

// begin replaces the serial's session with a new one and returns it with
// a copy of the one it replaced.
func (p *Provisioner) begin(serial string) (*ProvisioningSession, *ProvisioningSession) {
	now := p.clock.Now()
	s := &ProvisioningSession{
		Serial:    serial,
		State:     StateIdle,
		History:   []ProvisioningState{StateIdle},
		Attempt:   p.attempts.Next(),
		StartedAt: now,
		UpdatedAt: now,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var prev *ProvisioningSession
	if old, ok := p.sessions[serial]; ok {
		c := old.clone()
		prev = &c
	}
	p.sessions[serial] = s
	return s, prev
}

func (p *Provisioner) current(serial string) (*ProvisioningSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[serial]
	return s, ok
}

func (p *Provisioner) snapshot(s *ProvisioningSession) ProvisioningSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return s.clone()
}

// transition moves s to state to, applying mutate under the lock. It
// refuses moves not in the state table and results for a session that has
// been replaced or reset.
func (p *Provisioner) transition(s *ProvisioningSession, to ProvisioningState, mutate func(*ProvisioningSession)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.sessions[s.Serial]; !ok || cur != s {
		return fmt.Errorf("%w: session %d for %s", ErrStaleResponse, s.Attempt, s.Serial)
	}
	if !canTransition(s.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
	}

	s.State = to
	s.History = append(s.History, to)
	s.UpdatedAt = p.clock.Now()
	if to != StateError {
		s.Err, s.ErrText, s.Retryable = nil, "", false
	}
	if mutate != nil {
		mutate(s)
	}
	return nil
}

// fail moves s to StateError and returns err, or the transition's own
// error if the move was refused.
func (p *Provisioner) fail(s *ProvisioningSession, err error, retryable bool) error {
	if terr := p.transition(s, StateError, func(s *ProvisioningSession) {
		s.Err = err
		s.ErrText = err.Error()
		s.Retryable = retryable
	}); terr != nil {
		return terr
	}
	p.logger.Warn("provisioning failed",
		zap.String("serial", s.Serial),
		zap.Bool("retryable", retryable),
		zap.Error(err))
	return err
}
