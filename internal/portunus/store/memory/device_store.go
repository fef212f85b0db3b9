package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

func (s *Store) FindDevice(ctx context.Context, serial string) (types.DeviceRecord, error) {
	if err := checkCtx(ctx); err != nil {
		return types.DeviceRecord{}, err
	}
	serial = types.NormalizeCardID(serial)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.findCalls++
	if s.findFaults > 0 {
		s.findFaults--
		return types.DeviceRecord{}, fmt.Errorf("find device %s: %w", serial, store.ErrTransient)
	}

	e, ok := s.devices[serial]
	if !ok || !s.visible(e.visibleAt) {
		return types.DeviceRecord{}, store.ErrNotFound
	}
	return e.dev, nil
}

func (s *Store) CreateDevice(ctx context.Context, serial string, defaults types.DeviceDefaults) (types.DeviceRecord, error) {
	if err := checkCtx(ctx); err != nil {
		return types.DeviceRecord{}, err
	}
	serial = types.NormalizeCardID(serial)
	if serial == "" {
		return types.DeviceRecord{}, fmt.Errorf("create device: serial is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++

	fail := s.createFault.remaining > 0
	if fail {
		s.createFault.remaining--
		if !s.createFault.applied {
			return types.DeviceRecord{}, fmt.Errorf("create device %s: %w", serial, store.ErrTransient)
		}
	}

	if _, exists := s.devices[serial]; exists {
		return types.DeviceRecord{}, fmt.Errorf("create device %s: %w", serial, store.ErrConflict)
	}

	status := defaults.Status
	if status == "" {
		status = types.DeviceActive
	}
	s.nextDev++
	dev := types.DeviceRecord{
		ID:        fmt.Sprintf("dev-%d", s.nextDev),
		Serial:    serial,
		Status:    status,
		ExpiresAt: defaults.ExpiresAt,
		CreatedAt: s.clock.Now().UTC(),
	}
	s.devices[serial] = &deviceEntry{dev: dev, visibleAt: s.clock.Now().Add(s.commitLag)}

	if fail {
		return types.DeviceRecord{}, fmt.Errorf("create device %s: %w", serial, store.ErrTransient)
	}
	return dev, nil
}

func (s *Store) AssignDevice(ctx context.Context, deviceID, customerID string) (types.DeviceRecord, error) {
	if err := checkCtx(ctx); err != nil {
		return types.DeviceRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	known := false
	for _, c := range s.customers {
		if c.ID == customerID {
			known = true
			break
		}
	}
	if !known {
		return types.DeviceRecord{}, fmt.Errorf("assign device: customer %s: %w", customerID, store.ErrNotFound)
	}

	for _, e := range s.devices {
		if e.dev.ID == deviceID {
			e.dev.AssignedCustomer = customerID
			return e.dev, nil
		}
	}
	return types.DeviceRecord{}, fmt.Errorf("assign device %s: %w", deviceID, store.ErrNotFound)
}

// FindCustomers does a loose contains-match on name, email and phone digits.
// Exact resolution is the caller's job.
func (s *Store) FindCustomers(ctx context.Context, query string) ([]types.Customer, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	digits := types.PhoneDigits(q)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Customer
	for _, c := range s.customers {
		switch {
		case digits != "" && strings.Contains(types.PhoneDigits(c.Phone), digits):
		case strings.Contains(strings.ToLower(c.Email), q):
		case strings.Contains(strings.ToLower(c.Name), q):
		default:
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
