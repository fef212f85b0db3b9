package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	dbpkg "github.com/BrandonDHaskell/Portunus/gate/internal/db"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

type DeviceStore struct {
	db     *sqlx.DB
	writer *dbpkg.Worker
	ids    *IDGen
}

var _ store.DeviceStore = (*DeviceStore)(nil)

func NewDeviceStore(db *sqlx.DB, writer *dbpkg.Worker, ids *IDGen) *DeviceStore {
	if ids == nil {
		ids = defaultIDs()
	}
	return &DeviceStore{db: db, writer: writer, ids: ids}
}

func (s *DeviceStore) FindDevice(ctx context.Context, serial string) (types.DeviceRecord, error) {
	serial = types.NormalizeCardID(serial)
	if serial == "" {
		return types.DeviceRecord{}, store.ErrNotFound
	}

	var row deviceRow
	err := s.db.GetContext(ctx, &row, `
SELECT `+deviceColumns+` FROM devices WHERE serial = ?;
`, serial)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DeviceRecord{}, fmt.Errorf("find device %s: %w", serial, store.ErrNotFound)
	}
	if err != nil {
		return types.DeviceRecord{}, fmt.Errorf("FindDevice: %w", err)
	}
	return row.record(), nil
}

// CreateDevice registers a card. A serial that already exists yields
// store.ErrConflict and leaves the existing device untouched.
func (s *DeviceStore) CreateDevice(ctx context.Context, serial string, defaults types.DeviceDefaults) (types.DeviceRecord, error) {
	serial = types.NormalizeCardID(serial)
	if serial == "" {
		return types.DeviceRecord{}, fmt.Errorf("create device: serial is required")
	}
	status := defaults.Status
	if status == "" {
		status = types.DeviceActive
	}
	if !status.Valid() {
		return types.DeviceRecord{}, fmt.Errorf("create device: unknown status %q", status)
	}

	now := time.Now().UTC()
	dev := types.DeviceRecord{
		ID:        s.ids.DeviceID(),
		Serial:    serial,
		Status:    status,
		ExpiresAt: defaults.ExpiresAt,
		CreatedAt: fromMs(now.UnixMilli()),
	}
	if !dev.ExpiresAt.IsZero() {
		dev.ExpiresAt = fromMs(dev.ExpiresAt.UnixMilli())
	}

	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO devices(device_id, serial, status, expires_at_ms, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?);
`, dev.ID, dev.Serial, string(dev.Status), nullMs(dev.ExpiresAt), now.UnixMilli(), now.UnixMilli())
		if isUniqueViolation(err) {
			return fmt.Errorf("create device %s: %w", serial, store.ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("CreateDevice insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.DeviceRecord{}, err
	}
	return dev, nil
}

// AssignDevice points a device at a customer. Both must exist.
func (s *DeviceStore) AssignDevice(ctx context.Context, deviceID, customerID string) (types.DeviceRecord, error) {
	var row deviceRow
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `
SELECT 1 FROM customers WHERE customer_id = ?;
`, customerID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("assign device: customer %s: %w", customerID, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("AssignDevice lookup customer: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
UPDATE devices
SET assigned_customer_id = ?,
    updated_at_ms        = ?
WHERE device_id = ?;
`, customerID, time.Now().UTC().UnixMilli(), deviceID)
		if err != nil {
			return fmt.Errorf("AssignDevice update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("assign device %s: %w", deviceID, store.ErrNotFound)
		}

		if err := tx.QueryRowContext(ctx, `
SELECT `+deviceColumns+` FROM devices WHERE device_id = ?;
`, deviceID).Scan(
			&row.DeviceID, &row.Serial, &row.Status, &row.AssignedCustomerID,
			&row.ExpiresAtMs, &row.CreatedAtMs,
		); err != nil {
			return fmt.Errorf("AssignDevice reload: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.DeviceRecord{}, err
	}
	return row.record(), nil
}
