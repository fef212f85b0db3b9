package store

import (
	"context"
	"errors"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

var (
	// ErrNotFound is returned by lookups that matched nothing.
	ErrNotFound = errors.New("not found")

	// ErrTransient marks failures that may succeed when repeated: network
	// errors, timeouts and 5xx responses. For writes it says nothing about
	// whether the write was applied.
	ErrTransient = errors.New("transient remote error")

	// ErrConflict is returned when a create collides with an existing record.
	ErrConflict = errors.New("conflict")
)

// DefaultPageSize is the fixed page size of the server-side log.
const DefaultPageSize = 20

// LogStore is the authoritative, paginated scan/audit log. Reads may lag
// behind writes made moments earlier.
type LogStore interface {
	FetchLogPage(ctx context.Context, eventID string, page int) (types.LogPage, error)
	SearchLogs(ctx context.Context, filter types.LogFilter) ([]types.ScanRecord, error)
	RecordScanResult(ctx context.Context, req types.RecordScanRequest) (types.RecordScanResponse, error)
}

// DeviceStore holds physical access cards keyed by normalized serial.
//
// An error from CreateDevice does not imply the card was not created.
type DeviceStore interface {
	FindDevice(ctx context.Context, serial string) (types.DeviceRecord, error)
	CreateDevice(ctx context.Context, serial string, defaults types.DeviceDefaults) (types.DeviceRecord, error)
	AssignDevice(ctx context.Context, deviceID, customerID string) (types.DeviceRecord, error)
}

type CustomerStore interface {
	FindCustomers(ctx context.Context, query string) ([]types.Customer, error)
}

// IsTransient reports whether err is worth repeating for a read.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}
