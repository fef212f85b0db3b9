package service

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type EventKind string

const (
	// EventScanRecorded: a verification scan was appended locally and sent
	// to the server of record.
	EventScanRecorded EventKind = "scan_recorded"
	// EventDeviceProvisioned: a provisioning session finished a create or
	// found the card already registered.
	EventDeviceProvisioned EventKind = "device_provisioned"
	// EventDeviceAssigned: a card was assigned to a customer.
	EventDeviceAssigned EventKind = "device_assigned"
	// EventSurfaceFocused: the consuming surface regained visibility.
	EventSurfaceFocused EventKind = "surface_focused"
)

type Event struct {
	Kind    EventKind
	CardID  string
	EventID string
	At      time.Time
}

// Bus fans typed events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event, which is logged.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger, subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event dropped, subscriber full",
				zap.String("kind", string(ev.Kind)),
				zap.String("card_id", ev.CardID))
		}
	}
}
