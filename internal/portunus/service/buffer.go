package service

import (
	"sync"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

// LocalEventBuffer holds the scans made in this session that the server of
// record may not reflect yet. It is owned by the session and has a single
// writer; readers only ever see copies.
//
// Entries are never removed or reordered. The only mutation after append
// is Confirm, which records the remote id once the server acknowledges the
// write.
type LocalEventBuffer struct {
	mu      sync.RWMutex
	records []types.ScanRecord // append order, oldest first
}

// BufferHandle refers to one appended entry.
type BufferHandle int

func NewLocalEventBuffer() *LocalEventBuffer {
	return &LocalEventBuffer{}
}

func (b *LocalEventBuffer) Append(rec types.ScanRecord) BufferHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
	return BufferHandle(len(b.records) - 1)
}

// Confirm sets the remote id (and ticket id, if any) of an appended entry.
// A remote id, once set, is never replaced.
func (b *LocalEventBuffer) Confirm(h BufferHandle, remoteID, ticketID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := int(h)
	if i < 0 || i >= len(b.records) || remoteID == "" {
		return false
	}
	if b.records[i].RemoteID != "" {
		return b.records[i].RemoteID == remoteID
	}
	b.records[i].RemoteID = remoteID
	if ticketID != "" {
		b.records[i].TicketID = ticketID
	}
	return true
}

func (b *LocalEventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// Snapshot returns a copy of the buffer, most recent first.
func (b *LocalEventBuffer) Snapshot() []types.ScanRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.ScanRecord, len(b.records))
	for i, r := range b.records {
		out[len(b.records)-1-i] = r
	}
	return out
}

// SnapshotFor is Snapshot restricted to one venue event. An empty eventID
// matches everything.
func (b *LocalEventBuffer) SnapshotFor(eventID string) []types.ScanRecord {
	all := b.Snapshot()
	if eventID == "" {
		return all
	}
	out := all[:0]
	for _, r := range all {
		if r.EventID == eventID {
			out = append(out, r)
		}
	}
	return out
}
