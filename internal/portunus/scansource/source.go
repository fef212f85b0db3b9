// Package scansource adapts card readers and reader bridges into a stream
// of types.RawScan for the gate's dispatcher.
package scansource

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

// ErrClosed is returned by Push after the source was closed.
var ErrClosed = errors.New("scan source closed")

// Source emits raw card reads. The channel is closed when the source is.
type Source interface {
	Scans() <-chan types.RawScan
	Close() error
}

// ChannelSource is the push-side source: HTTP handlers and tests hand
// scans to it directly.
type ChannelSource struct {
	ch chan types.RawScan

	mu     sync.RWMutex
	closed bool
}

func NewChannelSource(buffer int) *ChannelSource {
	if buffer < 1 {
		buffer = 64
	}
	return &ChannelSource{ch: make(chan types.RawScan, buffer)}
}

func (s *ChannelSource) Scans() <-chan types.RawScan { return s.ch }

// Push queues a scan, waiting for room until ctx is done.
func (s *ChannelSource) Push(ctx context.Context, raw types.RawScan) error {
	if strings.TrimSpace(raw.CardID) == "" {
		return errors.New("card_id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.ch <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting scans and closes the channel. Scans already queued
// are still delivered.
func (s *ChannelSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
