package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

type ScanRequest struct {
	CardID    string
	EventID   string
	Result    types.ScanResult
	Operator  types.Operator
	Attendee  *types.AttendeeSnapshot
	Notes     string
	ScannedAt time.Time
}

type ScanServiceConfig struct {
	// DefaultEventID is used when a request names no event.
	DefaultEventID string
	// VerifyDelay is how long to wait before the verification read that
	// follows a failed write.
	VerifyDelay time.Duration
}

// ScanService records verification scans. Each scan lands in the session's
// LocalEventBuffer first, so the log shows it immediately, and is then
// written to the server of record.
type ScanService struct {
	logs    store.LogStore
	buffer  *LocalEventBuffer
	bus     *Bus
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *Metrics
	cfg     ScanServiceConfig
}

func NewScanService(
	logs store.LogStore,
	buf *LocalEventBuffer,
	bus *Bus,
	clock clockwork.Clock,
	cfg ScanServiceConfig,
	logger *zap.Logger,
	metrics *Metrics,
) *ScanService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScanService{
		logs:    logs,
		buffer:  buf,
		bus:     bus,
		clock:   clock,
		logger:  logger.With(zap.String("component", "scan_service")),
		metrics: metrics,
		cfg:     cfg,
	}
}

// Record appends the scan locally, announces it, and writes it to the
// server. The returned record carries the remote id when the write (or the
// verification read after a failed write) confirmed it.
//
// A failed write is never repeated: the record may already exist, and a
// second write could duplicate it. The local entry stays unconfirmed and
// the error wraps ErrAmbiguousWrite.
func (s *ScanService) Record(ctx context.Context, req ScanRequest) (types.ScanRecord, error) {
	cardID := types.NormalizeCardID(req.CardID)
	if cardID == "" {
		return types.ScanRecord{}, ErrInvalidCardID
	}
	if !req.Result.Valid() {
		return types.ScanRecord{}, fmt.Errorf("%w: %q", ErrInvalidResult, req.Result)
	}
	if req.Operator.IsZero() {
		return types.ScanRecord{}, ErrNoOperator
	}
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		eventID = s.cfg.DefaultEventID
	}
	ts := req.ScannedAt
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	ts = ts.UTC().Truncate(time.Millisecond)

	rec := types.ScanRecord{
		CardID:    cardID,
		EventID:   eventID,
		Timestamp: ts,
		Result:    req.Result,
		Operator:  req.Operator,
		Attendee:  req.Attendee,
		Notes:     strings.TrimSpace(req.Notes),
	}

	h := s.buffer.Append(rec)
	if s.bus != nil {
		s.bus.Publish(Event{Kind: EventScanRecorded, CardID: cardID, EventID: eventID, At: ts})
	}

	resp, err := s.logs.RecordScanResult(ctx, types.RecordScanRequest{
		RequestID: rec.RequestID(),
		CardID:    cardID,
		EventID:   eventID,
		Result:    req.Result,
		Timestamp: ts,
		Operator:  req.Operator,
		Attendee:  req.Attendee,
		Notes:     rec.Notes,
	})
	if err == nil && resp.LogID != "" {
		s.buffer.Confirm(h, resp.LogID, resp.TicketID)
		rec.RemoteID, rec.TicketID = resp.LogID, resp.TicketID
		s.metrics.scan(string(rec.Result), "confirmed")
		return rec, nil
	}

	if err == nil {
		err = errors.New("server returned no log id")
	}
	s.logger.Warn("scan write not confirmed, verifying",
		zap.String("card_id", cardID), zap.String("event_id", eventID), zap.Error(err))

	found, verr := s.verify(ctx, rec)
	if verr == nil {
		s.buffer.Confirm(h, found.RemoteID, found.TicketID)
		rec.RemoteID, rec.TicketID = found.RemoteID, found.TicketID
		s.metrics.scan(string(rec.Result), "verified")
		return rec, nil
	}

	s.metrics.scan(string(rec.Result), "unconfirmed")
	return rec, fmt.Errorf("%w: record scan %s: %v", ErrAmbiguousWrite, cardID, err)
}

// verify looks for the scan on the server by card id and natural key. It
// reads once; the periodic reconciliation picks up anything later.
func (s *ScanService) verify(ctx context.Context, rec types.ScanRecord) (types.ScanRecord, error) {
	if s.cfg.VerifyDelay > 0 {
		select {
		case <-s.clock.After(s.cfg.VerifyDelay):
		case <-ctx.Done():
			return types.ScanRecord{}, ctx.Err()
		}
	}

	recs, err := s.logs.SearchLogs(ctx, types.LogFilter{EventID: rec.EventID, Query: rec.CardID})
	if err != nil {
		return types.ScanRecord{}, err
	}
	key := rec.NaturalKey()
	for _, r := range recs {
		if r.RemoteID != "" && r.NaturalKey() == key {
			return r, nil
		}
	}
	return types.ScanRecord{}, store.ErrNotFound
}
