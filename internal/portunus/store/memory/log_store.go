package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

func (s *Store) FetchLogPage(ctx context.Context, eventID string, page int) (types.LogPage, error) {
	if err := checkCtx(ctx); err != nil {
		return types.LogPage{}, err
	}
	if page < 1 {
		page = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++
	if s.fetchFaults > 0 {
		s.fetchFaults--
		return types.LogPage{}, fmt.Errorf("fetch log page: %w", store.ErrTransient)
	}

	all := s.visibleLogs(func(r types.ScanRecord) bool {
		return eventID == "" || r.EventID == eventID
	})

	total := len(all)
	totalPages := (total + s.pageSize - 1) / s.pageSize
	if totalPages == 0 {
		totalPages = 1
	}

	start := (page - 1) * s.pageSize
	end := start + s.pageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	return types.LogPage{
		Records:    all[start:end],
		Page:       page,
		TotalPages: totalPages,
		TotalCount: total,
	}, nil
}

func (s *Store) SearchLogs(ctx context.Context, filter types.LogFilter) ([]types.ScanRecord, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(filter.Query))
	card := types.NormalizeCardID(filter.Query)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchCalls++

	return s.visibleLogs(func(r types.ScanRecord) bool {
		if filter.EventID != "" && r.EventID != filter.EventID {
			return false
		}
		if q == "" {
			return true
		}
		if card != "" && strings.Contains(r.CardID, card) {
			return true
		}
		fields := []string{r.Operator.Name, r.Operator.Username, r.Notes, string(r.Result)}
		if r.Attendee != nil {
			fields = append(fields, r.Attendee.Name)
		}
		for _, f := range fields {
			if strings.Contains(strings.ToLower(f), q) {
				return true
			}
		}
		return false
	}), nil
}

func (s *Store) RecordScanResult(ctx context.Context, req types.RecordScanRequest) (types.RecordScanResponse, error) {
	if err := checkCtx(ctx); err != nil {
		return types.RecordScanResponse{}, err
	}
	cardID := types.NormalizeCardID(req.CardID)
	if cardID == "" {
		return types.RecordScanResponse{}, fmt.Errorf("record scan: card_id is required")
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.RequestID != "" {
		if prev, ok := s.byRequest[req.RequestID]; ok {
			return prev, nil
		}
	}

	s.nextLog++
	logID := fmt.Sprintf("log-%d", s.nextLog)
	var ticketID string
	if req.Result == types.ScanValid || req.Result == types.ScanAlreadyScanned {
		ticketID = "tkt-" + cardID
	}

	s.logs = append(s.logs, logEntry{
		rec: types.ScanRecord{
			RemoteID:  logID,
			CardID:    cardID,
			EventID:   req.EventID,
			Timestamp: ts.UTC(),
			Result:    req.Result,
			Operator:  req.Operator,
			Attendee:  req.Attendee,
			TicketID:  ticketID,
			Notes:     req.Notes,
		},
		visibleAt: s.clock.Now().Add(s.commitLag),
	})

	resp := types.RecordScanResponse{LogID: logID, TicketID: ticketID}
	if req.RequestID != "" {
		s.byRequest[req.RequestID] = resp
	}
	return resp, nil
}

// visibleLogs returns committed records matching keep, newest first.
// Caller holds s.mu.
func (s *Store) visibleLogs(keep func(types.ScanRecord) bool) []types.ScanRecord {
	out := make([]types.ScanRecord, 0, len(s.logs))
	for _, e := range s.logs {
		if !s.visible(e.visibleAt) || !keep(e.rec) {
			continue
		}
		out = append(out, e.rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}
