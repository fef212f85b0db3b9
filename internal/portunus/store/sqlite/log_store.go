// Package sqlite is the server of record's storage: scan logs, devices and
// customers in a single SQLite database. Reads use sqlx against the pool;
// every write goes through the db.Worker.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	dbpkg "github.com/BrandonDHaskell/Portunus/gate/internal/db"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

// searchLimit caps SearchLogs results.
const searchLimit = 500

type LogStore struct {
	db       *sqlx.DB
	writer   *dbpkg.Worker
	ids      *IDGen
	pageSize int
}

var _ store.LogStore = (*LogStore)(nil)

func NewLogStore(db *sqlx.DB, writer *dbpkg.Worker, ids *IDGen) *LogStore {
	if ids == nil {
		ids = defaultIDs()
	}
	return &LogStore{db: db, writer: writer, ids: ids, pageSize: store.DefaultPageSize}
}

// FetchLogPage returns one page of the log, newest first. An empty eventID
// pages across every event.
func (s *LogStore) FetchLogPage(ctx context.Context, eventID string, page int) (types.LogPage, error) {
	if page < 1 {
		page = 1
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `
SELECT COUNT(*) FROM scan_logs WHERE (? = '' OR event_id = ?);
`, eventID, eventID); err != nil {
		return types.LogPage{}, fmt.Errorf("FetchLogPage count: %w", err)
	}

	var rows []scanLogRow
	if err := s.db.SelectContext(ctx, &rows, `
SELECT `+scanLogColumns+`
FROM scan_logs
WHERE (? = '' OR event_id = ?)
ORDER BY scanned_at_ms DESC, created_at_ms ASC, log_id ASC
LIMIT ? OFFSET ?;
`, eventID, eventID, s.pageSize, (page-1)*s.pageSize); err != nil {
		return types.LogPage{}, fmt.Errorf("FetchLogPage select: %w", err)
	}

	totalPages := (total + s.pageSize - 1) / s.pageSize
	if totalPages == 0 {
		totalPages = 1
	}

	out := types.LogPage{
		Records:    make([]types.ScanRecord, 0, len(rows)),
		Page:       page,
		TotalPages: totalPages,
		TotalCount: total,
	}
	for _, r := range rows {
		out.Records = append(out.Records, r.record())
	}
	return out, nil
}

// SearchLogs matches the query against card ids (normalized), operator
// fields, attendee snapshots, notes and the result.
func (s *LogStore) SearchLogs(ctx context.Context, filter types.LogFilter) ([]types.ScanRecord, error) {
	q := strings.ToLower(strings.TrimSpace(filter.Query))
	card := types.NormalizeCardID(filter.Query)

	var rows []scanLogRow
	var err error
	if q == "" {
		err = s.db.SelectContext(ctx, &rows, `
SELECT `+scanLogColumns+`
FROM scan_logs
WHERE (? = '' OR event_id = ?)
ORDER BY scanned_at_ms DESC, created_at_ms ASC, log_id ASC
LIMIT ?;
`, filter.EventID, filter.EventID, searchLimit)
	} else {
		pat := containsPattern(q)
		err = s.db.SelectContext(ctx, &rows, `
SELECT `+scanLogColumns+`
FROM scan_logs
WHERE (? = '' OR event_id = ?)
  AND (card_id LIKE ? ESCAPE '\'
    OR lower(operator_name) LIKE ? ESCAPE '\'
    OR lower(operator_username) LIKE ? ESCAPE '\'
    OR lower(notes) LIKE ? ESCAPE '\'
    OR lower(result) LIKE ? ESCAPE '\'
    OR lower(COALESCE(json_extract(attendee_json, '$.name'), '')) LIKE ? ESCAPE '\')
ORDER BY scanned_at_ms DESC, created_at_ms ASC, log_id ASC
LIMIT ?;
`, filter.EventID, filter.EventID, containsPattern(card), pat, pat, pat, pat, pat, searchLimit)
	}
	if err != nil {
		return nil, fmt.Errorf("SearchLogs: %w", err)
	}

	out := make([]types.ScanRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// RecordScanResult appends a scan to the log. A request id seen before
// returns the original entry instead of writing a second one.
func (s *LogStore) RecordScanResult(ctx context.Context, req types.RecordScanRequest) (types.RecordScanResponse, error) {
	cardID := types.NormalizeCardID(req.CardID)
	if cardID == "" {
		return types.RecordScanResponse{}, fmt.Errorf("record scan: card_id is required")
	}
	if !req.Result.Valid() {
		return types.RecordScanResponse{}, fmt.Errorf("record scan: unknown result %q", req.Result)
	}

	now := time.Now().UTC()
	ts := req.Timestamp
	if ts.IsZero() {
		ts = now
	}

	var attendee sql.NullString
	if req.Attendee != nil {
		b, err := json.Marshal(req.Attendee)
		if err != nil {
			return types.RecordScanResponse{}, fmt.Errorf("record scan: encode attendee: %w", err)
		}
		attendee = sql.NullString{String: string(b), Valid: true}
	}

	var requestID sql.NullString
	if req.RequestID != "" {
		requestID = sql.NullString{String: req.RequestID, Valid: true}
	}

	var resp types.RecordScanResponse
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if requestID.Valid {
			err := tx.QueryRowContext(ctx, `
SELECT log_id, ticket_id FROM scan_logs WHERE request_id = ?;
`, requestID.String).Scan(&resp.LogID, &resp.TicketID)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("RecordScanResult lookup request: %w", err)
			}
		}

		resp = types.RecordScanResponse{LogID: s.ids.LogID(), TicketID: ticketFor(cardID, req.Result)}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO scan_logs(
  log_id, request_id, card_id, event_id, scanned_at_ms, result,
  operator_name, operator_username, operator_role, attendee_json,
  ticket_id, notes, created_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			resp.LogID, requestID, cardID, req.EventID, ts.UTC().UnixMilli(), string(req.Result),
			req.Operator.Name, req.Operator.Username, req.Operator.Role, attendee,
			resp.TicketID, req.Notes, now.UnixMilli(),
		); err != nil {
			return fmt.Errorf("RecordScanResult insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.RecordScanResponse{}, err
	}
	return resp, nil
}

// ticketFor is the ticket an accepted scan is charged against.
func ticketFor(cardID string, result types.ScanResult) string {
	if result == types.ScanValid || result == types.ScanAlreadyScanned {
		return "tkt-" + cardID
	}
	return ""
}
