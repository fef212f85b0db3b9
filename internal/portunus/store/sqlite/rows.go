package sqlite

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

type scanLogRow struct {
	LogID            string         `db:"log_id"`
	CardID           string         `db:"card_id"`
	EventID          string         `db:"event_id"`
	ScannedAtMs      int64          `db:"scanned_at_ms"`
	Result           string         `db:"result"`
	OperatorName     string         `db:"operator_name"`
	OperatorUsername string         `db:"operator_username"`
	OperatorRole     string         `db:"operator_role"`
	AttendeeJSON     sql.NullString `db:"attendee_json"`
	TicketID         string         `db:"ticket_id"`
	Notes            string         `db:"notes"`
}

const scanLogColumns = `log_id, card_id, event_id, scanned_at_ms, result,
  operator_name, operator_username, operator_role, attendee_json, ticket_id, notes`

func (r scanLogRow) record() types.ScanRecord {
	rec := types.ScanRecord{
		RemoteID:  r.LogID,
		CardID:    r.CardID,
		EventID:   r.EventID,
		Timestamp: fromMs(r.ScannedAtMs),
		Result:    types.ScanResult(r.Result),
		Operator: types.Operator{
			Name:     r.OperatorName,
			Username: r.OperatorUsername,
			Role:     r.OperatorRole,
		},
		TicketID: r.TicketID,
		Notes:    r.Notes,
	}
	if r.AttendeeJSON.Valid && r.AttendeeJSON.String != "" {
		var a types.AttendeeSnapshot
		// A snapshot that no longer decodes is dropped; the scan itself stands.
		if err := json.Unmarshal([]byte(r.AttendeeJSON.String), &a); err == nil {
			rec.Attendee = &a
		}
	}
	return rec
}

type deviceRow struct {
	DeviceID           string         `db:"device_id"`
	Serial             string         `db:"serial"`
	Status             string         `db:"status"`
	AssignedCustomerID sql.NullString `db:"assigned_customer_id"`
	ExpiresAtMs        sql.NullInt64  `db:"expires_at_ms"`
	CreatedAtMs        int64          `db:"created_at_ms"`
}

const deviceColumns = `device_id, serial, status, assigned_customer_id, expires_at_ms, created_at_ms`

func (r deviceRow) record() types.DeviceRecord {
	d := types.DeviceRecord{
		ID:               r.DeviceID,
		Serial:           r.Serial,
		Status:           types.DeviceStatus(r.Status),
		AssignedCustomer: r.AssignedCustomerID.String,
		CreatedAt:        fromMs(r.CreatedAtMs),
	}
	if r.ExpiresAtMs.Valid {
		d.ExpiresAt = fromMs(r.ExpiresAtMs.Int64)
	}
	return d
}

type customerRow struct {
	CustomerID string `db:"customer_id"`
	Name       string `db:"name"`
	Phone      string `db:"phone"`
	Email      string `db:"email"`
}

func (r customerRow) record() types.Customer {
	return types.Customer{ID: r.CustomerID, Name: r.Name, Phone: r.Phone, Email: r.Email}
}

func fromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMs(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds a LIKE pattern for a substring match. Use it with
// ESCAPE '\'.
func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
