package types

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

type ScanResult string

const (
	ScanValid          ScanResult = "valid"
	ScanInvalid        ScanResult = "invalid"
	ScanAlreadyScanned ScanResult = "already_scanned"
	ScanNotFound       ScanResult = "not_found"
)

// Valid reports whether r is one of the known scan results.
func (r ScanResult) Valid() bool {
	switch r {
	case ScanValid, ScanInvalid, ScanAlreadyScanned, ScanNotFound:
		return true
	}
	return false
}

type Operator struct {
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

func (o Operator) IsZero() bool {
	return o.Name == "" && o.Username == "" && o.Role == ""
}

// AttendeeSnapshot is a point-in-time copy of the attendee as the verifier
// saw it. It is not kept in sync with the attendee afterwards.
type AttendeeSnapshot struct {
	Name        string `json:"name,omitempty"`
	PhotoRef    string `json:"photo_ref,omitempty"`
	TicketValid bool   `json:"ticket_valid"`
	Scanned     bool   `json:"scanned"`
}

// ScanRecord is one verification attempt at the gate.
//
// RemoteID is empty until the server of record confirms persistence.
type ScanRecord struct {
	RemoteID  string            `json:"remote_id,omitempty"`
	CardID    string            `json:"card_id"`
	EventID   string            `json:"event_id"`
	Timestamp time.Time         `json:"timestamp"`
	Result    ScanResult        `json:"result"`
	Operator  Operator          `json:"operator"`
	Attendee  *AttendeeSnapshot `json:"attendee,omitempty"`
	TicketID  string            `json:"ticket_id,omitempty"`
	Notes     string            `json:"notes,omitempty"`
}

// NaturalKey identifies a scan by card and millisecond timestamp. Servers
// store milliseconds, so finer precision is dropped.
func (r ScanRecord) NaturalKey() string {
	return "k:" + r.CardID + "|" + strconv.FormatInt(r.Timestamp.UTC().UnixMilli(), 10)
}

// Identity is the remote id once assigned, the natural key before that.
func (r ScanRecord) Identity() string {
	if r.RemoteID != "" {
		return "r:" + r.RemoteID
	}
	return r.NaturalKey()
}

var scanRequestNamespace = uuid.MustParse("5b0e8f3a-2d6c-4f1e-9c47-8e2a1d3b6f90")

// RequestID is a deterministic write key for the scan: the same event,
// card and millisecond always produce the same id.
func (r ScanRecord) RequestID() string {
	return uuid.NewSHA1(scanRequestNamespace, []byte(r.EventID+"|"+r.NaturalKey())).String()
}

type LogPage struct {
	Records    []ScanRecord `json:"records"`
	Page       int          `json:"page"`
	TotalPages int          `json:"total_pages"`
	TotalCount int          `json:"total_count"`
}

type LogFilter struct {
	EventID string `json:"event_id,omitempty"`
	Query   string `json:"query"`
}

type RecordScanRequest struct {
	// RequestID makes the write idempotent on the server: a second write
	// with the same id returns the first one's log id.
	RequestID string            `json:"request_id,omitempty"`
	CardID    string            `json:"card_id"`
	EventID   string            `json:"event_id"`
	Result    ScanResult        `json:"result"`
	Timestamp time.Time         `json:"timestamp"`
	Operator  Operator          `json:"operator"`
	Attendee  *AttendeeSnapshot `json:"attendee,omitempty"`
	Notes     string            `json:"notes,omitempty"`
}

type RecordScanResponse struct {
	LogID    string `json:"log_id"`
	TicketID string `json:"ticket_id,omitempty"`
}

// NormalizeCardID trims, uppercases and removes interior whitespace. Card
// serials and scanned card ids share the same normalization.
func NormalizeCardID(raw string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, raw)
}
