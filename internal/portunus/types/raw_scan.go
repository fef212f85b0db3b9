package types

import "time"

// ScanMode says what the gate wants done with a card read.
type ScanMode string

const (
	// ModeVerify records an attendee verification in the scan log.
	ModeVerify ScanMode = "verify"
	// ModeProvision registers the card as a device if it is unknown.
	ModeProvision ScanMode = "provision"
)

// RawScan is one card read as emitted by a reader bridge. The verdict in
// Result comes from the external verifier; the core does not check cards.
type RawScan struct {
	CardID    string            `json:"card_id"`
	EventID   string            `json:"event_id,omitempty"`
	ReaderID  string            `json:"reader_id,omitempty"`
	Mode      ScanMode          `json:"mode"`
	Result    ScanResult        `json:"result,omitempty"`
	Operator  Operator          `json:"operator"`
	Attendee  *AttendeeSnapshot `json:"attendee,omitempty"`
	Notes     string            `json:"notes,omitempty"`
	ScannedAt time.Time         `json:"scanned_at,omitempty"`
}
