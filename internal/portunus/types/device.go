package types

import (
	"strings"
	"time"
)

type DeviceStatus string

const (
	DeviceActive   DeviceStatus = "active"
	DeviceInactive DeviceStatus = "inactive"
	DeviceExpired  DeviceStatus = "expired"
)

func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceActive, DeviceInactive, DeviceExpired:
		return true
	}
	return false
}

// DeviceRecord is a physical access card as known to the server of record.
type DeviceRecord struct {
	ID               string       `json:"id"`
	Serial           string       `json:"serial"`
	Status           DeviceStatus `json:"status"`
	AssignedCustomer string       `json:"assigned_customer,omitempty"`
	ExpiresAt        time.Time    `json:"expires_at"`
	CreatedAt        time.Time    `json:"created_at"`
}

func (d DeviceRecord) Assigned() bool { return d.AssignedCustomer != "" }

// DeviceDefaults are the field values used when a card is auto-registered.
type DeviceDefaults struct {
	Status    DeviceStatus `json:"status"`
	ExpiresAt time.Time    `json:"expires_at"`
}

type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// CreateDeviceRequest is the server-of-record body for registering a card.
type CreateDeviceRequest struct {
	Serial    string       `json:"serial"`
	Status    DeviceStatus `json:"status,omitempty"`
	ExpiresAt time.Time    `json:"expires_at,omitempty"`
}

type AssignDeviceRequest struct {
	CustomerID string `json:"customer_id"`
}

// PhoneDigits strips everything but ASCII digits, so "(555) 010-2000" and
// "555.010.2000" compare equal.
func PhoneDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
