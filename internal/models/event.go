package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents an audit log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	MAC      *MAC       `json:"mac,omitempty" db:"mac"`
	DeviceID *uuid.UUID `json:"deviceId,omitempty" db:"device_id"`

	Type  EventType  `json:"type" db:"type"`
	Level EventLevel `json:"level" db:"level"`

	Description string `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	// Payment events
	EventTypeCredit         EventType = "CREDIT"
	EventTypeCreditRejected EventType = "CREDIT_REJECTED"
	EventTypeVoucherRedeem  EventType = "VOUCHER_REDEEM"

	// Session events
	EventTypeSessionExpired EventType = "SESSION_EXPIRED"
	EventTypeSessionPaused  EventType = "SESSION_PAUSED"
	EventTypeSessionResumed EventType = "SESSION_RESUMED"
	EventTypeSessionEdited  EventType = "SESSION_EDITED"

	// Device events
	EventTypeDeviceDiscovered EventType = "DEVICE_DISCOVERED"
	EventTypeDeviceAccepted   EventType = "DEVICE_ACCEPTED"
	EventTypeDeviceRejected   EventType = "DEVICE_REJECTED"
	EventTypeDeviceRemoved    EventType = "DEVICE_REMOVED"

	// System events
	EventTypeError EventType = "ERROR"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)
