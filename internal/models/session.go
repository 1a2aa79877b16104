package models

import (
	"time"
)

// SessionState represents the lifecycle state of a client session
type SessionState string

const (
	SessionPending      SessionState = "PENDING"
	SessionActive       SessionState = "ACTIVE"
	SessionPaused       SessionState = "PAUSED"
	SessionExpired      SessionState = "EXPIRED"
	SessionDisconnected SessionState = "DISCONNECTED"
)

// ClientSession represents the per-client (MAC-keyed) record of remaining
// authorized time, payment total and bandwidth policy. The session ledger is
// the only writer; everything else sees copies.
type ClientSession struct {
	MAC MAC    `json:"mac" db:"mac"`
	IP  string `json:"ip" db:"ip"`

	State            SessionState `json:"state" db:"state"`
	RemainingSeconds int64        `json:"remainingSeconds" db:"remaining_seconds"`
	TotalPaid        int64        `json:"totalPaid" db:"total_paid"`

	// Effective caps in Mbps, 0 = unlimited. Override beats device default
	// beats global default.
	DownloadLimit int `json:"downloadLimit" db:"download_limit"`
	UploadLimit   int `json:"uploadLimit" db:"upload_limit"`

	// True when the limits above were set by an admin edit and must not be
	// re-resolved on the next credit.
	LimitOverride bool `json:"limitOverride" db:"limit_override"`

	// Display metadata, no control semantics
	CustomName string `json:"customName" db:"custom_name"`
	Hostname   string `json:"hostname" db:"hostname"`

	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	LastCreditAt *time.Time `json:"lastCreditAt,omitempty" db:"last_credit_at"`
	PausedAt     *time.Time `json:"pausedAt,omitempty" db:"paused_at"`
}

// IsPaused reports whether the session is paused. The dashboard consumes
// this as a flag independent of the state enum.
func (s *ClientSession) IsPaused() bool {
	return s.State == SessionPaused
}

// Clone returns a copy safe to hand outside the ledger lock
func (s *ClientSession) Clone() *ClientSession {
	c := *s
	if s.LastCreditAt != nil {
		t := *s.LastCreditAt
		c.LastCreditAt = &t
	}
	if s.PausedAt != nil {
		t := *s.PausedAt
		c.PausedAt = &t
	}
	return &c
}
