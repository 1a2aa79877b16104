package models

import (
	"time"
)

// TrialState describes the evaluation period
type TrialState struct {
	IsActive      bool `json:"isActive"`
	DaysRemaining int  `json:"daysRemaining"`
}

// LicenseState is the process-wide operability record. CanOperate is the
// single gate the engine reads before admitting new payment events; it has
// no effect on aging or expiry of sessions that are already active.
type LicenseState struct {
	HardwareID string `json:"hardwareId"`

	IsLicensed bool   `json:"isLicensed"`
	IsRevoked  bool   `json:"isRevoked"`
	LicenseKey string `json:"-"`

	Trial TrialState `json:"trial"`

	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
	TrialStart  *time.Time `json:"trialStart,omitempty"`
}

// CanOperate reports whether the engine may admit new credit
func (l *LicenseState) CanOperate() bool {
	if l.IsRevoked {
		return false
	}
	if l.IsLicensed {
		return true
	}
	return l.Trial.IsActive
}
