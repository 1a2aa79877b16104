package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DeviceStatus represents the admission state of a sub-vendo device
type DeviceStatus string

const (
	DevicePending  DeviceStatus = "PENDING"
	DeviceAccepted DeviceStatus = "ACCEPTED"
	DeviceRejected DeviceStatus = "REJECTED"
)

// SubVendoDevice represents an independently networked coin-accepting node
// that credits sessions on behalf of the main controller. A device is
// created Pending on its first announcement and may only credit sessions
// once an administrator accepts it.
type SubVendoDevice struct {
	BaseModel

	MACAddress MAC    `json:"macAddress" db:"mac_address"`
	IPAddress  string `json:"ipAddress" db:"ip_address"`
	Name       string `json:"name" db:"name"`
	VLANID     int    `json:"vlanId" db:"vlan_id"`

	Status DeviceStatus `json:"status" db:"status"`

	// Device-owned rate table, stored embedded as JSON
	Rates RateList `json:"rates" db:"rates"`

	TotalPulses  int64 `json:"totalPulses" db:"total_pulses"`
	TotalRevenue int64 `json:"totalRevenue" db:"total_revenue"`

	LastSeenAt *time.Time `json:"lastSeenAt,omitempty" db:"last_seen_at"`
}

// IsOnline reports whether the device has been heard from within timeout
func (d *SubVendoDevice) IsOnline(timeout time.Duration) bool {
	if d.LastSeenAt == nil {
		return false
	}
	return time.Since(*d.LastSeenAt) < timeout
}

// RateList is a RateTable stored as a JSON column
type RateList RateTable

// Value implements driver.Valuer
func (r RateList) Value() (driver.Value, error) {
	if r == nil {
		return json.Marshal(RateList{})
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner
func (r *RateList) Scan(value interface{}) error {
	if value == nil {
		*r = RateList{}
		return nil
	}

	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, r)
	case string:
		return json.Unmarshal([]byte(data), r)
	default:
		return fmt.Errorf("cannot scan %T into RateList", value)
	}
}
