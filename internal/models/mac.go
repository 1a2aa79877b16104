package models

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"strings"
)

// MAC represents a 6-byte hardware address. It is the primary key of
// client sessions and the identity of sub-vendo nodes.
type MAC [6]byte

// ParseMAC parses colon-, dash- or unseparated hex notation
func ParseMAC(s string) (MAC, error) {
	var mac MAC

	cleaned := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	if len(cleaned) != 12 {
		return mac, fmt.Errorf("invalid MAC address %q", s)
	}

	b, err := hex.DecodeString(cleaned)
	if err != nil {
		return mac, fmt.Errorf("invalid MAC address %q", s)
	}

	copy(mac[:], b)
	return mac, nil
}

// String returns the canonical colon-separated uppercase form
func (m MAC) String() string {
	return strings.ToUpper(fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		m[0], m[1], m[2], m[3], m[4], m[5]))
}

// MarshalJSON implements json.Marshaler
func (m MAC) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (m *MAC) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid MAC format")
	}

	mac, err := ParseMAC(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}

	*m = mac
	return nil
}

// Value implements driver.Valuer
func (m MAC) Value() (driver.Value, error) {
	return m[:], nil
}

// Scan implements sql.Scanner
func (m *MAC) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case []byte:
		if len(v) != 6 {
			return fmt.Errorf("invalid MAC length")
		}
		copy(m[:], v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into MAC", value)
	}
}
