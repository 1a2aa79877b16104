package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PaymentSourceKind discriminates where a credit event originates. The set
// is closed: anything else is rejected at the engine boundary.
type PaymentSourceKind string

const (
	SourceCoin     PaymentSourceKind = "coin"
	SourceSubVendo PaymentSourceKind = "subvendo"
	SourceVoucher  PaymentSourceKind = "voucher"
)

// PaymentSource identifies the origin of a payment event.
//   - coin: the locally wired coin slot, Pin carries the GPIO pin
//   - subvendo: DeviceID names the crediting node
//   - voucher: Code carries the redeemed voucher code
type PaymentSource struct {
	Kind     PaymentSourceKind `json:"kind"`
	Pin      int               `json:"pin,omitempty"`
	DeviceID uuid.UUID         `json:"deviceId,omitempty"`
	Code     string            `json:"code,omitempty"`
}

// CoinSource returns a payment source for the main coin slot
func CoinSource(pin int) PaymentSource {
	return PaymentSource{Kind: SourceCoin, Pin: pin}
}

// SubVendoSource returns a payment source for a sub-vendo device
func SubVendoSource(deviceID uuid.UUID) PaymentSource {
	return PaymentSource{Kind: SourceSubVendo, DeviceID: deviceID}
}

// VoucherSource returns a payment source for a voucher redemption
func VoucherSource(code string) PaymentSource {
	return PaymentSource{Kind: SourceVoucher, Code: code}
}

// ParsePaymentSource parses the dashboard's wire form:
// "coin", "voucher:<code>" or "subvendo:<deviceId>".
func ParsePaymentSource(s string) (PaymentSource, error) {
	switch {
	case s == string(SourceCoin):
		return PaymentSource{Kind: SourceCoin}, nil
	case strings.HasPrefix(s, string(SourceVoucher)+":"):
		code := strings.TrimPrefix(s, string(SourceVoucher)+":")
		if code == "" {
			return PaymentSource{}, fmt.Errorf("empty voucher code")
		}
		return VoucherSource(code), nil
	case strings.HasPrefix(s, string(SourceSubVendo)+":"):
		id, err := uuid.Parse(strings.TrimPrefix(s, string(SourceSubVendo)+":"))
		if err != nil {
			return PaymentSource{}, fmt.Errorf("invalid device id: %w", err)
		}
		return SubVendoSource(id), nil
	default:
		return PaymentSource{}, fmt.Errorf("unrecognized payment source %q", s)
	}
}

// String returns the wire form of the source
func (p PaymentSource) String() string {
	switch p.Kind {
	case SourceSubVendo:
		return fmt.Sprintf("%s:%s", SourceSubVendo, p.DeviceID)
	case SourceVoucher:
		return fmt.Sprintf("%s:%s", SourceVoucher, p.Code)
	default:
		return string(SourceCoin)
	}
}

// PaymentEvent is one unit of credit reported by a hardware driver or the
// voucher redeem path. Events are ephemeral; only the audit log keeps them.
type PaymentEvent struct {
	Source    PaymentSource `json:"source"`
	MAC       MAC           `json:"mac"`
	IP        string        `json:"ip"`
	Amount    int64         `json:"amount"`
	Timestamp time.Time     `json:"timestamp"`
}
