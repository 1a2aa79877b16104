package engine

import (
	"errors"
)

// Sentinel errors rejected at the engine boundary. All are recoverable and
// local: they reject one event or operation without touching ledger state
// or other sessions.
var (
	ErrInvalidMAC      = errors.New("invalid mac address")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrSessionNotFound = errors.New("session not found")
	ErrVoucherNotFound = errors.New("voucher not found")
	ErrVoucherUsed     = errors.New("voucher already redeemed")
)
