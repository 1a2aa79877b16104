package models

import (
	"time"

	"github.com/google/uuid"
)

// Voucher represents a single-use redeemable credit code
type Voucher struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	Code   string `json:"code" db:"code"`
	Amount int64  `json:"amount" db:"amount"`

	UsedAt *time.Time `json:"usedAt,omitempty" db:"used_at"`
	UsedBy *MAC       `json:"usedBy,omitempty" db:"used_by"`
}

// IsUsed reports whether the voucher was already redeemed
func (v *Voucher) IsUsed() bool {
	return v.UsedAt != nil
}
