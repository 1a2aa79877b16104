package models

import (
	"errors"
	"sort"
)

// ErrNoMatchingRate is returned when an amount has no rate entry. Rate
// lookup is exact-amount only: coin counters report discrete denominations,
// so there is no interpolation and no change-making.
var ErrNoMatchingRate = errors.New("no matching rate for amount")

// RateEntry maps one currency denomination to granted minutes and
// bandwidth caps (Mbps, 0 = unlimited).
type RateEntry struct {
	Amount        int64 `json:"amount" db:"amount"`
	Minutes       int   `json:"minutes" db:"minutes"`
	DownloadLimit int   `json:"downloadLimit" db:"download_limit"`
	UploadLimit   int   `json:"uploadLimit" db:"upload_limit"`
}

// RateTable is an ordered set of rate entries keyed by amount. Amounts are
// unique within one table. Tables are created and edited by administrators
// only; the engine never mutates them.
type RateTable []RateEntry

// Resolve returns the entry matching the exact amount, or ErrNoMatchingRate.
func (t RateTable) Resolve(amount int64) (RateEntry, error) {
	for _, e := range t {
		if e.Amount == amount {
			return e, nil
		}
	}
	return RateEntry{}, ErrNoMatchingRate
}

// Normalize sorts the table by amount and drops duplicate amounts,
// keeping the first occurrence.
func (t RateTable) Normalize() RateTable {
	out := make(RateTable, 0, len(t))
	seen := make(map[int64]bool, len(t))
	for _, e := range t {
		if seen[e.Amount] {
			continue
		}
		seen[e.Amount] = true
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Amount < out[j].Amount })
	return out
}
