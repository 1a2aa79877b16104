package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateTableResolve(t *testing.T) {
	table := RateTable{
		{Amount: 1, Minutes: 10},
		{Amount: 5, Minutes: 60},
		{Amount: 10, Minutes: 150, DownloadLimit: 20, UploadLimit: 10},
	}

	entry, err := table.Resolve(5)
	require.NoError(t, err)
	assert.Equal(t, 60, entry.Minutes)

	entry, err = table.Resolve(10)
	require.NoError(t, err)
	assert.Equal(t, 20, entry.DownloadLimit)
}

func TestRateTableResolveExactOnly(t *testing.T) {
	table := RateTable{
		{Amount: 1, Minutes: 10},
		{Amount: 5, Minutes: 60},
	}

	// No interpolation, no change-making
	for _, amount := range []int64{2, 3, 4, 6, 0, -1, 100} {
		_, err := table.Resolve(amount)
		assert.ErrorIs(t, err, ErrNoMatchingRate, "amount %d", amount)
	}
}

func TestRateTableResolveEmpty(t *testing.T) {
	_, err := RateTable{}.Resolve(1)
	assert.ErrorIs(t, err, ErrNoMatchingRate)
}

func TestRateTableNormalize(t *testing.T) {
	table := RateTable{
		{Amount: 5, Minutes: 60},
		{Amount: 1, Minutes: 10},
		{Amount: 5, Minutes: 999},
		{Amount: 10, Minutes: 150},
	}

	normalized := table.Normalize()
	require.Len(t, normalized, 3)

	assert.Equal(t, int64(1), normalized[0].Amount)
	assert.Equal(t, int64(5), normalized[1].Amount)
	assert.Equal(t, int64(10), normalized[2].Amount)

	// First occurrence wins on duplicate amounts
	assert.Equal(t, 60, normalized[1].Minutes)
}
