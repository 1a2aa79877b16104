package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)

	assert.True(t, VerifyPassword("s3cret", hash))
	assert.False(t, VerifyPassword("wrong", hash))
}

func TestGenerateVoucherCode(t *testing.T) {
	code, err := GenerateVoucherCode(8)
	require.NoError(t, err)
	assert.Len(t, code, 8)

	// Ambiguous characters never appear on receipts
	for _, c := range "0O1I" {
		assert.NotContains(t, code, string(c))
	}
	for _, c := range code {
		assert.True(t, strings.ContainsRune(voucherAlphabet, c))
	}
}

func TestGenerateRandomString(t *testing.T) {
	a, err := GenerateRandomString(16)
	require.NoError(t, err)
	b, err := GenerateRandomString(16)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
