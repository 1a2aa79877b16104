package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// VerifyPassword verifies a password against a hash
func VerifyPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// GenerateRandomBytes generates random bytes
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateRandomString generates a random string
func GenerateRandomString(n int) (string, error) {
	bytes, err := GenerateRandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// voucherAlphabet omits 0/O and 1/I to keep codes readable on receipts
const voucherAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateVoucherCode generates an n-character voucher code from the
// receipt-safe alphabet using crypto/rand.
func GenerateVoucherCode(n int) (string, error) {
	code := make([]byte, n)
	max := big.NewInt(int64(len(voucherAlphabet)))
	for i := range code {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = voucherAlphabet[idx.Int64()]
	}
	return string(code), nil
}
