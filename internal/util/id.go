package util

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

const (
	upperAlnum   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	urlSafeChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

	tokenLength    = 32
	loginLength    = 6
	passwordLength = 16
)

// NewID returns a URL-safe hex string ID.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewToken returns a 32 character URL-safe secret used as a device bearer
// token or a generated signing key.
func NewToken() string {
	return randomString(urlSafeChars, tokenLength)
}

// NewLogin returns a 6 character uppercase alphanumeric login.
func NewLogin() string {
	return randomString(upperAlnum, loginLength)
}

// NewPassword returns a 16 character URL-safe password.
func NewPassword() string {
	return randomString(urlSafeChars, passwordLength)
}

func randomString(alphabet string, n int) string {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand unavailable: " + err.Error())
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out)
}
