package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

const messageIDLength = 32

// MessageID derives the content-addressed id of a message. Identical tuples
// always produce the same id, which makes inserts idempotent.
func MessageID(phone, text, timestamp string, direction Direction) string {
	sum := sha256.Sum256([]byte(phone + "|" + text + "|" + timestamp + "|" + string(direction)))
	return hex.EncodeToString(sum[:])[:messageIDLength]
}
