package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader carries "sha256=<hex hmac>" of the request body.
const SignatureHeader = "X-Webhook-Signature"

const signaturePrefix = "sha256="

// Signer computes HMAC-SHA256 signatures. A nil Signer or one with an empty
// key does not sign.
type Signer struct {
	key []byte
}

// NewSigner returns nil when key is empty.
func NewSigner(key string) *Signer {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	return &Signer{key: []byte(key)}
}

// Enabled reports whether deliveries are signed.
func (s *Signer) Enabled() bool {
	return s != nil && len(s.key) > 0
}

// Sign returns the header value for body.
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a header value against body in constant time.
func (s *Signer) Verify(body []byte, signature string) error {
	if !s.Enabled() {
		return errors.New("webhook signature: no signing key")
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return errors.New("webhook signature: empty")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return fmt.Errorf("webhook signature: invalid hex: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), raw) != 1 {
		return errors.New("webhook signature: mismatch")
	}
	return nil
}
