// Package signature proves that an inbound webhook payload originated from
// the payment processor. The HMAC is computed over the exact raw request
// bytes; verifying a re-serialized body would silently break on key order,
// whitespace, or number formatting differences.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify reports whether header is the hex-encoded HMAC-SHA256 of rawBody
// under the shared secret. The hex strings are compared case-sensitively and
// in constant time. Malformed input is invalid, never an error.
func (v *Verifier) Verify(rawBody []byte, header string) bool {
	expected := v.Sign(rawBody)
	if len(header) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(header)) == 1
}

// Sign computes the hex signature for a payload. Used by the mock processor
// and by tests to produce deliverable webhooks.
func (v *Verifier) Sign(rawBody []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
