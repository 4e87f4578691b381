package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Headers set on every outbound delivery request.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderID        = "X-Webhook-ID"
	HeaderAttempt   = "X-Webhook-Attempt"
)

// Sign computes the hex encoded HMAC-SHA256 of body keyed by secret.
func Sign(body []byte, secret string) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	return computeHMAC(body, secret), nil
}

// Verify reports whether signature is the HMAC of body under secret.
func Verify(body []byte, secret, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}

func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
