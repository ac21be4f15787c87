package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

const (
	SignatureHeader = "X-Siphon-Signature"
	EventHeader     = "X-Siphon-Event"
	DeliveryHeader  = "X-Siphon-Delivery"
)

// ErrVerification is the only error Verify returns.
var ErrVerification = errors.New("webhook verification failed")

// Sign returns the "sha256=<hex>" signature of body under secret.
func Sign(body []byte, secret string) string {
	return "sha256=" + computeSignature(body, secret)
}

// Verify checks an HMAC-SHA256 signature against body. Both "sha256=<hex>"
// and plain hex are accepted.
func Verify(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return ErrVerification
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	actual, err := parseSignature(signature)
	if err != nil {
		return ErrVerification
	}
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return ErrVerification
	}
	return nil
}

func parseSignature(signature string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
