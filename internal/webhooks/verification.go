// Package webhooks verifies inbound provider signatures and signs outbound
// deliveries.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha1" // #nosec G505 - SHA1 required for compatibility with some webhook providers
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"

	"github.com/watzon/hookrelay/internal/filter"
	"github.com/watzon/hookrelay/internal/routing"
)

// Standard Webhooks header names.
const (
	HeaderID        = "webhook-id"
	HeaderTimestamp = "webhook-timestamp"
	HeaderSignature = "webhook-signature"
)

// DefaultTolerance is how far a Standard Webhooks timestamp may drift.
const DefaultTolerance = 5 * time.Minute

// VerificationResult contains the result of webhook signature verification.
type VerificationResult struct {
	Valid  bool   // Whether signature is valid
	Error  string // Error message if verification failed
	Method string // Verification method used
}

func invalid(method, format string, args ...any) *VerificationResult {
	return &VerificationResult{Valid: false, Method: method, Error: fmt.Sprintf(format, args...)}
}

// DefaultHeader returns the signature header used when a verification does
// not name one.
func DefaultHeader(verifyType string) string {
	switch verifyType {
	case routing.VerifyHMACSHA256:
		return "X-Hub-Signature-256"
	case routing.VerifyHMACSHA1:
		return "X-Hub-Signature"
	case routing.VerifyStandardWebhooks:
		return HeaderSignature
	}
	return ""
}

// Verify checks an inbound request against a provider's verification
// settings. A nil verification always passes.
func Verify(v *routing.Verification, headers map[string]string, body []byte, now time.Time) *VerificationResult {
	if v == nil {
		return &VerificationResult{Valid: true, Method: "none"}
	}

	header := v.Header
	if header == "" {
		header = DefaultHeader(v.Type)
	}

	switch v.Type {
	case routing.VerifyStandardWebhooks:
		return verifyStandard(v.Secret, headers, body, now, DefaultTolerance)
	default:
		return VerifySignature(v.Type, v.Secret, body, ExtractSignature(headers, header))
	}
}

// VerifySignature verifies an HMAC signature given as "<algo>=<hex>" or
// raw hex.
func VerifySignature(verifyType, secret string, body []byte, signature string) *VerificationResult {
	var h hash.Hash

	switch verifyType {
	case routing.VerifyHMACSHA256:
		h = hmac.New(sha256.New, []byte(secret))
	case routing.VerifyHMACSHA1:
		h = hmac.New(sha1.New, []byte(secret))
	default:
		return invalid(verifyType, "unsupported verification type: %s", verifyType)
	}

	if signature == "" {
		return invalid(verifyType, "missing signature")
	}

	h.Write(body)
	expectedMAC := h.Sum(nil)

	actualHex := signature
	if _, after, ok := strings.Cut(signature, "="); ok {
		actualHex = after
	}

	actualMAC, err := hex.DecodeString(actualHex)
	if err != nil {
		return invalid(verifyType, "invalid signature format: %v", err)
	}

	if !hmac.Equal(expectedMAC, actualMAC) {
		return invalid(verifyType, "signature mismatch")
	}
	return &VerificationResult{Valid: true, Method: verifyType}
}

func verifyStandard(secret string, headers map[string]string, body []byte, now time.Time, tolerance time.Duration) *VerificationResult {
	method := routing.VerifyStandardWebhooks

	id := ExtractSignature(headers, HeaderID)
	ts := ExtractSignature(headers, HeaderTimestamp)
	sigs := ExtractSignature(headers, HeaderSignature)
	if id == "" || ts == "" || sigs == "" {
		return invalid(method, "missing %s, %s or %s header", HeaderID, HeaderTimestamp, HeaderSignature)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return invalid(method, "invalid timestamp: %v", err)
	}
	sent := time.Unix(unix, 0)
	if now.Sub(sent) > tolerance || sent.Sub(now) > tolerance {
		return invalid(method, "timestamp outside tolerance")
	}

	key, err := decodeSecret(secret)
	if err != nil {
		return invalid(method, "invalid secret: %v", err)
	}
	expected := standardSignature(key, id, unix, body)

	for _, candidate := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(candidate, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return &VerificationResult{Valid: true, Method: method}
		}
	}
	return invalid(method, "signature mismatch")
}

// ExtractSignature returns a header value, matching the name
// case-insensitively.
func ExtractSignature(headers map[string]string, headerName string) string {
	if sig := headers[headerName]; sig != "" {
		return sig
	}
	return filter.Get(headers, headerName)
}

// decodeSecret accepts "whsec_<base64>" secrets and falls back to the raw
// bytes for anything else.
func decodeSecret(secret string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(secret, "whsec_"); ok {
		return base64.StdEncoding.DecodeString(rest)
	}
	return []byte(secret), nil
}

func standardSignature(key []byte, id string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
