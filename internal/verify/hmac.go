package verify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/payhook/internal/payment"
)

// DefaultHMACSignatureHeader is used when no header is configured.
const DefaultHMACSignatureHeader = "X-Signature-256"

// HMAC verifies generic HMAC-SHA256 signed webhooks.
//
// The signature header holds "sha256=<hex>" or plain hex. When a timestamp
// header is configured it must carry unix seconds within the tolerance, and
// the signed content becomes "<timestamp>.<body>".
type HMAC struct {
	secret          string
	signatureHeader string
	timestampHeader string
	tolerance       time.Duration
	now             func() time.Time
}

// HMACConfig configures an HMAC verifier.
type HMACConfig struct {
	Secret          string
	SignatureHeader string
	TimestampHeader string
	Tolerance       time.Duration
}

// NewHMAC returns an HMAC verifier.
func NewHMAC(cfg HMACConfig) *HMAC {
	h := &HMAC{
		secret:          cfg.Secret,
		signatureHeader: cfg.SignatureHeader,
		timestampHeader: cfg.TimestampHeader,
		tolerance:       cfg.Tolerance,
		now:             time.Now,
	}
	if h.signatureHeader == "" {
		h.signatureHeader = DefaultHMACSignatureHeader
	}
	if h.tolerance <= 0 {
		h.tolerance = DefaultTolerance
	}
	return h
}

func (h *HMAC) Verify(_ context.Context, body []byte, headers http.Header) error {
	signature := headers.Get(h.signatureHeader)
	if signature == "" {
		return fmt.Errorf("hmac: %w", payment.ErrMissingHeaders)
	}
	if h.secret == "" {
		return fmt.Errorf("hmac: %w", payment.ErrSignatureInvalid)
	}

	signed := body
	if h.timestampHeader != "" {
		raw := headers.Get(h.timestampHeader)
		if raw == "" {
			return fmt.Errorf("hmac: %w", payment.ErrMissingHeaders)
		}
		sec, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("hmac: %w", payment.ErrSignatureInvalid)
		}
		if !withinTolerance(h.now(), time.Unix(sec, 0), h.tolerance) {
			return fmt.Errorf("hmac: %w", payment.ErrTimestampOutOfTolerance)
		}
		signed = make([]byte, 0, len(raw)+1+len(body))
		signed = append(signed, strings.TrimSpace(raw)...)
		signed = append(signed, '.')
		signed = append(signed, body...)
	}

	actual, err := parseSignature(signature)
	if err != nil {
		return fmt.Errorf("hmac: %w", payment.ErrSignatureInvalid)
	}
	expected := computeHMAC(signed, h.secret)
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return fmt.Errorf("hmac: %w", payment.ErrSignatureInvalid)
	}
	return nil
}

// parseSignature accepts "sha256=<hex>" or plain hex.
func parseSignature(signature string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
}

func computeHMAC(content []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(content)
	return mac.Sum(nil)
}

func withinTolerance(now, stamped time.Time, tolerance time.Duration) bool {
	d := now.Sub(stamped)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}
