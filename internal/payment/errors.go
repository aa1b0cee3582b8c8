package payment

import "errors"

// Verification failures. Only ErrCertificateUnavailable is transient.
var (
	ErrSignatureInvalid        = errors.New("signature invalid")
	ErrTimestampOutOfTolerance = errors.New("timestamp outside tolerance")
	ErrMissingHeaders          = errors.New("missing signature headers")
	ErrCertificateUnavailable  = errors.New("signing certificate unavailable")
)

// Normalization failures.
var (
	ErrAmountUnparseable = errors.New("amount unparseable")
	ErrPayloadMalformed  = errors.New("payload malformed")
	ErrUnknownProvider   = errors.New("unknown provider")
)

// IsTransient reports whether err is worth a provider-side retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrCertificateUnavailable)
}
