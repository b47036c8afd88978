package domain

import "errors"

var (
	ErrSecretNotConfigured = errors.New("webhook_secret_not_configured")
	ErrMissingSignature    = errors.New("webhook_signature_missing")
	ErrMalformedSignature  = errors.New("webhook_signature_malformed")
	ErrInvalidSignature    = errors.New("webhook_signature_invalid")
	ErrStaleTimestamp      = errors.New("webhook_timestamp_outside_tolerance")
	ErrMalformedPayload    = errors.New("webhook_payload_malformed")
	ErrUnknownDomain       = errors.New("webhook_unknown_signing_domain")
	ErrDuplicateRoute      = errors.New("webhook_duplicate_route")
)

// IsVerificationError reports whether err is terminal for the request and
// must be answered with a client error.
func IsVerificationError(err error) bool {
	return errors.Is(err, ErrMissingSignature) ||
		errors.Is(err, ErrMalformedSignature) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrStaleTimestamp) ||
		errors.Is(err, ErrMalformedPayload)
}
