package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a provider failure. The pipeline reacts only to the
// kind, never to provider-specific error text.
type Kind string

const (
	// KindRateLimited: the credential hit the provider's rate limit.
	// The call may be retried on a different credential.
	KindRateLimited Kind = "rate_limited"

	// KindInvalidCredential: the provider rejected the credential
	// (authentication/authorization failure). The credential must be
	// blacklisted; the call may be retried on a different one.
	KindInvalidCredential Kind = "invalid_credential"

	// KindTransient: a retryable fault (timeout, 5xx, network error).
	KindTransient Kind = "transient"

	// KindPermanent: a fault retrying cannot fix (bad request,
	// unusable output). Never retried.
	KindPermanent Kind = "permanent"
)

// ProviderError is the typed failure returned by all provider clients.
type ProviderError struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s provider error (%s, status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s provider error (%s): %s", e.Provider, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ClassifyStatus maps an HTTP status code to an error kind.
func ClassifyStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindInvalidCredential
	case status == http.StatusRequestTimeout || status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

// KindOf extracts the kind from err. Non-provider errors (network
// faults, timeouts) count as transient.
func KindOf(err error) Kind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given provider error kind.
func IsKind(err error, kind Kind) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == kind
}
