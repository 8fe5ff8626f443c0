package fulfillment

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Remediations shown next to a permanent failure.
const (
	RemediationRecipient = "change the recipient and reschedule"
	RemediationAddress   = "update shipping address"
	RemediationShorten   = "shorten the letter and reschedule"
	RemediationSupport   = "contact support"
)

// Error is a classified provider failure. Retryable errors are retried by the
// dispatcher with backoff; permanent ones fail the delivery immediately.
type Error struct {
	Permanent   bool
	Code        string
	Remediation string
	StatusCode  int
	Err         error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func Retryable(code string, err error) *Error {
	return &Error{Code: code, Err: err}
}

func Permanent(code, remediation string, err error) *Error {
	return &Error{Permanent: true, Code: code, Remediation: remediation, Err: err}
}

// AsError extracts a classified error from err's chain.
func AsError(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsPermanent reports whether err is a classified permanent failure.
// Unclassified errors are treated as retryable.
func IsPermanent(err error) bool {
	fe, ok := AsError(err)
	return ok && fe.Permanent
}

const maxBodyInError = 256

// ClassifyHTTP maps a provider response onto the retry taxonomy. It returns
// nil for 2xx responses.
func ClassifyHTTP(status int, body []byte, err error) error {
	if err != nil {
		return Retryable("network_error", err)
	}
	if status >= 200 && status < 300 {
		return nil
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxBodyInError {
		msg = msg[:maxBodyInError]
	}
	cause := fmt.Errorf("provider returned %d %s: %s", status, http.StatusText(status), msg)

	var fe *Error
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly:
		fe = Retryable("provider_timeout", cause)
	case status == http.StatusTooManyRequests:
		fe = Retryable("rate_limited", cause)
	case status >= 500:
		fe = Retryable("provider_unavailable", cause)
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "email"):
		fe = Permanent("invalid_email", RemediationRecipient, cause)
	case status == http.StatusRequestEntityTooLarge:
		fe = Permanent("document_too_large", RemediationShorten, cause)
	case status >= 400:
		fe = Permanent("provider_rejected", RemediationSupport, cause)
	default:
		fe = Retryable("unexpected_status", cause)
	}
	fe.StatusCode = status
	return fe
}
