// Package common defines shared constants and sentinel errors used across
// CapsuleKeeper components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")

	// Service-level errors (generic/internal flow control).
	ErrorUnauthorized = errors.New("unauthorized")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Input errors, surfaced to the caller and never retried.
	ErrValidationFailed = errors.New("validation failed")

	// Business rules, surfaced to the caller without state mutation.
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrPlanNotEligible     = errors.New("plan not eligible")

	// A conditional update found the row in an unexpected state.
	ErrInvalidTransition = errors.New("invalid transition")

	// Vault failures; never accompanied by partial plaintext.
	ErrDecryptionFailed = errors.New("decryption failed")

	// Letter and delivery specific errors.
	ErrLetterLocked         = errors.New("letter has an active delivery")
	ErrActiveDeliveryExists = errors.New("an active delivery already exists for this channel")
)
