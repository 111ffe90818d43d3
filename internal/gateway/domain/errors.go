package domain

import "errors"

// Gateway error taxonomy. Transport maps each sentinel to a stable
// machine-readable code plus HTTP status; anything unrecognized collapses to
// ErrInternal before it reaches a caller.
var (
	ErrInvalidPhoneNumber = errors.New("invalid phone number")
	ErrValidation         = errors.New("validation failed")
	ErrNoActiveChallenge  = errors.New("no active OTP challenge")
	ErrInvalidCode        = errors.New("OTP code does not match")
	ErrAttemptsExhausted  = errors.New("OTP attempts exhausted")
	ErrAlreadyVerified    = errors.New("OTP challenge already verified")
	ErrCarrierUnavailable = errors.New("carrier gateway unavailable")
	ErrInvalidPayload     = errors.New("invalid message payload")
	ErrRateLimited        = errors.New("sender rate limit exceeded")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInternal           = errors.New("internal error")
)
