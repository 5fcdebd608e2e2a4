package models

import "errors"

// Caller-facing error taxonomy. Handlers map these to HTTP status codes
// with errors.Is; internal code wraps them with fmt.Errorf("...: %w", err).
var (
	ErrInvalidInput            = errors.New("invalid input")
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrConflictingIntervention = errors.New("session already has a pending intervention")
	ErrResourcePoolExhausted   = errors.New("driver pool exhausted")
	ErrRateLimitExceeded       = errors.New("rate limit exceeded")
	ErrSessionNotFound         = errors.New("session not found")
	ErrInterventionNotFound    = errors.New("intervention not found")
)
