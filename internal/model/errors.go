package model

import "errors"

var (
	// ErrDecode marks a malformed or undecryptable operator envelope.
	ErrDecode = errors.New("decode failure")
	// ErrUnknownRecipient is returned when an operator has no registered key.
	ErrUnknownRecipient = errors.New("unknown recipient")
	// ErrStale is returned for events that refer to a ring, association or
	// operator that no longer exists. Callers treat it as a no-op.
	ErrStale = errors.New("stale reference")
	// ErrCapacityExhausted is returned when no operator is free to take a ring.
	ErrCapacityExhausted = errors.New("no free operator")
	// ErrAdapterUnavailable is returned when a backend cannot accept traffic.
	ErrAdapterUnavailable = errors.New("adapter unavailable")
)
