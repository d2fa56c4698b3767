package types

import "errors"

// Sentinel errors for the execution engine.
var (
	// Configuration errors
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrInvalidTickSize  = errors.New("invalid tick size")
	ErrMissingTickSize  = errors.New("missing tick size")
	ErrMissingTickCount = errors.New("missing take-profit tick count")
	ErrUnknownTemplate  = errors.New("unknown strategy template")
	ErrInvalidSchedule  = errors.New("invalid schedule")
	ErrMissingContract  = errors.New("missing contract id")

	// Order errors
	ErrInvalidOrder = errors.New("invalid order")
	ErrMissingPrice = errors.New("missing order price")

	// Transport errors
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrUnknownEndpoint  = errors.New("unknown endpoint")

	// State errors
	ErrStateNotFound = errors.New("state not found")
)
