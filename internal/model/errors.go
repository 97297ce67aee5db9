package model

import "errors"

var (
	// ErrInvalidTransition is returned when a status edge is not in the
	// allowed transition table.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrCapacityExhausted is returned by the allocation engine when no
	// eligible database server has a free slot.
	ErrCapacityExhausted = errors.New("database pool capacity exhausted")

	// ErrBillingNotConfirmed is returned when provisioning is attempted
	// without an authorizing billing event.
	ErrBillingNotConfirmed = errors.New("billing not confirmed")

	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
)

// Temporal application error types for failures that carry distinct retry
// semantics across the activity boundary.
const (
	ErrTypeCapacityExhausted = "CAPACITY_EXHAUSTED"
	ErrTypeReadinessTimeout  = "READINESS_TIMEOUT"
	ErrTypeInfraDeploy       = "INFRA_DEPLOY_ERROR"
	ErrTypeInvalidTransition = "INVALID_TRANSITION"
)
