package domain

import "errors"

var (
	// ErrValidation marks malformed or out-of-range order input. It is
	// returned before any state is persisted.
	ErrValidation = errors.New("validation error")

	// ErrInvalidInput marks a risk calculator domain violation.
	ErrInvalidInput = errors.New("invalid input")

	ErrNotFound          = errors.New("not found")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAlreadyFilled     = errors.New("order already filled")

	// ErrSettlementPending is returned when an operation conflicts with a
	// settlement that has not completed yet.
	ErrSettlementPending = errors.New("settlement pending")

	// ErrSettlementFailed is returned when the settlement gateway could not
	// complete an operation after all retries.
	ErrSettlementFailed = errors.New("settlement failed")

	ErrPriceUnavailable = errors.New("price unavailable")
)
