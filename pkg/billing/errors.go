package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamUnavailable marks a ledger call that may succeed if retried.
	ErrUpstreamUnavailable = errors.New("billing.ledger.unavailable")
	// ErrChargeRejected marks a charge the ledger refused on business grounds.
	ErrChargeRejected      = errors.New("billing.ledger.rejected")
	ErrUnknownCharge       = errors.New("billing.charge.unknown")
	ErrInvalidChargeStatus = errors.New("billing.charge.invalid_status")
	ErrInvalidConfig       = errors.New("billing.config.invalid")
)

// RejectionError carries the ledger's error code for a refused charge.
type RejectionError struct {
	StatusCode int
	Code       string
	Message    string
}

func (err *RejectionError) Error() string {
	return fmt.Sprintf("ledger rejected charge (%d %s): %s", err.StatusCode, err.Code, err.Message)
}

func (err *RejectionError) Unwrap() error {
	return ErrChargeRejected
}
