package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrUnknownAccount          = errors.New("unknown account")
	ErrUnknownTransaction      = errors.New("unknown transaction")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrIdempotencyConflict     = errors.New("idempotency key reused with different request")
	ErrRefundExceedsCharge     = errors.New("refund exceeds charged amount")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidTransactionID    = errors.New("invalid transaction id")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidSessionID        = errors.New("invalid session id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidAmountCents      = errors.New("invalid amount cents")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidPaymentMethod    = errors.New("invalid payment method")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidListLimit        = errors.New("invalid list limit")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
