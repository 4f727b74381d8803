package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/cafeledger/pkg/billing"
	"github.com/shopspring/decimal"
)

// Kind classifies an error for callers that map it to a transport status.
type Kind string

const (
	KindInternal            Kind = "internal"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindValidation          Kind = "validation"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindInvalidState        Kind = "invalid_state"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
)

type kindError struct {
	kind Kind
	code string
}

func (err *kindError) Error() string {
	return err.code
}

func newKindError(kind Kind, code string) error {
	return &kindError{kind: kind, code: code}
}

var (
	ErrComputerNotFound = newKindError(KindNotFound, "session.computer.not_found")
	ErrSessionNotFound  = newKindError(KindNotFound, "session.session.not_found")

	ErrUserAlreadyActive    = newKindError(KindConflict, "session.user.already_active")
	ErrComputerNotAvailable = newKindError(KindConflict, "session.computer.not_available")
	ErrComputerBusy         = newKindError(KindConflict, "session.computer.has_active_session")
	ErrDuplicateComputer    = newKindError(KindConflict, "session.computer.duplicate")
	ErrConcurrentUpdate     = newKindError(KindConflict, "session.computer.concurrent_update")
	ErrActiveSessionExists  = newKindError(KindConflict, "session.session.active_exists")

	ErrInvalidUserID         = newKindError(KindValidation, "session.user.invalid_id")
	ErrInvalidComputerName   = newKindError(KindValidation, "session.computer.invalid_name")
	ErrInvalidIPAddress      = newKindError(KindValidation, "session.computer.invalid_ip_address")
	ErrInvalidHourlyRate     = newKindError(KindValidation, "session.computer.invalid_hourly_rate")
	ErrInvalidComputerStatus = newKindError(KindValidation, "session.computer.invalid_status")
	ErrInvalidSessionStatus  = newKindError(KindValidation, "session.session.invalid_status")
	ErrInvalidDateRange      = newKindError(KindValidation, "session.session.invalid_date_range")
	ErrInvalidFieldLength    = newKindError(KindValidation, "session.input.too_long")

	ErrInsufficientBalance = newKindError(KindInsufficientBalance, "session.account.insufficient_balance")

	ErrSessionNotActive = newKindError(KindInvalidState, "session.session.not_active")

	ErrInvalidConfig = errors.New("session.config.invalid")
)

// ledgerNotFoundStatus is the HTTP status the ledger answers for an unknown account.
const ledgerNotFoundStatus = 404

// KindOf returns the classification of err, KindInternal when none applies.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *kindError
	if errors.As(err, &classified) {
		return classified.kind
	}
	switch {
	case errors.Is(err, billing.ErrUpstreamUnavailable):
		return KindUpstreamUnavailable
	case errors.Is(err, billing.ErrUnknownCharge):
		return KindNotFound
	case errors.Is(err, billing.ErrInvalidChargeStatus):
		return KindValidation
	case errors.Is(err, billing.ErrChargeRejected):
		var rejection *billing.RejectionError
		if errors.As(err, &rejection) && rejection.StatusCode == ledgerNotFoundStatus {
			return KindNotFound
		}
		return KindValidation
	}
	return KindInternal
}

// IsRetryable reports whether repeating the call may succeed without any change of input.
func IsRetryable(err error) bool {
	return KindOf(err) == KindUpstreamUnavailable
}

// Code returns the stable machine-readable code of err.
func Code(err error) string {
	var classified *kindError
	if errors.As(err, &classified) {
		return classified.code
	}
	if errors.Is(err, billing.ErrUpstreamUnavailable) {
		return billing.ErrUpstreamUnavailable.Error()
	}
	var rejection *billing.RejectionError
	if errors.As(err, &rejection) && rejection.Code != "" {
		return rejection.Code
	}
	return string(KindOf(err))
}

// SessionError adds the identifiers involved in a failed operation.
type SessionError struct {
	Operation  string
	SessionID  int64
	UserID     string
	ComputerID int64
	Amount     decimal.Decimal
	Detail     string
	Err        error
}

func newSessionError(operation string, err error) *SessionError {
	return &SessionError{Operation: operation, Err: err}
}

func (err *SessionError) withSession(sessionID int64) *SessionError {
	err.SessionID = sessionID
	return err
}

func (err *SessionError) withUser(userID string) *SessionError {
	err.UserID = userID
	return err
}

func (err *SessionError) withComputer(computerID int64) *SessionError {
	err.ComputerID = computerID
	return err
}

func (err *SessionError) withAmount(amount decimal.Decimal) *SessionError {
	err.Amount = amount
	return err
}

func (err *SessionError) withDetail(detail string) *SessionError {
	err.Detail = detail
	return err
}

func (err *SessionError) Error() string {
	var builder strings.Builder
	builder.WriteString("session.")
	builder.WriteString(err.Operation)
	if err.SessionID != 0 {
		fmt.Fprintf(&builder, " session=%d", err.SessionID)
	}
	if err.UserID != "" {
		fmt.Fprintf(&builder, " user=%s", err.UserID)
	}
	if err.ComputerID != 0 {
		fmt.Fprintf(&builder, " computer=%d", err.ComputerID)
	}
	if !err.Amount.IsZero() {
		fmt.Fprintf(&builder, " amount=%s", err.Amount.StringFixed(2))
	}
	if err.Detail != "" {
		fmt.Fprintf(&builder, " (%s)", err.Detail)
	}
	if err.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(err.Err.Error())
	}
	return builder.String()
}

func (err *SessionError) Unwrap() error {
	return err.Err
}
