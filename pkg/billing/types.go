// Package billing drives charges recorded at session close into the account ledger.
//
// A Charge row is written by the session store in the same transaction that closes the
// session. The Coordinator makes a bounded, deadline-limited attempt to collect it right away
// and the Reconciler re-drives whatever is left pending.
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ChargeStatus is the persisted state of a charge.
type ChargeStatus string

const (
	ChargePending   ChargeStatus = "pending"
	ChargeCollected ChargeStatus = "collected"
	ChargeFailed    ChargeStatus = "failed"
)

// ParseChargeStatus validates a stored or requested status.
func ParseChargeStatus(raw string) (ChargeStatus, error) {
	switch ChargeStatus(raw) {
	case ChargePending, ChargeCollected, ChargeFailed:
		return ChargeStatus(raw), nil
	default:
		return "", ErrInvalidChargeStatus
	}
}

// Outcome is what a close call reports about billing.
type Outcome string

const (
	OutcomeCollected   Outcome = "collected"
	OutcomePending     Outcome = "pending"
	OutcomeFailed      Outcome = "failed"
	OutcomeNotRequired Outcome = "not_required"
)

// Charge is the outbox record for one closed session. SessionID doubles as the idempotency key.
type Charge struct {
	SessionID     int64
	UserID        string
	Amount        decimal.Decimal
	Status        ChargeStatus
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CollectedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChargeRequest is sent to the account ledger.
type ChargeRequest struct {
	UserID    string
	SessionID int64
	Amount    decimal.Decimal
}

// ChargeReceipt is the ledger's answer to a successful charge.
type ChargeReceipt struct {
	TransactionID string
	Replayed      bool
}

// AccountLedger is the remote account owner.
type AccountLedger interface {
	Charge(ctx context.Context, request ChargeRequest) (ChargeReceipt, error)
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// ChargeStore persists charges. Charges are inserted by the session store, never here.
type ChargeStore interface {
	GetCharge(ctx context.Context, sessionID int64) (Charge, error)
	ListDueCharges(ctx context.Context, now time.Time, limit int) ([]Charge, error)
	ListCharges(ctx context.Context, status ChargeStatus, limit int) ([]Charge, error)
	CountCharges(ctx context.Context, status ChargeStatus) (int64, error)
	SaveChargeAttempt(ctx context.Context, charge Charge) error
}

// Metrics receives dispatch observations.
type Metrics interface {
	ObserveDispatch(outcome Outcome, elapsed time.Duration)
	SetPendingCharges(count int64)
}

type nopMetrics struct{}

func (nopMetrics) ObserveDispatch(Outcome, time.Duration) {}
func (nopMetrics) SetPendingCharges(int64)                {}

// DispatchLog is emitted once per dispatch.
type DispatchLog struct {
	SessionID int64
	UserID    string
	Amount    decimal.Decimal
	Attempts  int
	Outcome   Outcome
	Replayed  bool
	Error     error
}

// DispatchLogger records dispatch results.
type DispatchLogger interface {
	LogDispatch(ctx context.Context, entry DispatchLog)
}
