// Package session owns workstation state and the lifecycle of rental sessions.
package session

import (
	"context"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/cafeledger/pkg/billing"
	"github.com/shopspring/decimal"
)

// ComputerStatus is the operational state of a workstation.
type ComputerStatus string

const (
	ComputerAvailable   ComputerStatus = "available"
	ComputerInUse       ComputerStatus = "in_use"
	ComputerMaintenance ComputerStatus = "maintenance"
	ComputerOutOfOrder  ComputerStatus = "out_of_order"
)

// ParseComputerStatus validates a requested or stored status.
func ParseComputerStatus(raw string) (ComputerStatus, error) {
	switch status := ComputerStatus(strings.TrimSpace(raw)); status {
	case ComputerAvailable, ComputerInUse, ComputerMaintenance, ComputerOutOfOrder:
		return status, nil
	default:
		return "", newSessionError("parse_status", ErrInvalidComputerStatus).withDetail(raw)
	}
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionCompleted  SessionStatus = "completed"
	SessionTerminated SessionStatus = "terminated"
	SessionTimedOut   SessionStatus = "timed_out"
)

// ParseSessionStatus validates a stored status.
func ParseSessionStatus(raw string) (SessionStatus, error) {
	switch status := SessionStatus(strings.TrimSpace(raw)); status {
	case SessionActive, SessionCompleted, SessionTerminated, SessionTimedOut:
		return status, nil
	default:
		return "", newSessionError("parse_status", ErrInvalidSessionStatus).withDetail(raw)
	}
}

// Computer is a rentable workstation.
type Computer struct {
	ID                  int64
	Name                string
	IPAddress           string
	Specifications      string
	Location            string
	Status              ComputerStatus
	HourlyRate          decimal.Decimal
	LastMaintenanceDate *time.Time
	LastUsedDate        *time.Time
	Version             int64
	CreatedAt           time.Time
	CreatedBy           string
	UpdatedAt           time.Time
	UpdatedBy           string
}

// Session is one rental of one computer by one user.
type Session struct {
	ID         int64
	UserID     string
	ComputerID int64
	StartTime  time.Time
	EndTime    *time.Time
	Duration   time.Duration
	TotalCost  decimal.Decimal
	Status     SessionStatus
	Notes      string
	CreatedAt  time.Time
	CreatedBy  string
	UpdatedAt  time.Time
	UpdatedBy  string
}

// Active reports whether the session is still running.
func (session Session) Active() bool {
	return session.Status == SessionActive
}

// ComputerDetails is a computer with its current and most recent sessions.
type ComputerDetails struct {
	Computer       Computer
	CurrentSession *Session
	RecentSessions []Session
}

// RegisterComputerInput describes a new workstation.
type RegisterComputerInput struct {
	Name           string
	IPAddress      string
	Specifications string
	Location       string
	HourlyRate     decimal.Decimal
}

// UpdateComputerInput replaces a workstation's descriptive fields.
type UpdateComputerInput struct {
	Name           string
	IPAddress      string
	Specifications string
	Location       string
	HourlyRate     decimal.Decimal
}

// CloseResult is returned by every operation that ends a session.
type CloseResult struct {
	Session Session
	Billing billing.Outcome
}

// RemainingTime is how long the user's balance lasts at the computer's rate.
type RemainingTime struct {
	Duration  time.Duration
	Unbounded bool
}

// CurrentCost is the live cost of an active session or the final cost of a closed one.
type CurrentCost struct {
	SessionID int64
	Cost      decimal.Decimal
	Final     bool
}

// ComputerTransition is a conditional status change: it applies only while the row still has
// FromStatus and FromVersion.
type ComputerTransition struct {
	ComputerID          int64
	FromStatus          ComputerStatus
	FromVersion         int64
	ToStatus            ComputerStatus
	LastUsedDate        *time.Time
	LastMaintenanceDate *time.Time
}

// SessionFilter narrows ListSessions. Zero values are ignored.
type SessionFilter struct {
	UserID       string
	ComputerID   int64
	Status       SessionStatus
	StartedFrom  *time.Time
	StartedUntil *time.Time
	EndedBy      *time.Time
	Limit        int
}

// Store is the persistence contract for computers, sessions and the charge outbox.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	InsertComputer(ctx context.Context, computer Computer) (Computer, error)
	UpdateComputerDetails(ctx context.Context, computer Computer) (Computer, error)
	GetComputer(ctx context.Context, computerID int64) (Computer, error)
	ListComputers(ctx context.Context, status ComputerStatus) ([]Computer, error)
	TransitionComputer(ctx context.Context, transition ComputerTransition) error
	InsertSession(ctx context.Context, session Session) (Session, error)
	GetSession(ctx context.Context, sessionID int64) (Session, error)
	CloseSession(ctx context.Context, session Session) error
	FindActiveSessionByUser(ctx context.Context, userID string) (Session, error)
	FindActiveSessionByComputer(ctx context.Context, computerID int64) (Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)
	InsertCharge(ctx context.Context, charge billing.Charge) error
}

// BalanceReader is the read side of the account ledger used for admission checks.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// ChargeDispatcher pushes a freshly written charge to the ledger.
type ChargeDispatcher interface {
	Dispatch(ctx context.Context, charge billing.Charge) (billing.Outcome, error)
}

// IDGenerator hands out unique identifiers for new rows.
type IDGenerator interface {
	NextID() int64
}
