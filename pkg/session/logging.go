package session

import (
	"context"

	"github.com/MarkoPoloResearchLab/cafeledger/pkg/billing"
	"github.com/shopspring/decimal"
)

const (
	eventSessionStarted        = "session_started"
	eventSessionEnded          = "session_ended"
	eventSessionTerminated     = "session_terminated"
	eventSessionTimedOut       = "session_timed_out"
	eventComputerRegistered    = "computer_registered"
	eventComputerUpdated       = "computer_updated"
	eventComputerStatusChanged = "computer_status_changed"
)

// Event describes a state change made by the Manager or Registry.
type Event struct {
	Name       string
	SessionID  int64
	UserID     string
	ComputerID int64
	Amount     decimal.Decimal
	Billing    billing.Outcome
	Detail     string
	Error      error
}

// EventLogger receives every state-changing event, failed or not.
type EventLogger interface {
	LogEvent(ctx context.Context, event Event)
}

type nopEventLogger struct{}

func (nopEventLogger) LogEvent(context.Context, Event) {}
