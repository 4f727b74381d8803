// Package logging builds the zap logger and adapts it to the domain logging hooks.
package logging

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/cafeledger/pkg/billing"
	"github.com/MarkoPoloResearchLab/cafeledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/cafeledger/pkg/session"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a JSON zap.Logger at level (debug, info, warn, error).
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if level == "" {
		level = "info"
	}
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return cfg.Build()
}

// LedgerOperations logs every ledger state change.
type LedgerOperations struct {
	logger *zap.Logger
}

// NewLedgerOperations adapts logger to ledger.OperationLogger.
func NewLedgerOperations(logger *zap.Logger) *LedgerOperations {
	return &LedgerOperations{logger: logger.Named("ledger")}
}

func (operations *LedgerOperations) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount_cents", entry.Amount.Int64()),
		zap.String("idempotency_key", entry.IdempotencyKey.String()),
		zap.String("status", entry.Status),
	}
	if entry.SessionID != nil {
		fields = append(fields, zap.String("session_id", entry.SessionID.String()))
	}
	if entry.Error != nil {
		operations.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operations.logger.Info("ledger operation", fields...)
}

// SessionEvents logs session and computer state changes.
type SessionEvents struct {
	logger *zap.Logger
}

// NewSessionEvents adapts logger to session.EventLogger.
func NewSessionEvents(logger *zap.Logger) *SessionEvents {
	return &SessionEvents{logger: logger.Named("session")}
}

func (events *SessionEvents) LogEvent(_ context.Context, event session.Event) {
	fields := []zap.Field{zap.String("event", event.Name)}
	if event.SessionID != 0 {
		fields = append(fields, zap.Int64("session_id", event.SessionID))
	}
	if event.UserID != "" {
		fields = append(fields, zap.String("user_id", event.UserID))
	}
	if event.ComputerID != 0 {
		fields = append(fields, zap.Int64("computer_id", event.ComputerID))
	}
	if !event.Amount.IsZero() {
		fields = append(fields, zap.String("amount", event.Amount.StringFixed(2)))
	}
	if event.Billing != "" {
		fields = append(fields, zap.String("billing", string(event.Billing)))
	}
	if event.Detail != "" {
		fields = append(fields, zap.String("detail", event.Detail))
	}
	if event.Error == nil {
		events.logger.Info("session event", fields...)
		return
	}
	fields = append(fields, zap.Error(event.Error), zap.String("kind", string(session.KindOf(event.Error))))
	if session.KindOf(event.Error) == session.KindInternal {
		events.logger.Error("session event failed", fields...)
		return
	}
	events.logger.Warn("session event rejected", fields...)
}

// BillingDispatches logs each charge dispatch.
type BillingDispatches struct {
	logger *zap.Logger
}

// NewBillingDispatches adapts logger to billing.DispatchLogger.
func NewBillingDispatches(logger *zap.Logger) *BillingDispatches {
	return &BillingDispatches{logger: logger.Named("billing")}
}

func (dispatches *BillingDispatches) LogDispatch(_ context.Context, entry billing.DispatchLog) {
	fields := []zap.Field{
		zap.Int64("session_id", entry.SessionID),
		zap.String("user_id", entry.UserID),
		zap.String("amount", entry.Amount.StringFixed(2)),
		zap.Int("attempts", entry.Attempts),
		zap.String("outcome", string(entry.Outcome)),
		zap.Bool("replayed", entry.Replayed),
	}
	switch entry.Outcome {
	case billing.OutcomeCollected, billing.OutcomeNotRequired:
		dispatches.logger.Info("charge dispatched", fields...)
	case billing.OutcomeFailed:
		dispatches.logger.Error("charge rejected", append(fields, zap.Error(entry.Error))...)
	default:
		dispatches.logger.Warn("charge left pending", append(fields, zap.Error(entry.Error))...)
	}
}
