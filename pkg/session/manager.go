package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/cafeledger/pkg/billing"
	"github.com/shopspring/decimal"
)

// Manager runs the session lifecycle over a Store, reading balances from the ledger and
// handing charges to a ChargeDispatcher after each close commits.
type Manager struct {
	store      Store
	balances   BalanceReader
	dispatcher ChargeDispatcher
	grace      time.Duration
	ids        IDGenerator
	now        func() time.Time
	logger     EventLogger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithEventLogger attaches an event logger.
func WithEventLogger(logger EventLogger) ManagerOption {
	return func(manager *Manager) {
		if logger != nil {
			manager.logger = logger
		}
	}
}

// WithDispatcher sets who collects charges after a close. Without one every charge is left
// pending for the reconciler.
func WithDispatcher(dispatcher ChargeDispatcher) ManagerOption {
	return func(manager *Manager) {
		manager.dispatcher = dispatcher
	}
}

// WithDispatchGrace sets how long a fresh charge stays out of the reconciler's due list while
// the inline dispatch runs. Use at least the dispatcher's deadline.
func WithDispatchGrace(grace time.Duration) ManagerOption {
	return func(manager *Manager) {
		if grace > 0 {
			manager.grace = grace
		}
	}
}

// NewManager wires a Manager.
func NewManager(store Store, balances BalanceReader, ids IDGenerator, now func() time.Time, options ...ManagerOption) (*Manager, error) {
	if store == nil || balances == nil || ids == nil || now == nil {
		return nil, fmt.Errorf("%w: manager requires store, balance reader, id generator and clock", ErrInvalidConfig)
	}
	manager := &Manager{
		store:    store,
		balances: balances,
		ids:      ids,
		now:      now,
		grace:    billing.DefaultRetryPolicy().Deadline,
		logger:   nopEventLogger{},
	}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	return manager, nil
}

// StartSession opens a session for userID on computerID.
func (manager *Manager) StartSession(ctx context.Context, userID string, computerID int64) (Session, error) {
	userID = strings.TrimSpace(userID)
	session, err := manager.startSession(ctx, userID, computerID)
	manager.logger.LogEvent(ctx, Event{Name: eventSessionStarted, SessionID: session.ID, UserID: userID, ComputerID: computerID, Error: err})
	return session, err
}

func (manager *Manager) startSession(ctx context.Context, userID string, computerID int64) (Session, error) {
	failure := func(err error) *SessionError {
		return newSessionError("start", err).withUser(userID).withComputer(computerID)
	}
	if userID == "" {
		return Session{}, failure(ErrInvalidUserID)
	}
	if _, err := manager.store.FindActiveSessionByUser(ctx, userID); err == nil {
		return Session{}, failure(ErrUserAlreadyActive)
	} else if !errors.Is(err, ErrSessionNotFound) {
		return Session{}, failure(err)
	}
	computer, err := manager.store.GetComputer(ctx, computerID)
	if err != nil {
		return Session{}, failure(err)
	}
	if computer.Status != ComputerAvailable {
		return Session{}, failure(ErrComputerNotAvailable).withDetail(string(computer.Status))
	}

	// The ledger is remote, so the probe happens before any local transaction is opened.
	required := MinimumBalance(computer.HourlyRate)
	balance, err := manager.balances.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, billing.ErrChargeRejected) {
			return Session{}, failure(fmt.Errorf("%w: %s", ErrInsufficientBalance, err.Error())).withAmount(required)
		}
		return Session{}, failure(err)
	}
	if balance.LessThan(required) {
		return Session{}, failure(ErrInsufficientBalance).withAmount(required).withDetail("available " + balance.StringFixed(2))
	}

	var started Session
	err = manager.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetComputer(ctx, computerID)
		if err != nil {
			return err
		}
		if current.Status != ComputerAvailable {
			return ErrComputerNotAvailable
		}
		now := manager.now().UTC()
		if err := txStore.TransitionComputer(ctx, ComputerTransition{
			ComputerID:   computerID,
			FromStatus:   ComputerAvailable,
			FromVersion:  current.Version,
			ToStatus:     ComputerInUse,
			LastUsedDate: &now,
		}); err != nil {
			return err
		}
		started, err = txStore.InsertSession(ctx, Session{
			ID:         manager.ids.NextID(),
			UserID:     userID,
			ComputerID: computerID,
			StartTime:  now,
			TotalCost:  decimal.Zero,
			Status:     SessionActive,
		})
		return err
	})
	if err != nil {
		return Session{}, failure(err)
	}
	return started, nil
}

// EndSession closes an active session at the user's request.
func (manager *Manager) EndSession(ctx context.Context, sessionID int64, notes string) (CloseResult, error) {
	return manager.closeSession(ctx, sessionID, SessionCompleted, notes, eventSessionEnded)
}

// TerminateSession closes an active session on operator request.
func (manager *Manager) TerminateSession(ctx context.Context, sessionID int64, reason string) (CloseResult, error) {
	return manager.closeSession(ctx, sessionID, SessionTerminated, reason, eventSessionTerminated)
}

// TimeOutSession closes an active session that ran past its allowed duration.
func (manager *Manager) TimeOutSession(ctx context.Context, sessionID int64) (CloseResult, error) {
	return manager.closeSession(ctx, sessionID, SessionTimedOut, "session exceeded maximum duration", eventSessionTimedOut)
}

// ExpireSessions times out every active session started more than maxDuration ago.
func (manager *Manager) ExpireSessions(ctx context.Context, maxDuration time.Duration) (int, error) {
	if maxDuration <= 0 {
		return 0, nil
	}
	cutoff := manager.now().UTC().Add(-maxDuration)
	stale, err := manager.store.ListSessions(ctx, SessionFilter{Status: SessionActive, StartedUntil: &cutoff})
	if err != nil {
		return 0, newSessionError("expire", err)
	}
	expired := 0
	var expireErr error
	for _, session := range stale {
		if _, err := manager.TimeOutSession(ctx, session.ID); err != nil {
			// A session closed concurrently by its user is not a failure of the sweep.
			if !errors.Is(err, ErrSessionNotActive) {
				expireErr = errors.Join(expireErr, err)
			}
			continue
		}
		expired++
	}
	return expired, expireErr
}

func (manager *Manager) closeSession(ctx context.Context, sessionID int64, status SessionStatus, notes string, eventName string) (CloseResult, error) {
	var (
		closed Session
		charge *billing.Charge
	)
	err := manager.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		session, err := txStore.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if !session.Active() {
			return ErrSessionNotActive
		}
		computer, err := txStore.GetComputer(ctx, session.ComputerID)
		if err != nil {
			return err
		}
		now := manager.now().UTC()
		duration := now.Sub(session.StartTime)
		if duration < 0 {
			duration = 0
		}
		session.EndTime = &now
		session.Duration = duration
		session.TotalCost = Cost(duration, computer.HourlyRate)
		session.Status = status
		session.Notes = strings.TrimSpace(notes)
		if err := txStore.CloseSession(ctx, session); err != nil {
			return err
		}
		if computer.Status == ComputerInUse {
			if err := txStore.TransitionComputer(ctx, ComputerTransition{
				ComputerID:  computer.ID,
				FromStatus:  ComputerInUse,
				FromVersion: computer.Version,
				ToStatus:    ComputerAvailable,
			}); err != nil {
				return err
			}
		}
		if session.TotalCost.IsPositive() {
			nextAttempt := now
			if manager.dispatcher != nil {
				nextAttempt = now.Add(manager.grace)
			}
			pending := billing.Charge{
				SessionID:     session.ID,
				UserID:        session.UserID,
				Amount:        session.TotalCost,
				Status:        billing.ChargePending,
				NextAttemptAt: nextAttempt,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := txStore.InsertCharge(ctx, pending); err != nil {
				return err
			}
			charge = &pending
		}
		closed = session
		return nil
	})
	if err != nil {
		wrapped := newSessionError("close", err).withSession(sessionID)
		manager.logger.LogEvent(ctx, Event{Name: eventName, SessionID: sessionID, Error: wrapped})
		return CloseResult{}, wrapped
	}

	result := CloseResult{Session: closed, Billing: billing.OutcomeNotRequired}
	var dispatchErr error
	if charge != nil {
		result.Billing = billing.OutcomePending
		if manager.dispatcher != nil {
			outcome, err := manager.dispatcher.Dispatch(ctx, *charge)
			dispatchErr = err
			if outcome != "" {
				result.Billing = outcome
			}
		}
	}
	manager.logger.LogEvent(ctx, Event{
		Name:       eventName,
		SessionID:  closed.ID,
		UserID:     closed.UserID,
		ComputerID: closed.ComputerID,
		Amount:     closed.TotalCost,
		Billing:    result.Billing,
		Detail:     closed.Duration.Round(time.Second).String(),
		Error:      dispatchErr,
	})
	return result, nil
}

// GetSession returns one session.
func (manager *Manager) GetSession(ctx context.Context, sessionID int64) (Session, error) {
	session, err := manager.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, newSessionError("get", err).withSession(sessionID)
	}
	return session, nil
}

// GetActiveSessions returns every running session.
func (manager *Manager) GetActiveSessions(ctx context.Context) ([]Session, error) {
	return manager.store.ListSessions(ctx, SessionFilter{Status: SessionActive})
}

// GetActiveSessionByComputer returns the session running on computerID.
func (manager *Manager) GetActiveSessionByComputer(ctx context.Context, computerID int64) (Session, error) {
	session, err := manager.store.FindActiveSessionByComputer(ctx, computerID)
	if err != nil {
		return Session{}, newSessionError("active_by_computer", err).withComputer(computerID)
	}
	return session, nil
}

// GetSessionsByUser returns the user's sessions, newest first.
func (manager *Manager) GetSessionsByUser(ctx context.Context, userID string) ([]Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, newSessionError("by_user", ErrInvalidUserID)
	}
	return manager.store.ListSessions(ctx, SessionFilter{UserID: userID})
}

// GetSessionsByDateRange returns sessions started at or after from that had ended by to,
// plus those still running.
func (manager *Manager) GetSessionsByDateRange(ctx context.Context, from, to time.Time) ([]Session, error) {
	if to.Before(from) {
		return nil, newSessionError("by_date_range", ErrInvalidDateRange).withDetail(from.Format(time.RFC3339) + " > " + to.Format(time.RFC3339))
	}
	fromUTC, toUTC := from.UTC(), to.UTC()
	return manager.store.ListSessions(ctx, SessionFilter{StartedFrom: &fromUTC, EndedBy: &toUTC})
}

// HasActiveSession reports whether userID has a running session.
func (manager *Manager) HasActiveSession(ctx context.Context, userID string) (bool, error) {
	_, err := manager.store.FindActiveSessionByUser(ctx, strings.TrimSpace(userID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	return false, newSessionError("has_active", err).withUser(userID)
}

// CurrentCost prices an active session as if it ended now; closed sessions report their total.
func (manager *Manager) CurrentCost(ctx context.Context, sessionID int64) (CurrentCost, error) {
	session, err := manager.GetSession(ctx, sessionID)
	if err != nil {
		return CurrentCost{}, err
	}
	if !session.Active() {
		return CurrentCost{SessionID: sessionID, Cost: session.TotalCost, Final: true}, nil
	}
	computer, err := manager.store.GetComputer(ctx, session.ComputerID)
	if err != nil {
		return CurrentCost{}, newSessionError("current_cost", err).withSession(sessionID)
	}
	elapsed := manager.now().UTC().Sub(session.StartTime)
	return CurrentCost{SessionID: sessionID, Cost: Cost(elapsed, computer.HourlyRate)}, nil
}

// GetRemainingTime estimates how long userID can keep using computerID on the current balance.
func (manager *Manager) GetRemainingTime(ctx context.Context, userID string, computerID int64) (RemainingTime, error) {
	userID = strings.TrimSpace(userID)
	failure := func(err error) *SessionError {
		return newSessionError("remaining_time", err).withUser(userID).withComputer(computerID)
	}
	session, err := manager.store.FindActiveSessionByComputer(ctx, computerID)
	if err != nil {
		return RemainingTime{}, failure(err)
	}
	if session.UserID != userID {
		return RemainingTime{}, failure(ErrSessionNotFound)
	}
	computer, err := manager.store.GetComputer(ctx, computerID)
	if err != nil {
		return RemainingTime{}, failure(err)
	}
	if !computer.HourlyRate.IsPositive() {
		return Remaining(decimal.Zero, computer.HourlyRate), nil
	}
	balance, err := manager.balances.GetBalance(ctx, userID)
	if err != nil {
		return RemainingTime{}, failure(err)
	}
	return Remaining(balance, computer.HourlyRate), nil
}
