package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMaxTries        = 3
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second
	defaultDeadline        = 5 * time.Second
	defaultReconcileDelay  = 30 * time.Second
	maxErrorLength         = 500
)

// RetryPolicy bounds a single dispatch. MaxTotalAttempts caps attempts across dispatches;
// zero leaves a charge pending forever.
type RetryPolicy struct {
	MaxTries         uint
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	Deadline         time.Duration
	ReconcileDelay   time.Duration
	MaxTotalAttempts int
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        defaultMaxTries,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
		Deadline:        defaultDeadline,
		ReconcileDelay:  defaultReconcileDelay,
	}
}

func (policy RetryPolicy) normalized() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if policy.MaxTries == 0 {
		policy.MaxTries = defaults.MaxTries
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = defaults.InitialInterval
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = maxDuration(defaults.MaxInterval, policy.InitialInterval)
	}
	if policy.Deadline <= 0 {
		policy.Deadline = defaults.Deadline
	}
	if policy.ReconcileDelay <= 0 {
		policy.ReconcileDelay = defaults.ReconcileDelay
	}
	return policy
}

// Coordinator pushes charges to the ledger and records the result.
type Coordinator struct {
	ledger  AccountLedger
	store   ChargeStore
	now     func() time.Time
	policy  RetryPolicy
	metrics Metrics
	logger  DispatchLogger
}

// CoordinatorOption configures optional collaborators.
type CoordinatorOption func(*Coordinator)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(policy RetryPolicy) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.policy = policy.normalized()
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(metrics Metrics) CoordinatorOption {
	return func(coordinator *Coordinator) {
		if metrics != nil {
			coordinator.metrics = metrics
		}
	}
}

// WithDispatchLogger attaches a dispatch logger.
func WithDispatchLogger(logger DispatchLogger) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.logger = logger
	}
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(ledger AccountLedger, store ChargeStore, now func() time.Time, options ...CoordinatorOption) (*Coordinator, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: charge store dependency is nil", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	coordinator := &Coordinator{
		ledger:  ledger,
		store:   store,
		now:     now,
		policy:  DefaultRetryPolicy(),
		metrics: nopMetrics{},
	}
	for _, option := range options {
		if option != nil {
			option(coordinator)
		}
	}
	return coordinator, nil
}

// Dispatch tries to collect charge within the policy deadline and records the result.
// The returned error reports a failure to persist the result, never a ledger failure:
// those surface as OutcomePending or OutcomeFailed.
func (coordinator *Coordinator) Dispatch(ctx context.Context, charge Charge) (Outcome, error) {
	if charge.Status == ChargeCollected {
		return OutcomeCollected, nil
	}
	if !charge.Amount.IsPositive() {
		return OutcomeNotRequired, nil
	}
	started := time.Now()
	request := ChargeRequest{UserID: charge.UserID, SessionID: charge.SessionID, Amount: charge.Amount}

	dispatchCtx, cancel := context.WithTimeout(ctx, coordinator.policy.Deadline)
	defer cancel()

	tries := 0
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = coordinator.policy.InitialInterval
	exponential.MaxInterval = coordinator.policy.MaxInterval
	receipt, chargeErr := backoff.Retry(dispatchCtx, func() (ChargeReceipt, error) {
		tries++
		receipt, err := coordinator.ledger.Charge(dispatchCtx, request)
		if err == nil {
			return receipt, nil
		}
		if errors.Is(err, ErrChargeRejected) {
			return ChargeReceipt{}, backoff.Permanent(err)
		}
		return ChargeReceipt{}, err
	},
		backoff.WithBackOff(exponential),
		backoff.WithMaxTries(coordinator.policy.MaxTries),
		backoff.WithMaxElapsedTime(coordinator.policy.Deadline),
	)

	now := coordinator.now().UTC()
	charge.Attempts += tries
	charge.UpdatedAt = now
	outcome := coordinator.applyResult(&charge, chargeErr, now)

	// The caller's context may already be done; the result must still be recorded.
	saveErr := coordinator.store.SaveChargeAttempt(context.WithoutCancel(ctx), charge)

	coordinator.metrics.ObserveDispatch(outcome, time.Since(started))
	if coordinator.logger != nil {
		coordinator.logger.LogDispatch(ctx, DispatchLog{
			SessionID: charge.SessionID,
			UserID:    charge.UserID,
			Amount:    charge.Amount,
			Attempts:  tries,
			Outcome:   outcome,
			Replayed:  receipt.Replayed,
			Error:     errors.Join(chargeErr, saveErr),
		})
	}
	if saveErr != nil {
		return outcome, fmt.Errorf("billing: record charge %d: %w", charge.SessionID, saveErr)
	}
	return outcome, nil
}

// Retry re-drives a pending or failed charge on operator request.
func (coordinator *Coordinator) Retry(ctx context.Context, sessionID int64) (Charge, Outcome, error) {
	charge, err := coordinator.store.GetCharge(ctx, sessionID)
	if err != nil {
		return Charge{}, "", err
	}
	if charge.Status == ChargeCollected {
		return charge, OutcomeCollected, nil
	}
	outcome, err := coordinator.Dispatch(ctx, charge)
	if err != nil {
		return Charge{}, outcome, err
	}
	refreshed, err := coordinator.store.GetCharge(ctx, sessionID)
	if err != nil {
		return Charge{}, outcome, err
	}
	return refreshed, outcome, nil
}

func (coordinator *Coordinator) applyResult(charge *Charge, chargeErr error, now time.Time) Outcome {
	switch {
	case chargeErr == nil:
		charge.Status = ChargeCollected
		charge.LastError = ""
		charge.CollectedAt = &now
		return OutcomeCollected
	case errors.Is(chargeErr, ErrChargeRejected):
		charge.Status = ChargeFailed
		charge.LastError = truncateError(chargeErr)
		return OutcomeFailed
	case coordinator.policy.MaxTotalAttempts > 0 && charge.Attempts >= coordinator.policy.MaxTotalAttempts:
		charge.Status = ChargeFailed
		charge.LastError = truncateError(chargeErr)
		return OutcomeFailed
	default:
		charge.Status = ChargePending
		charge.LastError = truncateError(chargeErr)
		charge.NextAttemptAt = now.Add(coordinator.policy.ReconcileDelay)
		return OutcomePending
	}
}

func truncateError(err error) string {
	message := err.Error()
	if len(message) > maxErrorLength {
		return message[:maxErrorLength]
	}
	return message
}

func maxDuration(left, right time.Duration) time.Duration {
	if left > right {
		return left
	}
	return right
}
