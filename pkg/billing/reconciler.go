package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultBatchSize         = 50
	defaultReconcileInterval = 30 * time.Second
	defaultLockKey           = "billing:reconciler"
)

// Locker elects a single sweeper across instances.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Scanned   int
	Collected int
	Pending   int
	Failed    int
	Skipped   bool
}

// Reconciler periodically re-drives pending charges.
type Reconciler struct {
	coordinator *Coordinator
	store       ChargeStore
	batchSize   int
	interval    time.Duration
	locker      Locker
	lockKey     string
	onError     func(error)
	onSweep     func(SweepReport, error)
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithBatchSize caps how many due charges one pass claims.
func WithBatchSize(size int) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if size > 0 {
			reconciler.batchSize = size
		}
	}
}

// WithInterval sets the delay between passes in Run.
func WithInterval(interval time.Duration) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if interval > 0 {
			reconciler.interval = interval
		}
	}
}

// WithLocker makes each pass conditional on holding key.
func WithLocker(locker Locker, key string) ReconcilerOption {
	return func(reconciler *Reconciler) {
		reconciler.locker = locker
		if key != "" {
			reconciler.lockKey = key
		}
	}
}

// WithErrorHandler receives errors from passes started by Run.
func WithErrorHandler(handler func(error)) ReconcilerOption {
	return func(reconciler *Reconciler) {
		reconciler.onError = handler
	}
}

// WithSweepObserver receives the result of every pass started by Run.
func WithSweepObserver(observer func(SweepReport, error)) ReconcilerOption {
	return func(reconciler *Reconciler) {
		reconciler.onSweep = observer
	}
}

// NewReconciler wires a Reconciler that shares the coordinator's store.
func NewReconciler(coordinator *Coordinator, options ...ReconcilerOption) (*Reconciler, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("%w: coordinator dependency is nil", ErrInvalidConfig)
	}
	reconciler := &Reconciler{
		coordinator: coordinator,
		store:       coordinator.store,
		batchSize:   defaultBatchSize,
		interval:    defaultReconcileInterval,
		lockKey:     defaultLockKey,
	}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

// RunOnce dispatches every charge due at the current time, one batch.
func (reconciler *Reconciler) RunOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	if reconciler.locker != nil {
		token, acquired, err := reconciler.locker.TryLock(ctx, reconciler.lockKey, reconciler.lockTTL())
		if err != nil {
			return report, fmt.Errorf("billing: acquire reconciler lock: %w", err)
		}
		if !acquired {
			report.Skipped = true
			return report, nil
		}
		defer func() {
			_ = reconciler.locker.Release(context.WithoutCancel(ctx), reconciler.lockKey, token)
		}()
	}

	due, err := reconciler.store.ListDueCharges(ctx, reconciler.coordinator.now().UTC(), reconciler.batchSize)
	if err != nil {
		return report, fmt.Errorf("billing: list due charges: %w", err)
	}
	var sweepErr error
	for _, charge := range due {
		if ctx.Err() != nil {
			sweepErr = errors.Join(sweepErr, ctx.Err())
			break
		}
		report.Scanned++
		outcome, err := reconciler.coordinator.Dispatch(ctx, charge)
		if err != nil {
			sweepErr = errors.Join(sweepErr, err)
		}
		switch outcome {
		case OutcomeCollected:
			report.Collected++
		case OutcomeFailed:
			report.Failed++
		case OutcomePending:
			report.Pending++
		}
	}

	if pending, err := reconciler.store.CountCharges(ctx, ChargePending); err == nil {
		reconciler.coordinator.metrics.SetPendingCharges(pending)
	} else {
		sweepErr = errors.Join(sweepErr, err)
	}
	return report, sweepErr
}

// Run sweeps until ctx is done.
func (reconciler *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(reconciler.interval)
	defer ticker.Stop()
	for {
		report, err := reconciler.RunOnce(ctx)
		if reconciler.onSweep != nil {
			reconciler.onSweep(report, err)
		}
		if err != nil && reconciler.onError != nil && ctx.Err() == nil {
			reconciler.onError(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// lockTTL outlives the worst-case pass so a slow sweep is not joined by a second instance.
func (reconciler *Reconciler) lockTTL() time.Duration {
	perCharge := reconciler.coordinator.policy.Deadline
	return reconciler.interval + perCharge*time.Duration(reconciler.batchSize)
}
