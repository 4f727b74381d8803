package billing

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type scriptedLedger struct {
	mu      sync.Mutex
	results []error
	calls   int
	charged map[int64]decimal.Decimal
}

func newScriptedLedger(results ...error) *scriptedLedger {
	return &scriptedLedger{results: results, charged: make(map[int64]decimal.Decimal)}
}

// Charge returns the next scripted error; once the script runs out every call succeeds.
func (ledger *scriptedLedger) Charge(_ context.Context, request ChargeRequest) (ChargeReceipt, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	ledger.calls++
	if len(ledger.results) > 0 {
		next := ledger.results[0]
		ledger.results = ledger.results[1:]
		if next != nil {
			return ChargeReceipt{}, next
		}
	}
	_, replayed := ledger.charged[request.SessionID]
	ledger.charged[request.SessionID] = request.Amount
	return ChargeReceipt{TransactionID: "tx", Replayed: replayed}, nil
}

func (ledger *scriptedLedger) GetBalance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (ledger *scriptedLedger) callCount() int {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	return ledger.calls
}

type memoryChargeStore struct {
	mu      sync.Mutex
	charges map[int64]Charge
}

func newMemoryChargeStore(charges ...Charge) *memoryChargeStore {
	store := &memoryChargeStore{charges: make(map[int64]Charge)}
	for _, charge := range charges {
		store.charges[charge.SessionID] = charge
	}
	return store
}

func (store *memoryChargeStore) GetCharge(_ context.Context, sessionID int64) (Charge, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	charge, ok := store.charges[sessionID]
	if !ok {
		return Charge{}, ErrUnknownCharge
	}
	return charge, nil
}

func (store *memoryChargeStore) ListDueCharges(_ context.Context, now time.Time, limit int) ([]Charge, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	due := make([]Charge, 0)
	for _, charge := range store.charges {
		if charge.Status == ChargePending && !charge.NextAttemptAt.After(now) {
			due = append(due, charge)
		}
	}
	sort.Slice(due, func(left, right int) bool { return due[left].SessionID < due[right].SessionID })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (store *memoryChargeStore) ListCharges(_ context.Context, status ChargeStatus, limit int) ([]Charge, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	matches := make([]Charge, 0)
	for _, charge := range store.charges {
		if status == "" || charge.Status == status {
			matches = append(matches, charge)
		}
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (store *memoryChargeStore) CountCharges(_ context.Context, status ChargeStatus) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var count int64
	for _, charge := range store.charges {
		if charge.Status == status {
			count++
		}
	}
	return count, nil
}

func (store *memoryChargeStore) SaveChargeAttempt(_ context.Context, charge Charge) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.charges[charge.SessionID] = charge
	return nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []Outcome
	pending  int64
}

func (metrics *recordingMetrics) ObserveDispatch(outcome Outcome, _ time.Duration) {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	metrics.outcomes = append(metrics.outcomes, outcome)
}

func (metrics *recordingMetrics) SetPendingCharges(count int64) {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	metrics.pending = count
}

type fakeLocker struct {
	held     bool
	released int
}

func (locker *fakeLocker) TryLock(context.Context, string, time.Duration) (string, bool, error) {
	if locker.held {
		return "", false, nil
	}
	locker.held = true
	return "token", true, nil
}

func (locker *fakeLocker) Release(context.Context, string, string) error {
	locker.held = false
	locker.released++
	return nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Deadline:        time.Second,
		ReconcileDelay:  time.Minute,
	}
}

func mustCoordinator(test *testing.T, ledger AccountLedger, store ChargeStore, options ...CoordinatorOption) *Coordinator {
	test.Helper()
	options = append([]CoordinatorOption{WithRetryPolicy(fastPolicy())}, options...)
	coordinator, err := NewCoordinator(ledger, store, func() time.Time { return testNow }, options...)
	if err != nil {
		test.Fatalf("coordinator: %v", err)
	}
	return coordinator
}

func pendingCharge(sessionID int64, amount string) Charge {
	return Charge{
		SessionID:     sessionID,
		UserID:        "user-1",
		Amount:        decimal.RequireFromString(amount),
		Status:        ChargePending,
		NextAttemptAt: testNow,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
}
