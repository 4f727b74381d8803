package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/cafeledger/pkg/billing"
	"github.com/shopspring/decimal"
)

type memoryStore struct {
	txMu      *sync.Mutex
	mu        *sync.Mutex
	computers map[int64]Computer
	sessions  map[int64]Session
	charges   map[int64]billing.Charge
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		txMu:      &sync.Mutex{},
		mu:        &sync.Mutex{},
		computers: make(map[int64]Computer),
		sessions:  make(map[int64]Session),
		charges:   make(map[int64]billing.Charge),
	}
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMu.Lock()
	defer store.txMu.Unlock()
	store.mu.Lock()
	computers := copyMap(store.computers)
	sessions := copyMap(store.sessions)
	charges := copyMap(store.charges)
	store.mu.Unlock()
	if err := fn(ctx, store); err != nil {
		store.mu.Lock()
		store.computers, store.sessions, store.charges = computers, sessions, charges
		store.mu.Unlock()
		return err
	}
	return nil
}

func copyMap[K comparable, V any](source map[K]V) map[K]V {
	copied := make(map[K]V, len(source))
	for key, value := range source {
		copied[key] = value
	}
	return copied
}

func (store *memoryStore) InsertComputer(_ context.Context, computer Computer) (Computer, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, existing := range store.computers {
		if existing.Name == computer.Name || existing.IPAddress == computer.IPAddress {
			return Computer{}, ErrDuplicateComputer
		}
	}
	computer.Version = 1
	store.computers[computer.ID] = computer
	return computer, nil
}

func (store *memoryStore) UpdateComputerDetails(_ context.Context, computer Computer) (Computer, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, existing := range store.computers {
		if existing.ID != computer.ID && (existing.Name == computer.Name || existing.IPAddress == computer.IPAddress) {
			return Computer{}, ErrDuplicateComputer
		}
	}
	store.computers[computer.ID] = computer
	return computer, nil
}

func (store *memoryStore) GetComputer(_ context.Context, computerID int64) (Computer, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	computer, ok := store.computers[computerID]
	if !ok {
		return Computer{}, ErrComputerNotFound
	}
	return computer, nil
}

func (store *memoryStore) ListComputers(_ context.Context, status ComputerStatus) ([]Computer, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	computers := make([]Computer, 0, len(store.computers))
	for _, computer := range store.computers {
		if status == "" || computer.Status == status {
			computers = append(computers, computer)
		}
	}
	sort.Slice(computers, func(left, right int) bool { return computers[left].ID < computers[right].ID })
	return computers, nil
}

func (store *memoryStore) TransitionComputer(_ context.Context, transition ComputerTransition) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	computer, ok := store.computers[transition.ComputerID]
	if !ok {
		return ErrComputerNotFound
	}
	if computer.Status != transition.FromStatus || computer.Version != transition.FromVersion {
		return ErrConcurrentUpdate
	}
	computer.Status = transition.ToStatus
	computer.Version++
	if transition.LastUsedDate != nil {
		computer.LastUsedDate = transition.LastUsedDate
	}
	if transition.LastMaintenanceDate != nil {
		computer.LastMaintenanceDate = transition.LastMaintenanceDate
	}
	store.computers[computer.ID] = computer
	return nil
}

func (store *memoryStore) InsertSession(_ context.Context, session Session) (Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, existing := range store.sessions {
		if existing.Active() && (existing.UserID == session.UserID || existing.ComputerID == session.ComputerID) {
			return Session{}, ErrActiveSessionExists
		}
	}
	store.sessions[session.ID] = session
	return session, nil
}

func (store *memoryStore) GetSession(_ context.Context, sessionID int64) (Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	session, ok := store.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (store *memoryStore) CloseSession(_ context.Context, session Session) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	existing, ok := store.sessions[session.ID]
	if !ok || !existing.Active() {
		return ErrSessionNotActive
	}
	store.sessions[session.ID] = session
	return nil
}

func (store *memoryStore) FindActiveSessionByUser(_ context.Context, userID string) (Session, error) {
	return store.findActive(func(session Session) bool { return session.UserID == userID })
}

func (store *memoryStore) FindActiveSessionByComputer(_ context.Context, computerID int64) (Session, error) {
	return store.findActive(func(session Session) bool { return session.ComputerID == computerID })
}

func (store *memoryStore) findActive(match func(Session) bool) (Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, session := range store.sessions {
		if session.Active() && match(session) {
			return session, nil
		}
	}
	return Session{}, ErrSessionNotFound
}

func (store *memoryStore) ListSessions(_ context.Context, filter SessionFilter) ([]Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	matches := make([]Session, 0)
	for _, session := range store.sessions {
		if filter.UserID != "" && session.UserID != filter.UserID {
			continue
		}
		if filter.ComputerID != 0 && session.ComputerID != filter.ComputerID {
			continue
		}
		if filter.Status != "" && session.Status != filter.Status {
			continue
		}
		if filter.StartedFrom != nil && session.StartTime.Before(*filter.StartedFrom) {
			continue
		}
		if filter.StartedUntil != nil && session.StartTime.After(*filter.StartedUntil) {
			continue
		}
		if filter.EndedBy != nil && session.EndTime != nil && session.EndTime.After(*filter.EndedBy) {
			continue
		}
		matches = append(matches, session)
	}
	sort.Slice(matches, func(left, right int) bool { return matches[left].StartTime.After(matches[right].StartTime) })
	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}
	return matches, nil
}

func (store *memoryStore) InsertCharge(_ context.Context, charge billing.Charge) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.charges[charge.SessionID]; exists {
		return errors.New("duplicate charge")
	}
	store.charges[charge.SessionID] = charge
	return nil
}

func (store *memoryStore) charge(sessionID int64) (billing.Charge, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()
	charge, ok := store.charges[sessionID]
	return charge, ok
}

type fixedBalances struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	err      error
}

func newFixedBalances() *fixedBalances {
	return &fixedBalances{balances: make(map[string]decimal.Decimal)}
}

func (balances *fixedBalances) set(userID string, amount string) {
	balances.mu.Lock()
	defer balances.mu.Unlock()
	balances.balances[userID] = decimal.RequireFromString(amount)
}

func (balances *fixedBalances) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	balances.mu.Lock()
	defer balances.mu.Unlock()
	if balances.err != nil {
		return decimal.Zero, balances.err
	}
	return balances.balances[userID], nil
}

type recordingDispatcher struct {
	mu       sync.Mutex
	outcome  billing.Outcome
	err      error
	received []billing.Charge
}

func (dispatcher *recordingDispatcher) Dispatch(_ context.Context, charge billing.Charge) (billing.Outcome, error) {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	dispatcher.received = append(dispatcher.received, charge)
	return dispatcher.outcome, dispatcher.err
}

type sequenceIDs struct {
	next atomic.Int64
}

func (ids *sequenceIDs) NextID() int64 {
	return ids.next.Add(1)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (clock *manualClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *manualClock) Advance(step time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(step)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []Event
}

func (recorder *recordingEvents) LogEvent(_ context.Context, event Event) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.events = append(recorder.events, event)
}

type fixture struct {
	store      *memoryStore
	balances   *fixedBalances
	dispatcher *recordingDispatcher
	clock      *manualClock
	events     *recordingEvents
	registry   *Registry
	manager    *Manager
}

func newFixture(test *testing.T) *fixture {
	test.Helper()
	store := newMemoryStore()
	ids := &sequenceIDs{}
	clock := newManualClock()
	events := &recordingEvents{}
	balances := newFixedBalances()
	dispatcher := &recordingDispatcher{outcome: billing.OutcomeCollected}
	registry, err := NewRegistry(store, ids, clock.Now, WithRegistryLogger(events))
	if err != nil {
		test.Fatalf("registry: %v", err)
	}
	manager, err := NewManager(store, balances, ids, clock.Now, WithDispatcher(dispatcher), WithEventLogger(events))
	if err != nil {
		test.Fatalf("manager: %v", err)
	}
	return &fixture{
		store:      store,
		balances:   balances,
		dispatcher: dispatcher,
		clock:      clock,
		events:     events,
		registry:   registry,
		manager:    manager,
	}
}

func (fixture *fixture) mustComputer(test *testing.T, name string, address string, rate string) Computer {
	test.Helper()
	computer, err := fixture.registry.Register(context.Background(), RegisterComputerInput{
		Name:       name,
		IPAddress:  address,
		HourlyRate: decimal.RequireFromString(rate),
	})
	if err != nil {
		test.Fatalf("register computer: %v", err)
	}
	return computer
}

func (fixture *fixture) mustStart(test *testing.T, userID string, computerID int64) Session {
	test.Helper()
	session, err := fixture.manager.StartSession(context.Background(), userID, computerID)
	if err != nil {
		test.Fatalf("start session: %v", err)
	}
	return session
}

func requireKind(test *testing.T, err error, kind Kind) {
	test.Helper()
	if err == nil {
		test.Fatalf("expected %s error, got nil", kind)
	}
	if got := KindOf(err); got != kind {
		test.Fatalf("expected kind %s, got %s (%v)", kind, got, err)
	}
}
