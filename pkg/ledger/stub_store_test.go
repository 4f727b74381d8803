package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

type stubStore struct {
	txMu         *sync.Mutex
	mu           *sync.Mutex
	accounts     map[string]Account
	transactions []Transaction
	nextID       int
	lockCalls    int
	failWith     error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		txMu:     &sync.Mutex{},
		mu:       &sync.Mutex{},
		accounts: make(map[string]Account),
	}
}

func newFailingStore(test *testing.T, failure error) *stubStore {
	test.Helper()
	store := newStubStore(test)
	store.failWith = failure
	return store
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.failWith != nil {
		return store.failWith
	}
	store.txMu.Lock()
	defer store.txMu.Unlock()
	store.mu.Lock()
	snapshot := append([]Transaction(nil), store.transactions...)
	store.mu.Unlock()
	err := fn(ctx, store)
	if err != nil {
		store.mu.Lock()
		store.transactions = snapshot
		store.mu.Unlock()
	}
	return err
}

func (store *stubStore) GetOrCreateAccount(_ context.Context, userID UserID) (Account, error) {
	if store.failWith != nil {
		return Account{}, store.failWith
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if account, ok := store.accounts[userID.String()]; ok {
		return account, nil
	}
	store.nextID++
	accountID, err := NewAccountID(fmt.Sprintf("account-%d", store.nextID))
	if err != nil {
		return Account{}, err
	}
	account := Account{AccountID: accountID, UserID: userID, CreatedUnixUTC: 1}
	store.accounts[userID.String()] = account
	return account, nil
}

func (store *stubStore) GetAccount(_ context.Context, userID UserID) (Account, error) {
	if store.failWith != nil {
		return Account{}, store.failWith
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[userID.String()]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *stubStore) LockAccount(context.Context, AccountID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.lockCalls++
	return nil
}

func (store *stubStore) InsertTransaction(_ context.Context, input TransactionInput) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, existing := range store.transactions {
		if existing.AccountID == input.AccountID && existing.IdempotencyKey == input.IdempotencyKey {
			return Transaction{}, ErrDuplicateIdempotencyKey
		}
	}
	store.nextID++
	transactionID, err := NewTransactionID(fmt.Sprintf("tx-%d", store.nextID))
	if err != nil {
		return Transaction{}, err
	}
	transaction := Transaction{
		TransactionID:   transactionID,
		AccountID:       input.AccountID,
		Type:            input.Type,
		AmountCents:     input.AmountCents,
		SessionID:       input.SessionID,
		IdempotencyKey:  input.IdempotencyKey,
		Description:     input.Description,
		PaymentMethod:   input.PaymentMethod,
		ReferenceNumber: input.ReferenceNumber,
		Metadata:        input.Metadata,
		CreatedUnixUTC:  input.CreatedUnixUTC,
	}
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) GetTransactionByIdempotencyKey(_ context.Context, accountID AccountID, key IdempotencyKey) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, existing := range store.transactions {
		if existing.AccountID == accountID && existing.IdempotencyKey == key {
			return existing, nil
		}
	}
	return Transaction{}, ErrUnknownTransaction
}

func (store *stubStore) SumBalance(_ context.Context, accountID AccountID) (AmountCents, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var total AmountCents
	for _, existing := range store.transactions {
		if existing.AccountID == accountID {
			total += existing.AmountCents
		}
	}
	return total, nil
}

func (store *stubStore) SumSessionAmount(_ context.Context, accountID AccountID, sessionID SessionID, transactionType TransactionType) (AmountCents, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var total AmountCents
	for _, existing := range store.transactions {
		if existing.AccountID == accountID && existing.Type == transactionType && existing.SessionID != nil && *existing.SessionID == sessionID {
			total += existing.AmountCents
		}
	}
	return total, nil
}

func (store *stubStore) ListTransactions(_ context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	matches := make([]Transaction, 0, len(store.transactions))
	for _, existing := range store.transactions {
		if existing.AccountID == accountID && existing.CreatedUnixUTC < beforeUnixUTC {
			matches = append(matches, existing)
		}
	}
	sort.SliceStable(matches, func(left, right int) bool {
		return matches[left].CreatedUnixUTC > matches[right].CreatedUnixUTC
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (store *stubStore) countType(transactionType TransactionType) int {
	store.mu.Lock()
	defer store.mu.Unlock()
	count := 0
	for _, existing := range store.transactions {
		if existing.Type == transactionType {
			count++
		}
	}
	return count
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1_700_000_000 }, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustSessionID(test *testing.T, raw string) SessionID {
	test.Helper()
	sessionID, err := NewSessionID(raw)
	if err != nil {
		test.Fatalf("session id: %v", err)
	}
	return sessionID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmountCents {
	test.Helper()
	amount, err := NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustOpenFundedAccount(test *testing.T, service *Service, userID UserID, cents int64) {
	test.Helper()
	if _, err := service.OpenAccount(context.Background(), userID); err != nil {
		test.Fatalf("open account: %v", err)
	}
	if cents <= 0 {
		return
	}
	_, err := service.Deposit(context.Background(), DepositRequest{
		UserID:         userID,
		Amount:         mustPositiveAmount(test, cents),
		PaymentMethod:  PaymentMethodCash,
		IdempotencyKey: mustIdempotencyKey(test, "seed:"+userID.String()),
	})
	if err != nil {
		test.Fatalf("seed deposit: %v", err)
	}
}
