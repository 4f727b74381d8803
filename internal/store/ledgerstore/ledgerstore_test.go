package ledgerstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarkoPoloResearchLab/cafeledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "ledger.db")), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(Models()...); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func mustService(test *testing.T, store *Store) *ledger.Service {
	test.Helper()
	clock := int64(1_700_000_000)
	service, err := ledger.NewService(store, func() int64 {
		clock++
		return clock
	})
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	return service
}

func mustUser(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func TestGetOrCreateAccountIsStable(test *testing.T) {
	store := openTestStore(test)
	userID := mustUser(test, "user-1")
	first, err := store.GetOrCreateAccount(context.Background(), userID)
	if err != nil {
		test.Fatalf("first create: %v", err)
	}
	second, err := store.GetOrCreateAccount(context.Background(), userID)
	if err != nil {
		test.Fatalf("second create: %v", err)
	}
	if first.AccountID != second.AccountID {
		test.Fatalf("expected stable account id, got %s and %s", first.AccountID.String(), second.AccountID.String())
	}
	if _, err := store.GetAccount(context.Background(), mustUser(test, "missing")); !errors.Is(err, ledger.ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestInsertTransactionDetectsDuplicateKey(test *testing.T) {
	store := openTestStore(test)
	account, err := store.GetOrCreateAccount(context.Background(), mustUser(test, "user-dup"))
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	key, err := ledger.NewIdempotencyKey("dep-1")
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	input, err := ledger.NewTransactionInput(account.AccountID, ledger.TransactionDeposit, 500, nil, key, "Deposit", ledger.MetadataJSON{}, 1_700_000_000)
	if err != nil {
		test.Fatalf("input: %v", err)
	}
	if _, err := store.InsertTransaction(context.Background(), input); err != nil {
		test.Fatalf("first insert: %v", err)
	}
	if _, err := store.InsertTransaction(context.Background(), input); !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
}

func TestServiceOverSQLite(test *testing.T) {
	store := openTestStore(test)
	service := mustService(test, store)
	ctx := context.Background()
	userID := mustUser(test, "user-42")
	if _, err := service.OpenAccount(ctx, userID); err != nil {
		test.Fatalf("open: %v", err)
	}
	depositKey, _ := ledger.NewIdempotencyKey("dep-42")
	amount, _ := ledger.NewPositiveAmountCents(5000)
	metadata, _ := ledger.NewMetadataJSON(`{"till":"front"}`)
	if _, err := service.Deposit(ctx, ledger.DepositRequest{
		UserID:          userID,
		Amount:          amount,
		PaymentMethod:   ledger.PaymentMethodCreditCard,
		ReferenceNumber: "RCPT-1",
		IdempotencyKey:  depositKey,
		Metadata:        metadata,
	}); err != nil {
		test.Fatalf("deposit: %v", err)
	}

	sessionID, _ := ledger.NewSessionID("42")
	charge, _ := ledger.NewPositiveAmountCents(1000)
	first, err := service.ChargeSession(ctx, userID, sessionID, charge)
	if err != nil {
		test.Fatalf("charge: %v", err)
	}
	second, err := service.ChargeSession(ctx, userID, sessionID, charge)
	if err != nil {
		test.Fatalf("replayed charge: %v", err)
	}
	if !second.Replayed || second.Transaction.TransactionID != first.Transaction.TransactionID {
		test.Fatalf("expected replay of the first charge")
	}

	balance, err := service.Balance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 4000 {
		test.Fatalf("expected balance 4000, got %d", balance)
	}

	transactions, err := service.ListTransactions(ctx, userID, 0, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(transactions) != 2 {
		test.Fatalf("expected two transactions, got %d", len(transactions))
	}
	usage := transactions[0]
	if usage.Type != ledger.TransactionComputerUsage || usage.SessionID == nil || usage.SessionID.String() != "42" {
		test.Fatalf("expected newest transaction to be the usage charge, got %+v", usage)
	}
	deposit := transactions[1]
	if deposit.PaymentMethod != ledger.PaymentMethodCreditCard || deposit.ReferenceNumber != "RCPT-1" {
		test.Fatalf("deposit details not persisted: %+v", deposit)
	}
	if deposit.Metadata.String() != `{"till":"front"}` {
		test.Fatalf("metadata not persisted: %s", deposit.Metadata.String())
	}
}
