// Package ledgerstore implements ledger.Store with GORM over postgres or sqlite.
package ledgerstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/cafeledger/internal/store/dberr"
	"github.com/MarkoPoloResearchLab/cafeledger/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintAccountIdempotencyKey = "uniq_transactions_account_idem"
	defaultMetadataJSON             = "{}"
	errorOperationStore             = "store"
	errorSubjectAccount             = "account"
	errorSubjectBalance             = "balance"
	errorSubjectTransaction         = "transaction"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeLock                   = "lock"
	errorCodeLookup                 = "lookup"
	errorCodeSumTotal               = "sum_total"
	errorCodeSumSession             = "sum_session"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"user_id": clause.Expr{SQL: "excluded.user_id"},
			}),
		}).
		FirstOrCreate(&account, Account{UserID: userID.String()}).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account)
}

func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(account)
}

// LockAccount takes a row lock on the account so balance checks and appends serialize.
// SQLite has no row locks; its single-connection pool serializes writers instead.
func (store *Store) LockAccount(ctx context.Context, accountID ledger.AccountID) error {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID.String()).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wrapStoreError(errorSubjectAccount, errorCodeLock, ledger.ErrUnknownAccount)
		}
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	var sessionID *string
	if input.SessionID != nil {
		value := input.SessionID.String()
		sessionID = &value
	}
	row := LedgerTransaction{
		AccountID:       input.AccountID.String(),
		Type:            input.Type.String(),
		AmountCents:     input.AmountCents.Int64(),
		SessionID:       sessionID,
		IdempotencyKey:  input.IdempotencyKey.String(),
		Description:     input.Description,
		PaymentMethod:   input.PaymentMethod.String(),
		ReferenceNumber: input.ReferenceNumber,
		Metadata:        datatypesJSON(input.Metadata.String()),
		CreatedAt:       time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if input.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if dberr.IsUniqueViolation(err, constraintAccountIdempotencyKey) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) GetTransactionByIdempotencyKey(ctx context.Context, accountID ledger.AccountID, key ledger.IdempotencyKey) (ledger.Transaction, error) {
	var row LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID.String(), key.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrUnknownTransaction)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) SumBalance(ctx context.Context, accountID ledger.AccountID) (ledger.AmountCents, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerTransaction{}).
		Select("coalesce(sum(amount_cents),0) as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumTotal, err)
	}
	return ledger.AmountCents(sum.Total), nil
}

func (store *Store) SumSessionAmount(ctx context.Context, accountID ledger.AccountID, sessionID ledger.SessionID, transactionType ledger.TransactionType) (ledger.AmountCents, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerTransaction{}).
		Select("coalesce(sum(amount_cents),0) as total").
		Where("account_id = ? AND session_id = ? AND type = ?", accountID.String(), sessionID.String(), transactionType.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumSession, err)
	}
	return ledger.AmountCents(sum.Total), nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(row Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{AccountID: accountID, UserID: userID, CreatedUnixUTC: row.CreatedAt.Unix()}, nil
}

func mapTransaction(row LedgerTransaction) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var sessionID *ledger.SessionID
	if row.SessionID != nil {
		parsedSessionID, err := ledger.NewSessionID(*row.SessionID)
		if err != nil {
			return ledger.Transaction{}, err
		}
		sessionID = &parsedSessionID
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Transaction{}, err
	}
	paymentMethod, err := ledger.ParsePaymentMethod(row.PaymentMethod)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		TransactionID:   transactionID,
		AccountID:       accountID,
		Type:            transactionType,
		AmountCents:     ledger.AmountCents(row.AmountCents),
		SessionID:       sessionID,
		IdempotencyKey:  idempotencyKey,
		Description:     row.Description,
		PaymentMethod:   paymentMethod,
		ReferenceNumber: row.ReferenceNumber,
		Metadata:        metadata,
		CreatedUnixUTC:  row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}
