package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCents is a signed integer currency in cents.
type AmountCents int64

// Int64 returns the raw cent value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// Negated flips the sign of the amount.
func (amount AmountCents) Negated() AmountCents {
	return -amount
}

// PositiveAmountCents is an amount that is strictly greater than zero.
type PositiveAmountCents int64

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return PositiveAmountCents(raw), nil
}

// ToAmountCents widens the positive amount into a signed amount.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// Int64 returns the raw cent value.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// AccountID identifies a ledger account.
type AccountID struct {
	value string
}

// TransactionID identifies a ledger transaction.
type TransactionID struct {
	value string
}

// SessionID references a workstation session owned by the session service.
type SessionID struct {
	value string
}

// IdempotencyKey scopes duplicate detection.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewSessionID validates and normalizes a session reference.
func NewSessionID(raw string) (SessionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SessionID{}, fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	return SessionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SessionID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionDeposit       TransactionType = "deposit"
	TransactionWithdrawal    TransactionType = "withdrawal"
	TransactionComputerUsage TransactionType = "computer_usage"
	TransactionServiceCharge TransactionType = "service_charge"
	TransactionRefund        TransactionType = "refund"
)

// ParseTransactionType validates a stored or requested transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.TrimSpace(raw)) {
	case TransactionDeposit:
		return TransactionDeposit, nil
	case TransactionWithdrawal:
		return TransactionWithdrawal, nil
	case TransactionComputerUsage:
		return TransactionComputerUsage, nil
	case TransactionServiceCharge:
		return TransactionServiceCharge, nil
	case TransactionRefund:
		return TransactionRefund, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Credits reports whether the type adds funds to an account.
func (transactionType TransactionType) Credits() bool {
	return transactionType == TransactionDeposit || transactionType == TransactionRefund
}

// PaymentMethod records how a deposit was funded.
type PaymentMethod string

const (
	PaymentMethodNone             PaymentMethod = ""
	PaymentMethodCash             PaymentMethod = "cash"
	PaymentMethodCreditCard       PaymentMethod = "credit_card"
	PaymentMethodDebitCard        PaymentMethod = "debit_card"
	PaymentMethodElectronicWallet PaymentMethod = "electronic_wallet"
)

// ParsePaymentMethod validates a payment method; empty input means none.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	switch PaymentMethod(strings.TrimSpace(raw)) {
	case PaymentMethodNone:
		return PaymentMethodNone, nil
	case PaymentMethodCash:
		return PaymentMethodCash, nil
	case PaymentMethodCreditCard:
		return PaymentMethodCreditCard, nil
	case PaymentMethodDebitCard:
		return PaymentMethodDebitCard, nil
	case PaymentMethodElectronicWallet:
		return PaymentMethodElectronicWallet, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, raw)
	}
}

// String returns the stored representation.
func (method PaymentMethod) String() string {
	return string(method)
}

// Account is the ledger account owned by exactly one user.
type Account struct {
	AccountID      AccountID
	UserID         UserID
	CreatedUnixUTC int64
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	TransactionID   TransactionID
	AccountID       AccountID
	Type            TransactionType
	AmountCents     AmountCents
	SessionID       *SessionID
	IdempotencyKey  IdempotencyKey
	Description     string
	PaymentMethod   PaymentMethod
	ReferenceNumber string
	Metadata        MetadataJSON
	CreatedUnixUTC  int64
}

// TransactionInput is what the service asks the store to append.
type TransactionInput struct {
	AccountID       AccountID
	Type            TransactionType
	AmountCents     AmountCents
	SessionID       *SessionID
	IdempotencyKey  IdempotencyKey
	Description     string
	PaymentMethod   PaymentMethod
	ReferenceNumber string
	Metadata        MetadataJSON
	CreatedUnixUTC  int64
}

// NewTransactionInput validates that the sign of the amount matches the transaction type.
func NewTransactionInput(accountID AccountID, transactionType TransactionType, amount AmountCents, sessionID *SessionID, idempotencyKey IdempotencyKey, description string, metadata MetadataJSON, createdUnixUTC int64) (TransactionInput, error) {
	if accountID.String() == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseTransactionType(transactionType.String()); err != nil {
		return TransactionInput{}, err
	}
	if amount == 0 {
		return TransactionInput{}, fmt.Errorf("%w: transaction amount must be non-zero", ErrInvalidAmountCents)
	}
	if transactionType.Credits() != (amount > 0) {
		return TransactionInput{}, fmt.Errorf("%w: sign does not match %s", ErrInvalidAmountCents, transactionType)
	}
	if idempotencyKey.String() == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return TransactionInput{
		AccountID:      accountID,
		Type:           transactionType,
		AmountCents:    amount,
		SessionID:      sessionID,
		IdempotencyKey: idempotencyKey,
		Description:    description,
		Metadata:       metadata,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

// ChargeResult reports the usage transaction for a session charge.
type ChargeResult struct {
	Transaction Transaction
	Replayed    bool
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, userID UserID) (Account, error)
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	LockAccount(ctx context.Context, accountID AccountID) error
	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, accountID AccountID, key IdempotencyKey) (Transaction, error)
	SumBalance(ctx context.Context, accountID AccountID) (AmountCents, error)
	SumSessionAmount(ctx context.Context, accountID AccountID, sessionID SessionID, transactionType TransactionType) (AmountCents, error)
	ListTransactions(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error)
}
