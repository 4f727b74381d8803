package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// DepositRequest describes funds added to an account.
type DepositRequest struct {
	UserID          UserID
	Amount          PositiveAmountCents
	PaymentMethod   PaymentMethod
	ReferenceNumber string
	IdempotencyKey  IdempotencyKey
	Metadata        MetadataJSON
}

// WithdrawRequest describes funds removed from an account at the owner's request.
type WithdrawRequest struct {
	UserID         UserID
	Amount         PositiveAmountCents
	Reason         string
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// OpenAccount returns the user's account, creating it on first use.
func (service *Service) OpenAccount(ctx context.Context, userID UserID) (Account, error) {
	account, operationError := service.store.GetOrCreateAccount(ctx, userID)
	service.logOperation(ctx, OperationLog{
		Operation: operationOpenAccount,
		UserID:    userID,
		Error:     operationError,
	})
	return account, operationError
}

// Account returns the user's account or ErrUnknownAccount.
func (service *Service) Account(ctx context.Context, userID UserID) (Account, error) {
	return service.store.GetAccount(ctx, userID)
}

// Balance sums every transaction recorded for the user's account.
func (service *Service) Balance(ctx context.Context, userID UserID) (AmountCents, error) {
	account, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return service.store.SumBalance(ctx, account.AccountID)
}

// Deposit appends a positive deposit transaction.
func (service *Service) Deposit(ctx context.Context, request DepositRequest) (Transaction, error) {
	var (
		transaction Transaction
		replayed    bool
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccount(ctx, request.UserID)
		if err != nil {
			return err
		}
		input, err := NewTransactionInput(
			account.AccountID,
			TransactionDeposit,
			request.Amount.ToAmountCents(),
			nil,
			request.IdempotencyKey,
			"Deposit to account",
			request.Metadata,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		input.PaymentMethod = request.PaymentMethod
		input.ReferenceNumber = request.ReferenceNumber
		transaction, replayed, err = appendIdempotent(ctx, transactionStore, input, nil)
		return err
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		transaction, operationError = service.replayDuplicate(ctx, request.UserID, request.IdempotencyKey, TransactionDeposit, request.Amount.ToAmountCents(), nil)
		replayed = operationError == nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationDeposit,
		UserID:         request.UserID,
		Amount:         request.Amount.ToAmountCents(),
		IdempotencyKey: request.IdempotencyKey,
		Status:         replayStatus(replayed, operationError),
		Error:          operationError,
	})
	return transaction, operationError
}

// Withdraw appends a negative withdrawal if the balance covers it.
func (service *Service) Withdraw(ctx context.Context, request WithdrawRequest) (Transaction, error) {
	var (
		transaction Transaction
		replayed    bool
	)
	description := request.Reason
	if description == "" {
		description = "Withdrawal from account"
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccount(ctx, request.UserID)
		if err != nil {
			return err
		}
		if err := transactionStore.LockAccount(ctx, account.AccountID); err != nil {
			return err
		}
		input, err := NewTransactionInput(
			account.AccountID,
			TransactionWithdrawal,
			request.Amount.ToAmountCents().Negated(),
			nil,
			request.IdempotencyKey,
			description,
			request.Metadata,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		transaction, replayed, err = appendIdempotent(ctx, transactionStore, input, func(ctx context.Context) error {
			balance, err := transactionStore.SumBalance(ctx, account.AccountID)
			if err != nil {
				return err
			}
			if balance < request.Amount.ToAmountCents() {
				return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientFunds, balance, request.Amount)
			}
			return nil
		})
		return err
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		transaction, operationError = service.replayDuplicate(ctx, request.UserID, request.IdempotencyKey, TransactionWithdrawal, request.Amount.ToAmountCents().Negated(), nil)
		replayed = operationError == nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationWithdraw,
		UserID:         request.UserID,
		Amount:         request.Amount.ToAmountCents(),
		IdempotencyKey: request.IdempotencyKey,
		Status:         replayStatus(replayed, operationError),
		Error:          operationError,
	})
	return transaction, operationError
}

// ChargeSession debits the cost of a closed session exactly once per session id.
// The balance is not checked: a session that already happened is always billed.
func (service *Service) ChargeSession(ctx context.Context, userID UserID, sessionID SessionID, amount PositiveAmountCents) (ChargeResult, error) {
	var result ChargeResult
	idempotencyKey, operationError := deriveSessionKey(sessionID, idempotencySuffixUsage)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := transactionStore.GetAccount(ctx, userID)
			if err != nil {
				return err
			}
			if err := transactionStore.LockAccount(ctx, account.AccountID); err != nil {
				return err
			}
			input, err := NewTransactionInput(
				account.AccountID,
				TransactionComputerUsage,
				amount.ToAmountCents().Negated(),
				&sessionID,
				idempotencyKey,
				fmt.Sprintf("Charge for session #%s", sessionID.String()),
				MetadataJSON{},
				service.nowFn(),
			)
			if err != nil {
				return err
			}
			result.Transaction, result.Replayed, err = appendIdempotent(ctx, transactionStore, input, nil)
			return err
		})
		if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
			result.Transaction, operationError = service.replayDuplicate(ctx, userID, idempotencyKey, TransactionComputerUsage, amount.ToAmountCents().Negated(), &sessionID)
			result.Replayed = operationError == nil
		}
	}
	sessionRef := sessionID
	service.logOperation(ctx, OperationLog{
		Operation:      operationChargeSession,
		UserID:         userID,
		SessionID:      &sessionRef,
		Amount:         amount.ToAmountCents(),
		IdempotencyKey: idempotencyKey,
		Status:         replayStatus(result.Replayed, operationError),
		Error:          operationError,
	})
	return result, operationError
}

// Refund credits back part or all of a session charge, once per session.
func (service *Service) Refund(ctx context.Context, userID UserID, sessionID SessionID, amount PositiveAmountCents, reason string) (Transaction, error) {
	var (
		transaction Transaction
		replayed    bool
	)
	description := reason
	if description == "" {
		description = fmt.Sprintf("Refund for session #%s", sessionID.String())
	}
	idempotencyKey, operationError := deriveSessionKey(sessionID, idempotencySuffixRefund)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := transactionStore.GetAccount(ctx, userID)
			if err != nil {
				return err
			}
			if err := transactionStore.LockAccount(ctx, account.AccountID); err != nil {
				return err
			}
			input, err := NewTransactionInput(
				account.AccountID,
				TransactionRefund,
				amount.ToAmountCents(),
				&sessionID,
				idempotencyKey,
				description,
				MetadataJSON{},
				service.nowFn(),
			)
			if err != nil {
				return err
			}
			transaction, replayed, err = appendIdempotent(ctx, transactionStore, input, func(ctx context.Context) error {
				charged, err := transactionStore.SumSessionAmount(ctx, account.AccountID, sessionID, TransactionComputerUsage)
				if err != nil {
					return err
				}
				if amount.ToAmountCents() > charged.Negated() {
					return fmt.Errorf("%w: charged %d, requested %d", ErrRefundExceedsCharge, charged.Negated(), amount)
				}
				return nil
			})
			return err
		})
		if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
			transaction, operationError = service.replayDuplicate(ctx, userID, idempotencyKey, TransactionRefund, amount.ToAmountCents(), &sessionID)
			replayed = operationError == nil
		}
	}
	sessionRef := sessionID
	service.logOperation(ctx, OperationLog{
		Operation:      operationRefund,
		UserID:         userID,
		SessionID:      &sessionRef,
		Amount:         amount.ToAmountCents(),
		IdempotencyKey: idempotencyKey,
		Status:         replayStatus(replayed, operationError),
		Error:          operationError,
	})
	return transaction, operationError
}

// ListTransactions lists ledger transactions for a user before a cutoff time, newest first.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	normalizedLimit, err := normalizeListLimit(limit)
	if err != nil {
		return nil, err
	}
	account, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if beforeUnixUTC <= 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListTransactions(ctx, account.AccountID, beforeUnixUTC, normalizedLimit)
}

// replayDuplicate resolves a unique-key race lost to a concurrent writer of the same request.
func (service *Service) replayDuplicate(ctx context.Context, userID UserID, idempotencyKey IdempotencyKey, transactionType TransactionType, amount AmountCents, sessionID *SessionID) (Transaction, error) {
	account, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return Transaction{}, err
	}
	existing, err := service.store.GetTransactionByIdempotencyKey(ctx, account.AccountID, idempotencyKey)
	if err != nil {
		return Transaction{}, err
	}
	if !matchesRequest(existing, transactionType, amount, sessionID) {
		return Transaction{}, WrapError("service", "transaction", "idempotency_conflict", ErrIdempotencyConflict)
	}
	return existing, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		entry.Status = replayStatus(false, entry.Error)
	}
	service.logger.LogOperation(ctx, entry)
}

// appendIdempotent returns the stored transaction when the key was already used for the same
// request, and otherwise runs guard and inserts the input.
func appendIdempotent(ctx context.Context, transactionStore Store, input TransactionInput, guard func(ctx context.Context) error) (Transaction, bool, error) {
	existing, err := transactionStore.GetTransactionByIdempotencyKey(ctx, input.AccountID, input.IdempotencyKey)
	if err == nil {
		if !matchesRequest(existing, input.Type, input.AmountCents, input.SessionID) {
			return Transaction{}, false, WrapError("service", "transaction", "idempotency_conflict", ErrIdempotencyConflict)
		}
		return existing, true, nil
	}
	if !errors.Is(err, ErrUnknownTransaction) {
		return Transaction{}, false, err
	}
	if guard != nil {
		if err := guard(ctx); err != nil {
			return Transaction{}, false, err
		}
	}
	created, err := transactionStore.InsertTransaction(ctx, input)
	if err != nil {
		return Transaction{}, false, err
	}
	return created, false, nil
}

func matchesRequest(existing Transaction, transactionType TransactionType, amount AmountCents, sessionID *SessionID) bool {
	if existing.Type != transactionType || existing.AmountCents != amount {
		return false
	}
	if (existing.SessionID == nil) != (sessionID == nil) {
		return false
	}
	return sessionID == nil || *existing.SessionID == *sessionID
}

func deriveSessionKey(sessionID SessionID, suffix string) (IdempotencyKey, error) {
	combined := idempotencyPrefixSession + idempotencyKeyDelimiter + sessionID.String() + idempotencyKeyDelimiter + suffix
	return NewIdempotencyKey(combined)
}

func normalizeListLimit(limit int) (int, error) {
	if limit <= 0 {
		return defaultListLimit, nil
	}
	if limit > maxListLimit {
		return 0, fmt.Errorf("%w: %d > %d", ErrInvalidListLimit, limit, maxListLimit)
	}
	return limit, nil
}

func replayStatus(replayed bool, err error) string {
	if err != nil {
		return operationStatusError
	}
	if replayed {
		return operationStatusReplayed
	}
	return operationStatusOK
}
