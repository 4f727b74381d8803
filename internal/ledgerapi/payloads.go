package ledgerapi

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/cafeledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

type openAccountRequest struct {
	UserID string `json:"userId"`
}

type depositRequest struct {
	UserID          string          `json:"userId"`
	Amount          decimal.Decimal `json:"amount"`
	PaymentMethod   string          `json:"paymentMethod"`
	ReferenceNumber string          `json:"referenceNumber"`
	IdempotencyKey  string          `json:"idempotencyKey"`
	Metadata        map[string]any  `json:"metadata"`
}

func (request depositRequest) toCommand() (ledger.DepositRequest, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return ledger.DepositRequest{}, err
	}
	amount, err := ledger.PositiveAmountFromDecimal(request.Amount)
	if err != nil {
		return ledger.DepositRequest{}, err
	}
	method, err := ledger.ParsePaymentMethod(request.PaymentMethod)
	if err != nil {
		return ledger.DepositRequest{}, err
	}
	key, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return ledger.DepositRequest{}, err
	}
	metadata, err := ledger.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		return ledger.DepositRequest{}, err
	}
	return ledger.DepositRequest{
		UserID:          userID,
		Amount:          amount,
		PaymentMethod:   method,
		ReferenceNumber: request.ReferenceNumber,
		IdempotencyKey:  key,
		Metadata:        metadata,
	}, nil
}

type withdrawRequest struct {
	UserID         string          `json:"userId"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Metadata       map[string]any  `json:"metadata"`
}

func (request withdrawRequest) toCommand() (ledger.WithdrawRequest, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return ledger.WithdrawRequest{}, err
	}
	amount, err := ledger.PositiveAmountFromDecimal(request.Amount)
	if err != nil {
		return ledger.WithdrawRequest{}, err
	}
	key, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return ledger.WithdrawRequest{}, err
	}
	metadata, err := ledger.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		return ledger.WithdrawRequest{}, err
	}
	return ledger.WithdrawRequest{
		UserID:         userID,
		Amount:         amount,
		Reason:         request.Reason,
		IdempotencyKey: key,
		Metadata:       metadata,
	}, nil
}

// accountId carries the owning user id, as in the session service's original contract.
type chargeRequest struct {
	AccountID string          `json:"accountId"`
	SessionID json.Number     `json:"sessionId"`
	Amount    decimal.Decimal `json:"amount"`
}

type refundRequest struct {
	UserID    string          `json:"userId"`
	SessionID json.Number     `json:"sessionId"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
}

type accountPayload struct {
	AccountID string           `json:"accountId"`
	UserID    string           `json:"userId"`
	CreatedAt time.Time        `json:"createdAt"`
	Balance   *decimal.Decimal `json:"balance,omitempty"`
}

func newAccountPayload(account ledger.Account, balance *ledger.AmountCents) accountPayload {
	payload := accountPayload{
		AccountID: account.AccountID.String(),
		UserID:    account.UserID.String(),
		CreatedAt: time.Unix(account.CreatedUnixUTC, 0).UTC(),
	}
	if balance != nil {
		value := balance.Decimal()
		payload.Balance = &value
	}
	return payload
}

type balancePayload struct {
	UserID  string          `json:"userId"`
	Balance decimal.Decimal `json:"balance"`
}

type transactionPayload struct {
	TransactionID   string          `json:"transactionId"`
	AccountID       string          `json:"accountId"`
	Type            string          `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	SessionID       string          `json:"sessionId,omitempty"`
	IdempotencyKey  string          `json:"idempotencyKey"`
	Description     string          `json:"description"`
	PaymentMethod   string          `json:"paymentMethod,omitempty"`
	ReferenceNumber string          `json:"referenceNumber,omitempty"`
	Metadata        json.RawMessage `json:"metadata"`
	CreatedAt       time.Time       `json:"createdAt"`
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	payload := transactionPayload{
		TransactionID:   transaction.TransactionID.String(),
		AccountID:       transaction.AccountID.String(),
		Type:            transaction.Type.String(),
		Amount:          transaction.AmountCents.Decimal(),
		IdempotencyKey:  transaction.IdempotencyKey.String(),
		Description:     transaction.Description,
		PaymentMethod:   transaction.PaymentMethod.String(),
		ReferenceNumber: transaction.ReferenceNumber,
		Metadata:        json.RawMessage(transaction.Metadata.String()),
		CreatedAt:       time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if transaction.SessionID != nil {
		payload.SessionID = transaction.SessionID.String()
	}
	return payload
}

type chargePayload struct {
	Transaction transactionPayload `json:"transaction"`
	Replayed    bool               `json:"replayed"`
}
