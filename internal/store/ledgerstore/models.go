package ledgerstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID string    `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"size:255;not null;uniqueIndex:uniq_accounts_user"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerTransaction mirrors the ledger_transactions table.
type LedgerTransaction struct {
	TransactionID   string         `gorm:"type:uuid;primaryKey"`
	AccountID       string         `gorm:"type:uuid;not null;index:idx_transactions_account_created,priority:1;uniqueIndex:uniq_transactions_account_idem,priority:1"`
	Type            string         `gorm:"size:32;not null"`
	AmountCents     int64          `gorm:"not null"`
	SessionID       *string        `gorm:"size:64;index:idx_transactions_session"`
	IdempotencyKey  string         `gorm:"size:255;not null;uniqueIndex:uniq_transactions_account_idem,priority:2"`
	Description     string         `gorm:"size:500;not null;default:''"`
	PaymentMethod   string         `gorm:"size:32;not null;default:''"`
	ReferenceNumber string         `gorm:"size:100;not null;default:''"`
	Metadata        datatypes.JSON `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Models lists every table owned by the ledger store, in creation order.
func Models() []any {
	return []any{&Account{}, &LedgerTransaction{}}
}
