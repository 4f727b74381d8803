// Package audit stamps who created and last changed a row.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	// SystemActor is recorded when no actor travels with the request context.
	SystemActor = "system"

	fieldCreatedBy = "CreatedBy"
	fieldUpdatedBy = "UpdatedBy"

	callbackCreate = "audit:stamp_create"
	callbackUpdate = "audit:stamp_update"
)

// Audit is embedded by persisted models that record authorship.
type Audit struct {
	CreatedAt time.Time `gorm:"not null"`
	CreatedBy string    `gorm:"size:255;not null;default:''"`
	UpdatedAt time.Time `gorm:"not null"`
	UpdatedBy string    `gorm:"size:255;not null;default:''"`
}

type actorKey struct{}

// WithActor attaches the acting principal to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	trimmed := strings.TrimSpace(actor)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, trimmed)
}

// ActorFrom returns the actor stored in ctx, or SystemActor.
func ActorFrom(ctx context.Context) string {
	if ctx == nil {
		return SystemActor
	}
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return SystemActor
}

// Register installs create and update callbacks that fill CreatedBy and UpdatedBy.
func Register(db *gorm.DB) error {
	if err := db.Callback().Create().Before("gorm:create").Register(callbackCreate, stampCreate); err != nil {
		return fmt.Errorf("audit: register create callback: %w", err)
	}
	if err := db.Callback().Update().Before("gorm:update").Register(callbackUpdate, stampUpdate); err != nil {
		return fmt.Errorf("audit: register update callback: %w", err)
	}
	return nil
}

func stampCreate(tx *gorm.DB) {
	if tx.Statement.Schema == nil {
		return
	}
	actor := ActorFrom(tx.Statement.Context)
	if tx.Statement.Schema.LookUpField(fieldCreatedBy) != nil {
		tx.Statement.SetColumn(fieldCreatedBy, actor, true)
	}
	if tx.Statement.Schema.LookUpField(fieldUpdatedBy) != nil {
		tx.Statement.SetColumn(fieldUpdatedBy, actor, true)
	}
}

func stampUpdate(tx *gorm.DB) {
	if tx.Statement.Schema == nil || tx.Statement.Schema.LookUpField(fieldUpdatedBy) == nil {
		return
	}
	tx.Statement.SetColumn(fieldUpdatedBy, ActorFrom(tx.Statement.Context), true)
}
