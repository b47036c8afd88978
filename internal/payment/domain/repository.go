package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository methods ending in ForUpdate take a row lock and must run inside a transaction.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	// RecordPending calls the record_pending_payment SQL function.
	RecordPending(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, invoiceID, id snowflake.ID) (*Payment, error)
	FindByIntentForUpdate(ctx context.Context, db *gorm.DB, intentID string) (*Payment, error)
	FindBySessionForUpdate(ctx context.Context, db *gorm.DB, sessionID string) (*Payment, error)
	// FindUnattachedForUpdate returns the newest payment of the invoice in one of
	// statuses with no intent id.
	FindUnattachedForUpdate(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, statuses ...Status) (*Payment, error)
	HasSucceeded(ctx context.Context, db *gorm.DB, invoiceID, excludeID snowflake.ID) (bool, error)
	// Update writes the mutable columns; the caller stamps UpdatedAt.
	Update(ctx context.Context, db *gorm.DB, payment *Payment) error
	ListExpiredPending(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Payment, error)
}
