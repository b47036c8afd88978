package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	InsertClient(ctx context.Context, db *gorm.DB, client *Client) error
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Invoice, error)
	// FindWithClient returns the invoice and its client; the client is nil when the row is missing.
	FindWithClient(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Invoice, *Client, error)
	// MarkPaid reports whether the row changed. Paid and cancelled invoices are left alone.
	MarkPaid(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID, at time.Time) (bool, error)
	SetCheckoutSession(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID, sessionID string, at time.Time) error
}
