package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, tenant *Tenant) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Tenant, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Tenant, error)
	FindByCustomerIDForUpdate(ctx context.Context, db *gorm.DB, customerID string) (*Tenant, error)
	// UpdateSubscription writes the subscription columns; the caller stamps UpdatedAt.
	UpdateSubscription(ctx context.Context, db *gorm.DB, tenant *Tenant) error
	SetCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, customerID string, at time.Time) error
}

var (
	ErrNotFound = errors.New("tenant_not_found")
)
