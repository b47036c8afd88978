package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, profile *Profile) error
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Profile, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Profile, error)
	FindByAccountIDForUpdate(ctx context.Context, db *gorm.DB, accountID string) (*Profile, error)
	FindActiveMerchant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*Profile, error)
	// UpdateConnect writes the connect columns; the caller stamps UpdatedAt.
	UpdateConnect(ctx context.Context, db *gorm.DB, profile *Profile) error
}

var (
	ErrNotFound     = errors.New("profile_not_found")
	ErrInvalidState = errors.New("invalid_connect_state")
)
