package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tallybill/internal/profile/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, profile *domain.Profile) error {
	if !profile.Valid() {
		return domain.ErrInvalidState
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO profiles (id, tenant_id, email, full_name, stripe_account_id, connect_status,
		 onboarding_completed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		profile.ID,
		profile.TenantID,
		profile.Email,
		profile.FullName,
		profile.StripeAccountID,
		profile.ConnectStatus,
		profile.OnboardingCompleted,
		profile.CreatedAt,
		profile.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*domain.Profile, error) {
	var profile domain.Profile
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, email, full_name, stripe_account_id, connect_status, onboarding_completed,
		 created_at, updated_at
		 FROM profiles WHERE tenant_id = ? AND id = ?`,
		tenantID,
		id,
	).Scan(&profile).Error
	if err != nil {
		return nil, err
	}
	if profile.ID == 0 {
		return nil, nil
	}
	return &profile, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*domain.Profile, error) {
	return r.findLocked(ctx, db, "tenant_id = ? AND id = ?", tenantID, id)
}

func (r *repo) FindByAccountIDForUpdate(ctx context.Context, db *gorm.DB, accountID string) (*domain.Profile, error) {
	if accountID == "" {
		return nil, nil
	}
	return r.findLocked(ctx, db, "stripe_account_id = ?", accountID)
}

// FindActiveMerchant returns the tenant's profile whose Connect account can take payments.
func (r *repo) FindActiveMerchant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*domain.Profile, error) {
	var profile domain.Profile
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, email, full_name, stripe_account_id, connect_status, onboarding_completed,
		 created_at, updated_at
		 FROM profiles
		 WHERE tenant_id = ? AND connect_status = ? AND stripe_account_id IS NOT NULL
		 ORDER BY created_at ASC
		 LIMIT 1`,
		tenantID,
		domain.ConnectStatusActive,
	).Scan(&profile).Error
	if err != nil {
		return nil, err
	}
	if profile.ID == 0 {
		return nil, nil
	}
	return &profile, nil
}

func (r *repo) findLocked(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Profile, error) {
	var profile domain.Profile
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(query, args...).
		Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *repo) UpdateConnect(ctx context.Context, db *gorm.DB, profile *domain.Profile) error {
	if !profile.Valid() {
		return domain.ErrInvalidState
	}
	return db.WithContext(ctx).Exec(
		`UPDATE profiles
		 SET stripe_account_id = ?, connect_status = ?, onboarding_completed = ?, updated_at = ?
		 WHERE id = ?`,
		profile.StripeAccountID,
		profile.ConnectStatus,
		profile.OnboardingCompleted,
		profile.UpdatedAt,
		profile.ID,
	).Error
}
