package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tallybill/internal/tenant/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, tenant *domain.Tenant) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO tenants (id, name, email, stripe_customer_id, stripe_subscription_id, subscription_status,
		 subscription_period_end, invoice_count, invoice_limit, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tenant.ID,
		tenant.Name,
		tenant.Email,
		tenant.StripeCustomerID,
		tenant.StripeSubscriptionID,
		tenant.SubscriptionStatus,
		tenant.SubscriptionPeriodEnd,
		tenant.InvoiceCount,
		tenant.InvoiceLimit,
		tenant.CreatedAt,
		tenant.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, email, stripe_customer_id, stripe_subscription_id, subscription_status,
		 subscription_period_end, invoice_count, invoice_limit, created_at, updated_at
		 FROM tenants WHERE id = ?`,
		id,
	).Scan(&tenant).Error
	if err != nil {
		return nil, err
	}
	if tenant.ID == 0 {
		return nil, nil
	}
	return &tenant, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Tenant, error) {
	return r.findLocked(ctx, db, "id = ?", id)
}

func (r *repo) FindByCustomerIDForUpdate(ctx context.Context, db *gorm.DB, customerID string) (*domain.Tenant, error) {
	if customerID == "" {
		return nil, nil
	}
	return r.findLocked(ctx, db, "stripe_customer_id = ?", customerID)
}

func (r *repo) findLocked(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(query, args...).
		Take(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (r *repo) UpdateSubscription(ctx context.Context, db *gorm.DB, tenant *domain.Tenant) error {
	return db.WithContext(ctx).Exec(
		`UPDATE tenants
		 SET stripe_customer_id = ?, stripe_subscription_id = ?, subscription_status = ?,
		     subscription_period_end = ?, invoice_limit = ?, updated_at = ?
		 WHERE id = ?`,
		tenant.StripeCustomerID,
		tenant.StripeSubscriptionID,
		tenant.SubscriptionStatus,
		tenant.SubscriptionPeriodEnd,
		tenant.InvoiceLimit,
		tenant.UpdatedAt,
		tenant.ID,
	).Error
}

func (r *repo) SetCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, customerID string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE tenants SET stripe_customer_id = ?, updated_at = ? WHERE id = ? AND stripe_customer_id IS NULL`,
		customerID,
		at,
		id,
	).Error
}
