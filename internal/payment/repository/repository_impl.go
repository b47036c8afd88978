package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tallybill/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (id, tenant_id, invoice_id, checkout_session_id, payment_intent_id, amount, currency,
		 status, payment_method_type, paid_at, expires_at, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.TenantID,
		payment.InvoiceID,
		payment.CheckoutSessionID,
		payment.PaymentIntentID,
		payment.Amount,
		payment.Currency,
		payment.Status,
		payment.PaymentMethodType,
		payment.PaidAt,
		payment.ExpiresAt,
		payment.Metadata,
		payment.CreatedAt,
		payment.UpdatedAt,
	).Error
}

func (r *repo) RecordPending(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`SELECT record_pending_payment(?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.TenantID,
		payment.InvoiceID,
		payment.CheckoutSessionID,
		payment.Amount,
		payment.Currency,
		payment.ExpiresAt,
	).Error
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, invoiceID, id snowflake.ID) (*domain.Payment, error) {
	return r.findLocked(ctx, db.Where("invoice_id = ? AND id = ?", invoiceID, id))
}

func (r *repo) FindByIntentForUpdate(ctx context.Context, db *gorm.DB, intentID string) (*domain.Payment, error) {
	if intentID == "" {
		return nil, nil
	}
	return r.findLocked(ctx, db.Where("payment_intent_id = ?", intentID))
}

func (r *repo) FindBySessionForUpdate(ctx context.Context, db *gorm.DB, sessionID string) (*domain.Payment, error) {
	if sessionID == "" {
		return nil, nil
	}
	return r.findLocked(ctx, db.Where("checkout_session_id = ?", sessionID))
}

func (r *repo) FindUnattachedForUpdate(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, statuses ...domain.Status) (*domain.Payment, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	return r.findLocked(ctx, db.
		Where("invoice_id = ? AND payment_intent_id IS NULL AND status IN ?", invoiceID, statuses).
		Order("created_at DESC, id DESC"))
}

func (r *repo) findLocked(ctx context.Context, scoped *gorm.DB) (*domain.Payment, error) {
	var payment domain.Payment
	err := scoped.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repo) HasSucceeded(ctx context.Context, db *gorm.DB, invoiceID, excludeID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM payments WHERE invoice_id = ? AND status = ? AND id <> ?`,
		invoiceID,
		domain.StatusSucceeded,
		excludeID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET checkout_session_id = ?, payment_intent_id = ?, status = ?, payment_method_type = ?,
		     paid_at = ?, updated_at = ?
		 WHERE id = ?`,
		payment.CheckoutSessionID,
		payment.PaymentIntentID,
		payment.Status,
		payment.PaymentMethodType,
		payment.PaidAt,
		payment.UpdatedAt,
		payment.ID,
	).Error
}

func (r *repo) ListExpiredPending(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []domain.Payment
	err := db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", domain.StatusPending, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
