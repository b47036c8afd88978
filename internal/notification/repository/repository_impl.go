package repository

import (
	"context"

	"github.com/smallbiznis/tallybill/internal/notification/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.Entry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO notification_logs (id, tenant_id, kind, recipient, subject, body, status, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.TenantID,
		entry.Kind,
		entry.Recipient,
		entry.Subject,
		entry.Body,
		entry.Status,
		entry.Payload,
		entry.CreatedAt,
	).Error
}
