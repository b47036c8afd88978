package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tallybill/internal/invoice/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const invoiceColumns = `id, tenant_id, client_id, invoice_number, total_amount, currency, status, checkout_session_id,
 recurrence_rule, next_run_at, reminder_count, last_reminder_sent_at, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	if err := invoice.Validate(); err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoices (`+invoiceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.TenantID,
		invoice.ClientID,
		invoice.InvoiceNumber,
		invoice.TotalAmount,
		invoice.Currency,
		invoice.Status,
		invoice.CheckoutSessionID,
		invoice.RecurrenceRule,
		invoice.NextRunAt,
		invoice.ReminderCount,
		invoice.LastReminderSentAt,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	).Error
}

func (r *repo) InsertClient(ctx context.Context, db *gorm.DB, client *domain.Client) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO clients (id, tenant_id, name, email, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		client.ID,
		client.TenantID,
		client.Name,
		client.Email,
		client.CreatedAt,
		client.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoices WHERE tenant_id = ? AND id = ?`,
		tenantID,
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) FindWithClient(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*domain.Invoice, *domain.Client, error) {
	invoice, err := r.FindByID(ctx, db, tenantID, id)
	if err != nil || invoice == nil {
		return nil, nil, err
	}

	var client domain.Client
	err = db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, name, email, created_at, updated_at
		 FROM clients WHERE tenant_id = ? AND id = ?`,
		tenantID,
		invoice.ClientID,
	).Scan(&client).Error
	if err != nil {
		return nil, nil, err
	}
	if client.ID == 0 {
		return invoice, nil, nil
	}
	return invoice, &client, nil
}

func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE invoices SET status = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND status NOT IN ?`,
		domain.InvoiceStatusPaid,
		at,
		tenantID,
		id,
		[]domain.InvoiceStatus{domain.InvoiceStatusPaid, domain.InvoiceStatusCancelled},
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SetCheckoutSession(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID, sessionID string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices SET checkout_session_id = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		sessionID,
		at,
		tenantID,
		id,
	).Error
}
