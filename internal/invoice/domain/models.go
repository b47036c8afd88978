// Package domain contains persistence models for invoicing.
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusSent      InvoiceStatus = "sent"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusOverdue   InvoiceStatus = "overdue"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// Payable reports whether a checkout may be started for an invoice in this status.
func (s InvoiceStatus) Payable() bool {
	switch s {
	case InvoiceStatusDraft, InvoiceStatusSent, InvoiceStatusOverdue:
		return true
	default:
		return false
	}
}

// Invoice belongs to exactly one tenant and one client. Amounts are in minor currency units.
type Invoice struct {
	ID                 snowflake.ID  `gorm:"primaryKey" json:"id"`
	TenantID           snowflake.ID  `gorm:"not null;index" json:"tenant_id"`
	ClientID           snowflake.ID  `gorm:"not null;index" json:"client_id"`
	InvoiceNumber      string        `gorm:"type:text;not null" json:"invoice_number"`
	TotalAmount        int64         `gorm:"not null;default:0" json:"total_amount"`
	Currency           string        `gorm:"type:text;not null" json:"currency"`
	Status             InvoiceStatus `gorm:"type:text;not null;default:'draft'" json:"status"`
	CheckoutSessionID  *string       `gorm:"column:checkout_session_id" json:"checkout_session_id,omitempty"`
	RecurrenceRule     *string       `gorm:"column:recurrence_rule" json:"recurrence_rule,omitempty"`
	NextRunAt          *time.Time    `gorm:"column:next_run_at" json:"next_run_at,omitempty"`
	ReminderCount      int           `gorm:"not null;default:0" json:"reminder_count"`
	LastReminderSentAt *time.Time    `json:"last_reminder_sent_at,omitempty"`
	CreatedAt          time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// SetRecurrence sets the rule and the next run together.
func (i *Invoice) SetRecurrence(rule string, nextRunAt time.Time) error {
	rule = strings.TrimSpace(rule)
	if rule == "" || nextRunAt.IsZero() {
		return ErrInvalidRecurrence
	}
	next := nextRunAt.UTC()
	i.RecurrenceRule = &rule
	i.NextRunAt = &next
	return nil
}

func (i *Invoice) ClearRecurrence() {
	i.RecurrenceRule = nil
	i.NextRunAt = nil
}

// Validate checks invariants that must hold before the row is written.
func (i *Invoice) Validate() error {
	if i.TotalAmount < 0 {
		return ErrInvalidAmount
	}
	if (i.RecurrenceRule == nil) != (i.NextRunAt == nil) {
		return ErrInvalidRecurrence
	}
	return nil
}

// Client is the invoice recipient.
type Client struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID  snowflake.ID `gorm:"not null;index" json:"tenant_id"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	Email     string       `gorm:"type:text" json:"email,omitempty"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Client) TableName() string { return "clients" }

func (c *Client) HasEmail() bool {
	return c != nil && strings.Contains(strings.TrimSpace(c.Email), "@")
}

var (
	ErrNotFound          = errors.New("invoice_not_found")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidRecurrence = errors.New("invalid_recurrence")
)
