package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the lifecycle of a single payment attempt against an invoice.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Finished reports whether the attempt has an outcome.
func (s Status) Finished() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CanTransition reports whether next is a forward move from s. Succeeded is
// the only absorbing state: a declined attempt can still be collected by a
// retry on the same intent, or by a late success after expiry.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusSucceeded || next == StatusFailed
	case StatusProcessing:
		return next == StatusSucceeded || next == StatusFailed
	case StatusFailed:
		return next == StatusSucceeded
	default:
		return false
	}
}

// Payment is one attempt to settle an invoice. Amount is in minor currency units.
type Payment struct {
	ID                snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID          snowflake.ID      `gorm:"not null;index" json:"tenant_id"`
	InvoiceID         snowflake.ID      `gorm:"not null;index" json:"invoice_id"`
	CheckoutSessionID *string           `gorm:"column:checkout_session_id;index" json:"checkout_session_id,omitempty"`
	PaymentIntentID   *string           `gorm:"column:payment_intent_id;uniqueIndex" json:"payment_intent_id,omitempty"`
	Amount            int64             `gorm:"not null" json:"amount"`
	Currency          string            `gorm:"type:text;not null" json:"currency"`
	Status            Status            `gorm:"type:text;not null" json:"status"`
	PaymentMethodType string            `gorm:"type:text" json:"payment_method_type,omitempty"`
	PaidAt            *time.Time        `json:"paid_at,omitempty"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
	Metadata          datatypes.JSONMap `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt         time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"not null" json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

// Transition moves the payment to next and reports whether anything changed.
func (p *Payment) Transition(next Status) bool {
	if !p.Status.CanTransition(next) {
		return false
	}
	p.Status = next
	return true
}

// AttachIntent records the processor intent id if none is set yet.
func (p *Payment) AttachIntent(intentID string) bool {
	if intentID == "" || p.PaymentIntentID != nil {
		return false
	}
	p.PaymentIntentID = &intentID
	return true
}

func (p *Payment) IntentID() string {
	if p.PaymentIntentID == nil {
		return ""
	}
	return *p.PaymentIntentID
}
