package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type SubscriptionStatus string

const (
	StatusFree     SubscriptionStatus = "free"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// Tenant is one billing customer of the platform.
type Tenant struct {
	ID                    snowflake.ID       `gorm:"primaryKey" json:"id"`
	Name                  string             `gorm:"not null" json:"name"`
	Email                 string             `gorm:"not null" json:"email"`
	StripeCustomerID      *string            `gorm:"column:stripe_customer_id;uniqueIndex" json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID  *string            `gorm:"column:stripe_subscription_id" json:"stripe_subscription_id,omitempty"`
	SubscriptionStatus    SubscriptionStatus `gorm:"column:subscription_status;not null;default:'free'" json:"subscription_status"`
	SubscriptionPeriodEnd *time.Time         `gorm:"column:subscription_period_end" json:"subscription_period_end,omitempty"`
	InvoiceCount          int64              `gorm:"column:invoice_count;not null;default:0" json:"invoice_count"`
	InvoiceLimit          int64              `gorm:"column:invoice_limit;not null;default:2" json:"invoice_limit"`
	CreatedAt             time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt             time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Tenant) TableName() string { return "tenants" }

// TracksSubscription reports whether subscriptionID is the tenant's current
// subscription, or the tenant has none.
func (t *Tenant) TracksSubscription(subscriptionID string) bool {
	return t.StripeSubscriptionID == nil || *t.StripeSubscriptionID == "" || *t.StripeSubscriptionID == subscriptionID
}

func (t *Tenant) Quota() Quota {
	return Evaluate(t.InvoiceCount, t.InvoiceLimit, t.SubscriptionStatus)
}

// ParseSubscriptionStatus maps a processor subscription status onto the tenant status set.
func ParseSubscriptionStatus(raw string) SubscriptionStatus {
	switch raw {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid", "paused":
		return StatusPastDue
	case "canceled", "incomplete_expired":
		return StatusCanceled
	default:
		return StatusFree
	}
}
