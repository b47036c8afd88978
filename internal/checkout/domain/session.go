package domain

import (
	"errors"
	"time"
)

const (
	FlowInvoice      = "invoice"
	FlowSubscription = "subscription"
	FlowLegacy       = "legacy"
)

const (
	MinExpiry = 30 * time.Minute
	MaxExpiry = 24 * time.Hour
)

// Session is a processor-hosted checkout the caller redirects the payer to.
type Session struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	PaymentID string `json:"payment_id,omitempty"`
}

var (
	ErrNotFound           = errors.New("not_found")
	ErrInvalidExpiry      = errors.New("invalid_expiry")
	ErrInvoiceAlreadyPaid = errors.New("invoice_already_paid")
	ErrInvoiceNotPayable  = errors.New("invoice_not_payable")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrNotConfigured      = errors.New("not_configured")
	ErrAlreadySubscribed  = errors.New("already_subscribed")
)
