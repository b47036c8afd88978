// Package gateway is the outbound boundary to the payment processor.
package gateway

import (
	"context"
	"errors"
	"time"
)

//go:generate mockgen -destination=mock/gateway_mock.go -package=mock github.com/smallbiznis/tallybill/internal/gateway Gateway

type Gateway interface {
	// Configured reports whether a processor secret key is set.
	Configured() bool
	CreateCheckoutSession(ctx context.Context, input CheckoutSessionInput) (*CheckoutSession, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	CreateAccount(ctx context.Context, input CreateAccountInput) (*Account, error)
	CreateAccountLink(ctx context.Context, input AccountLinkInput) (string, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	CreateCustomer(ctx context.Context, input CreateCustomerInput) (string, error)
}

type CheckoutMode string

const (
	ModePayment      CheckoutMode = "payment"
	ModeSubscription CheckoutMode = "subscription"
)

type LineItem struct {
	Name     string
	Amount   int64
	Currency string
	Quantity int64
}

type CheckoutSessionInput struct {
	Mode CheckoutMode
	// ConnectedAccountID creates the session on a merchant account instead of the platform.
	ConnectedAccountID string
	CustomerID         string
	CustomerEmail      string
	ClientReferenceID  string
	LineItems          []LineItem
	PriceID            string
	SuccessURL         string
	CancelURL          string
	ExpiresAt          time.Time
	Metadata           map[string]string
	IdempotencyKey     string
}

type CheckoutSession struct {
	ID              string
	URL             string
	PaymentIntentID string
	ExpiresAt       time.Time
}

type Account struct {
	ID               string
	DetailsSubmitted bool
	ChargesEnabled   bool
	PayoutsEnabled   bool
}

type CreateAccountInput struct {
	Email          string
	Metadata       map[string]string
	IdempotencyKey string
}

type AccountLinkInput struct {
	AccountID  string
	RefreshURL string
	ReturnURL  string
}

type Subscription struct {
	ID               string
	CustomerID       string
	Status           string
	CurrentPeriodEnd *time.Time
}

type CreateCustomerInput struct {
	Email          string
	Name           string
	Metadata       map[string]string
	IdempotencyKey string
}

var (
	ErrNotConfigured = errors.New("payment_gateway_not_configured")
	ErrUnavailable   = errors.New("payment_gateway_unavailable")
	ErrInvalidInput  = errors.New("payment_gateway_invalid_input")
)
