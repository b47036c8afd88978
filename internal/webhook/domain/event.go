package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SigningDomain identifies one webhook endpoint and the secret that signs it.
type SigningDomain string

const (
	DomainPayments      SigningDomain = "payments"
	DomainConnect       SigningDomain = "connect"
	DomainSubscriptions SigningDomain = "subscriptions"
)

func (d SigningDomain) Valid() bool {
	switch d {
	case DomainPayments, DomainConnect, DomainSubscriptions:
		return true
	default:
		return false
	}
}

type Kind string

const (
	KindCheckoutSessionCompleted Kind = "checkout.session.completed"
	KindCheckoutSessionExpired   Kind = "checkout.session.expired"
	KindPaymentIntentSucceeded   Kind = "payment_intent.succeeded"
	KindPaymentIntentFailed      Kind = "payment_intent.payment_failed"

	KindAccountUpdated        Kind = "account.updated"
	KindCapabilityUpdated     Kind = "capability.updated"
	KindAccountDeauthorized   Kind = "account.application.deauthorized"
	KindSubscriptionCreated   Kind = "customer.subscription.created"
	KindSubscriptionUpdated   Kind = "customer.subscription.updated"
	KindSubscriptionDeleted   Kind = "customer.subscription.deleted"
	KindPlatformInvoiceFailed Kind = "invoice.payment_failed"
)

// Event is a verified webhook envelope. Data holds the signed data.object bytes.
type Event struct {
	ID      string
	Kind    Kind
	Account string
	Created time.Time
	Data    json.RawMessage
}

// Decode unmarshals the event object into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: %w", e.Kind, ErrMalformedPayload)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w: %v", e.Kind, ErrMalformedPayload, err)
	}
	return nil
}

type Handler func(ctx context.Context, event Event) error

type Route struct {
	Domain  SigningDomain
	Kind    Kind
	Handler Handler
}

// RouteRegistrar is implemented by reconcilers that consume webhook events.
type RouteRegistrar interface {
	Routes() []Route
}

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"
)
