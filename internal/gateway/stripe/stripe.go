package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/tallybill/internal/config"
	"github.com/smallbiznis/tallybill/internal/gateway"
	"github.com/sony/gobreaker"
	stripe "github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
)

// Gateway talks to Stripe through a single client. Every call passes through a
// circuit breaker so a processor outage fails fast instead of piling up requests.
type Gateway struct {
	client  *stripe.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func New(cfg config.Config, log *zap.Logger) gateway.Gateway {
	log = log.Named("gateway.stripe")
	key := strings.TrimSpace(cfg.Stripe.SecretKey)
	if key == "" {
		log.Warn("stripe secret key not configured; checkout and onboarding disabled")
		return &Gateway{log: log}
	}
	return NewWithClient(stripe.NewClient(key), log)
}

func NewWithClient(client *stripe.Client, log *zap.Logger) *Gateway {
	return &Gateway{
		client:  client,
		breaker: newBreaker(log),
		log:     log,
	}
}

func newBreaker(log *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Card and validation errors are answers, not outages.
			var stripeErr *stripe.Error
			if errors.As(err, &stripeErr) {
				return stripeErr.HTTPStatusCode < 500 && stripeErr.HTTPStatusCode != 429
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

func (g *Gateway) Configured() bool {
	return g != nil && g.client != nil
}

func (g *Gateway) call(op string, fn func() (interface{}, error)) (interface{}, error) {
	if !g.Configured() {
		return nil, gateway.ErrNotConfigured
	}
	res, err := g.breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", op, gateway.ErrUnavailable)
		}
		return nil, fmt.Errorf("stripe %s: %w", op, err)
	}
	return res, nil
}

func (g *Gateway) CreateCheckoutSession(ctx context.Context, input gateway.CheckoutSessionInput) (*gateway.CheckoutSession, error) {
	params, err := checkoutParams(input)
	if err != nil {
		return nil, err
	}
	res, err := g.call("create checkout session", func() (interface{}, error) {
		return g.client.V1CheckoutSessions.Create(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	session := res.(*stripe.CheckoutSession)
	out := &gateway.CheckoutSession{
		ID:  session.ID,
		URL: session.URL,
	}
	if session.PaymentIntent != nil {
		out.PaymentIntentID = session.PaymentIntent.ID
	}
	if session.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	return out, nil
}

func checkoutParams(input gateway.CheckoutSessionInput) (*stripe.CheckoutSessionCreateParams, error) {
	if input.SuccessURL == "" || input.CancelURL == "" {
		return nil, gateway.ErrInvalidInput
	}
	params := &stripe.CheckoutSessionCreateParams{
		Mode:       stripe.String(string(input.Mode)),
		SuccessURL: stripe.String(input.SuccessURL),
		CancelURL:  stripe.String(input.CancelURL),
		Metadata:   input.Metadata,
	}

	switch input.Mode {
	case gateway.ModePayment:
		if len(input.LineItems) == 0 {
			return nil, gateway.ErrInvalidInput
		}
		for _, item := range input.LineItems {
			quantity := item.Quantity
			if quantity <= 0 {
				quantity = 1
			}
			params.LineItems = append(params.LineItems, &stripe.CheckoutSessionCreateLineItemParams{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String(strings.ToLower(item.Currency)),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(item.Name),
					},
					UnitAmount: stripe.Int64(item.Amount),
				},
				Quantity: stripe.Int64(quantity),
			})
		}
		params.PaymentIntentData = &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: input.Metadata,
		}
	case gateway.ModeSubscription:
		if input.PriceID == "" {
			return nil, gateway.ErrInvalidInput
		}
		params.LineItems = []*stripe.CheckoutSessionCreateLineItemParams{{
			Price:    stripe.String(input.PriceID),
			Quantity: stripe.Int64(1),
		}}
		params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: input.Metadata,
		}
	default:
		return nil, gateway.ErrInvalidInput
	}

	if input.CustomerID != "" {
		params.Customer = stripe.String(input.CustomerID)
	} else if input.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(input.CustomerEmail)
	}
	if input.ClientReferenceID != "" {
		params.ClientReferenceID = stripe.String(input.ClientReferenceID)
	}
	if !input.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(input.ExpiresAt.Unix())
	}
	if input.ConnectedAccountID != "" {
		params.SetStripeAccount(input.ConnectedAccountID)
	}
	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}
	return params, nil
}

func (g *Gateway) GetAccount(ctx context.Context, accountID string) (*gateway.Account, error) {
	if accountID == "" {
		return nil, gateway.ErrInvalidInput
	}
	res, err := g.call("get account", func() (interface{}, error) {
		return g.client.V1Accounts.GetByID(ctx, accountID, nil)
	})
	if err != nil {
		return nil, err
	}
	return toAccount(res.(*stripe.Account)), nil
}

func (g *Gateway) CreateAccount(ctx context.Context, input gateway.CreateAccountInput) (*gateway.Account, error) {
	params := &stripe.AccountCreateParams{
		Type:     stripe.String(string(stripe.AccountTypeExpress)),
		Metadata: input.Metadata,
		Capabilities: &stripe.AccountCreateCapabilitiesParams{
			CardPayments: &stripe.AccountCreateCapabilitiesCardPaymentsParams{Requested: stripe.Bool(true)},
			Transfers:    &stripe.AccountCreateCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
	}
	if input.Email != "" {
		params.Email = stripe.String(input.Email)
	}
	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}
	res, err := g.call("create account", func() (interface{}, error) {
		return g.client.V1Accounts.Create(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	return toAccount(res.(*stripe.Account)), nil
}

func (g *Gateway) CreateAccountLink(ctx context.Context, input gateway.AccountLinkInput) (string, error) {
	if input.AccountID == "" || input.RefreshURL == "" || input.ReturnURL == "" {
		return "", gateway.ErrInvalidInput
	}
	params := &stripe.AccountLinkCreateParams{
		Account:    stripe.String(input.AccountID),
		RefreshURL: stripe.String(input.RefreshURL),
		ReturnURL:  stripe.String(input.ReturnURL),
		Type:       stripe.String("account_onboarding"),
	}
	res, err := g.call("create account link", func() (interface{}, error) {
		return g.client.V1AccountLinks.Create(ctx, params)
	})
	if err != nil {
		return "", err
	}
	return res.(*stripe.AccountLink).URL, nil
}

func (g *Gateway) GetSubscription(ctx context.Context, subscriptionID string) (*gateway.Subscription, error) {
	if subscriptionID == "" {
		return nil, gateway.ErrInvalidInput
	}
	res, err := g.call("get subscription", func() (interface{}, error) {
		return g.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	})
	if err != nil {
		return nil, err
	}
	sub := res.(*stripe.Subscription)
	out := &gateway.Subscription{
		ID:     sub.ID,
		Status: string(sub.Status),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil || item.CurrentPeriodEnd == 0 {
				continue
			}
			end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			if out.CurrentPeriodEnd == nil || end.After(*out.CurrentPeriodEnd) {
				out.CurrentPeriodEnd = &end
			}
		}
	}
	return out, nil
}

func (g *Gateway) CreateCustomer(ctx context.Context, input gateway.CreateCustomerInput) (string, error) {
	params := &stripe.CustomerCreateParams{
		Metadata: input.Metadata,
	}
	if input.Email != "" {
		params.Email = stripe.String(input.Email)
	}
	if input.Name != "" {
		params.Name = stripe.String(input.Name)
	}
	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}
	res, err := g.call("create customer", func() (interface{}, error) {
		return g.client.V1Customers.Create(ctx, params)
	})
	if err != nil {
		return "", err
	}
	return res.(*stripe.Customer).ID, nil
}

func toAccount(acct *stripe.Account) *gateway.Account {
	return &gateway.Account{
		ID:               acct.ID,
		DetailsSubmitted: acct.DetailsSubmitted,
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
	}
}
