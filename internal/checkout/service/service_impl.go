package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tallybill/internal/authorization"
	checkoutdomain "github.com/smallbiznis/tallybill/internal/checkout/domain"
	"github.com/smallbiznis/tallybill/internal/clock"
	"github.com/smallbiznis/tallybill/internal/config"
	"github.com/smallbiznis/tallybill/internal/gateway"
	invoicedomain "github.com/smallbiznis/tallybill/internal/invoice/domain"
	"github.com/smallbiznis/tallybill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tallybill/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/tallybill/internal/payment/domain"
	profiledomain "github.com/smallbiznis/tallybill/internal/profile/domain"
	"github.com/smallbiznis/tallybill/internal/ratelimit"
	tenantdomain "github.com/smallbiznis/tallybill/internal/tenant/domain"
	"github.com/smallbiznis/tallybill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Cfg      config.Config
	Clock    clock.Clock
	GenID    *snowflake.Node
	Gateway  gateway.Gateway
	Authz    authorization.Service
	Invoices invoicedomain.Repository
	Payments paymentdomain.Repository
	Profiles profiledomain.Repository
	Tenants  tenantdomain.Repository
	Limiter  *ratelimit.CheckoutLimiter `optional:"true"`
	Metrics  *obsmetrics.Metrics        `optional:"true"`
}

// Service starts the checkout sessions the reconcilers later settle.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      config.Config
	clock    clock.Clock
	genID    *snowflake.Node
	gateway  gateway.Gateway
	authz    authorization.Service
	invoices invoicedomain.Repository
	payments paymentdomain.Repository
	profiles profiledomain.Repository
	tenants  tenantdomain.Repository
	limiter  *ratelimit.CheckoutLimiter
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("checkout.service"),
		cfg:      p.Cfg,
		clock:    p.Clock,
		genID:    p.GenID,
		gateway:  p.Gateway,
		authz:    p.Authz,
		invoices: p.Invoices,
		payments: p.Payments,
		profiles: p.Profiles,
		tenants:  p.Tenants,
		limiter:  p.Limiter,
		metrics:  p.Metrics,
	}
}

// CreateInvoiceCheckout opens a session on the merchant's connected account.
// The pending payment is written before the session exists so that every
// session the processor reports back has a local record to land on.
func (s *Service) CreateInvoiceCheckout(ctx context.Context, actor authorization.Actor, invoiceID snowflake.ID, expiry time.Duration) (session *checkoutdomain.Session, err error) {
	defer func() { s.record(ctx, checkoutdomain.FlowInvoice, err) }()

	if err := s.admit(ctx, actor, authorization.ObjectInvoice, authorization.ActionInvoiceCheckout); err != nil {
		return nil, err
	}
	if expiry == 0 {
		expiry = s.cfg.Checkout.DefaultExpiry
	}
	if expiry < checkoutdomain.MinExpiry || expiry > checkoutdomain.MaxExpiry {
		return nil, checkoutdomain.ErrInvalidExpiry
	}

	invoice, client, err := s.payableInvoice(ctx, actor.TenantID, invoiceID)
	if err != nil {
		return nil, err
	}

	merchant, err := s.profiles.FindActiveMerchant(ctx, s.db, actor.TenantID)
	if err != nil {
		return nil, err
	}
	if merchant == nil || merchant.StripeAccountID == nil || !s.gateway.Configured() {
		return nil, checkoutdomain.ErrNotConfigured
	}

	log := logger.WithContext(ctx, s.log).With(
		zap.String("tenant_id", actor.TenantID.String()),
		zap.String("invoice_id", invoice.ID.String()),
	)

	now := s.clock.Now().UTC()
	expiresAt := now.Add(expiry)
	payment := &paymentdomain.Payment{
		ID:        s.genID.Generate(),
		TenantID:  invoice.TenantID,
		InvoiceID: invoice.ID,
		Amount:    invoice.TotalAmount,
		Currency:  invoice.Currency,
		Status:    paymentdomain.StatusPending,
		ExpiresAt: &expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	metadata := correlation(invoice, payment.ID)
	payment.Metadata = toJSONMap(metadata)
	if err := s.payments.Insert(ctx, s.db, payment); err != nil {
		return nil, err
	}
	log = log.With(zap.String("payment_id", payment.ID.String()))

	input := gateway.CheckoutSessionInput{
		Mode:               gateway.ModePayment,
		ConnectedAccountID: *merchant.StripeAccountID,
		ClientReferenceID:  invoice.ID.String(),
		LineItems: []gateway.LineItem{{
			Name:     fmt.Sprintf("Invoice %s", invoice.InvoiceNumber),
			Amount:   invoice.TotalAmount,
			Currency: invoice.Currency,
			Quantity: 1,
		}},
		SuccessURL:     s.cfg.Checkout.SuccessURL,
		CancelURL:      s.cfg.Checkout.CancelURL,
		ExpiresAt:      expiresAt,
		Metadata:       metadata,
		IdempotencyKey: fmt.Sprintf("invoice-checkout:%s", payment.ID),
	}
	if client.HasEmail() {
		input.CustomerEmail = client.Email
	}

	created, err := s.gateway.CreateCheckoutSession(ctx, input)
	if err != nil {
		log.Warn("checkout session creation failed", zap.Error(err))
		s.abandon(ctx, log, payment)
		return nil, mapGatewayErr(err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.payments.FindByIDForUpdate(ctx, tx, invoice.ID, payment.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		sessionID := created.ID
		locked.CheckoutSessionID = &sessionID
		if created.PaymentIntentID != "" {
			locked.AttachIntent(created.PaymentIntentID)
		}
		at := s.clock.Now().UTC()
		locked.UpdatedAt = at
		if err := s.payments.Update(ctx, tx, locked); err != nil {
			return err
		}
		return s.invoices.SetCheckoutSession(ctx, tx, invoice.TenantID, invoice.ID, created.ID, at)
	})
	if err != nil {
		// The session metadata still carries payment_id, which the payment
		// reconciler correlates on.
		log.Warn("checkout session reference not persisted", zap.String("session_id", created.ID), zap.Error(err))
	}

	log.Info("invoice checkout session created", zap.String("session_id", created.ID))
	return &checkoutdomain.Session{ID: created.ID, URL: created.URL, PaymentID: payment.ID.String()}, nil
}

// CreateSubscriptionCheckout starts the platform subscription checkout for the
// caller's tenant, creating the processor customer on first use.
func (s *Service) CreateSubscriptionCheckout(ctx context.Context, actor authorization.Actor) (session *checkoutdomain.Session, err error) {
	defer func() { s.record(ctx, checkoutdomain.FlowSubscription, err) }()

	if err := s.admit(ctx, actor, authorization.ObjectSubscription, authorization.ActionSubscriptionCheckout); err != nil {
		return nil, err
	}
	if !s.gateway.Configured() || s.cfg.Stripe.PlatformPriceID == "" {
		return nil, checkoutdomain.ErrNotConfigured
	}

	tenant, err := s.tenants.FindByID(ctx, s.db, actor.TenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, checkoutdomain.ErrNotFound
	}
	switch tenant.SubscriptionStatus {
	case tenantdomain.StatusActive, tenantdomain.StatusTrialing:
		return nil, checkoutdomain.ErrAlreadySubscribed
	}

	log := logger.WithContext(ctx, s.log).With(zap.String("tenant_id", tenant.ID.String()))

	customerID, err := s.ensureCustomer(ctx, log, tenant)
	if err != nil {
		return nil, err
	}

	created, err := s.gateway.CreateCheckoutSession(ctx, gateway.CheckoutSessionInput{
		Mode:              gateway.ModeSubscription,
		CustomerID:        customerID,
		ClientReferenceID: tenant.ID.String(),
		PriceID:           s.cfg.Stripe.PlatformPriceID,
		SuccessURL:        s.cfg.Checkout.SuccessURL,
		CancelURL:         s.cfg.Checkout.CancelURL,
		Metadata:          map[string]string{"tenant_id": tenant.ID.String()},
	})
	if err != nil {
		log.Warn("subscription checkout session creation failed", zap.Error(err))
		return nil, mapGatewayErr(err)
	}

	log.Info("subscription checkout session created", zap.String("session_id", created.ID))
	return &checkoutdomain.Session{ID: created.ID, URL: created.URL}, nil
}

// ensureCustomer persists the customer before any session references it, so
// a completed checkout always finds its tenant by customer id.
func (s *Service) ensureCustomer(ctx context.Context, log *zap.Logger, tenant *tenantdomain.Tenant) (string, error) {
	if tenant.StripeCustomerID != nil && *tenant.StripeCustomerID != "" {
		return *tenant.StripeCustomerID, nil
	}

	customerID, err := s.gateway.CreateCustomer(ctx, gateway.CreateCustomerInput{
		Email:          tenant.Email,
		Name:           tenant.Name,
		Metadata:       map[string]string{"tenant_id": tenant.ID.String()},
		IdempotencyKey: fmt.Sprintf("tenant-customer:%s", tenant.ID),
	})
	if err != nil {
		return "", mapGatewayErr(err)
	}
	if err := s.tenants.SetCustomerID(ctx, s.db, tenant.ID, customerID, s.clock.Now().UTC()); err != nil {
		return "", err
	}

	// A concurrent request may have stored its customer first; use the winner.
	stored, err := s.tenants.FindByID(ctx, s.db, tenant.ID)
	if err != nil {
		return "", err
	}
	if stored == nil || stored.StripeCustomerID == nil {
		return "", checkoutdomain.ErrNotFound
	}
	log.Info("platform customer attached", zap.String("customer_id", *stored.StripeCustomerID))
	return *stored.StripeCustomerID, nil
}

// CreateLegacyCheckout charges the invoice on the platform account directly.
// The payment is recorded through record_pending_payment once the session
// exists; only a missing function falls back to a plain insert.
func (s *Service) CreateLegacyCheckout(ctx context.Context, actor authorization.Actor, invoiceID snowflake.ID) (session *checkoutdomain.Session, err error) {
	defer func() { s.record(ctx, checkoutdomain.FlowLegacy, err) }()

	if err := s.admit(ctx, actor, authorization.ObjectInvoice, authorization.ActionInvoiceCheckout); err != nil {
		return nil, err
	}
	if !s.gateway.Configured() {
		return nil, checkoutdomain.ErrNotConfigured
	}

	invoice, client, err := s.payableInvoice(ctx, actor.TenantID, invoiceID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	expiresAt := now.Add(s.cfg.Checkout.DefaultExpiry)
	paymentID := s.genID.Generate()
	metadata := correlation(invoice, paymentID)

	log := logger.WithContext(ctx, s.log).With(
		zap.String("tenant_id", actor.TenantID.String()),
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("payment_id", paymentID.String()),
	)

	input := gateway.CheckoutSessionInput{
		Mode:              gateway.ModePayment,
		ClientReferenceID: invoice.ID.String(),
		LineItems: []gateway.LineItem{{
			Name:     fmt.Sprintf("Invoice %s", invoice.InvoiceNumber),
			Amount:   invoice.TotalAmount,
			Currency: invoice.Currency,
			Quantity: 1,
		}},
		SuccessURL:     s.cfg.Checkout.SuccessURL,
		CancelURL:      s.cfg.Checkout.CancelURL,
		ExpiresAt:      expiresAt,
		Metadata:       metadata,
		IdempotencyKey: fmt.Sprintf("legacy-checkout:%s", paymentID),
	}
	if client.HasEmail() {
		input.CustomerEmail = client.Email
	}

	created, err := s.gateway.CreateCheckoutSession(ctx, input)
	if err != nil {
		log.Warn("legacy checkout session creation failed", zap.Error(err))
		return nil, mapGatewayErr(err)
	}

	sessionID := created.ID
	payment := &paymentdomain.Payment{
		ID:                paymentID,
		TenantID:          invoice.TenantID,
		InvoiceID:         invoice.ID,
		CheckoutSessionID: &sessionID,
		Amount:            invoice.TotalAmount,
		Currency:          invoice.Currency,
		Status:            paymentdomain.StatusPending,
		ExpiresAt:         &expiresAt,
		Metadata:          toJSONMap(metadata),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.recordPending(ctx, log, payment); err != nil {
		return nil, err
	}
	if err := s.invoices.SetCheckoutSession(ctx, s.db, invoice.TenantID, invoice.ID, created.ID, s.clock.Now().UTC()); err != nil {
		log.Warn("checkout session reference not persisted on invoice", zap.Error(err))
	}

	log.Info("legacy checkout session created", zap.String("session_id", created.ID))
	return &checkoutdomain.Session{ID: created.ID, URL: created.URL, PaymentID: paymentID.String()}, nil
}

func (s *Service) recordPending(ctx context.Context, log *zap.Logger, payment *paymentdomain.Payment) error {
	err := s.payments.RecordPending(ctx, s.db, payment)
	if err == nil {
		return nil
	}
	if !db.IsUndefinedFunction(err) {
		return fmt.Errorf("record pending payment: %w", err)
	}
	log.Warn("record_pending_payment not installed; inserting directly")
	return s.payments.Insert(ctx, s.db, payment)
}

// payableInvoice loads an invoice of the tenant and checks it can be charged.
// Invoices of other tenants are reported as missing.
func (s *Service) payableInvoice(ctx context.Context, tenantID, invoiceID snowflake.ID) (*invoicedomain.Invoice, *invoicedomain.Client, error) {
	invoice, client, err := s.invoices.FindWithClient(ctx, s.db, tenantID, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	if invoice == nil {
		return nil, nil, checkoutdomain.ErrNotFound
	}
	if invoice.Status == invoicedomain.InvoiceStatusPaid {
		return nil, nil, checkoutdomain.ErrInvoiceAlreadyPaid
	}
	if !invoice.Status.Payable() {
		return nil, nil, checkoutdomain.ErrInvoiceNotPayable
	}
	if invoice.TotalAmount <= 0 {
		return nil, nil, checkoutdomain.ErrInvalidAmount
	}
	return invoice, client, nil
}

func (s *Service) admit(ctx context.Context, actor authorization.Actor, object, action string) error {
	if err := s.authz.Authorize(ctx, actor, object, action); err != nil {
		return err
	}
	return s.limiter.AllowTenant(ctx, actor.TenantID.String())
}

// abandon fails the pending payment of a session that was never created.
func (s *Service) abandon(ctx context.Context, log *zap.Logger, payment *paymentdomain.Payment) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.payments.FindByIDForUpdate(ctx, tx, payment.InvoiceID, payment.ID)
		if err != nil || locked == nil {
			return err
		}
		if !locked.Transition(paymentdomain.StatusFailed) {
			return nil
		}
		return s.payments.Update(ctx, tx, locked)
	})
	if err != nil {
		log.Warn("pending payment not failed after session error", zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, flow string, err error) {
	outcome := "created"
	switch {
	case err == nil:
	case errors.Is(err, ratelimit.ErrRateLimited):
		outcome = "throttled"
	case errors.Is(err, gateway.ErrUnavailable):
		outcome = "failed"
	default:
		outcome = "rejected"
	}
	s.metrics.RecordCheckoutSession(ctx, flow, outcome)
}

func correlation(invoice *invoicedomain.Invoice, paymentID snowflake.ID) map[string]string {
	return map[string]string{
		"invoice_id":     invoice.ID.String(),
		"tenant_id":      invoice.TenantID.String(),
		"invoice_number": invoice.InvoiceNumber,
		"payment_id":     paymentID.String(),
	}
}

func toJSONMap(values map[string]string) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func mapGatewayErr(err error) error {
	if errors.Is(err, gateway.ErrNotConfigured) {
		return checkoutdomain.ErrNotConfigured
	}
	return err
}
