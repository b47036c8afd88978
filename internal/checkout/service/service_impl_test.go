package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tallybill/internal/authorization"
	checkoutdomain "github.com/smallbiznis/tallybill/internal/checkout/domain"
	checkoutservice "github.com/smallbiznis/tallybill/internal/checkout/service"
	"github.com/smallbiznis/tallybill/internal/clock"
	"github.com/smallbiznis/tallybill/internal/config"
	"github.com/smallbiznis/tallybill/internal/gateway"
	"github.com/smallbiznis/tallybill/internal/gateway/mock"
	invoicedomain "github.com/smallbiznis/tallybill/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/tallybill/internal/invoice/repository"
	paymentdomain "github.com/smallbiznis/tallybill/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/tallybill/internal/payment/repository"
	profiledomain "github.com/smallbiznis/tallybill/internal/profile/domain"
	profilerepo "github.com/smallbiznis/tallybill/internal/profile/repository"
	"github.com/smallbiznis/tallybill/internal/ratelimit"
	tenantdomain "github.com/smallbiznis/tallybill/internal/tenant/domain"
	tenantrepo "github.com/smallbiznis/tallybill/internal/tenant/repository"
	"github.com/smallbiznis/tallybill/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	clock   *clock.FakeClock
	gateway *mock.MockGateway
	svc     *checkoutservice.Service
	cfg     config.Config

	invoices invoicedomain.Repository
	tenants  tenantdomain.Repository

	owner     authorization.Actor
	member    authorization.Actor
	invoiceID snowflake.ID
}

type option func(*checkoutservice.Params)

func withLimiter(l *ratelimit.CheckoutLimiter) option {
	return func(p *checkoutservice.Params) { p.Limiter = l }
}

func newFixture(t *testing.T, merchantStatus profiledomain.ConnectStatus, opts ...option) *fixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.Open(t,
		&tenantdomain.Tenant{},
		&profiledomain.Profile{},
		&invoicedomain.Invoice{},
		&invoicedomain.Client{},
		&paymentdomain.Payment{},
	)
	node, err := snowflake.NewNode(6)
	require.NoError(t, err)
	enforcer, err := authorization.NewEnforcer()
	require.NoError(t, err)

	var cfg config.Config
	cfg.Stripe.PlatformPriceID = "price_pro"
	cfg.Checkout.DefaultExpiry = time.Hour
	cfg.Checkout.SuccessURL = "https://app.example.com/success"
	cfg.Checkout.CancelURL = "https://app.example.com/cancel"

	f := &fixture{
		db:       db,
		clock:    clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)),
		gateway:  mock.NewMockGateway(gomock.NewController(t)),
		cfg:      cfg,
		invoices: invoicerepo.Provide(),
		tenants:  tenantrepo.Provide(),
	}

	params := checkoutservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		Cfg:      cfg,
		Clock:    f.clock,
		GenID:    node,
		Gateway:  f.gateway,
		Authz:    authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer}),
		Invoices: f.invoices,
		Payments: paymentrepo.Provide(),
		Profiles: profilerepo.Provide(),
		Tenants:  f.tenants,
	}
	for _, opt := range opts {
		opt(&params)
	}
	f.svc = checkoutservice.NewService(params)

	tenantID := node.Generate()
	now := f.clock.Now()
	require.NoError(t, f.tenants.Insert(ctx, db, &tenantdomain.Tenant{
		ID: tenantID, Name: "Acme", Email: "billing@acme.test",
		SubscriptionStatus: tenantdomain.StatusFree, InvoiceLimit: 2, CreatedAt: now, UpdatedAt: now,
	}))

	profile := &profiledomain.Profile{ID: node.Generate(), TenantID: tenantID, Email: "owner@acme.test", CreatedAt: now, UpdatedAt: now}
	profile.Disconnect()
	switch merchantStatus {
	case profiledomain.ConnectStatusPending:
		profile.AttachAccount("acct_merchant")
	case profiledomain.ConnectStatusActive:
		profile.AttachAccount("acct_merchant")
		profile.ApplyAccountState(profiledomain.AccountState{DetailsSubmitted: true, ChargesEnabled: true, PayoutsEnabled: true})
	}
	require.NoError(t, profilerepo.Provide().Insert(ctx, db, profile))

	f.owner = authorization.Actor{ProfileID: profile.ID, TenantID: tenantID, Role: authorization.RoleOwner}
	f.member = authorization.Actor{ProfileID: node.Generate(), TenantID: tenantID, Role: authorization.RoleMember}

	clientID := node.Generate()
	require.NoError(t, f.invoices.InsertClient(ctx, db, &invoicedomain.Client{
		ID: clientID, TenantID: tenantID, Name: "Ada", Email: "ada@example.com", CreatedAt: now, UpdatedAt: now,
	}))
	f.invoiceID = node.Generate()
	require.NoError(t, f.invoices.Insert(ctx, db, &invoicedomain.Invoice{
		ID: f.invoiceID, TenantID: tenantID, ClientID: clientID, InvoiceNumber: "INV-0042",
		TotalAmount: 12000, Currency: "usd", Status: invoicedomain.InvoiceStatusSent, CreatedAt: now, UpdatedAt: now,
	}))
	return f
}

func (f *fixture) payments(t *testing.T) []paymentdomain.Payment {
	t.Helper()
	var rows []paymentdomain.Payment
	require.NoError(t, f.db.Where("invoice_id = ?", f.invoiceID).Find(&rows).Error)
	return rows
}

func TestInvoiceCheckoutRecordsPendingPaymentBeforeSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, profiledomain.ConnectStatusActive)

	f.gateway.EXPECT().Configured().Return(true)
	f.gateway.EXPECT().CreateCheckoutSession(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, in gateway.CheckoutSessionInput) (*gateway.CheckoutSession, error) {
			rows := f.payments(t)
			require.Len(t, rows, 1, "payment exists before the session is requested")
			assert.Equal(t, paymentdomain.StatusPending, rows[0].Status)

			assert.Equal(t, gateway.ModePayment, in.Mode)
			assert.Equal(t, "acct_merchant", in.ConnectedAccountID)
			assert.Equal(t, "ada@example.com", in.CustomerEmail)
			assert.Equal(t, f.invoiceID.String(), in.Metadata["invoice_id"])
			assert.Equal(t, f.owner.TenantID.String(), in.Metadata["tenant_id"])
			assert.Equal(t, "INV-0042", in.Metadata["invoice_number"])
			assert.Equal(t, rows[0].ID.String(), in.Metadata["payment_id"])
			assert.Equal(t, "invoice-checkout:"+rows[0].ID.String(), in.IdempotencyKey)
			assert.True(t, f.clock.Now().Add(2*time.Hour).Equal(in.ExpiresAt))
			require.Len(t, in.LineItems, 1)
			assert.Equal(t, int64(12000), in.LineItems[0].Amount)
			return &gateway.CheckoutSession{ID: "cs_live", URL: "https://checkout.stripe.com/c/cs_live"}, nil
		})

	session, err := f.svc.CreateInvoiceCheckout(ctx, f.owner, f.invoiceID, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "cs_live", session.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_live", session.URL)

	rows := f.payments(t)
	require.Len(t, rows, 1)
	assert.Equal(t, rows[0].ID.String(), session.PaymentID)
	require.NotNil(t, rows[0].CheckoutSessionID)
	assert.Equal(t, "cs_live", *rows[0].CheckoutSessionID)

	invoice, err := f.invoices.FindByID(ctx, f.db, f.owner.TenantID, f.invoiceID)
	require.NoError(t, err)
	require.NotNil(t, invoice.CheckoutSessionID)
	assert.Equal(t, "cs_live", *invoice.CheckoutSessionID)
}

func TestInvoiceCheckoutRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("other tenant's invoice is not found", func(t *testing.T) {
		f := newFixture(t, profiledomain.ConnectStatusActive)
		stranger := authorization.Actor{ProfileID: 99, TenantID: 98, Role: authorization.RoleOwner}
		_, err := f.svc.CreateInvoiceCheckout(ctx, stranger, f.invoiceID, 0)
		assert.ErrorIs(t, err, checkoutdomain.ErrNotFound)
	})

	t.Run("expiry outside bounds", func(t *testing.T) {
		f := newFixture(t, profiledomain.ConnectStatusActive)
		for _, expiry := range []time.Duration{10 * time.Minute, 25 * time.Hour} {
			_, err := f.svc.CreateInvoiceCheckout(ctx, f.owner, f.invoiceID, expiry)
			assert.ErrorIs(t, err, checkoutdomain.ErrInvalidExpiry)
		}
	})

	t.Run("paid invoice", func(t *testing.T) {
		f := newFixture(t, profiledomain.ConnectStatusActive)
		_, err := f.invoices.MarkPaid(ctx, f.db, f.owner.TenantID, f.invoiceID, time.Now().UTC())
		require.NoError(t, err)
		_, err = f.svc.CreateInvoiceCheckout(ctx, f.owner, f.invoiceID, 0)
		assert.ErrorIs(t, err, checkoutdomain.ErrInvoiceAlreadyPaid)
	})

	t.Run("merchant not onboarded", func(t *testing.T) {
		f := newFixture(t, profiledomain.ConnectStatusPending)
		_, err := f.svc.CreateInvoiceCheckout(ctx, f.owner, f.invoiceID, 0)
		assert.ErrorIs(t, err, checkoutdomain.ErrNotConfigured)
		assert.Empty(t, f.payments(t))
	})
}

func TestInvoiceCheckoutSessionFailureFailsPayment(t *testing.T) {
	f := newFixture(t, profiledomain.ConnectStatusActive)
	f.gateway.EXPECT().Configured().Return(true)
	f.gateway.EXPECT().CreateCheckoutSession(gomock.Any(), gomock.Any()).Return(nil, gateway.ErrUnavailable)

	_, err := f.svc.CreateInvoiceCheckout(context.Background(), f.owner, f.invoiceID, 0)
	assert.ErrorIs(t, err, gateway.ErrUnavailable)

	rows := f.payments(t)
	require.Len(t, rows, 1)
	assert.Equal(t, paymentdomain.StatusFailed, rows[0].Status)
}

func TestInvoiceCheckoutIsThrottledPerTenant(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter := ratelimit.NewCheckoutLimiter(config.Config{Checkout: config.CheckoutConfig{RatePerMinute: 1, Burst: 1}}, client)

	f := newFixture(t, profiledomain.ConnectStatusActive, withLimiter(limiter))
	f.gateway.EXPECT().Configured().Return(true)
	f.gateway.EXPECT().CreateCheckoutSession(gomock.Any(), gomock.Any()).
		Return(&gateway.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/c/cs_1"}, nil)

	_, err := f.svc.CreateInvoiceCheckout(context.Background(), f.owner, f.invoiceID, 0)
	require.NoError(t, err)

	_, err = f.svc.CreateInvoiceCheckout(context.Background(), f.owner, f.invoiceID, 0)
	assert.True(t, errors.Is(err, ratelimit.ErrRateLimited))
}

func TestSubscriptionCheckoutPersistsCustomerFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, profiledomain.ConnectStatusNotConnected)

	f.gateway.EXPECT().Configured().Return(true)
	f.gateway.EXPECT().CreateCustomer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, in gateway.CreateCustomerInput) (string, error) {
			assert.Equal(t, "billing@acme.test", in.Email)
			assert.Equal(t, f.owner.TenantID.String(), in.Metadata["tenant_id"])
			return "cus_new", nil
		})
	f.gateway.EXPECT().CreateCheckoutSession(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, in gateway.CheckoutSessionInput) (*gateway.CheckoutSession, error) {
			tenant, err := f.tenants.FindByID(ctx, f.db, f.owner.TenantID)
			require.NoError(t, err)
			require.NotNil(t, tenant.StripeCustomerID)
			assert.Equal(t, "cus_new", *tenant.StripeCustomerID)

			assert.Equal(t, gateway.ModeSubscription, in.Mode)
			assert.Equal(t, "cus_new", in.CustomerID)
			assert.Equal(t, "price_pro", in.PriceID)
			assert.Equal(t, f.owner.TenantID.String(), in.ClientReferenceID)
			return &gateway.CheckoutSession{ID: "cs_sub", URL: "https://checkout.stripe.com/c/cs_sub"}, nil
		})

	session, err := f.svc.CreateSubscriptionCheckout(ctx, f.owner)
	require.NoError(t, err)
	assert.Equal(t, "cs_sub", session.ID)
	assert.Empty(t, session.PaymentID)
}

func TestSubscriptionCheckoutRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("member is forbidden", func(t *testing.T) {
		f := newFixture(t, profiledomain.ConnectStatusNotConnected)
		_, err := f.svc.CreateSubscriptionCheckout(ctx, f.member)
		assert.ErrorIs(t, err, authorization.ErrForbidden)
	})

	t.Run("gateway not configured", func(t *testing.T) {
		f := newFixture(t, profiledomain.ConnectStatusNotConnected)
		f.gateway.EXPECT().Configured().Return(false)
		_, err := f.svc.CreateSubscriptionCheckout(ctx, f.owner)
		assert.ErrorIs(t, err, checkoutdomain.ErrNotConfigured)
	})

	t.Run("already subscribed", func(t *testing.T) {
		f := newFixture(t, profiledomain.ConnectStatusNotConnected)
		require.NoError(t, f.db.Exec(`UPDATE tenants SET subscription_status = ? WHERE id = ?`,
			tenantdomain.StatusActive, f.owner.TenantID).Error)
		f.gateway.EXPECT().Configured().Return(true)
		_, err := f.svc.CreateSubscriptionCheckout(ctx, f.owner)
		assert.ErrorIs(t, err, checkoutdomain.ErrAlreadySubscribed)
	})
}

func TestLegacyCheckoutFallsBackWhenFunctionMissing(t *testing.T) {
	f := newFixture(t, profiledomain.ConnectStatusNotConnected)
	f.gateway.EXPECT().Configured().Return(true)
	f.gateway.EXPECT().CreateCheckoutSession(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, in gateway.CheckoutSessionInput) (*gateway.CheckoutSession, error) {
			assert.Empty(t, in.ConnectedAccountID, "legacy sessions run on the platform account")
			assert.NotEmpty(t, in.Metadata["payment_id"])
			return &gateway.CheckoutSession{ID: "cs_legacy", URL: "https://checkout.stripe.com/c/cs_legacy"}, nil
		})

	session, err := f.svc.CreateLegacyCheckout(context.Background(), f.member, f.invoiceID)
	require.NoError(t, err)

	rows := f.payments(t)
	require.Len(t, rows, 1)
	assert.Equal(t, session.PaymentID, rows[0].ID.String())
	assert.Equal(t, paymentdomain.StatusPending, rows[0].Status)
	require.NotNil(t, rows[0].CheckoutSessionID)
	assert.Equal(t, "cs_legacy", *rows[0].CheckoutSessionID)
}
