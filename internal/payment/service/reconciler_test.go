package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tallybill/internal/clock"
	invoicedomain "github.com/smallbiznis/tallybill/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/tallybill/internal/invoice/repository"
	notificationdomain "github.com/smallbiznis/tallybill/internal/notification/domain"
	notificationrepo "github.com/smallbiznis/tallybill/internal/notification/repository"
	notificationservice "github.com/smallbiznis/tallybill/internal/notification/service"
	paymentdomain "github.com/smallbiznis/tallybill/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/tallybill/internal/payment/repository"
	paymentservice "github.com/smallbiznis/tallybill/internal/payment/service"
	webhookdomain "github.com/smallbiznis/tallybill/internal/webhook/domain"
	"github.com/smallbiznis/tallybill/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db         *gorm.DB
	node       *snowflake.Node
	clock      *clock.FakeClock
	reconciler *paymentservice.Reconciler
	repo       paymentdomain.Repository

	tenantID  snowflake.ID
	invoiceID snowflake.ID
	paymentID snowflake.ID
}

func newFixture(t *testing.T, clientEmail string) *fixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.Open(t,
		&invoicedomain.Invoice{},
		&invoicedomain.Client{},
		&paymentdomain.Payment{},
		&notificationdomain.Entry{},
	)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))

	invoices := invoicerepo.Provide()
	payments := paymentrepo.Provide()
	notifications := notificationservice.NewService(notificationservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  notificationrepo.Provide(),
	})

	f := &fixture{
		db:        db,
		node:      node,
		clock:     clk,
		repo:      payments,
		tenantID:  node.Generate(),
		invoiceID: node.Generate(),
		paymentID: node.Generate(),
	}
	f.reconciler = paymentservice.NewReconciler(paymentservice.Params{
		DB:            db,
		Log:           zap.NewNop(),
		Clock:         clk,
		Repo:          payments,
		InvoiceRepo:   invoices,
		Notifications: notifications,
	})

	now := clk.Now()
	clientID := node.Generate()
	require.NoError(t, invoices.InsertClient(ctx, db, &invoicedomain.Client{
		ID: clientID, TenantID: f.tenantID, Name: "Ada", Email: clientEmail, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, invoices.Insert(ctx, db, &invoicedomain.Invoice{
		ID: f.invoiceID, TenantID: f.tenantID, ClientID: clientID, InvoiceNumber: "INV-0007",
		TotalAmount: 25000, Currency: "usd", Status: invoicedomain.InvoiceStatusSent, CreatedAt: now, UpdatedAt: now,
	}))
	f.insertPayment(t, f.paymentID, "cs_1")
	return f
}

func (f *fixture) insertPayment(t *testing.T, id snowflake.ID, sessionID string) {
	t.Helper()
	now := f.clock.Now()
	expires := now.Add(time.Hour)
	require.NoError(t, f.repo.Insert(context.Background(), f.db, &paymentdomain.Payment{
		ID: id, TenantID: f.tenantID, InvoiceID: f.invoiceID, CheckoutSessionID: &sessionID,
		Amount: 25000, Currency: "usd", Status: paymentdomain.StatusPending,
		ExpiresAt: &expires, CreatedAt: now, UpdatedAt: now,
	}))
}

func (f *fixture) metadata(paymentID snowflake.ID) map[string]string {
	return map[string]string{
		"tenant_id":      f.tenantID.String(),
		"invoice_id":     f.invoiceID.String(),
		"invoice_number": "INV-0007",
		"payment_id":     paymentID.String(),
	}
}

func event(t *testing.T, id string, kind webhookdomain.Kind, object any) webhookdomain.Event {
	t.Helper()
	data, err := json.Marshal(object)
	require.NoError(t, err)
	return webhookdomain.Event{ID: id, Kind: kind, Data: data}
}

func (f *fixture) checkoutCompleted(t *testing.T, sessionID, intentID string, paymentID snowflake.ID) webhookdomain.Event {
	return event(t, "evt_cs_"+sessionID, webhookdomain.KindCheckoutSessionCompleted, map[string]any{
		"id":                   sessionID,
		"mode":                 "payment",
		"payment_intent":       intentID,
		"payment_status":       "paid",
		"payment_method_types": []string{"card"},
		"metadata":             f.metadata(paymentID),
	})
}

func (f *fixture) intentEvent(t *testing.T, kind webhookdomain.Kind, intentID string, metadata map[string]string) webhookdomain.Event {
	return event(t, "evt_"+string(kind)+"_"+intentID, kind, map[string]any{
		"id":                   intentID,
		"payment_method_types": []string{"card"},
		"metadata":             metadata,
	})
}

func (f *fixture) payment(t *testing.T, id snowflake.ID) paymentdomain.Payment {
	t.Helper()
	var p paymentdomain.Payment
	require.NoError(t, f.db.Where("id = ?", id).Take(&p).Error)
	return p
}

func (f *fixture) invoiceStatus(t *testing.T) invoicedomain.InvoiceStatus {
	t.Helper()
	var inv invoicedomain.Invoice
	require.NoError(t, f.db.Where("id = ?", f.invoiceID).Take(&inv).Error)
	return inv.Status
}

func (f *fixture) notificationCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&notificationdomain.Entry{}).Count(&count).Error)
	return count
}

func TestDuplicateSucceededDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ada@example.com")

	require.NoError(t, f.reconciler.HandleCheckoutCompleted(ctx, f.checkoutCompleted(t, "cs_1", "pi_1", f.paymentID)))
	succeeded := f.intentEvent(t, webhookdomain.KindPaymentIntentSucceeded, "pi_1", f.metadata(f.paymentID))

	for i := 0; i < 3; i++ {
		require.NoError(t, f.reconciler.HandlePaymentSucceeded(ctx, succeeded))
		f.clock.Advance(time.Minute)
	}

	p := f.payment(t, f.paymentID)
	assert.Equal(t, paymentdomain.StatusSucceeded, p.Status)
	require.NotNil(t, p.PaidAt)
	assert.True(t, p.PaidAt.Equal(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, "card", p.PaymentMethodType)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, f.invoiceStatus(t))
	assert.Equal(t, int64(1), f.notificationCount(t))

	var entry notificationdomain.Entry
	require.NoError(t, f.db.Take(&entry).Error)
	assert.Equal(t, "ada@example.com", entry.Recipient)
	assert.Equal(t, notificationdomain.StatusPending, entry.Status)
	assert.Contains(t, entry.Subject, "INV-0007")
	assert.Contains(t, entry.Body, "250.00 usd")
}

func TestSucceededBeforeCheckoutCompletedEndsSucceeded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ada@example.com")

	require.NoError(t, f.reconciler.HandlePaymentSucceeded(ctx,
		f.intentEvent(t, webhookdomain.KindPaymentIntentSucceeded, "pi_1", f.metadata(f.paymentID))))
	require.NoError(t, f.reconciler.HandleCheckoutCompleted(ctx, f.checkoutCompleted(t, "cs_1", "pi_1", f.paymentID)))

	p := f.payment(t, f.paymentID)
	assert.Equal(t, paymentdomain.StatusSucceeded, p.Status)
	assert.Equal(t, "pi_1", p.IntentID())
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, f.invoiceStatus(t))
}

func TestCheckoutCompletedThenSucceeded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	require.NoError(t, f.reconciler.HandleCheckoutCompleted(ctx, f.checkoutCompleted(t, "cs_1", "pi_1", f.paymentID)))
	p := f.payment(t, f.paymentID)
	assert.Equal(t, paymentdomain.StatusProcessing, p.Status)
	assert.Equal(t, "pi_1", p.IntentID())
	assert.Equal(t, invoicedomain.InvoiceStatusSent, f.invoiceStatus(t))

	require.NoError(t, f.reconciler.HandlePaymentSucceeded(ctx,
		f.intentEvent(t, webhookdomain.KindPaymentIntentSucceeded, "pi_1", nil)))
	assert.Equal(t, paymentdomain.StatusSucceeded, f.payment(t, f.paymentID).Status)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, f.invoiceStatus(t))
	assert.Equal(t, int64(0), f.notificationCount(t), "client without email gets no receipt")
}

func TestFailedAfterSucceededIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ada@example.com")

	require.NoError(t, f.reconciler.HandleCheckoutCompleted(ctx, f.checkoutCompleted(t, "cs_1", "pi_1", f.paymentID)))
	require.NoError(t, f.reconciler.HandlePaymentSucceeded(ctx,
		f.intentEvent(t, webhookdomain.KindPaymentIntentSucceeded, "pi_1", nil)))
	require.NoError(t, f.reconciler.HandlePaymentFailed(ctx,
		f.intentEvent(t, webhookdomain.KindPaymentIntentFailed, "pi_1", nil)))

	assert.Equal(t, paymentdomain.StatusSucceeded, f.payment(t, f.paymentID).Status)
}

func TestDeclineThenRetrySettlesInvoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ada@example.com")

	require.NoError(t, f.reconciler.HandlePaymentFailed(ctx,
		f.intentEvent(t, webhookdomain.KindPaymentIntentFailed, "pi_1", f.metadata(f.paymentID))))
	assert.Equal(t, paymentdomain.StatusFailed, f.payment(t, f.paymentID).Status)
	assert.Equal(t, invoicedomain.InvoiceStatusSent, f.invoiceStatus(t), "failed payment leaves invoice payable")

	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.reconciler.HandlePaymentSucceeded(ctx,
		f.intentEvent(t, webhookdomain.KindPaymentIntentSucceeded, "pi_1", f.metadata(f.paymentID))))
	require.NoError(t, f.reconciler.HandleCheckoutCompleted(ctx, f.checkoutCompleted(t, "cs_1", "pi_1", f.paymentID)))

	p := f.payment(t, f.paymentID)
	assert.Equal(t, paymentdomain.StatusSucceeded, p.Status)
	require.NotNil(t, p.PaidAt)
	assert.True(t, p.PaidAt.Equal(f.clock.Now()))
	assert.True(t, p.UpdatedAt.Equal(f.clock.Now()))
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, f.invoiceStatus(t))
	assert.Equal(t, int64(1), f.notificationCount(t))
}

func TestLateSuccessAfterSessionExpiredSettles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	require.NoError(t, f.reconciler.HandleCheckoutExpired(ctx, event(t, "evt_exp", webhookdomain.KindCheckoutSessionExpired,
		map[string]any{"id": "cs_1", "metadata": f.metadata(f.paymentID)})))
	require.Equal(t, paymentdomain.StatusFailed, f.payment(t, f.paymentID).Status)

	require.NoError(t, f.reconciler.HandlePaymentSucceeded(ctx,
		f.intentEvent(t, webhookdomain.KindPaymentIntentSucceeded, "pi_1", f.metadata(f.paymentID))))
	assert.Equal(t, paymentdomain.StatusSucceeded, f.payment(t, f.paymentID).Status)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, f.invoiceStatus(t))
}

func TestLateSuccessAfterSweepSettlesWithoutPaymentReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	f.clock.Advance(2 * time.Hour)
	expired, err := f.reconciler.ExpireStale(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	md := f.metadata(f.paymentID)
	delete(md, "payment_id")
	require.NoError(t, f.reconciler.HandlePaymentSucceeded(ctx,
		f.intentEvent(t, webhookdomain.KindPaymentIntentSucceeded, "pi_1", md)))

	p := f.payment(t, f.paymentID)
	assert.Equal(t, paymentdomain.StatusSucceeded, p.Status)
	assert.Equal(t, "pi_1", p.IntentID())
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, f.invoiceStatus(t))
}

func TestSuccessOnCancelledInvoiceKeepsCancellation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	require.NoError(t, f.db.Exec(`UPDATE invoices SET status = ? WHERE id = ?`, invoicedomain.InvoiceStatusCancelled, f.invoiceID).Error)

	require.NoError(t, f.reconciler.HandlePaymentSucceeded(ctx,
		f.intentEvent(t, webhookdomain.KindPaymentIntentSucceeded, "pi_1", f.metadata(f.paymentID))))

	assert.Equal(t, paymentdomain.StatusSucceeded, f.payment(t, f.paymentID).Status)
	assert.Equal(t, invoicedomain.InvoiceStatusCancelled, f.invoiceStatus(t))
}

func TestCheckoutCompletedDoesNotMoveProcessingBackward(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	completed := f.checkoutCompleted(t, "cs_1", "pi_1", f.paymentID)
	require.NoError(t, f.reconciler.HandleCheckoutCompleted(ctx, completed))
	require.NoError(t, f.reconciler.HandlePaymentSucceeded(ctx,
		f.intentEvent(t, webhookdomain.KindPaymentIntentSucceeded, "pi_1", nil)))
	require.NoError(t, f.reconciler.HandleCheckoutCompleted(ctx, completed))

	assert.Equal(t, paymentdomain.StatusSucceeded, f.payment(t, f.paymentID).Status)
}

func TestSucceededWithoutLocalRecordIsReported(t *testing.T) {
	f := newFixture(t, "")

	err := f.reconciler.HandlePaymentSucceeded(context.Background(),
		f.intentEvent(t, webhookdomain.KindPaymentIntentSucceeded, "pi_unknown", nil))
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentNotFound)
}

func TestFailedWithoutLocalRecordIsAcknowledged(t *testing.T) {
	f := newFixture(t, "")

	err := f.reconciler.HandlePaymentFailed(context.Background(),
		f.intentEvent(t, webhookdomain.KindPaymentIntentFailed, "pi_unknown", nil))
	assert.NoError(t, err)
}

func TestCheckoutCompletedWithoutCorrelationIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	ev := event(t, "evt_x", webhookdomain.KindCheckoutSessionCompleted, map[string]any{
		"id":             "cs_1",
		"payment_intent": "pi_1",
		"metadata":       map[string]string{"invoice_id": f.invoiceID.String()},
	})
	require.NoError(t, f.reconciler.HandleCheckoutCompleted(ctx, ev))
	assert.Equal(t, paymentdomain.StatusPending, f.payment(t, f.paymentID).Status)

	garbage := webhookdomain.Event{ID: "evt_y", Kind: webhookdomain.KindCheckoutSessionCompleted, Data: []byte(`[1,2]`)}
	require.NoError(t, f.reconciler.HandleCheckoutCompleted(ctx, garbage))
}

func TestCheckoutCompletedForeignTenantIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	md := f.metadata(f.paymentID)
	md["tenant_id"] = f.node.Generate().String()
	ev := event(t, "evt_x", webhookdomain.KindCheckoutSessionCompleted, map[string]any{
		"id": "cs_1", "payment_intent": "pi_1", "metadata": md,
	})
	require.NoError(t, f.reconciler.HandleCheckoutCompleted(ctx, ev))
	assert.Equal(t, paymentdomain.StatusPending, f.payment(t, f.paymentID).Status)
}

func TestSecondPaymentCannotSettleSettledInvoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ada@example.com")
	secondID := f.node.Generate()
	f.insertPayment(t, secondID, "cs_2")

	require.NoError(t, f.reconciler.HandleCheckoutCompleted(ctx, f.checkoutCompleted(t, "cs_1", "pi_1", f.paymentID)))
	require.NoError(t, f.reconciler.HandleCheckoutCompleted(ctx, f.checkoutCompleted(t, "cs_2", "pi_2", secondID)))
	require.NoError(t, f.reconciler.HandlePaymentSucceeded(ctx,
		f.intentEvent(t, webhookdomain.KindPaymentIntentSucceeded, "pi_1", nil)))
	require.NoError(t, f.reconciler.HandlePaymentSucceeded(ctx,
		f.intentEvent(t, webhookdomain.KindPaymentIntentSucceeded, "pi_2", nil)))

	assert.Equal(t, paymentdomain.StatusSucceeded, f.payment(t, f.paymentID).Status)
	assert.Equal(t, paymentdomain.StatusProcessing, f.payment(t, secondID).Status)
	assert.Equal(t, int64(1), f.notificationCount(t))
}

func TestRepeatedSucceededRepairsInvoiceStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ada@example.com")
	succeeded := f.intentEvent(t, webhookdomain.KindPaymentIntentSucceeded, "pi_1", f.metadata(f.paymentID))

	require.NoError(t, f.reconciler.HandlePaymentSucceeded(ctx, succeeded))
	require.NoError(t, f.db.Exec(`UPDATE invoices SET status = ? WHERE id = ?`, invoicedomain.InvoiceStatusSent, f.invoiceID).Error)

	require.NoError(t, f.reconciler.HandlePaymentSucceeded(ctx, succeeded))
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, f.invoiceStatus(t))
	assert.Equal(t, int64(1), f.notificationCount(t), "repair does not re-send the receipt")
}

func TestCheckoutExpiredFailsPendingPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	ev := event(t, "evt_exp", webhookdomain.KindCheckoutSessionExpired, map[string]any{
		"id": "cs_1", "metadata": f.metadata(f.paymentID),
	})
	require.NoError(t, f.reconciler.HandleCheckoutExpired(ctx, ev))
	assert.Equal(t, paymentdomain.StatusFailed, f.payment(t, f.paymentID).Status)
}

func TestExpireStaleOnlyTouchesLapsedPendingPayments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	processingID := f.node.Generate()
	f.insertPayment(t, processingID, "cs_2")
	require.NoError(t, f.reconciler.HandleCheckoutCompleted(ctx, f.checkoutCompleted(t, "cs_2", "pi_2", processingID)))

	expired, err := f.reconciler.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	f.clock.Advance(2 * time.Hour)
	expired, err = f.reconciler.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, paymentdomain.StatusFailed, f.payment(t, f.paymentID).Status)
	assert.Equal(t, paymentdomain.StatusProcessing, f.payment(t, processingID).Status)
}
