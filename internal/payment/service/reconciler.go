package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tallybill/internal/clock"
	invoicedomain "github.com/smallbiznis/tallybill/internal/invoice/domain"
	notificationdomain "github.com/smallbiznis/tallybill/internal/notification/domain"
	notificationservice "github.com/smallbiznis/tallybill/internal/notification/service"
	"github.com/smallbiznis/tallybill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tallybill/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/tallybill/internal/payment/domain"
	webhookdomain "github.com/smallbiznis/tallybill/internal/webhook/domain"
	"github.com/smallbiznis/tallybill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Repo          paymentdomain.Repository
	InvoiceRepo   invoicedomain.Repository
	Notifications *notificationservice.Service
	Metrics       *obsmetrics.ReconcileMetrics `optional:"true"`
}

// Reconciler drives the per-invoice payment state machine from processor events.
type Reconciler struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	repo          paymentdomain.Repository
	invoiceRepo   invoicedomain.Repository
	notifications *notificationservice.Service
	metrics       *obsmetrics.ReconcileMetrics
}

func NewReconciler(p Params) *Reconciler {
	return &Reconciler{
		db:            p.DB,
		log:           p.Log.Named("payment.reconciler"),
		clock:         p.Clock,
		repo:          p.Repo,
		invoiceRepo:   p.InvoiceRepo,
		notifications: p.Notifications,
		metrics:       p.Metrics,
	}
}

func (r *Reconciler) Routes() []webhookdomain.Route {
	return []webhookdomain.Route{
		{Domain: webhookdomain.DomainPayments, Kind: webhookdomain.KindCheckoutSessionCompleted, Handler: r.HandleCheckoutCompleted},
		{Domain: webhookdomain.DomainPayments, Kind: webhookdomain.KindCheckoutSessionExpired, Handler: r.HandleCheckoutExpired},
		{Domain: webhookdomain.DomainPayments, Kind: webhookdomain.KindPaymentIntentSucceeded, Handler: r.HandlePaymentSucceeded},
		{Domain: webhookdomain.DomainPayments, Kind: webhookdomain.KindPaymentIntentFailed, Handler: r.HandlePaymentFailed},
	}
}

// HandleCheckoutCompleted moves the originating payment from pending to processing.
func (r *Reconciler) HandleCheckoutCompleted(ctx context.Context, event webhookdomain.Event) error {
	started := r.clock.Now()
	log := r.eventLog(ctx, event)

	var session checkoutSessionObject
	if err := event.Decode(&session); err != nil {
		log.Warn("checkout session payload unreadable", zap.Error(err))
		r.observe(obsmetrics.OutcomeUncorrelated, started)
		return nil
	}
	corr := readCorrelation(session.Metadata)
	log = log.With(zap.String("checkout_session_id", session.ID), zap.String("payment_intent_id", session.PaymentIntent))
	if corr.InvoiceID == 0 || corr.TenantID == 0 {
		log.Warn("checkout session missing invoice or tenant reference")
		r.observe(obsmetrics.OutcomeUncorrelated, started)
		return nil
	}

	outcome := obsmetrics.OutcomeNoop
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := r.locateForSession(ctx, tx, corr, session)
		if err != nil {
			return err
		}
		if payment == nil {
			log.Info("no local payment for checkout session",
				zap.String("invoice_id", corr.InvoiceID.String()),
			)
			outcome = obsmetrics.OutcomeUncorrelated
			return nil
		}

		changed := false
		if !payment.Status.Finished() && payment.AttachIntent(session.PaymentIntent) {
			changed = true
		}
		if payment.Transition(paymentdomain.StatusProcessing) {
			if method := firstMethod(session.PaymentMethodTypes); method != "" {
				payment.PaymentMethodType = method
			}
			changed = true
		}
		if !changed {
			return nil
		}
		if err := r.save(ctx, tx, payment); err != nil {
			return err
		}
		outcome = obsmetrics.OutcomeApplied
		log.Info("payment processing",
			zap.String("payment_id", payment.ID.String()),
			zap.String("status", string(payment.Status)),
		)
		return nil
	})
	if err != nil {
		r.observe(obsmetrics.OutcomeFailed, started)
		return err
	}
	r.observe(outcome, started)
	return nil
}

// locateForSession tries the intent id, then the payment id from metadata, then
// the session id. Every candidate must belong to the invoice in the metadata.
func (r *Reconciler) locateForSession(ctx context.Context, tx *gorm.DB, corr correlation, session checkoutSessionObject) (*paymentdomain.Payment, error) {
	belongs := func(p *paymentdomain.Payment) bool {
		return p != nil && p.InvoiceID == corr.InvoiceID && p.TenantID == corr.TenantID
	}

	if session.PaymentIntent != "" {
		p, err := r.repo.FindByIntentForUpdate(ctx, tx, session.PaymentIntent)
		if err != nil {
			return nil, err
		}
		if belongs(p) {
			return p, nil
		}
	}
	if corr.PaymentID != 0 {
		p, err := r.repo.FindByIDForUpdate(ctx, tx, corr.InvoiceID, corr.PaymentID)
		if err != nil {
			return nil, err
		}
		if belongs(p) {
			return p, nil
		}
	}
	p, err := r.repo.FindBySessionForUpdate(ctx, tx, session.ID)
	if err != nil {
		return nil, err
	}
	if belongs(p) {
		return p, nil
	}
	return nil, nil
}

// locateForIntent finds the payment for an intent event. A payment created at
// checkout has no intent id until checkout.session.completed lands, so an intent
// event that overtakes it falls back to the metadata written at checkout.
func (r *Reconciler) locateForIntent(ctx context.Context, tx *gorm.DB, intent paymentIntentObject, unattached ...paymentdomain.Status) (*paymentdomain.Payment, error) {
	p, err := r.repo.FindByIntentForUpdate(ctx, tx, intent.ID)
	if err != nil || p != nil {
		return p, err
	}

	corr := readCorrelation(intent.Metadata)
	if corr.InvoiceID == 0 {
		return nil, nil
	}
	if corr.PaymentID != 0 {
		p, err = r.repo.FindByIDForUpdate(ctx, tx, corr.InvoiceID, corr.PaymentID)
		if err != nil {
			return nil, err
		}
		if p != nil && p.PaymentIntentID == nil {
			return p, nil
		}
		if p != nil {
			// Bound to a different intent; this one is not ours.
			return nil, nil
		}
	}
	return r.repo.FindUnattachedForUpdate(ctx, tx, corr.InvoiceID, unattached...)
}

// HandlePaymentSucceeded settles the payment and marks the invoice paid in one
// transaction, then queues the receipt best-effort. A payment failed by a
// declined attempt, an expired session or the sweeper is settled too.
func (r *Reconciler) HandlePaymentSucceeded(ctx context.Context, event webhookdomain.Event) error {
	started := r.clock.Now()
	log := r.eventLog(ctx, event)

	var intent paymentIntentObject
	if err := event.Decode(&intent); err != nil || intent.ID == "" {
		log.Warn("payment intent payload unreadable", zap.Error(err))
		r.observe(obsmetrics.OutcomeUncorrelated, started)
		return nil
	}
	log = log.With(zap.String("payment_intent_id", intent.ID))

	var (
		settled *paymentdomain.Payment
		outcome = obsmetrics.OutcomeNoop
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := r.locateForIntent(ctx, tx, intent,
			paymentdomain.StatusPending, paymentdomain.StatusProcessing, paymentdomain.StatusFailed)
		if err != nil {
			return err
		}
		if payment == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		log = log.With(
			zap.String("payment_id", payment.ID.String()),
			zap.String("invoice_id", payment.InvoiceID.String()),
		)

		if payment.Status == paymentdomain.StatusSucceeded {
			return r.markInvoicePaid(ctx, tx, log, payment, false)
		}
		if payment.Status == paymentdomain.StatusFailed {
			log.Warn("success reported for failed payment; settling")
		}

		duplicate, err := r.repo.HasSucceeded(ctx, tx, payment.InvoiceID, payment.ID)
		if err != nil {
			return err
		}
		if duplicate {
			log.Error("invoice already settled by another payment", zap.String("reason", paymentdomain.ErrDuplicateSettle.Error()))
			return nil
		}

		now := r.clock.Now().UTC()
		payment.AttachIntent(intent.ID)
		payment.Transition(paymentdomain.StatusSucceeded)
		payment.PaidAt = &now
		if payment.PaymentMethodType == "" {
			payment.PaymentMethodType = firstMethod(intent.PaymentMethodTypes)
		}
		if err := r.save(ctx, tx, payment); err != nil {
			if db.IsDuplicateKeyErr(err) {
				log.Error("invoice already settled by another payment", zap.Error(err))
				return errSettledConcurrently
			}
			return err
		}
		if err := r.markInvoicePaid(ctx, tx, log, payment, true); err != nil {
			return err
		}
		settled = payment
		outcome = obsmetrics.OutcomeApplied
		return nil
	})
	if errors.Is(err, errSettledConcurrently) {
		r.observe(obsmetrics.OutcomeNoop, started)
		return nil
	}
	if errors.Is(err, paymentdomain.ErrPaymentNotFound) {
		log.Error("no local payment for succeeded intent; record may be lost",
			zap.Any("metadata", intent.Metadata),
		)
		r.observe(obsmetrics.OutcomeFailed, started)
		return fmt.Errorf("intent %s: %w", intent.ID, err)
	}
	if err != nil {
		r.observe(obsmetrics.OutcomeFailed, started)
		return err
	}

	if settled != nil {
		log.Info("payment succeeded")
		r.sendReceipt(ctx, log, settled)
	}
	r.observe(outcome, started)
	return nil
}

var errSettledConcurrently = errors.New("settled_concurrently")

// markInvoicePaid runs inside the settling transaction. A redelivery for an
// already settled payment repairs an invoice left unpaid by hand edits. A
// cancelled invoice keeps its status; the collected funds need a manual refund.
func (r *Reconciler) markInvoicePaid(ctx context.Context, tx *gorm.DB, log *zap.Logger, payment *paymentdomain.Payment, fresh bool) error {
	changed, err := r.invoiceRepo.MarkPaid(ctx, tx, payment.TenantID, payment.InvoiceID, r.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark invoice paid: %w", err)
	}
	if changed {
		if !fresh {
			log.Info("repaired invoice status for settled payment")
		}
		return nil
	}

	invoice, err := r.invoiceRepo.FindByID(ctx, tx, payment.TenantID, payment.InvoiceID)
	if err != nil {
		return fmt.Errorf("load settled invoice: %w", err)
	}
	if invoice != nil && invoice.Status == invoicedomain.InvoiceStatusCancelled {
		log.Error("payment settled against cancelled invoice; refund required",
			zap.Int64("amount", payment.Amount),
			zap.String("currency", payment.Currency),
		)
	}
	return nil
}

func (r *Reconciler) save(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error {
	payment.UpdatedAt = r.clock.Now().UTC()
	return r.repo.Update(ctx, tx, payment)
}

// sendReceipt queues the receipt for a freshly settled payment. Failures are
// logged with enough context to resend by hand.
func (r *Reconciler) sendReceipt(ctx context.Context, log *zap.Logger, payment *paymentdomain.Payment) {
	invoice, client, err := r.invoiceRepo.FindWithClient(ctx, r.db, payment.TenantID, payment.InvoiceID)
	if err != nil {
		log.Warn("invoice lookup for receipt failed", zap.Error(err))
		return
	}
	if invoice == nil {
		log.Warn("invoice missing for settled payment")
		return
	}
	if !client.HasEmail() {
		log.Info("client has no email; receipt skipped")
		return
	}

	_, err = r.notifications.Enqueue(ctx, notificationdomain.Entry{
		TenantID:  payment.TenantID,
		Kind:      notificationdomain.KindPaymentReceived,
		Recipient: client.Email,
		Subject:   fmt.Sprintf("Payment received for invoice %s", invoice.InvoiceNumber),
		Body: fmt.Sprintf("Hi %s, we received your payment of %s for invoice %s. Thank you.",
			client.Name, formatAmount(payment.Amount, payment.Currency), invoice.InvoiceNumber),
		Payload: datatypes.JSONMap{
			"invoice_id": invoice.ID.String(),
			"payment_id": payment.ID.String(),
			"amount":     payment.Amount,
			"currency":   payment.Currency,
		},
	})
	if err != nil {
		log.Warn("receipt enqueue failed after payment settled", zap.Error(err))
	}
}

// HandlePaymentFailed fails a non-terminal payment. The invoice stays payable.
func (r *Reconciler) HandlePaymentFailed(ctx context.Context, event webhookdomain.Event) error {
	started := r.clock.Now()
	log := r.eventLog(ctx, event)

	var intent paymentIntentObject
	if err := event.Decode(&intent); err != nil || intent.ID == "" {
		log.Warn("payment intent payload unreadable", zap.Error(err))
		r.observe(obsmetrics.OutcomeUncorrelated, started)
		return nil
	}
	log = log.With(zap.String("payment_intent_id", intent.ID))

	outcome := obsmetrics.OutcomeNoop
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := r.locateForIntent(ctx, tx, intent, paymentdomain.StatusPending, paymentdomain.StatusProcessing)
		if err != nil {
			return err
		}
		if payment == nil {
			log.Info("no local payment for failed intent")
			outcome = obsmetrics.OutcomeUncorrelated
			return nil
		}
		if !payment.Transition(paymentdomain.StatusFailed) {
			return nil
		}
		payment.AttachIntent(intent.ID)
		if err := r.save(ctx, tx, payment); err != nil {
			return err
		}
		fields := []zap.Field{zap.String("payment_id", payment.ID.String())}
		if intent.LastPaymentError != nil {
			fields = append(fields, zap.String("decline_code", intent.LastPaymentError.Code))
		}
		log.Info("payment failed", fields...)
		outcome = obsmetrics.OutcomeApplied
		return nil
	})
	if err != nil {
		r.observe(obsmetrics.OutcomeFailed, started)
		return err
	}
	r.observe(outcome, started)
	return nil
}

// HandleCheckoutExpired fails a payment whose session lapsed before checkout completed.
func (r *Reconciler) HandleCheckoutExpired(ctx context.Context, event webhookdomain.Event) error {
	started := r.clock.Now()
	log := r.eventLog(ctx, event)

	var session checkoutSessionObject
	if err := event.Decode(&session); err != nil || session.ID == "" {
		log.Warn("checkout session payload unreadable", zap.Error(err))
		r.observe(obsmetrics.OutcomeUncorrelated, started)
		return nil
	}

	outcome := obsmetrics.OutcomeNoop
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := r.repo.FindBySessionForUpdate(ctx, tx, session.ID)
		if err != nil {
			return err
		}
		if payment == nil {
			outcome = obsmetrics.OutcomeUncorrelated
			return nil
		}
		if payment.Status != paymentdomain.StatusPending {
			return nil
		}
		payment.Transition(paymentdomain.StatusFailed)
		if err := r.save(ctx, tx, payment); err != nil {
			return err
		}
		outcome = obsmetrics.OutcomeApplied
		log.Info("payment expired with checkout session",
			zap.String("payment_id", payment.ID.String()),
			zap.String("checkout_session_id", session.ID),
		)
		return nil
	})
	if err != nil {
		r.observe(obsmetrics.OutcomeFailed, started)
		return err
	}
	r.observe(outcome, started)
	return nil
}

// ExpireStale fails pending payments whose checkout window has passed. It
// covers sessions whose expiry event never arrived.
func (r *Reconciler) ExpireStale(ctx context.Context, limit int) (int, error) {
	now := r.clock.Now().UTC()
	candidates, err := r.repo.ListExpiredPending(ctx, r.db, now, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range candidates {
		changed, err := r.expireOne(ctx, candidate.InvoiceID, candidate.ID, now)
		if err != nil {
			return expired, err
		}
		if changed {
			expired++
		}
	}
	if len(candidates) > 0 {
		r.log.Info("expired stale payments", zap.Int("candidates", len(candidates)), zap.Int("expired", expired))
	}
	return expired, nil
}

func (r *Reconciler) expireOne(ctx context.Context, invoiceID, id snowflake.ID, now time.Time) (bool, error) {
	changed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := r.repo.FindByIDForUpdate(ctx, tx, invoiceID, id)
		if err != nil || payment == nil {
			return err
		}
		if payment.Status != paymentdomain.StatusPending || payment.ExpiresAt == nil || !payment.ExpiresAt.Before(now) {
			return nil
		}
		payment.Transition(paymentdomain.StatusFailed)
		if err := r.save(ctx, tx, payment); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

func (r *Reconciler) eventLog(ctx context.Context, event webhookdomain.Event) *zap.Logger {
	return logger.WithContext(ctx, r.log).With(
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Kind)),
	)
}

func (r *Reconciler) observe(outcome string, started time.Time) {
	r.metrics.Observe(obsmetrics.ReconcilerPayment, outcome, started)
}

func formatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, currency)
}
