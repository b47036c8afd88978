package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tallybill/internal/clock"
	"github.com/smallbiznis/tallybill/internal/config"
	"github.com/smallbiznis/tallybill/internal/gateway"
	"github.com/smallbiznis/tallybill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tallybill/internal/observability/metrics"
	tenantdomain "github.com/smallbiznis/tallybill/internal/tenant/domain"
	webhookdomain "github.com/smallbiznis/tallybill/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Repo    tenantdomain.Repository
	Gateway gateway.Gateway
	Plans   *config.PlanConfigHolder
	Metrics *obsmetrics.ReconcileMetrics `optional:"true"`
}

// Reconciler keeps each tenant's platform subscription and invoice quota in
// step with processor events.
type Reconciler struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	repo    tenantdomain.Repository
	gateway gateway.Gateway
	plans   *config.PlanConfigHolder
	metrics *obsmetrics.ReconcileMetrics
}

func NewReconciler(p Params) *Reconciler {
	return &Reconciler{
		db:      p.DB,
		log:     p.Log.Named("subscription.reconciler"),
		clock:   p.Clock,
		repo:    p.Repo,
		gateway: p.Gateway,
		plans:   p.Plans,
		metrics: p.Metrics,
	}
}

func (r *Reconciler) Routes() []webhookdomain.Route {
	d := webhookdomain.DomainSubscriptions
	return []webhookdomain.Route{
		{Domain: d, Kind: webhookdomain.KindCheckoutSessionCompleted, Handler: r.HandleCheckoutCompleted},
		{Domain: d, Kind: webhookdomain.KindSubscriptionCreated, Handler: r.HandleSubscriptionUpdated},
		{Domain: d, Kind: webhookdomain.KindSubscriptionUpdated, Handler: r.HandleSubscriptionUpdated},
		{Domain: d, Kind: webhookdomain.KindSubscriptionDeleted, Handler: r.HandleSubscriptionDeleted},
		{Domain: d, Kind: webhookdomain.KindPlatformInvoiceFailed, Handler: r.HandlePlatformInvoicePaymentFailed},
	}
}

// HandleCheckoutCompleted activates the subscription a tenant just bought.
// The subscription itself is fetched since the session only carries its id.
func (r *Reconciler) HandleCheckoutCompleted(ctx context.Context, event webhookdomain.Event) error {
	started := r.clock.Now()
	log := r.eventLog(ctx, event)

	var session checkoutSessionObject
	if err := event.Decode(&session); err != nil {
		log.Warn("checkout session payload unreadable", zap.Error(err))
		r.observe(obsmetrics.OutcomeUncorrelated, started)
		return nil
	}
	if session.Mode != string(gateway.ModeSubscription) {
		r.observe(obsmetrics.OutcomeNoop, started)
		return nil
	}

	raw := strings.TrimSpace(session.Metadata["tenant_id"])
	if raw == "" {
		raw = strings.TrimSpace(session.ClientReferenceID)
	}
	tenantID, err := snowflake.ParseString(raw)
	if raw == "" || err != nil || tenantID == 0 {
		log.Warn("subscription checkout without tenant reference", zap.String("session_id", session.ID))
		r.observe(obsmetrics.OutcomeUncorrelated, started)
		return nil
	}
	if session.Subscription == "" {
		log.Warn("subscription checkout without subscription id", zap.String("session_id", session.ID))
		r.observe(obsmetrics.OutcomeUncorrelated, started)
		return nil
	}
	log = log.With(zap.String("tenant_id", tenantID.String()), zap.String("subscription_id", session.Subscription))

	sub, err := r.gateway.GetSubscription(ctx, session.Subscription)
	if err != nil {
		log.Error("subscription fetch failed", zap.Error(err))
		r.observe(obsmetrics.OutcomeFailed, started)
		return err
	}

	outcome := obsmetrics.OutcomeNoop
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tenant, err := r.repo.FindByIDForUpdate(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if tenant == nil {
			log.Warn("tenant not found for subscription checkout")
			outcome = obsmetrics.OutcomeUncorrelated
			return nil
		}

		if tenant.StripeCustomerID == nil || *tenant.StripeCustomerID == "" {
			customerID := session.Customer
			if customerID == "" {
				customerID = sub.CustomerID
			}
			if customerID != "" {
				tenant.StripeCustomerID = &customerID
			}
		}
		subscriptionID := sub.ID
		tenant.StripeSubscriptionID = &subscriptionID
		tenant.SubscriptionStatus = tenantdomain.ParseSubscriptionStatus(sub.Status)
		tenant.SubscriptionPeriodEnd = sub.CurrentPeriodEnd
		tenant.InvoiceLimit = r.plans.UnlimitedInvoiceLimit()
		tenant.UpdatedAt = r.clock.Now().UTC()

		if err := r.repo.UpdateSubscription(ctx, tx, tenant); err != nil {
			return err
		}
		log.Info("subscription activated", zap.String("subscription_status", string(tenant.SubscriptionStatus)))
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

// HandleSubscriptionUpdated serves both created and updated events. Events for
// a subscription other than the tenant's current one are stale, except a
// created event for a live replacement.
func (r *Reconciler) HandleSubscriptionUpdated(ctx context.Context, event webhookdomain.Event) error {
	var sub subscriptionObject
	return r.mutateByCustomer(ctx, event, &sub, func() string { return sub.Customer }, func(tenant *tenantdomain.Tenant, log *zap.Logger) bool {
		status := tenantdomain.ParseSubscriptionStatus(sub.Status)
		live := status == tenantdomain.StatusActive || status == tenantdomain.StatusTrialing
		if !tenant.TracksSubscription(sub.ID) && (event.Kind != webhookdomain.KindSubscriptionCreated || !live) {
			log.Info("event for replaced subscription ignored",
				zap.String("subscription_id", sub.ID),
				zap.String("current_subscription_id", *tenant.StripeSubscriptionID),
			)
			return false
		}
		limit := r.plans.FreeTierInvoiceLimit()
		if status == tenantdomain.StatusActive {
			limit = r.plans.UnlimitedInvoiceLimit()
		}
		subscriptionID := sub.ID
		tenant.StripeSubscriptionID = &subscriptionID
		tenant.SubscriptionStatus = status
		tenant.SubscriptionPeriodEnd = sub.periodEnd()
		tenant.InvoiceLimit = limit
		return true
	})
}

// HandleSubscriptionDeleted resets the tenant to the free tier when its current
// subscription ends. Deleting a replaced subscription changes nothing.
func (r *Reconciler) HandleSubscriptionDeleted(ctx context.Context, event webhookdomain.Event) error {
	var sub subscriptionObject
	return r.mutateByCustomer(ctx, event, &sub, func() string { return sub.Customer }, func(tenant *tenantdomain.Tenant, log *zap.Logger) bool {
		if !tenant.TracksSubscription(sub.ID) {
			log.Info("deletion of replaced subscription ignored",
				zap.String("subscription_id", sub.ID),
				zap.String("current_subscription_id", *tenant.StripeSubscriptionID),
			)
			return false
		}
		tenant.StripeSubscriptionID = nil
		tenant.SubscriptionStatus = tenantdomain.StatusCanceled
		tenant.InvoiceLimit = r.plans.FreeTierInvoiceLimit()
		return true
	})
}

// HandlePlatformInvoicePaymentFailed marks the tenant past due. The limit is
// left alone until the processor settles the subscription status.
func (r *Reconciler) HandlePlatformInvoicePaymentFailed(ctx context.Context, event webhookdomain.Event) error {
	var invoice platformInvoiceObject
	return r.mutateByCustomer(ctx, event, &invoice, func() string { return invoice.Customer }, func(tenant *tenantdomain.Tenant, _ *zap.Logger) bool {
		if tenant.SubscriptionStatus == tenantdomain.StatusPastDue {
			return false
		}
		tenant.SubscriptionStatus = tenantdomain.StatusPastDue
		return true
	})
}

// mutateByCustomer decodes the event into object, locks the tenant owning the
// customer id and persists it when mutate reports a change.
func (r *Reconciler) mutateByCustomer(
	ctx context.Context,
	event webhookdomain.Event,
	object any,
	customer func() string,
	mutate func(*tenantdomain.Tenant, *zap.Logger) bool,
) error {
	started := r.clock.Now()
	log := r.eventLog(ctx, event)

	if err := event.Decode(object); err != nil {
		log.Warn("subscription payload unreadable", zap.Error(err))
		r.observe(obsmetrics.OutcomeUncorrelated, started)
		return nil
	}
	customerID := strings.TrimSpace(customer())
	if customerID == "" {
		log.Warn("subscription event without customer reference")
		r.observe(obsmetrics.OutcomeUncorrelated, started)
		return nil
	}
	log = log.With(zap.String("customer_id", customerID))

	outcome := obsmetrics.OutcomeNoop
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tenant, err := r.repo.FindByCustomerIDForUpdate(ctx, tx, customerID)
		if err != nil {
			return err
		}
		if tenant == nil {
			log.Info("no tenant for customer")
			outcome = obsmetrics.OutcomeUncorrelated
			return nil
		}
		if !mutate(tenant, log) {
			return nil
		}
		tenant.UpdatedAt = r.clock.Now().UTC()
		if err := r.repo.UpdateSubscription(ctx, tx, tenant); err != nil {
			return err
		}
		log.Info("tenant subscription updated",
			zap.String("tenant_id", tenant.ID.String()),
			zap.String("subscription_status", string(tenant.SubscriptionStatus)),
			zap.Int64("invoice_limit", tenant.InvoiceLimit),
		)
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

func (r *Reconciler) eventLog(ctx context.Context, event webhookdomain.Event) *zap.Logger {
	return logger.WithContext(ctx, r.log).With(
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Kind)),
	)
}

func (r *Reconciler) observe(outcome string, started time.Time) {
	r.metrics.Observe(obsmetrics.ReconcilerSubscription, outcome, started)
}
