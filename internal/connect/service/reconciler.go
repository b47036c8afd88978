package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/tallybill/internal/clock"
	"github.com/smallbiznis/tallybill/internal/config"
	"github.com/smallbiznis/tallybill/internal/gateway"
	"github.com/smallbiznis/tallybill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tallybill/internal/observability/metrics"
	profiledomain "github.com/smallbiznis/tallybill/internal/profile/domain"
	webhookdomain "github.com/smallbiznis/tallybill/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Capabilities a merchant needs before invoices can be paid through the account.
var requiredCapabilities = map[string]struct{}{
	"card_payments": {},
	"transfers":     {},
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Cfg     config.Config
	Clock   clock.Clock
	Repo    profiledomain.Repository
	Gateway gateway.Gateway
	Metrics *obsmetrics.ReconcileMetrics `optional:"true"`
}

// Reconciler tracks connected-account onboarding from processor events.
type Reconciler struct {
	db      *gorm.DB
	log     *zap.Logger
	cfg     config.Config
	clock   clock.Clock
	repo    profiledomain.Repository
	gateway gateway.Gateway
	metrics *obsmetrics.ReconcileMetrics
}

func NewReconciler(p Params) *Reconciler {
	return &Reconciler{
		db:      p.DB,
		log:     p.Log.Named("connect.reconciler"),
		cfg:     p.Cfg,
		clock:   p.Clock,
		repo:    p.Repo,
		gateway: p.Gateway,
		metrics: p.Metrics,
	}
}

func (r *Reconciler) Routes() []webhookdomain.Route {
	return []webhookdomain.Route{
		{Domain: webhookdomain.DomainConnect, Kind: webhookdomain.KindAccountUpdated, Handler: r.HandleAccountUpdated},
		{Domain: webhookdomain.DomainConnect, Kind: webhookdomain.KindCapabilityUpdated, Handler: r.HandleCapabilityUpdated},
		{Domain: webhookdomain.DomainConnect, Kind: webhookdomain.KindAccountDeauthorized, Handler: r.HandleAccountDeauthorized},
	}
}

type accountObject struct {
	ID               string `json:"id"`
	DetailsSubmitted bool   `json:"details_submitted"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
}

type capabilityObject struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Account string `json:"account"`
}

func (r *Reconciler) HandleAccountUpdated(ctx context.Context, event webhookdomain.Event) error {
	started := r.clock.Now()
	log := r.eventLog(ctx, event)

	var account accountObject
	if err := event.Decode(&account); err != nil || account.ID == "" {
		log.Warn("account payload unreadable", zap.Error(err))
		r.observe(obsmetrics.OutcomeUncorrelated, started)
		return nil
	}

	outcome, err := r.applyAccountState(ctx, log, account.ID, profiledomain.AccountState{
		DetailsSubmitted: account.DetailsSubmitted,
		ChargesEnabled:   account.ChargesEnabled,
		PayoutsEnabled:   account.PayoutsEnabled,
	})
	if err != nil {
		r.observe(obsmetrics.OutcomeFailed, started)
		return err
	}
	r.observe(outcome, started)
	return nil
}

// HandleCapabilityUpdated re-reads the full account when a required capability
// turns active, since the event alone says nothing about the other one.
func (r *Reconciler) HandleCapabilityUpdated(ctx context.Context, event webhookdomain.Event) error {
	started := r.clock.Now()
	log := r.eventLog(ctx, event)

	var capability capabilityObject
	if err := event.Decode(&capability); err != nil {
		log.Warn("capability payload unreadable", zap.Error(err))
		r.observe(obsmetrics.OutcomeUncorrelated, started)
		return nil
	}
	if _, ok := requiredCapabilities[capability.ID]; !ok || capability.Status != "active" {
		r.observe(obsmetrics.OutcomeNoop, started)
		return nil
	}

	accountID := capability.Account
	if accountID == "" {
		accountID = event.Account
	}
	if accountID == "" {
		log.Warn("capability event without account reference")
		r.observe(obsmetrics.OutcomeUncorrelated, started)
		return nil
	}

	account, err := r.gateway.GetAccount(ctx, accountID)
	if err != nil {
		log.Error("account refetch failed", zap.String("account_id", accountID), zap.Error(err))
		r.observe(obsmetrics.OutcomeFailed, started)
		return err
	}

	outcome, err := r.applyAccountState(ctx, log, accountID, profiledomain.AccountState{
		DetailsSubmitted: account.DetailsSubmitted,
		ChargesEnabled:   account.ChargesEnabled,
		PayoutsEnabled:   account.PayoutsEnabled,
	})
	if err != nil {
		r.observe(obsmetrics.OutcomeFailed, started)
		return err
	}
	r.observe(outcome, started)
	return nil
}

func (r *Reconciler) applyAccountState(ctx context.Context, log *zap.Logger, accountID string, state profiledomain.AccountState) (string, error) {
	log = log.With(zap.String("account_id", accountID))
	outcome := obsmetrics.OutcomeNoop
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile, err := r.repo.FindByAccountIDForUpdate(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if profile == nil {
			log.Info("no profile for connected account")
			outcome = obsmetrics.OutcomeUncorrelated
			return nil
		}
		if !profile.ApplyAccountState(state) {
			return nil
		}
		profile.UpdatedAt = r.clock.Now().UTC()
		if err := r.repo.UpdateConnect(ctx, tx, profile); err != nil {
			return err
		}
		log.Info("connect status updated",
			zap.String("profile_id", profile.ID.String()),
			zap.String("connect_status", string(profile.ConnectStatus)),
			zap.Bool("onboarding_completed", profile.OnboardingCompleted),
		)
		outcome = obsmetrics.OutcomeApplied
		return nil
	})
	return outcome, err
}

// HandleAccountDeauthorized clears the account reference. The event carries
// only the account id, on the envelope rather than the object.
func (r *Reconciler) HandleAccountDeauthorized(ctx context.Context, event webhookdomain.Event) error {
	started := r.clock.Now()
	log := r.eventLog(ctx, event)

	accountID := strings.TrimSpace(event.Account)
	if accountID == "" {
		log.Warn("deauthorization without account reference")
		r.observe(obsmetrics.OutcomeUncorrelated, started)
		return nil
	}
	log = log.With(zap.String("account_id", accountID))

	outcome := obsmetrics.OutcomeNoop
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile, err := r.repo.FindByAccountIDForUpdate(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if profile == nil {
			log.Info("no profile for deauthorized account")
			outcome = obsmetrics.OutcomeUncorrelated
			return nil
		}
		profile.Disconnect()
		profile.UpdatedAt = r.clock.Now().UTC()
		if err := r.repo.UpdateConnect(ctx, tx, profile); err != nil {
			return err
		}
		log.Info("connected account deauthorized", zap.String("profile_id", profile.ID.String()))
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
	r.metrics.Observe(obsmetrics.ReconcilerConnect, outcome, started)
}
