package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/tallybill/internal/cache"
	"github.com/smallbiznis/tallybill/internal/config"
	obscontext "github.com/smallbiznis/tallybill/internal/observability/context"
	"github.com/smallbiznis/tallybill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tallybill/internal/observability/metrics"
	"github.com/smallbiznis/tallybill/internal/webhook/domain"
	"github.com/smallbiznis/tallybill/internal/webhook/verifier"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Verifier   *verifier.Verifier
	Registrars []domain.RouteRegistrar `group:"webhook_routes"`
	Dedup      cache.EventDedup        `optional:"true"`
	ObsMetrics *obsmetrics.Metrics     `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	verifier   *verifier.Verifier
	router     *Router
	dedup      cache.EventDedup
	secrets    map[domain.SigningDomain]string
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) (*Service, error) {
	router, err := NewRouter(p.Registrars...)
	if err != nil {
		return nil, err
	}
	return New(p.Log, p.Verifier, router, p.Dedup, p.ObsMetrics, map[domain.SigningDomain]string{
		domain.DomainPayments:      p.Cfg.Stripe.PaymentsWebhookSecret,
		domain.DomainConnect:       p.Cfg.Stripe.ConnectWebhookSecret,
		domain.DomainSubscriptions: p.Cfg.Stripe.SubscriptionWebhookSecret,
	}), nil
}

func New(log *zap.Logger, v *verifier.Verifier, router *Router, dedup cache.EventDedup, m *obsmetrics.Metrics, secrets map[domain.SigningDomain]string) *Service {
	if dedup == nil {
		dedup = cache.NewEventDedup(nil)
	}
	return &Service{
		log:        log.Named("webhook.service"),
		verifier:   v,
		router:     router,
		dedup:      dedup,
		secrets:    secrets,
		obsMetrics: m,
	}
}

// Ingest verifies, dispatches and acknowledges one delivery. A nil error means
// the event was durably applied or deliberately dropped and may be acknowledged.
func (s *Service) Ingest(ctx context.Context, signingDomain domain.SigningDomain, payload []byte, header string) (domain.Event, domain.Outcome, error) {
	if !signingDomain.Valid() {
		return domain.Event{}, domain.OutcomeRejected, domain.ErrUnknownDomain
	}
	ctx, _ = obscontext.EnsureCorrelationID(ctx)
	log := logger.WithContext(ctx, s.log).With(zap.String("signing_domain", string(signingDomain)))

	event, err := s.verifier.Verify(payload, header, s.secrets[signingDomain])
	if err != nil {
		if errors.Is(err, domain.ErrSecretNotConfigured) {
			log.Error("webhook secret not configured")
			s.record(ctx, signingDomain, "", domain.OutcomeFailed)
			return domain.Event{}, domain.OutcomeFailed, err
		}
		log.Warn("webhook verification failed", zap.Error(err))
		s.record(ctx, signingDomain, "", domain.OutcomeRejected)
		return domain.Event{}, domain.OutcomeRejected, err
	}

	log = log.With(zap.String("event_id", event.ID), zap.String("event_type", string(event.Kind)))

	if seen, err := s.dedup.Seen(ctx, string(signingDomain), event.ID); err != nil {
		log.Warn("webhook dedup lookup failed", zap.Error(err))
	} else if seen {
		log.Debug("webhook event already processed")
		s.record(ctx, signingDomain, event.Kind, domain.OutcomeDuplicate)
		return event, domain.OutcomeDuplicate, nil
	}

	outcome, err := s.router.Dispatch(ctx, signingDomain, event)
	s.record(ctx, signingDomain, event.Kind, outcome)
	if err != nil {
		log.Error("webhook processing failed", zap.Error(err))
		return event, outcome, fmt.Errorf("%s %s: %w", event.Kind, event.ID, err)
	}

	if outcome == domain.OutcomeIgnored {
		log.Debug("webhook event kind not handled")
	} else {
		log.Info("webhook event processed")
	}

	if err := s.dedup.Mark(ctx, string(signingDomain), event.ID); err != nil {
		log.Warn("webhook dedup mark failed", zap.Error(err))
	}
	return event, outcome, nil
}

func (s *Service) record(ctx context.Context, signingDomain domain.SigningDomain, kind domain.Kind, outcome domain.Outcome) {
	s.obsMetrics.RecordWebhookEvent(ctx, string(signingDomain), string(kind), string(outcome))
}
