package service_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tallybill/internal/cache"
	"github.com/smallbiznis/tallybill/internal/clock"
	"github.com/smallbiznis/tallybill/internal/webhook/domain"
	"github.com/smallbiznis/tallybill/internal/webhook/service"
	"github.com/smallbiznis/tallybill/internal/webhook/verifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type registrar []domain.Route

func (r registrar) Routes() []domain.Route { return r }

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", now.Unix(), payload)))
	return fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(id, kind string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"data":{"object":{"id":"obj_1"}}}`, id, kind, now.Unix()))
}

func newService(t *testing.T, dedup cache.EventDedup, routes ...domain.Route) *service.Service {
	t.Helper()
	router, err := service.NewRouter(registrar(routes))
	require.NoError(t, err)
	return service.New(
		zap.NewNop(),
		verifier.NewWithTolerance(5*time.Minute, clock.NewFakeClock(now)),
		router,
		dedup,
		nil,
		map[domain.SigningDomain]string{
			domain.DomainPayments: "whsec_payments",
			domain.DomainConnect:  "whsec_connect",
		},
	)
}

func TestRouterRejectsDuplicateRoutes(t *testing.T) {
	noop := func(context.Context, domain.Event) error { return nil }
	_, err := service.NewRouter(registrar{
		{Domain: domain.DomainPayments, Kind: domain.KindPaymentIntentSucceeded, Handler: noop},
		{Domain: domain.DomainPayments, Kind: domain.KindPaymentIntentSucceeded, Handler: noop},
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateRoute)

	_, err = service.NewRouter(registrar{{Domain: "billing", Kind: "x", Handler: noop}})
	assert.ErrorIs(t, err, domain.ErrUnknownDomain)
}

func TestRouterSeparatesSigningDomains(t *testing.T) {
	var hits []domain.SigningDomain
	router, err := service.NewRouter(registrar{
		{Domain: domain.DomainPayments, Kind: domain.KindCheckoutSessionCompleted, Handler: func(context.Context, domain.Event) error {
			hits = append(hits, domain.DomainPayments)
			return nil
		}},
		{Domain: domain.DomainSubscriptions, Kind: domain.KindCheckoutSessionCompleted, Handler: func(context.Context, domain.Event) error {
			hits = append(hits, domain.DomainSubscriptions)
			return nil
		}},
	})
	require.NoError(t, err)

	event := domain.Event{ID: "evt_1", Kind: domain.KindCheckoutSessionCompleted}
	outcome, err := router.Dispatch(context.Background(), domain.DomainSubscriptions, event)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, outcome)
	assert.Equal(t, []domain.SigningDomain{domain.DomainSubscriptions}, hits)

	outcome, err = router.Dispatch(context.Background(), domain.DomainConnect, event)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, outcome)
}

func TestIngestAcknowledgesUnknownKinds(t *testing.T) {
	svc := newService(t, nil)
	body := eventPayload("evt_unknown", "charge.refunded")

	_, outcome, err := svc.Ingest(context.Background(), domain.DomainPayments, body, sign("whsec_payments", body))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, outcome)
}

func TestIngestRejectsSignatureFromAnotherDomain(t *testing.T) {
	called := false
	svc := newService(t, nil, domain.Route{
		Domain: domain.DomainConnect,
		Kind:   domain.KindAccountUpdated,
		Handler: func(context.Context, domain.Event) error {
			called = true
			return nil
		},
	})
	body := eventPayload("evt_1", "account.updated")

	_, outcome, err := svc.Ingest(context.Background(), domain.DomainConnect, body, sign("whsec_payments", body))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	assert.True(t, domain.IsVerificationError(err))
	assert.Equal(t, domain.OutcomeRejected, outcome)
	assert.False(t, called)
}

func TestIngestReportsMissingSecretAsConfigurationError(t *testing.T) {
	svc := newService(t, nil)
	body := eventPayload("evt_1", "customer.subscription.updated")

	_, _, err := svc.Ingest(context.Background(), domain.DomainSubscriptions, body, sign("whsec_subscriptions", body))
	assert.ErrorIs(t, err, domain.ErrSecretNotConfigured)
	assert.False(t, domain.IsVerificationError(err))
}

func TestIngestPropagatesHandlerFailureAndDoesNotMarkSeen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	dedup := cache.NewRedisEventDedup(client, time.Hour)

	calls := 0
	fail := true
	svc := newService(t, dedup, domain.Route{
		Domain: domain.DomainPayments,
		Kind:   domain.KindPaymentIntentSucceeded,
		Handler: func(context.Context, domain.Event) error {
			calls++
			if fail {
				return errors.New("connection refused")
			}
			return nil
		},
	})
	body := eventPayload("evt_retry", "payment_intent.succeeded")
	header := sign("whsec_payments", body)

	_, outcome, err := svc.Ingest(context.Background(), domain.DomainPayments, body, header)
	require.Error(t, err)
	assert.Equal(t, domain.OutcomeFailed, outcome)

	fail = false
	_, outcome, err = svc.Ingest(context.Background(), domain.DomainPayments, body, header)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, outcome)

	_, outcome, err = svc.Ingest(context.Background(), domain.DomainPayments, body, header)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, outcome)
	assert.Equal(t, 2, calls)
}

func TestIngestProcessesWhenDedupStoreIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	dedup := cache.NewRedisEventDedup(client, time.Hour)
	mr.Close()

	calls := 0
	svc := newService(t, dedup, domain.Route{
		Domain: domain.DomainPayments,
		Kind:   domain.KindPaymentIntentSucceeded,
		Handler: func(context.Context, domain.Event) error {
			calls++
			return nil
		},
	})
	body := eventPayload("evt_2", "payment_intent.succeeded")

	_, outcome, err := svc.Ingest(context.Background(), domain.DomainPayments, body, sign("whsec_payments", body))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, outcome)
	assert.Equal(t, 1, calls)
}
