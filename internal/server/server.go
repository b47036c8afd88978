package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tallybill/internal/authorization"
	checkoutdomain "github.com/smallbiznis/tallybill/internal/checkout/domain"
	checkoutservice "github.com/smallbiznis/tallybill/internal/checkout/service"
	"github.com/smallbiznis/tallybill/internal/clock"
	"github.com/smallbiznis/tallybill/internal/config"
	connectservice "github.com/smallbiznis/tallybill/internal/connect/service"
	"github.com/smallbiznis/tallybill/internal/observability"
	obslogger "github.com/smallbiznis/tallybill/internal/observability/logger"
	obstracing "github.com/smallbiznis/tallybill/internal/observability/tracing"
	subscriptionservice "github.com/smallbiznis/tallybill/internal/subscription/service"
	tenantdomain "github.com/smallbiznis/tallybill/internal/tenant/domain"
	webhookdomain "github.com/smallbiznis/tallybill/internal/webhook/domain"
	webhookservice "github.com/smallbiznis/tallybill/internal/webhook/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type webhookIngester interface {
	Ingest(ctx context.Context, signingDomain webhookdomain.SigningDomain, payload []byte, header string) (webhookdomain.Event, webhookdomain.Outcome, error)
}

type checkoutInitiator interface {
	CreateInvoiceCheckout(ctx context.Context, actor authorization.Actor, invoiceID snowflake.ID, expiry time.Duration) (*checkoutdomain.Session, error)
	CreateSubscriptionCheckout(ctx context.Context, actor authorization.Actor) (*checkoutdomain.Session, error)
	CreateLegacyCheckout(ctx context.Context, actor authorization.Actor, invoiceID snowflake.ID) (*checkoutdomain.Session, error)
}

type connectOnboarder interface {
	StartOnboarding(ctx context.Context, tenantID, profileID snowflake.ID) (*connectservice.Onboarding, error)
}

type quotaChecker interface {
	CheckQuota(ctx context.Context, tenantID snowflake.ID) (tenantdomain.Quota, error)
}

type Server struct {
	engine   *gin.Engine
	cfg      config.Config
	log      *zap.Logger
	clock    clock.Clock
	authzSvc authorization.Service
	webhooks webhookIngester
	checkout checkoutInitiator
	connect  connectOnboarder
	quota    quotaChecker
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	Clock         clock.Clock
	AuthzSvc      authorization.Service
	Webhooks      *webhookservice.Service
	Checkout      *checkoutservice.Service
	Connect       *connectservice.Reconciler
	Subscriptions *subscriptionservice.Reconciler
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:   p.Gin,
		cfg:      p.Cfg,
		log:      p.Log.Named("http.server"),
		clock:    p.Clock,
		authzSvc: p.AuthzSvc,
		webhooks: p.Webhooks,
		checkout: p.Checkout,
		connect:  p.Connect,
		quota:    p.Subscriptions,
	}

	svc.registerWebhookRoutes(svc.engine)
	svc.registerAPIRoutes(svc.engine)

	return svc
}

func (s *Server) registerWebhookRoutes(r gin.IRouter) {
	hooks := r.Group("/webhooks/stripe")
	hooks.POST("/payments", s.HandleStripeWebhook(webhookdomain.DomainPayments))
	hooks.POST("/connect", s.HandleStripeWebhook(webhookdomain.DomainConnect))
	hooks.POST("/subscriptions", s.HandleStripeWebhook(webhookdomain.DomainSubscriptions))
}

func (s *Server) registerAPIRoutes(r gin.IRouter) {
	api := r.Group("/api", s.RequireActor())
	api.POST("/invoices/:id/checkout", s.CreateInvoiceCheckout)
	api.POST("/invoices/:id/checkout/legacy", s.CreateLegacyCheckout)
	api.POST("/subscription/checkout", s.CreateSubscriptionCheckout)
	api.POST("/connect/onboarding", s.StartConnectOnboarding)
	api.GET("/tenants/:id/quota", s.GetQuota)
}
