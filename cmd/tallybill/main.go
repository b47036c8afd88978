package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tallybill/internal/authorization"
	"github.com/smallbiznis/tallybill/internal/cache"
	"github.com/smallbiznis/tallybill/internal/checkout"
	"github.com/smallbiznis/tallybill/internal/clock"
	"github.com/smallbiznis/tallybill/internal/config"
	"github.com/smallbiznis/tallybill/internal/connect"
	"github.com/smallbiznis/tallybill/internal/gateway/stripe"
	"github.com/smallbiznis/tallybill/internal/invoice"
	"github.com/smallbiznis/tallybill/internal/migration"
	"github.com/smallbiznis/tallybill/internal/notification"
	"github.com/smallbiznis/tallybill/internal/observability"
	"github.com/smallbiznis/tallybill/internal/payment"
	"github.com/smallbiznis/tallybill/internal/profile"
	"github.com/smallbiznis/tallybill/internal/ratelimit"
	"github.com/smallbiznis/tallybill/internal/server"
	"github.com/smallbiznis/tallybill/internal/subscription"
	"github.com/smallbiznis/tallybill/internal/sweeper"
	"github.com/smallbiznis/tallybill/internal/tenant"
	"github.com/smallbiznis/tallybill/internal/webhook"
	"github.com/smallbiznis/tallybill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,
		ratelimit.Module,
		stripe.Module,

		// Stores
		tenant.Module,
		profile.Module,
		invoice.Module,
		notification.Module,

		// Reconcilers and initiators
		payment.Module,
		connect.Module,
		subscription.Module,
		authorization.Module,
		webhook.Module,
		checkout.Module,
		sweeper.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
