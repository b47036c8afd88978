package subscription

import (
	"github.com/smallbiznis/tallybill/internal/subscription/service"
	webhookdomain "github.com/smallbiznis/tallybill/internal/webhook/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription",
	fx.Provide(service.NewReconciler),
	fx.Provide(
		fx.Annotate(
			func(r *service.Reconciler) webhookdomain.RouteRegistrar { return r },
			fx.ResultTags(`group:"webhook_routes"`),
		),
	),
)
