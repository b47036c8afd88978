package payment

import (
	"github.com/smallbiznis/tallybill/internal/payment/repository"
	"github.com/smallbiznis/tallybill/internal/payment/service"
	webhookdomain "github.com/smallbiznis/tallybill/internal/webhook/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("payment",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewReconciler),
	fx.Provide(
		fx.Annotate(
			func(r *service.Reconciler) webhookdomain.RouteRegistrar { return r },
			fx.ResultTags(`group:"webhook_routes"`),
		),
	),
)
