package webhook

import (
	"github.com/smallbiznis/tallybill/internal/webhook/service"
	"github.com/smallbiznis/tallybill/internal/webhook/verifier"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook",
	fx.Provide(verifier.New),
	fx.Provide(service.NewService),
)
