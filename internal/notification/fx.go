package notification

import (
	"github.com/smallbiznis/tallybill/internal/notification/publisher"
	"github.com/smallbiznis/tallybill/internal/notification/repository"
	"github.com/smallbiznis/tallybill/internal/notification/service"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(repository.Provide),
	fx.Provide(publisher.New),
	fx.Provide(service.NewService),
)
