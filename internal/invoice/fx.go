package invoice

import (
	"github.com/smallbiznis/folio/internal/invoice/domain"
	"github.com/smallbiznis/folio/internal/invoice/repository"
	"github.com/smallbiznis/folio/internal/invoice/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("invoice.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(log *zap.Logger) domain.Publisher { return service.NewLogPublisher(log) }),
	fx.Provide(service.NewService),
)
