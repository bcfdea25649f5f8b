package billinggroup

import (
	"github.com/smallbiznis/folio/internal/billinggroup/domain"
	"github.com/smallbiznis/folio/internal/billinggroup/repository"
	"github.com/smallbiznis/folio/internal/billinggroup/service"
	tabdomain "github.com/smallbiznis/folio/internal/tab/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("billinggroup.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
	fx.Provide(func(s *service.Service) tabdomain.Assigner { return s }),
)
