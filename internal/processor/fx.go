package processor

import (
	"github.com/smallbiznis/folio/internal/payment/adapters"
	"github.com/smallbiznis/folio/internal/payment/adapters/adyen"
	"github.com/smallbiznis/folio/internal/payment/adapters/braintree"
	"github.com/smallbiznis/folio/internal/payment/adapters/stripe"
	"github.com/smallbiznis/folio/internal/processor/domain"
	"github.com/smallbiznis/folio/internal/processor/repository"
	"github.com/smallbiznis/folio/internal/processor/service"
	"go.uber.org/fx"
)

var Module = fx.Module("processor.service",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(),
			adyen.NewFactory(),
			braintree.NewFactory(),
		)
	}),
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
	fx.Provide(func(s *service.Service) domain.Loader { return s }),
)
