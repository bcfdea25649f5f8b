package payment

import (
	"github.com/smallbiznis/folio/internal/payment/domain"
	"github.com/smallbiznis/folio/internal/payment/repository"
	paymentservice "github.com/smallbiznis/folio/internal/payment/service"
	"github.com/smallbiznis/folio/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(paymentservice.New),
	fx.Provide(func(s *paymentservice.Service) domain.PaymentService { return s }),
	fx.Provide(func(s *paymentservice.Service) domain.Reconciler { return s }),
	fx.Provide(webhook.NewService),
)
