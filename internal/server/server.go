package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	billinggroupdomain "github.com/smallbiznis/folio/internal/billinggroup/domain"
	"github.com/smallbiznis/folio/internal/config"
	invoicedomain "github.com/smallbiznis/folio/internal/invoice/domain"
	"github.com/smallbiznis/folio/internal/observability"
	obsmiddleware "github.com/smallbiznis/folio/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/folio/internal/observability/metrics"
	obstracing "github.com/smallbiznis/folio/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/folio/internal/payment/domain"
	processordomain "github.com/smallbiznis/folio/internal/processor/domain"
	"github.com/smallbiznis/folio/internal/ratelimit"
	tabdomain "github.com/smallbiznis/folio/internal/tab/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
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

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	tabSvc       tabdomain.Service
	groupSvc     billinggroupdomain.Service
	invoiceSvc   invoicedomain.Service
	webhookSvc   paymentdomain.Service
	paymentSvc   paymentdomain.PaymentService
	processorSvc processordomain.Service
	limiter      *ratelimit.Limiter
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	TabSvc       tabdomain.Service
	GroupSvc     billinggroupdomain.Service
	InvoiceSvc   invoicedomain.Service
	WebhookSvc   paymentdomain.Service
	PaymentSvc   paymentdomain.PaymentService
	ProcessorSvc processordomain.Service
	Limiter      *ratelimit.Limiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http.server"),
		tabSvc:       p.TabSvc,
		groupSvc:     p.GroupSvc,
		invoiceSvc:   p.InvoiceSvc,
		webhookSvc:   p.WebhookSvc,
		paymentSvc:   p.PaymentSvc,
		processorSvc: p.ProcessorSvc,
		limiter:      p.Limiter,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:processor", s.WebhookRateLimit(), s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(s.OrgContext())
	api.Use(s.OrgRateLimit())

	// -------- Tabs --------
	api.POST("/tabs", s.CreateTab)
	api.GET("/tabs/:id", s.GetTab)
	api.DELETE("/tabs/:id", s.DeleteTab)
	api.POST("/tabs/:id/void", s.VoidTab)
	api.GET("/tabs/:id/payments", s.ListTabPayments)

	// -------- Line Items --------
	api.POST("/line_items", s.AddLineItem)
	api.PATCH("/line_items/:id", s.UpdateLineItem)
	api.DELETE("/line_items/:id", s.DeleteLineItem)
	api.GET("/line_items/:id/protection", s.GetLineItemProtection)
	api.POST("/line_items/:id/approve", s.ApproveLineItem)
	api.POST("/line_items/:id/assign", s.ReassignLineItem)

	// -------- Billing Groups --------
	api.POST("/billing_groups", s.CreateBillingGroup)
	api.GET("/tabs/:id/billing_groups", s.ListBillingGroups)
	api.GET("/tabs/:id/billing_groups/invoicable", s.ListInvoicableGroups)
	api.DELETE("/billing_groups/:id", s.DeleteBillingGroup)
	api.POST("/billing_rules", s.CreateBillingRule)
	api.GET("/tabs/:id/billing_rules", s.ListBillingRules)

	// -------- Invoices --------
	api.POST("/invoices", s.CreateInvoice)
	api.GET("/invoices/:id", s.GetInvoiceByID)
	api.POST("/invoices/:id/send", s.SendInvoice)
	api.POST("/invoices/:id/void", s.VoidInvoice)

	// -------- Payments --------
	api.POST("/payment_intents", s.CreatePaymentIntent)
	api.POST("/payments/:id/confirm", s.ConfirmPayment)
	api.POST("/payments/:id/refunds", s.RefundPayment)
	api.GET("/payments/:id", s.GetPayment)
	api.GET("/payment_anomalies", s.ListPaymentAnomalies)

	// -------- Processors --------
	api.GET("/processors/providers", s.ListProcessorProviders)
	api.POST("/processors", s.CreateProcessor)
	api.GET("/processors", s.ListProcessors)
	api.GET("/processors/:id", s.GetProcessor)
	api.PATCH("/processors/:id/credentials", s.UpdateProcessorCredentials)
	api.POST("/processors/:id/activate", s.ActivateProcessor)
	api.POST("/processors/:id/deactivate", s.DeactivateProcessor)
}
