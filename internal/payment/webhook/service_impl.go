package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"

	obslogger "github.com/smallbiznis/folio/internal/observability/logger"
	"github.com/smallbiznis/folio/internal/orgcontext"
	paymentdomain "github.com/smallbiznis/folio/internal/payment/domain"
	processordomain "github.com/smallbiznis/folio/internal/processor/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Loader     processordomain.Loader
	Reconciler paymentdomain.Reconciler
}

type Service struct {
	log        *zap.Logger
	loader     processordomain.Loader
	reconciler paymentdomain.Reconciler
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		log:        p.Log.Named("payment.webhook"),
		loader:     p.Loader,
		reconciler: p.Reconciler,
	}
}

// IngestWebhook verifies the delivery against every active configuration of
// the processor before the payload is trusted. Success is only reported once
// the event has gone through the durable idempotency check.
func (s *Service) IngestWebhook(ctx context.Context, processor string, payload []byte, headers http.Header) (*paymentdomain.IngestResult, error) {
	processor = strings.ToLower(strings.TrimSpace(processor))
	if processor == "" {
		return nil, paymentdomain.ErrProviderNotFound
	}
	if len(payload) == 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}

	configs, err := s.loader.LoadForWebhook(ctx, processor)
	if err != nil {
		return nil, err
	}

	loaded := s.match(processor, payload, headers, configs)
	if loaded == nil {
		s.log.Warn("webhook signature rejected",
			zap.String("processor", processor),
			zap.Int("candidates", len(configs)),
		)
		return nil, paymentdomain.ErrInvalidSignature
	}

	ctx = orgcontext.WithMerchantProcessor(ctx, loaded.Config.OrgID, loaded.Config.ID)
	log := obslogger.WithContext(ctx, s.log)

	result := &paymentdomain.IngestResult{Processor: processor}
	event, err := loaded.Adapter.NormalizeWebhookEvent(payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			result.Ignored = true
			return result, nil
		}
		log.Warn("webhook payload rejected",
			zap.String("processor", processor),
			zap.Error(err),
		)
		return nil, paymentdomain.ErrInvalidPayload
	}
	event.Processor = processor
	if event.RawPayload == nil {
		event.RawPayload = payload
	}

	applied, err := s.reconciler.ApplyEvent(ctx, loaded.Config.OrgID, event)
	if err != nil {
		return nil, err
	}
	result.EventID = applied.EventID
	result.Outcome = applied.Outcome
	result.Replayed = applied.Replayed
	return result, nil
}

// match returns the configuration whose secret verifies the payload.
func (s *Service) match(processor string, payload []byte, headers http.Header, configs []processordomain.Loaded) *processordomain.Loaded {
	for i := range configs {
		cfg := &configs[i]
		if cfg.Adapter == nil || cfg.WebhookSecret == "" {
			continue
		}
		signature := ""
		if name := cfg.Adapter.SignatureHeader(); name != "" {
			signature = headers.Get(name)
			if signature == "" {
				continue
			}
		}
		if cfg.Adapter.VerifyWebhookSignature(payload, signature, cfg.WebhookSecret) {
			return cfg
		}
	}
	return nil
}
