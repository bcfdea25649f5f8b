package service

import (
	"context"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/folio/internal/apperr"
	"github.com/smallbiznis/folio/internal/clock"
	"github.com/smallbiznis/folio/internal/config"
	"github.com/smallbiznis/folio/internal/orgcontext"
	"github.com/smallbiznis/folio/internal/payment/adapters"
	"github.com/smallbiznis/folio/internal/payment/adapters/adyen"
	"github.com/smallbiznis/folio/internal/payment/adapters/braintree"
	"github.com/smallbiznis/folio/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/folio/internal/payment/domain"
	"github.com/smallbiznis/folio/internal/processor/domain"
	"github.com/smallbiznis/folio/internal/vault"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	Cfg      config.Config
	Vault    *vault.Vault
	Registry *adapters.Registry
	Clock    clock.Clock  `optional:"true"`
	Client   *http.Client `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	vault    *vault.Vault
	registry *adapters.Registry
	clock    clock.Clock
	client   *http.Client
	retry    paymentdomain.RetryPolicy
	baseURLs map[string]string
}

func New(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: p.Cfg.Processor.HTTPTimeout}
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("processor.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		vault:    p.Vault,
		registry: p.Registry,
		clock:    clk,
		client:   client,
		retry: paymentdomain.RetryPolicy{
			MaxAttempts:     p.Cfg.Processor.MaxAttempts,
			InitialInterval: p.Cfg.Processor.BackoffInitial,
			MaxInterval:     p.Cfg.Processor.BackoffMax,
		},
		baseURLs: map[string]string{
			stripe.Provider:    p.Cfg.Processor.StripeAPIBase,
			adyen.Provider:     p.Cfg.Processor.AdyenAPIBase,
			braintree.Provider: p.Cfg.Processor.BraintreeAPIBase,
		},
	}
}

func (s *Service) Providers() []string {
	return s.registry.Providers()
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Summary, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	processorType := strings.ToLower(strings.TrimSpace(req.ProcessorType))
	if !s.registry.ProviderExists(processorType) {
		return nil, apperr.Validation("processor_type", "unsupported", "unsupported processor type")
	}
	mode := req.Mode
	if mode == "" {
		mode = domain.ModeTest
	}
	if !mode.Valid() {
		return nil, apperr.Validation("mode", "invalid", "mode must be test or live")
	}

	creds := normalizeCredentials(req.Credentials)
	if len(creds) == 0 {
		return nil, apperr.Validation("credentials", "required", "credentials are required")
	}

	now := s.clock.Now()
	mp := domain.MerchantProcessor{
		ID:            s.genID.Generate(),
		OrgID:         orgID,
		ProcessorType: processorType,
		Mode:          mode,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// Credentials are checked against the provider before anything is stored.
	if err := s.validate(ctx, mp, creds); err != nil {
		return nil, err
	}
	mp.LastValidatedAt = &now

	if mp.Credentials, err = s.vault.Encrypt(creds); err != nil {
		return nil, err
	}
	if secret := strings.TrimSpace(req.WebhookSecret); secret != "" {
		if mp.WebhookSecret, err = s.vault.EncryptString(secret); err != nil {
			return nil, err
		}
	}

	inserted, err := s.repo.Insert(ctx, s.db, &mp)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, apperr.Conflict("merchant processor already configured",
			"merchant_processor:"+processorType+"/"+string(mode))
	}

	s.log.Info("merchant processor created",
		zap.String("org_id", orgID.String()),
		zap.String("processor", processorType),
		zap.String("mode", string(mode)),
	)
	return s.summarize(mp, creds, strings.TrimSpace(req.WebhookSecret)), nil
}

func (s *Service) List(ctx context.Context) ([]domain.Summary, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.List(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}

	resp := make([]domain.Summary, 0, len(items))
	for _, item := range items {
		summary, err := s.decryptSummary(item)
		if err != nil {
			return nil, err
		}
		resp = append(resp, *summary)
	}
	return resp, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Summary, error) {
	mp, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.decryptSummary(*mp)
}

func (s *Service) UpdateCredentials(ctx context.Context, id string, req domain.UpdateCredentialsRequest) (*domain.Summary, error) {
	mp, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	creds := normalizeCredentials(req.Credentials)
	if len(creds) == 0 {
		return nil, apperr.Validation("credentials", "required", "credentials are required")
	}
	if err := s.validate(ctx, *mp, creds); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if mp.Credentials, err = s.vault.Encrypt(creds); err != nil {
		return nil, err
	}
	secret := ""
	if req.WebhookSecret != nil {
		secret = strings.TrimSpace(*req.WebhookSecret)
		mp.WebhookSecret = nil
		if secret != "" {
			if mp.WebhookSecret, err = s.vault.EncryptString(secret); err != nil {
				return nil, err
			}
		}
	} else if len(mp.WebhookSecret) > 0 {
		if secret, err = s.vault.DecryptString(mp.WebhookSecret); err != nil {
			return nil, err
		}
	}
	mp.LastValidatedAt = &now
	mp.UpdatedAt = now

	if err := s.repo.UpdateCredentials(ctx, s.db, mp); err != nil {
		return nil, err
	}
	s.log.Info("merchant processor credentials rotated",
		zap.String("id", mp.ID.String()),
		zap.String("processor", mp.ProcessorType),
	)
	return s.summarize(*mp, creds, secret), nil
}

// SetActive deactivates freely; activation re-validates the stored
// credentials first.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (*domain.Summary, error) {
	mp, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if active {
		creds, err := s.vault.Decrypt(mp.Credentials)
		if err != nil {
			return nil, err
		}
		if err := s.validate(ctx, *mp, creds); err != nil {
			return nil, err
		}
		mp.LastValidatedAt = &now
	}
	mp.IsActive = active
	mp.UpdatedAt = now

	if err := s.repo.UpdateStatus(ctx, s.db, mp); err != nil {
		return nil, err
	}
	return s.decryptSummary(*mp)
}

func (s *Service) Load(ctx context.Context, orgID snowflake.ID, processorType string, mode domain.Mode) (*domain.Loaded, error) {
	processorType = strings.ToLower(strings.TrimSpace(processorType))
	if mode == "" {
		mode = domain.ModeTest
	}
	mp, err := s.repo.FindActive(ctx, s.db, orgID, processorType, mode)
	if err != nil {
		return nil, err
	}
	if mp == nil {
		return nil, apperr.ProcessorConfiguration(processorType, "no active "+string(mode)+" configuration")
	}
	return s.load(*mp)
}

func (s *Service) LoadByID(ctx context.Context, orgID, id snowflake.ID) (*domain.Loaded, error) {
	mp, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	if mp == nil {
		return nil, apperr.NotFound("merchant_processor", id.String())
	}
	return s.load(*mp)
}

func (s *Service) LoadForWebhook(ctx context.Context, processorType string) ([]domain.Loaded, error) {
	processorType = strings.ToLower(strings.TrimSpace(processorType))
	if !s.registry.ProviderExists(processorType) {
		return nil, paymentdomain.ErrProviderNotFound
	}
	items, err := s.repo.ListByType(ctx, s.db, processorType)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Loaded, 0, len(items))
	for _, item := range items {
		loaded, err := s.load(item)
		if err != nil {
			// One broken configuration must not block the others.
			s.log.Warn("skipping merchant processor",
				zap.String("id", item.ID.String()),
				zap.Error(err),
			)
			continue
		}
		out = append(out, *loaded)
	}
	return out, nil
}

func (s *Service) load(mp domain.MerchantProcessor) (*domain.Loaded, error) {
	creds, err := s.vault.Decrypt(mp.Credentials)
	if err != nil {
		return nil, err
	}
	adapter, err := s.newAdapter(mp, creds)
	if err != nil {
		return nil, err
	}

	secret := ""
	if len(mp.WebhookSecret) > 0 {
		if secret, err = s.vault.DecryptString(mp.WebhookSecret); err != nil {
			return nil, err
		}
	}
	// Braintree signs notifications with the API private key.
	if secret == "" && mp.ProcessorType == braintree.Provider {
		secret, _ = adapters.ReadString(creds, "private_key")
	}

	return &domain.Loaded{Config: mp, Adapter: adapter, WebhookSecret: secret}, nil
}

func (s *Service) newAdapter(mp domain.MerchantProcessor, creds map[string]any) (paymentdomain.Processor, error) {
	return s.registry.NewAdapter(mp.ProcessorType, paymentdomain.AdapterConfig{
		OrgID:               mp.OrgID,
		MerchantProcessorID: mp.ID,
		Mode:                string(mp.Mode),
		Credentials:         creds,
		BaseURL:             s.baseURLs[mp.ProcessorType],
		HTTPClient:          s.client,
		Retry:               s.retry,
		Now:                 s.clock.Now,
	})
}

func (s *Service) validate(ctx context.Context, mp domain.MerchantProcessor, creds map[string]any) error {
	adapter, err := s.newAdapter(mp, creds)
	if err != nil {
		return err
	}
	ok, err := adapter.ValidateCredentials(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ProcessorConfiguration(mp.ProcessorType, "credentials rejected by provider")
	}
	return nil
}

func (s *Service) find(ctx context.Context, id string) (*domain.MerchantProcessor, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, apperr.Validation("id", "invalid", "invalid merchant processor id")
	}
	mp, err := s.repo.FindByID(ctx, s.db, orgID, parsed)
	if err != nil {
		return nil, err
	}
	if mp == nil {
		return nil, apperr.NotFound("merchant_processor", id)
	}
	return mp, nil
}

func (s *Service) decryptSummary(mp domain.MerchantProcessor) (*domain.Summary, error) {
	creds, err := s.vault.Decrypt(mp.Credentials)
	if err != nil {
		return nil, err
	}
	secret := ""
	if len(mp.WebhookSecret) > 0 {
		if secret, err = s.vault.DecryptString(mp.WebhookSecret); err != nil {
			return nil, err
		}
	}
	return s.summarize(mp, creds, secret), nil
}

func (s *Service) summarize(mp domain.MerchantProcessor, creds map[string]any, secret string) *domain.Summary {
	return &domain.Summary{
		ID:              mp.ID.String(),
		ProcessorType:   mp.ProcessorType,
		Mode:            mp.Mode,
		IsActive:        mp.IsActive,
		Credentials:     vault.Mask(creds),
		WebhookSecret:   vault.MaskSecret(secret),
		LastValidatedAt: mp.LastValidatedAt,
		CreatedAt:       mp.CreatedAt,
		UpdatedAt:       mp.UpdatedAt,
	}
}

func (s *Service) orgIDFromContext(ctx context.Context) (snowflake.ID, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, domain.ErrInvalidOrganization
	}
	return orgID, nil
}

func normalizeCredentials(creds map[string]any) map[string]any {
	if len(creds) == 0 {
		return nil
	}

	normalized := make(map[string]any, len(creds))
	for key, value := range creds {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" || value == nil {
			continue
		}

		switch cast := value.(type) {
		case string:
			trimmedValue := strings.TrimSpace(cast)
			if trimmedValue == "" {
				continue
			}
			normalized[trimmedKey] = trimmedValue
		default:
			normalized[trimmedKey] = cast
		}
	}

	if len(normalized) == 0 {
		return nil
	}
	return normalized
}

var _ interface {
	domain.Service
	domain.Loader
} = (*Service)(nil)
