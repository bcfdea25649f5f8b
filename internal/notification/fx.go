package notification

import (
	"context"

	"github.com/smallbiznis/folio/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification",
	fx.Provide(provideNotifier),
	fx.Provide(provideDispatcher),
	fx.Provide(func(d *Dispatcher) Publisher { return d }),
)

func provideNotifier(cfg config.Config, log *zap.Logger) Notifier {
	if cfg.SlackWebhookURL == "" {
		return NewLogNotifier(log)
	}
	return NewSlackNotifier(NewSlackProvider(cfg.SlackWebhookURL, nil), cfg.SlackChannel)
}

func provideDispatcher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, notifier Notifier) *Dispatcher {
	d := NewDispatcher(log, notifier, cfg.NotifyQueueSize, cfg.NotifyWorkerCount)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			d.Start()
			return nil
		},
		OnStop: d.Stop,
	})
	return d
}
