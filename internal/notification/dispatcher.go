package notification

import (
	"context"
	"sync"
	"time"

	obslogger "github.com/smallbiznis/folio/internal/observability/logger"
	"github.com/smallbiznis/folio/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const deliveryTimeout = 5 * time.Second

type queued struct {
	ctx context.Context
	n   Notification
}

// Dispatcher fans notifications out to a Notifier from a bounded queue.
// When the queue is full the notification is dropped and logged.
type Dispatcher struct {
	log      *zap.Logger
	notifier Notifier
	queue    chan queued
	workers  int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(log *zap.Logger, notifier Notifier, queueSize, workers int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		log:      log.Named("notification.dispatcher"),
		notifier: notifier,
		queue:    make(chan queued, queueSize),
		workers:  workers,
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
}

// Stop stops accepting notifications and waits for queued ones to drain.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Publish(ctx context.Context, n Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn("notification dropped after shutdown", zap.String("kind", n.Kind))
		return
	}

	select {
	case d.queue <- queued{ctx: correlation.Detach(ctx), n: n}:
	default:
		d.log.Warn("notification queue full, dropping",
			zap.String("kind", n.Kind),
			zap.String("org_id", n.OrgID.String()),
		)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for q := range d.queue {
		d.deliver(q.ctx, q.n)
	}
}

func (d *Dispatcher) deliver(parent context.Context, n Notification) {
	ctx, cancel := context.WithTimeout(parent, deliveryTimeout)
	defer cancel()
	log := obslogger.WithContext(ctx, d.log)

	defer func() {
		if r := recover(); r != nil {
			log.Error("notifier panicked", zap.Any("panic", r), zap.String("kind", n.Kind))
		}
	}()

	if err := d.notifier.Notify(ctx, n); err != nil {
		log.Warn("notification delivery failed",
			zap.String("kind", n.Kind),
			zap.String("org_id", n.OrgID.String()),
			zap.Error(err),
		)
	}
}
