// Package notification delivers operational notices (rule notifications,
// unmatched payment events) without blocking the caller.
package notification

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

const (
	KindRuleNotify     = "billing_rule.notify"
	KindPaymentAnomaly = "payment.anomaly"
)

type Notification struct {
	Kind    string
	OrgID   snowflake.ID
	Subject string
	Fields  map[string]string
}

// Text renders the notification as a single human readable line.
func (n Notification) Text() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(n.Kind)
	sb.WriteString("] ")
	sb.WriteString(n.Subject)

	keys := make([]string, 0, len(n.Fields))
	for k := range n.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%s", k, n.Fields[k])
	}
	return sb.String()
}

// Notifier delivers a notification synchronously.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Publisher enqueues a notification and returns immediately. Delivery
// failures never reach the caller.
type Publisher interface {
	Publish(ctx context.Context, n Notification)
}

type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notification")}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("kind", n.Kind),
		zap.String("org_id", n.OrgID.String()),
		zap.String("subject", n.Subject),
	}
	for k, v := range n.Fields {
		fields = append(fields, zap.String("field."+k, v))
	}
	l.log.Info("notification", fields...)
	return nil
}

type NoOpPublisher struct{}

func (NoOpPublisher) Publish(context.Context, Notification) {}
