// Package dbtest builds isolated in-memory databases for package tests.
package dbtest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	billinggroupdomain "github.com/smallbiznis/folio/internal/billinggroup/domain"
	invoicedomain "github.com/smallbiznis/folio/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/folio/internal/payment/domain"
	processordomain "github.com/smallbiznis/folio/internal/processor/domain"
	tabdomain "github.com/smallbiznis/folio/internal/tab/domain"
)

// Unique indexes the queries depend on for ON CONFLICT targets and races.
var indexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_payment_events_processor_event ON payment_events (processor, provider_event_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_payments_org_idempotency ON payments (org_id, idempotency_key)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_billing_groups_default ON billing_groups (tab_id) WHERE is_default`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_merchant_processors_org_type_mode ON merchant_processors (org_id, processor_type, mode)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_invoices_org_sequence ON invoices (org_id, sequence)`,
}

// Open returns a private in-memory database with every table migrated. The
// pool is capped at one connection so the database lives as long as the test.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, conn.AutoMigrate(
		&tabdomain.Tab{},
		&tabdomain.LineItem{},
		&billinggroupdomain.BillingGroup{},
		&billinggroupdomain.BillingRule{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLineItem{},
		&paymentdomain.Payment{},
		&paymentdomain.EventRecord{},
		&paymentdomain.Anomaly{},
		&processordomain.MerchantProcessor{},
	))
	for _, stmt := range indexes {
		require.NoError(t, conn.Exec(stmt).Error)
	}
	return conn
}
