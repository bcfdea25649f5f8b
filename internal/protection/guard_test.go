package protection_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/smallbiznis/folio/internal/apperr"
	"github.com/smallbiznis/folio/internal/dbtest"
	invoicedomain "github.com/smallbiznis/folio/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/folio/internal/payment/domain"
	"github.com/smallbiznis/folio/internal/protection"
	tabdomain "github.com/smallbiznis/folio/internal/tab/domain"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

const (
	orgID snowflake.ID = 1
	tabID snowflake.ID = 100
)

func seedItem(t *testing.T, db *gorm.DB, id snowflake.ID, groupID *snowflake.ID) {
	t.Helper()
	require.NoError(t, db.Create(&tabdomain.LineItem{
		ID:               id,
		OrgID:            orgID,
		TabID:            tabID,
		Description:      "room service",
		Quantity:         1,
		UnitPrice:        2500,
		BillingGroupID:   groupID,
		AssignmentStatus: tabdomain.AssignmentAssigned,
		CreatedAt:        now,
		UpdatedAt:        now,
	}).Error)
}

func seedInvoice(t *testing.T, db *gorm.DB, id snowflake.ID, seq int64, status invoicedomain.InvoiceStatus, itemID snowflake.ID) {
	t.Helper()
	require.NoError(t, db.Create(&invoicedomain.Invoice{
		ID:             id,
		OrgID:          orgID,
		TabID:          tabID,
		InvoiceNumber:  "INV-TEST",
		Sequence:       seq,
		Currency:       "USD",
		SubtotalAmount: 2500,
		TotalAmount:    2500,
		Status:         status,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}).Error)
	require.NoError(t, db.Create(&invoicedomain.InvoiceLineItem{
		ID:         id + 1,
		OrgID:      orgID,
		InvoiceID:  id,
		LineItemID: itemID,
		Quantity:   1,
		UnitPrice:  2500,
		Amount:     2500,
		CreatedAt:  now,
	}).Error)
}

func seedPayment(t *testing.T, db *gorm.DB, id snowflake.ID, groupID *snowflake.ID, captured int64) {
	t.Helper()
	require.NoError(t, db.Create(&paymentdomain.Payment{
		ID:                  id,
		OrgID:               orgID,
		TabID:               tabID,
		BillingGroupID:      groupID,
		MerchantProcessorID: 9,
		Processor:           "stripe",
		Amount:              2500,
		Currency:            "USD",
		CapturedAmount:      captured,
		Status:              paymentdomain.PaymentStatusSucceeded,
		IdempotencyKey:      id.String(),
		CreatedAt:           now,
		UpdatedAt:           now,
	}).Error)
}

func TestIsProtectedUnreferencedItem(t *testing.T) {
	db := dbtest.Open(t)
	guard := protection.NewGuard(zaptest.NewLogger(t))
	seedItem(t, db, 10, nil)
	seedInvoice(t, db, 500, 1, invoicedomain.InvoiceStatusDraft, 10)
	seedPayment(t, db, 700, nil, 0)

	result, err := guard.IsProtected(context.Background(), db, 10)
	require.NoError(t, err)
	assert.False(t, result.Protected)
	assert.Empty(t, result.Reasons)
	assert.NoError(t, result.Err())
}

func TestIsProtectedListsEveryBlockingReference(t *testing.T) {
	db := dbtest.Open(t)
	guard := protection.NewGuard(zaptest.NewLogger(t))
	group := snowflake.ID(300)
	seedItem(t, db, 10, &group)
	seedInvoice(t, db, 500, 1, invoicedomain.InvoiceStatusSent, 10)
	seedInvoice(t, db, 510, 2, invoicedomain.InvoiceStatusVoid, 10)
	seedPayment(t, db, 700, &group, 2500)
	seedPayment(t, db, 710, nil, 1000)

	result, err := guard.IsProtected(context.Background(), db, 10)
	require.NoError(t, err)
	require.True(t, result.Protected)
	assert.Equal(t, []protection.Reason{
		{Kind: protection.ReasonSentInvoice, Reference: "500"},
		{Kind: protection.ReasonGroupPayment, Reference: "300"},
		{Kind: protection.ReasonSettled, Reference: "710"},
	}, result.Reasons)

	var conflict *apperr.ConflictError
	require.ErrorAs(t, result.Err(), &conflict)
	assert.Equal(t, []string{
		"sent_invoice:500",
		"billing_group_payment:300",
		"settled_payment:710",
	}, conflict.Blocking)
}

func TestIsProtectedMissingItem(t *testing.T) {
	db := dbtest.Open(t)
	guard := protection.NewGuard(zaptest.NewLogger(t))

	_, err := guard.IsProtected(context.Background(), db, 42)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
