package service

import (
	"context"

	invoicedomain "github.com/smallbiznis/folio/internal/invoice/domain"
	"github.com/smallbiznis/folio/internal/money"
	"go.uber.org/zap"
)

// LogPublisher stands in for the document and email collaborator. It only
// records that a finalized snapshot is ready.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log.Named("invoice.publisher")}
}

func (p *LogPublisher) PublishInvoice(_ context.Context, detail invoicedomain.InvoiceDetail) error {
	invoice := detail.Invoice
	p.log.Info("invoice ready for delivery",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.String("total", money.Format(money.New(invoice.TotalAmount, invoice.Currency))),
		zap.Int("line_items", len(detail.LineItems)),
	)
	return nil
}
