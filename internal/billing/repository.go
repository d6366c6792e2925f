package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/billing/money"
	"github.com/odyssey-erp/odyssey-billing/internal/billing/numbering"
)

// Repository defines billing data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetQuote(ctx context.Context, id int64) (Quote, error)
	ListQuotes(ctx context.Context, req ListQuotesRequest) ([]Quote, error)

	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error)

	GetPayment(ctx context.Context, id int64) (Payment, error)
}

// TxRepository defines operations within a transaction. Lock* methods take a
// row lock held until the transaction ends and return shared.ErrNotFound
// (wrapped) for missing rows.
type TxRepository interface {
	numbering.Sequencer

	CreateQuote(ctx context.Context, q Quote) (int64, error)
	LockQuote(ctx context.Context, id int64) (Quote, error)
	UpdateQuoteTotals(ctx context.Context, id int64, totals money.Amounts) error
	UpdateQuoteStatus(ctx context.Context, id int64, status QuoteStatus) error
	LinkQuoteInvoice(ctx context.Context, quoteID, invoiceID int64) error

	CreateInvoice(ctx context.Context, inv Invoice) (int64, error)
	LockInvoice(ctx context.Context, id int64) (Invoice, error)
	UpdateInvoiceTotals(ctx context.Context, id int64, totals money.Amounts) error
	UpdateInvoiceStatus(ctx context.Context, id int64, status InvoiceStatus) error
	IssueInvoice(ctx context.Context, id int64, issueDate time.Time) error
	MarkOverdue(ctx context.Context, from InvoiceStatus, asOf time.Time) (int64, error)
	ListPastDue(ctx context.Context, asOf time.Time) ([]Invoice, error)

	InsertLine(ctx context.Context, line LineItem) (int64, error)
	QuoteLines(ctx context.Context, quoteID int64) ([]LineItem, error)
	InvoiceLines(ctx context.Context, invoiceID int64) ([]LineItem, error)

	InsertPayment(ctx context.Context, p Payment) (int64, error)
	DeletePayment(ctx context.Context, id int64) (Payment, error)
	PaymentInvoiceID(ctx context.Context, paymentID int64) (int64, error)
	SumPayments(ctx context.Context, invoiceID int64) (decimal.Decimal, error)
	CountPayments(ctx context.Context, invoiceID int64) (int, error)

	ClaimIdempotencyKey(ctx context.Context, key, module string) error
}
