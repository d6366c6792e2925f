// Package billing implements the quote, invoice and payment ledgers.
package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/billing/money"
)

// QuoteStatus enumerates quote statuses.
type QuoteStatus string

const (
	QuoteStatusDraft    QuoteStatus = "DRAFT"
	QuoteStatusSent     QuoteStatus = "SENT"
	QuoteStatusAccepted QuoteStatus = "ACCEPTED"
	QuoteStatusRefused  QuoteStatus = "REFUSED"
)

// Valid reports whether s is a known quote status.
func (s QuoteStatus) Valid() bool {
	switch s {
	case QuoteStatusDraft, QuoteStatusSent, QuoteStatusAccepted, QuoteStatusRefused:
		return true
	}
	return false
}

// InvoiceStatus enumerates invoice statuses.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "DRAFT"
	InvoiceStatusIssued        InvoiceStatus = "ISSUED"
	InvoiceStatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoiceStatusPaid          InvoiceStatus = "PAID"
	InvoiceStatusOverdue       InvoiceStatus = "OVERDUE"
	InvoiceStatusCancelled     InvoiceStatus = "CANCELLED"
)

// Valid reports whether s is a known invoice status.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusDraft, InvoiceStatusIssued, InvoiceStatusPartiallyPaid,
		InvoiceStatusPaid, InvoiceStatusOverdue, InvoiceStatusCancelled:
		return true
	}
	return false
}

// AcceptsPayments reports whether payments may be allocated in this status.
func (s InvoiceStatus) AcceptsPayments() bool {
	return s == InvoiceStatusIssued || s == InvoiceStatusPartiallyPaid || s == InvoiceStatusOverdue
}

// PaymentMethod enumerates how a payment was made.
type PaymentMethod string

const (
	PaymentMethodTransfer PaymentMethod = "TRANSFER"
	PaymentMethodCheck    PaymentMethod = "CHECK"
	PaymentMethodCard     PaymentMethod = "CARD"
	PaymentMethodCash     PaymentMethod = "CASH"
	PaymentMethodOther    PaymentMethod = "OTHER"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodTransfer, PaymentMethodCheck, PaymentMethodCard, PaymentMethodCash, PaymentMethodOther:
		return true
	}
	return false
}

// LineItem belongs to exactly one quote or one invoice.
type LineItem struct {
	ID          int64
	QuoteID     *int64
	InvoiceID   *int64
	Position    int
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	VATRate     decimal.Decimal
	HT          decimal.Decimal
	VAT         decimal.Decimal
	TTC         decimal.Decimal
	CreatedAt   time.Time
}

// Amounts returns the derived amounts of the line.
func (l LineItem) Amounts() money.Amounts {
	return money.Amounts{HT: l.HT, VAT: l.VAT, TTC: l.TTC}
}

// Quote is a priced proposal sent to a customer.
type Quote struct {
	ID           int64
	Number       string
	CustomerRef  string
	IssueDate    time.Time
	ValidityDate time.Time
	Status       QuoteStatus
	Totals       money.Amounts
	InvoiceID    *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Lines        []LineItem
}

// Invoice is a billing document requesting payment.
type Invoice struct {
	ID          int64
	Number      string
	CustomerRef string
	IssueDate   time.Time
	DueDate     time.Time
	Status      InvoiceStatus
	Totals      money.Amounts
	Notes       string
	QuoteID     *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Lines       []LineItem
	Payments    []Payment
	Paid        decimal.Decimal
}

// Outstanding is the TTC still due, never negative.
func (i Invoice) Outstanding() decimal.Decimal {
	out := i.Totals.TTC.Sub(i.Paid)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// Payment is a single settlement against one invoice.
type Payment struct {
	ID          int64
	InvoiceID   int64
	Amount      decimal.Decimal
	PaymentDate time.Time
	Method      PaymentMethod
	Reference   string
	Notes       string
	CreatedAt   time.Time
}

// --- Input DTOs ---

// LineInput carries a new line for a quote or an invoice.
type LineInput struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	VATRate     decimal.Decimal
}

// CreateQuoteInput creates a draft quote.
type CreateQuoteInput struct {
	CustomerRef  string
	ValidityDate time.Time
}

// ConvertQuoteInput converts an accepted quote into an invoice.
type ConvertQuoteInput struct {
	DueDate time.Time
	Notes   string
}

// CreateInvoiceInput creates a draft invoice.
type CreateInvoiceInput struct {
	CustomerRef string
	DueDate     time.Time
	Notes       string
}

// RecordPaymentInput records a payment against an invoice.
type RecordPaymentInput struct {
	InvoiceID      int64
	Amount         decimal.Decimal
	PaymentDate    time.Time
	Method         PaymentMethod
	Reference      string
	Notes          string
	IdempotencyKey string
}

// ListQuotesRequest filters quotes.
type ListQuotesRequest struct {
	Status      QuoteStatus
	CustomerRef string
	Limit       int
	Offset      int
}

// ListInvoicesRequest filters invoices.
type ListInvoicesRequest struct {
	Status      InvoiceStatus
	CustomerRef string
	Limit       int
	Offset      int
}
