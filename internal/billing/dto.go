package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/billing/money"
)

// Date accepts "2006-01-02" or RFC 3339 and renders as "2006-01-02".
type Date struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		d.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	t, err := ParseDate(s)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(time.DateOnly))
}

// ParseDate reads a calendar date or an RFC 3339 timestamp.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}

// --- Requests ---

type createQuoteRequest struct {
	CustomerID   string `json:"customerId" validate:"required,max=128"`
	ValidityDate Date   `json:"validityDate"`
}

type lineRequest struct {
	Description string          `json:"description" validate:"required,max=500"`
	Quantity    decimal.Decimal `json:"quantity" validate:"gt=0"`
	UnitPrice   decimal.Decimal `json:"unitPrice" validate:"gte=0"`
	VATRate     decimal.Decimal `json:"vatRate" validate:"gte=0,lte=100"`
}

func (r lineRequest) input() LineInput {
	return LineInput{Description: r.Description, Quantity: r.Quantity, UnitPrice: r.UnitPrice, VATRate: r.VATRate}
}

type convertQuoteRequest struct {
	DueDate Date   `json:"dueDate"`
	Notes   string `json:"notes" validate:"max=2000"`
}

type createInvoiceRequest struct {
	CustomerID string `json:"customerId" validate:"required,max=128"`
	DueDate    Date   `json:"dueDate"`
	Notes      string `json:"notes" validate:"max=2000"`
}

type recordPaymentRequest struct {
	InvoiceID   int64           `json:"invoiceId" validate:"required,gt=0"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	PaymentDate Date            `json:"paymentDate"`
	Method      PaymentMethod   `json:"method" validate:"required,oneof=TRANSFER CHECK CARD CASH OTHER"`
	Reference   string          `json:"reference" validate:"max=128"`
	Notes       string          `json:"notes" validate:"max=2000"`
}

// --- Responses ---

type lineResponse struct {
	ID          int64  `json:"id"`
	Position    int    `json:"position"`
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unitPrice"`
	VATRate     string `json:"vatRate"`
	AmountHT    string `json:"amountHt"`
	AmountVAT   string `json:"amountVat"`
	AmountTTC   string `json:"amountTtc"`
}

type quoteResponse struct {
	ID           int64          `json:"id"`
	Number       string         `json:"number"`
	CustomerID   string         `json:"customerId"`
	IssueDate    Date           `json:"issueDate"`
	ValidityDate Date           `json:"validityDate"`
	Status       QuoteStatus    `json:"status"`
	TotalHT      string         `json:"totalHt"`
	TotalVAT     string         `json:"totalVat"`
	TotalTTC     string         `json:"totalTtc"`
	InvoiceID    *int64         `json:"invoiceId"`
	Lines        []lineResponse `json:"lines"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

type invoiceResponse struct {
	ID          int64             `json:"id"`
	Number      string            `json:"number"`
	CustomerID  string            `json:"customerId"`
	IssueDate   Date              `json:"issueDate"`
	DueDate     Date              `json:"dueDate"`
	Status      InvoiceStatus     `json:"status"`
	TotalHT     string            `json:"totalHt"`
	TotalVAT    string            `json:"totalVat"`
	TotalTTC    string            `json:"totalTtc"`
	Paid        string            `json:"paid"`
	Outstanding string            `json:"outstanding"`
	Notes       string            `json:"notes"`
	QuoteID     *int64            `json:"quoteId"`
	Lines       []lineResponse    `json:"lines,omitempty"`
	Payments    []paymentResponse `json:"payments,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

type paymentResponse struct {
	ID          int64         `json:"id"`
	InvoiceID   int64         `json:"invoiceId"`
	Amount      string        `json:"amount"`
	PaymentDate Date          `json:"paymentDate"`
	Method      PaymentMethod `json:"method"`
	Reference   string        `json:"reference"`
	Notes       string        `json:"notes"`
	CreatedAt   time.Time     `json:"createdAt"`
}

func toLineResponses(lines []LineItem) []lineResponse {
	out := make([]lineResponse, 0, len(lines))
	for _, l := range lines {
		out = append(out, lineResponse{
			ID:          l.ID,
			Position:    l.Position,
			Description: l.Description,
			Quantity:    l.Quantity.String(),
			UnitPrice:   l.UnitPrice.String(),
			VATRate:     l.VATRate.String(),
			AmountHT:    money.Format(l.HT),
			AmountVAT:   money.Format(l.VAT),
			AmountTTC:   money.Format(l.TTC),
		})
	}
	return out
}

func toQuoteResponse(q Quote) quoteResponse {
	return quoteResponse{
		ID:           q.ID,
		Number:       q.Number,
		CustomerID:   q.CustomerRef,
		IssueDate:    Date{q.IssueDate},
		ValidityDate: Date{q.ValidityDate},
		Status:       q.Status,
		TotalHT:      money.Format(q.Totals.HT),
		TotalVAT:     money.Format(q.Totals.VAT),
		TotalTTC:     money.Format(q.Totals.TTC),
		InvoiceID:    q.InvoiceID,
		Lines:        toLineResponses(q.Lines),
		CreatedAt:    q.CreatedAt,
		UpdatedAt:    q.UpdatedAt,
	}
}

func toInvoiceResponse(inv Invoice) invoiceResponse {
	resp := invoiceResponse{
		ID:          inv.ID,
		Number:      inv.Number,
		CustomerID:  inv.CustomerRef,
		IssueDate:   Date{inv.IssueDate},
		DueDate:     Date{inv.DueDate},
		Status:      inv.Status,
		TotalHT:     money.Format(inv.Totals.HT),
		TotalVAT:    money.Format(inv.Totals.VAT),
		TotalTTC:    money.Format(inv.Totals.TTC),
		Paid:        money.Format(inv.Paid),
		Outstanding: money.Format(inv.Outstanding()),
		Notes:       inv.Notes,
		QuoteID:     inv.QuoteID,
		CreatedAt:   inv.CreatedAt,
		UpdatedAt:   inv.UpdatedAt,
	}
	if len(inv.Lines) > 0 {
		resp.Lines = toLineResponses(inv.Lines)
	}
	if len(inv.Payments) > 0 {
		resp.Payments = toPaymentResponses(inv.Payments)
	}
	return resp
}

func toPaymentResponse(p Payment) paymentResponse {
	return paymentResponse{
		ID:          p.ID,
		InvoiceID:   p.InvoiceID,
		Amount:      money.Format(p.Amount),
		PaymentDate: Date{p.PaymentDate},
		Method:      p.Method,
		Reference:   p.Reference,
		Notes:       p.Notes,
		CreatedAt:   p.CreatedAt,
	}
}

func toPaymentResponses(payments []Payment) []paymentResponse {
	out := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, toPaymentResponse(p))
	}
	return out
}
