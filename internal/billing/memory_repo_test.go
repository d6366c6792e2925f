package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/billing/money"
	"github.com/odyssey-erp/odyssey-billing/internal/billing/shared"
	platformshared "github.com/odyssey-erp/odyssey-billing/internal/shared"
)

// memoryBillingRepo serialises every transaction behind one mutex and rolls
// the whole state back when the transaction function fails.
type memoryBillingRepo struct {
	mu       sync.Mutex
	state    memoryState
	failures map[string][]error
	now      func() time.Time
	txCount  int
}

type memoryState struct {
	quotes   map[int64]Quote
	invoices map[int64]Invoice
	lines    map[int64]LineItem
	payments map[int64]Payment
	seqs     map[string]int64
	keys     map[string]string
	nextID   int64
}

type memoryBillingTx struct {
	repo *memoryBillingRepo
}

var _ Repository = (*memoryBillingRepo)(nil)
var _ TxRepository = (*memoryBillingTx)(nil)

func newMemoryBillingRepo(now func() time.Time) *memoryBillingRepo {
	return &memoryBillingRepo{
		state: memoryState{
			quotes:   make(map[int64]Quote),
			invoices: make(map[int64]Invoice),
			lines:    make(map[int64]LineItem),
			payments: make(map[int64]Payment),
			seqs:     make(map[string]int64),
			keys:     make(map[string]string),
		},
		failures: make(map[string][]error),
		now:      now,
	}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		quotes:   make(map[int64]Quote, len(s.quotes)),
		invoices: make(map[int64]Invoice, len(s.invoices)),
		lines:    make(map[int64]LineItem, len(s.lines)),
		payments: make(map[int64]Payment, len(s.payments)),
		seqs:     make(map[string]int64, len(s.seqs)),
		keys:     make(map[string]string, len(s.keys)),
		nextID:   s.nextID,
	}
	for k, v := range s.quotes {
		out.quotes[k] = v
	}
	for k, v := range s.invoices {
		out.invoices[k] = v
	}
	for k, v := range s.lines {
		out.lines[k] = v
	}
	for k, v := range s.payments {
		out.payments[k] = v
	}
	for k, v := range s.seqs {
		out.seqs[k] = v
	}
	for k, v := range s.keys {
		out.keys[k] = v
	}
	return out
}

// failNext queues errors returned by the named transaction operation.
func (r *memoryBillingRepo) failNext(op string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = append(r.failures[op], errs...)
}

func (r *memoryBillingRepo) injected(op string) error {
	queue := r.failures[op]
	if len(queue) == 0 {
		return nil
	}
	r.failures[op] = queue[1:]
	return queue[0]
}

func (r *memoryBillingRepo) transactions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.txCount
}

func (r *memoryBillingRepo) sequence(prefix, period string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.seqs[prefix+"/"+period]
}

func (r *memoryBillingRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txCount++
	snapshot := r.state.clone()
	if err := fn(ctx, &memoryBillingTx{repo: r}); err != nil {
		r.state = snapshot
		return err
	}
	return nil
}

func (r *memoryBillingRepo) GetQuote(ctx context.Context, id int64) (Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.state.quotes[id]
	if !ok {
		return Quote{}, shared.NotFound("quote", id)
	}
	q.Lines = r.linesOf(func(l LineItem) bool { return l.QuoteID != nil && *l.QuoteID == id })
	return q, nil
}

func (r *memoryBillingRepo) ListQuotes(ctx context.Context, req ListQuotesRequest) ([]Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Quote
	for _, q := range r.state.quotes {
		if req.Status != "" && q.Status != req.Status {
			continue
		}
		if req.CustomerRef != "" && q.CustomerRef != req.CustomerRef {
			continue
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	page := platformshared.NewPage(req.Limit, req.Offset)
	return window(out, page), nil
}

func (r *memoryBillingRepo) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.state.invoices[id]
	if !ok {
		return Invoice{}, shared.NotFound("invoice", id)
	}
	inv.Lines = r.linesOf(func(l LineItem) bool { return l.InvoiceID != nil && *l.InvoiceID == id })
	inv.Payments = r.paymentsOf(id)
	inv.Paid = sumAmounts(inv.Payments)
	return inv, nil
}

func (r *memoryBillingRepo) ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Invoice
	for _, inv := range r.state.invoices {
		if req.Status != "" && inv.Status != req.Status {
			continue
		}
		if req.CustomerRef != "" && inv.CustomerRef != req.CustomerRef {
			continue
		}
		inv.Paid = sumAmounts(r.paymentsOf(inv.ID))
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	page := platformshared.NewPage(req.Limit, req.Offset)
	return window(out, page), nil
}

func (r *memoryBillingRepo) GetPayment(ctx context.Context, id int64) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.state.payments[id]
	if !ok {
		return Payment{}, shared.NotFound("payment", id)
	}
	return p, nil
}

func (r *memoryBillingRepo) linesOf(match func(LineItem) bool) []LineItem {
	var out []LineItem
	for _, l := range r.state.lines {
		if match(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (r *memoryBillingRepo) paymentsOf(invoiceID int64) []Payment {
	var out []Payment
	for _, p := range r.state.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func window[T any](items []T, page platformshared.Page) []T {
	if page.Offset >= len(items) {
		return nil
	}
	end := page.Offset + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[page.Offset:end]
}

// --- transaction ---

func (t *memoryBillingTx) id() int64 {
	t.repo.state.nextID++
	return t.repo.state.nextID
}

func (t *memoryBillingTx) NextSequence(ctx context.Context, prefix, period string) (int64, error) {
	if err := t.repo.injected("NextSequence"); err != nil {
		return 0, err
	}
	key := prefix + "/" + period
	t.repo.state.seqs[key]++
	return t.repo.state.seqs[key], nil
}

func (t *memoryBillingTx) CreateQuote(ctx context.Context, q Quote) (int64, error) {
	if err := t.repo.injected("CreateQuote"); err != nil {
		return 0, err
	}
	for _, existing := range t.repo.state.quotes {
		if existing.Number == q.Number {
			return 0, fmt.Errorf("quote number %s: %w", q.Number, shared.ErrNumberingContention)
		}
	}
	q.ID = t.id()
	q.Totals = money.Zero()
	q.CreatedAt = t.repo.now()
	q.UpdatedAt = q.CreatedAt
	t.repo.state.quotes[q.ID] = q
	return q.ID, nil
}

func (t *memoryBillingTx) LockQuote(ctx context.Context, id int64) (Quote, error) {
	q, ok := t.repo.state.quotes[id]
	if !ok {
		return Quote{}, shared.NotFound("quote", id)
	}
	return q, nil
}

func (t *memoryBillingTx) updateQuote(id int64, fn func(*Quote)) error {
	q, ok := t.repo.state.quotes[id]
	if !ok {
		return shared.NotFound("quote", id)
	}
	fn(&q)
	q.UpdatedAt = t.repo.now()
	t.repo.state.quotes[id] = q
	return nil
}

func (t *memoryBillingTx) UpdateQuoteTotals(ctx context.Context, id int64, totals money.Amounts) error {
	return t.updateQuote(id, func(q *Quote) { q.Totals = totals })
}

func (t *memoryBillingTx) UpdateQuoteStatus(ctx context.Context, id int64, status QuoteStatus) error {
	return t.updateQuote(id, func(q *Quote) { q.Status = status })
}

func (t *memoryBillingTx) LinkQuoteInvoice(ctx context.Context, quoteID, invoiceID int64) error {
	if err := t.repo.injected("LinkQuoteInvoice"); err != nil {
		return err
	}
	return t.updateQuote(quoteID, func(q *Quote) { q.InvoiceID = &invoiceID })
}

func (t *memoryBillingTx) CreateInvoice(ctx context.Context, inv Invoice) (int64, error) {
	if err := t.repo.injected("CreateInvoice"); err != nil {
		return 0, err
	}
	for _, existing := range t.repo.state.invoices {
		if existing.Number == inv.Number {
			return 0, fmt.Errorf("invoice number %s: %w", inv.Number, shared.ErrNumberingContention)
		}
	}
	inv.ID = t.id()
	inv.CreatedAt = t.repo.now()
	inv.UpdatedAt = inv.CreatedAt
	t.repo.state.invoices[inv.ID] = inv
	return inv.ID, nil
}

func (t *memoryBillingTx) LockInvoice(ctx context.Context, id int64) (Invoice, error) {
	inv, ok := t.repo.state.invoices[id]
	if !ok {
		return Invoice{}, shared.NotFound("invoice", id)
	}
	return inv, nil
}

func (t *memoryBillingTx) updateInvoice(id int64, fn func(*Invoice)) error {
	inv, ok := t.repo.state.invoices[id]
	if !ok {
		return shared.NotFound("invoice", id)
	}
	fn(&inv)
	inv.UpdatedAt = t.repo.now()
	t.repo.state.invoices[id] = inv
	return nil
}

func (t *memoryBillingTx) UpdateInvoiceTotals(ctx context.Context, id int64, totals money.Amounts) error {
	return t.updateInvoice(id, func(inv *Invoice) { inv.Totals = totals })
}

func (t *memoryBillingTx) UpdateInvoiceStatus(ctx context.Context, id int64, status InvoiceStatus) error {
	return t.updateInvoice(id, func(inv *Invoice) { inv.Status = status })
}

func (t *memoryBillingTx) IssueInvoice(ctx context.Context, id int64, issueDate time.Time) error {
	return t.updateInvoice(id, func(inv *Invoice) {
		inv.Status = InvoiceStatusIssued
		inv.IssueDate = issueDate
	})
}

func (t *memoryBillingTx) MarkOverdue(ctx context.Context, from InvoiceStatus, asOf time.Time) (int64, error) {
	var n int64
	for id, inv := range t.repo.state.invoices {
		if inv.Status == from && inv.DueDate.Before(asOf) {
			inv.Status = InvoiceStatusOverdue
			inv.UpdatedAt = t.repo.now()
			t.repo.state.invoices[id] = inv
			n++
		}
	}
	return n, nil
}

func (t *memoryBillingTx) ListPastDue(ctx context.Context, asOf time.Time) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range t.repo.state.invoices {
		switch inv.Status {
		case InvoiceStatusIssued, InvoiceStatusPartiallyPaid, InvoiceStatusOverdue:
		default:
			continue
		}
		if inv.DueDate.Before(asOf) {
			inv.Paid = sumAmounts(t.repo.paymentsOf(inv.ID))
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryBillingTx) InsertLine(ctx context.Context, line LineItem) (int64, error) {
	if err := t.repo.injected("InsertLine"); err != nil {
		return 0, err
	}
	line.ID = t.id()
	line.CreatedAt = t.repo.now()
	t.repo.state.lines[line.ID] = line
	return line.ID, nil
}

func (t *memoryBillingTx) QuoteLines(ctx context.Context, quoteID int64) ([]LineItem, error) {
	return t.repo.linesOf(func(l LineItem) bool { return l.QuoteID != nil && *l.QuoteID == quoteID }), nil
}

func (t *memoryBillingTx) InvoiceLines(ctx context.Context, invoiceID int64) ([]LineItem, error) {
	return t.repo.linesOf(func(l LineItem) bool { return l.InvoiceID != nil && *l.InvoiceID == invoiceID }), nil
}

func (t *memoryBillingTx) InsertPayment(ctx context.Context, p Payment) (int64, error) {
	if err := t.repo.injected("InsertPayment"); err != nil {
		return 0, err
	}
	p.ID = t.id()
	p.CreatedAt = t.repo.now()
	t.repo.state.payments[p.ID] = p
	return p.ID, nil
}

func (t *memoryBillingTx) DeletePayment(ctx context.Context, id int64) (Payment, error) {
	p, ok := t.repo.state.payments[id]
	if !ok {
		return Payment{}, shared.NotFound("payment", id)
	}
	delete(t.repo.state.payments, id)
	return p, nil
}

func (t *memoryBillingTx) PaymentInvoiceID(ctx context.Context, paymentID int64) (int64, error) {
	p, ok := t.repo.state.payments[paymentID]
	if !ok {
		return 0, shared.NotFound("payment", paymentID)
	}
	return p.InvoiceID, nil
}

func (t *memoryBillingTx) SumPayments(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	return sumAmounts(t.repo.paymentsOf(invoiceID)), nil
}

func (t *memoryBillingTx) CountPayments(ctx context.Context, invoiceID int64) (int, error) {
	return len(t.repo.paymentsOf(invoiceID)), nil
}

func (t *memoryBillingTx) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	if _, ok := t.repo.state.keys[key]; ok {
		return platformshared.ErrIdempotencyConflict
	}
	t.repo.state.keys[key] = module
	return nil
}
