package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/billing/numbering"
	"github.com/odyssey-erp/odyssey-billing/internal/billing/shared"
)

// InvoiceService runs the invoice lifecycle and settlement tracking.
type InvoiceService struct {
	*core
}

// Create opens a DRAFT invoice with a fresh FAC number.
func (s *InvoiceService) Create(ctx context.Context, in CreateInvoiceInput) (Invoice, error) {
	customer := strings.TrimSpace(in.CustomerRef)
	if customer == "" {
		return Invoice{}, shared.Invalid("customerId", "must not be empty")
	}
	if in.DueDate.IsZero() {
		return Invoice{}, shared.Invalid("dueDate", "is required")
	}
	issue := s.today()
	due := dateOf(in.DueDate)
	if due.Before(issue) {
		return Invoice{}, shared.Invalid("dueDate", "must not be before the issue date %s", issue.Format(time.DateOnly))
	}

	var (
		id     int64
		number string
	)
	err := s.inTx(ctx, "invoice.create", func(ctx context.Context, tx TxRepository) error {
		var err error
		number, err = s.numberer.Next(ctx, tx, numbering.KindInvoice)
		if err != nil {
			return err
		}
		id, err = tx.CreateInvoice(ctx, Invoice{
			Number:      number,
			CustomerRef: customer,
			IssueDate:   issue,
			DueDate:     due,
			Status:      InvoiceStatusDraft,
			Notes:       strings.TrimSpace(in.Notes),
		})
		return err
	})
	if err != nil {
		return Invoice{}, fmt.Errorf("create invoice: %w", err)
	}
	s.metrics.numbered(string(numbering.KindInvoice))
	s.logger.InfoContext(ctx, "invoice created", slog.Int64("invoice_id", id), slog.String("number", number))
	return s.repo.GetInvoice(ctx, id)
}

// AddLine appends a priced line to a DRAFT invoice and recomputes its totals.
func (s *InvoiceService) AddLine(ctx context.Context, invoiceID int64, in LineInput) (Invoice, error) {
	in, err := validateLine(in)
	if err != nil {
		return Invoice{}, err
	}
	err = s.inTx(ctx, "invoice.add_line", func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceStatusDraft {
			return invoiceConflict(inv, "lines can only be added to a draft", InvoiceStatusDraft)
		}
		lines, err := tx.InvoiceLines(ctx, invoiceID)
		if err != nil {
			return err
		}
		line := newLine(in, nextPosition(lines))
		totals := lineTotals(append(lines, line))
		if err := checkTotals(totals); err != nil {
			return err
		}
		line.InvoiceID = &invoiceID
		if line.ID, err = tx.InsertLine(ctx, line); err != nil {
			return err
		}
		return tx.UpdateInvoiceTotals(ctx, invoiceID, totals)
	})
	if err != nil {
		return Invoice{}, fmt.Errorf("add invoice line: %w", err)
	}
	return s.repo.GetInvoice(ctx, invoiceID)
}

// Send issues a DRAFT invoice with at least one line; the issue date becomes
// today. An invoice totalling 0.00 is settled on the spot.
func (s *InvoiceService) Send(ctx context.Context, invoiceID int64) (Invoice, error) {
	err := s.inTx(ctx, "invoice.send", func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceStatusDraft {
			return invoiceConflict(inv, "", InvoiceStatusDraft)
		}
		lines, err := tx.InvoiceLines(ctx, invoiceID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return invoiceConflict(inv, "an invoice needs at least one line to be issued")
		}
		if err := tx.IssueInvoice(ctx, invoiceID, s.today()); err != nil {
			return err
		}
		inv.Status = InvoiceStatusIssued
		_, err = s.settle(ctx, tx, inv)
		return err
	})
	if err != nil {
		return Invoice{}, fmt.Errorf("send invoice %d: %w", invoiceID, err)
	}
	s.metrics.transition("invoice", string(InvoiceStatusDraft), string(InvoiceStatusIssued))
	s.logger.InfoContext(ctx, "invoice issued", slog.Int64("invoice_id", invoiceID))
	return s.repo.GetInvoice(ctx, invoiceID)
}

// Cancel voids an invoice that carries no payments.
func (s *InvoiceService) Cancel(ctx context.Context, invoiceID int64) (Invoice, error) {
	var from InvoiceStatus
	err := s.inTx(ctx, "invoice.cancel", func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		from = inv.Status
		switch inv.Status {
		case InvoiceStatusDraft, InvoiceStatusIssued, InvoiceStatusOverdue:
		default:
			return invoiceConflict(inv, "", InvoiceStatusDraft, InvoiceStatusIssued, InvoiceStatusOverdue)
		}
		n, err := tx.CountPayments(ctx, invoiceID)
		if err != nil {
			return err
		}
		if n > 0 {
			return invoiceConflict(inv, fmt.Sprintf("%d payment(s) allocated", n))
		}
		return tx.UpdateInvoiceStatus(ctx, invoiceID, InvoiceStatusCancelled)
	})
	if err != nil {
		return Invoice{}, fmt.Errorf("cancel invoice %d: %w", invoiceID, err)
	}
	s.metrics.transition("invoice", string(from), string(InvoiceStatusCancelled))
	s.logger.InfoContext(ctx, "invoice cancelled", slog.Int64("invoice_id", invoiceID))
	return s.repo.GetInvoice(ctx, invoiceID)
}

// overdueSources are the statuses the overdue scan moves to OVERDUE.
var overdueSources = []InvoiceStatus{InvoiceStatusIssued, InvoiceStatusPartiallyPaid}

// DetectOverdue moves every ISSUED or PARTIALLY_PAID invoice due before asOf
// to OVERDUE and returns all unsettled invoices due before asOf. Running it
// twice for the same date changes nothing the second time.
func (s *InvoiceService) DetectOverdue(ctx context.Context, asOf time.Time) ([]Invoice, error) {
	day := dateOf(asOf)
	var (
		marked  = make(map[InvoiceStatus]int64, len(overdueSources))
		pastDue []Invoice
	)
	err := s.inTx(ctx, "invoice.detect_overdue", func(ctx context.Context, tx TxRepository) error {
		for _, from := range overdueSources {
			n, err := tx.MarkOverdue(ctx, from, day)
			if err != nil {
				return err
			}
			marked[from] = n
		}
		var err error
		pastDue, err = tx.ListPastDue(ctx, day)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("detect overdue invoices: %w", err)
	}
	var total int64
	for from, n := range marked {
		s.metrics.transitionN("invoice", string(from), string(InvoiceStatusOverdue), n)
		total += n
	}
	s.logger.InfoContext(ctx, "overdue scan completed",
		slog.String("as_of", day.Format(time.DateOnly)), slog.Int64("marked", total), slog.Int("past_due", len(pastDue)))
	return pastDue, nil
}

// RecomputeSettlement re-derives the status of an invoice from its payments.
func (s *InvoiceService) RecomputeSettlement(ctx context.Context, invoiceID int64) (Invoice, error) {
	err := s.inTx(ctx, "invoice.settle", func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		_, err = s.settle(ctx, tx, inv)
		return err
	})
	if err != nil {
		return Invoice{}, fmt.Errorf("recompute settlement of invoice %d: %w", invoiceID, err)
	}
	return s.repo.GetInvoice(ctx, invoiceID)
}

// settle applies the settlement policy to a locked invoice.
func (s *InvoiceService) settle(ctx context.Context, tx TxRepository, inv Invoice) (InvoiceStatus, error) {
	paid, err := tx.SumPayments(ctx, inv.ID)
	if err != nil {
		return inv.Status, err
	}
	next := s.policy.next(inv.Status, inv.Totals.TTC, paid)
	if next == inv.Status {
		return next, nil
	}
	if err := tx.UpdateInvoiceStatus(ctx, inv.ID, next); err != nil {
		return inv.Status, err
	}
	s.metrics.transition("invoice", string(inv.Status), string(next))
	s.logger.InfoContext(ctx, "invoice settlement changed",
		slog.Int64("invoice_id", inv.ID), slog.String("from", string(inv.Status)), slog.String("to", string(next)),
		slog.String("paid", paid.StringFixed(2)))
	return next, nil
}

// next is the status an invoice in current should hold once paid is allocated
// against ttc.
func (p SettlementPolicy) next(current InvoiceStatus, ttc, paid decimal.Decimal) InvoiceStatus {
	switch current {
	case InvoiceStatusDraft, InvoiceStatusCancelled:
		return current
	}
	switch {
	case paid.GreaterThanOrEqual(ttc):
		return InvoiceStatusPaid
	case !paid.IsPositive():
		if current == InvoiceStatusPaid || current == InvoiceStatusPartiallyPaid {
			return InvoiceStatusIssued
		}
		return current
	case current == InvoiceStatusOverdue:
		return current
	case p.TrackPartial:
		return InvoiceStatusPartiallyPaid
	default:
		return InvoiceStatusIssued
	}
}

// Get returns an invoice with its lines, payments and paid amount.
func (s *InvoiceService) Get(ctx context.Context, invoiceID int64) (Invoice, error) {
	return s.repo.GetInvoice(ctx, invoiceID)
}

// List returns invoices matching req, newest first.
func (s *InvoiceService) List(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error) {
	if req.Status != "" && !req.Status.Valid() {
		return nil, shared.Invalid("status", "unknown invoice status %q", req.Status)
	}
	return s.repo.ListInvoices(ctx, req)
}

func invoiceConflict(inv Invoice, reason string, expected ...InvoiceStatus) error {
	names := make([]string, len(expected))
	for i, st := range expected {
		names[i] = string(st)
	}
	return &shared.StateConflictError{
		Entity:   "invoice",
		ID:       inv.ID,
		Status:   string(inv.Status),
		Expected: names,
		Reason:   reason,
	}
}
