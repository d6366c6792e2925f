package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-billing/internal/billing/numbering"
	"github.com/odyssey-erp/odyssey-billing/internal/billing/shared"
)

// defaultPaymentTerm is used when a conversion names no due date.
const defaultPaymentTerm = 30 * 24 * time.Hour

// QuoteService runs the quote lifecycle DRAFT -> SENT -> ACCEPTED|REFUSED and
// the conversion of accepted quotes into invoices.
type QuoteService struct {
	*core
}

// Create opens a DRAFT quote with a fresh DEV number and zero totals.
func (s *QuoteService) Create(ctx context.Context, in CreateQuoteInput) (Quote, error) {
	customer := strings.TrimSpace(in.CustomerRef)
	if customer == "" {
		return Quote{}, shared.Invalid("customerId", "must not be empty")
	}
	if in.ValidityDate.IsZero() {
		return Quote{}, shared.Invalid("validityDate", "is required")
	}
	issue := s.today()
	validity := dateOf(in.ValidityDate)
	if validity.Before(issue) {
		return Quote{}, shared.Invalid("validityDate", "must not be before the issue date %s", issue.Format(time.DateOnly))
	}

	var (
		id     int64
		number string
	)
	err := s.inTx(ctx, "quote.create", func(ctx context.Context, tx TxRepository) error {
		var err error
		number, err = s.numberer.Next(ctx, tx, numbering.KindQuote)
		if err != nil {
			return err
		}
		id, err = tx.CreateQuote(ctx, Quote{
			Number:       number,
			CustomerRef:  customer,
			IssueDate:    issue,
			ValidityDate: validity,
			Status:       QuoteStatusDraft,
		})
		return err
	})
	if err != nil {
		return Quote{}, fmt.Errorf("create quote: %w", err)
	}
	s.metrics.numbered(string(numbering.KindQuote))
	s.logger.InfoContext(ctx, "quote created", slog.Int64("quote_id", id), slog.String("number", number))
	return s.repo.GetQuote(ctx, id)
}

// AddLine appends a priced line to a DRAFT quote and recomputes its totals
// from every line, all under the quote row lock.
func (s *QuoteService) AddLine(ctx context.Context, quoteID int64, in LineInput) (Quote, error) {
	in, err := validateLine(in)
	if err != nil {
		return Quote{}, err
	}
	err = s.inTx(ctx, "quote.add_line", func(ctx context.Context, tx TxRepository) error {
		q, err := tx.LockQuote(ctx, quoteID)
		if err != nil {
			return err
		}
		if q.Status != QuoteStatusDraft {
			return quoteConflict(q, "lines can only be added to a draft", QuoteStatusDraft)
		}
		lines, err := tx.QuoteLines(ctx, quoteID)
		if err != nil {
			return err
		}
		line := newLine(in, nextPosition(lines))
		totals := lineTotals(append(lines, line))
		if err := checkTotals(totals); err != nil {
			return err
		}
		line.QuoteID = &quoteID
		if line.ID, err = tx.InsertLine(ctx, line); err != nil {
			return err
		}
		return tx.UpdateQuoteTotals(ctx, quoteID, totals)
	})
	if err != nil {
		return Quote{}, fmt.Errorf("add quote line: %w", err)
	}
	return s.repo.GetQuote(ctx, quoteID)
}

// Send moves a DRAFT quote with at least one line to SENT.
func (s *QuoteService) Send(ctx context.Context, quoteID int64) (Quote, error) {
	return s.transition(ctx, quoteID, QuoteStatusDraft, QuoteStatusSent, func(ctx context.Context, tx TxRepository, q Quote) error {
		lines, err := tx.QuoteLines(ctx, q.ID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return quoteConflict(q, "a quote needs at least one line to be sent")
		}
		return nil
	})
}

// Accept records the customer's acceptance of a SENT quote.
func (s *QuoteService) Accept(ctx context.Context, quoteID int64) (Quote, error) {
	return s.transition(ctx, quoteID, QuoteStatusSent, QuoteStatusAccepted, nil)
}

// Refuse records the customer's refusal of a SENT quote.
func (s *QuoteService) Refuse(ctx context.Context, quoteID int64) (Quote, error) {
	return s.transition(ctx, quoteID, QuoteStatusSent, QuoteStatusRefused, nil)
}

func (s *QuoteService) transition(ctx context.Context, quoteID int64, from, to QuoteStatus,
	check func(context.Context, TxRepository, Quote) error) (Quote, error) {
	err := s.inTx(ctx, "quote."+strings.ToLower(string(to)), func(ctx context.Context, tx TxRepository) error {
		q, err := tx.LockQuote(ctx, quoteID)
		if err != nil {
			return err
		}
		if q.Status != from {
			return quoteConflict(q, "", from)
		}
		if check != nil {
			if err := check(ctx, tx, q); err != nil {
				return err
			}
		}
		return tx.UpdateQuoteStatus(ctx, quoteID, to)
	})
	if err != nil {
		return Quote{}, fmt.Errorf("quote %d to %s: %w", quoteID, to, err)
	}
	s.metrics.transition("quote", string(from), string(to))
	s.logger.InfoContext(ctx, "quote status changed",
		slog.Int64("quote_id", quoteID), slog.String("from", string(from)), slog.String("to", string(to)))
	return s.repo.GetQuote(ctx, quoteID)
}

// ConvertToInvoice turns an ACCEPTED quote into a DRAFT invoice. The FAC
// number, the invoice, its copied lines and the back-reference on the quote
// are written in one transaction. Lines are copied verbatim, so the invoice
// totals equal the quote totals.
func (s *QuoteService) ConvertToInvoice(ctx context.Context, quoteID int64, in ConvertQuoteInput) (Invoice, error) {
	issue := s.today()
	due := dateOf(in.DueDate)
	if in.DueDate.IsZero() {
		due = dateOf(issue.Add(defaultPaymentTerm))
	}
	if due.Before(issue) {
		return Invoice{}, shared.Invalid("dueDate", "must not be before the issue date %s", issue.Format(time.DateOnly))
	}

	var (
		invoiceID int64
		number    string
	)
	err := s.inTx(ctx, "quote.convert", func(ctx context.Context, tx TxRepository) error {
		q, err := tx.LockQuote(ctx, quoteID)
		if err != nil {
			return err
		}
		if q.Status != QuoteStatusAccepted {
			return quoteConflict(q, "only accepted quotes can be converted", QuoteStatusAccepted)
		}
		if q.InvoiceID != nil {
			return quoteConflict(q, fmt.Sprintf("already converted to invoice %d", *q.InvoiceID))
		}
		lines, err := tx.QuoteLines(ctx, quoteID)
		if err != nil {
			return err
		}

		number, err = s.numberer.Next(ctx, tx, numbering.KindInvoice)
		if err != nil {
			return err
		}
		invoiceID, err = tx.CreateInvoice(ctx, Invoice{
			Number:      number,
			CustomerRef: q.CustomerRef,
			IssueDate:   issue,
			DueDate:     due,
			Status:      InvoiceStatusDraft,
			Totals:      q.Totals,
			Notes:       strings.TrimSpace(in.Notes),
			QuoteID:     &q.ID,
		})
		if err != nil {
			return err
		}

		owner := invoiceID
		for _, line := range lines {
			dup := line
			dup.ID = 0
			dup.QuoteID = nil
			dup.InvoiceID = &owner
			if _, err := tx.InsertLine(ctx, dup); err != nil {
				return fmt.Errorf("copy line %d: %w", line.Position, err)
			}
		}
		return tx.LinkQuoteInvoice(ctx, quoteID, invoiceID)
	})
	if err != nil {
		return Invoice{}, fmt.Errorf("convert quote %d: %w", quoteID, err)
	}
	s.metrics.numbered(string(numbering.KindInvoice))
	s.logger.InfoContext(ctx, "quote converted",
		slog.Int64("quote_id", quoteID), slog.Int64("invoice_id", invoiceID), slog.String("number", number))
	return s.repo.GetInvoice(ctx, invoiceID)
}

// Get returns a quote with its lines.
func (s *QuoteService) Get(ctx context.Context, quoteID int64) (Quote, error) {
	return s.repo.GetQuote(ctx, quoteID)
}

// List returns quotes matching req, newest first.
func (s *QuoteService) List(ctx context.Context, req ListQuotesRequest) ([]Quote, error) {
	if req.Status != "" && !req.Status.Valid() {
		return nil, shared.Invalid("status", "unknown quote status %q", req.Status)
	}
	return s.repo.ListQuotes(ctx, req)
}

func quoteConflict(q Quote, reason string, expected ...QuoteStatus) error {
	names := make([]string, len(expected))
	for i, st := range expected {
		names[i] = string(st)
	}
	return &shared.StateConflictError{
		Entity:   "quote",
		ID:       q.ID,
		Status:   string(q.Status),
		Expected: names,
		Reason:   reason,
	}
}
