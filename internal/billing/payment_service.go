package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/billing/money"
	"github.com/odyssey-erp/odyssey-billing/internal/billing/shared"
)

// IdempotencyModule scopes payment idempotency keys.
const IdempotencyModule = "payments"

// PaymentService allocates payments to invoices and keeps their settlement
// status in step.
type PaymentService struct {
	*core
	invoices *InvoiceService
}

// Record allocates a payment to an invoice. The payment and the recomputed
// invoice status commit together under the invoice row lock.
func (s *PaymentService) Record(ctx context.Context, in RecordPaymentInput) (Payment, error) {
	if err := validatePayment(&in); err != nil {
		return Payment{}, err
	}
	if in.PaymentDate.IsZero() {
		in.PaymentDate = s.today()
	}
	in.PaymentDate = dateOf(in.PaymentDate)

	var id int64
	err := s.inTx(ctx, "payment.record", func(ctx context.Context, tx TxRepository) error {
		if in.IdempotencyKey != "" {
			if err := tx.ClaimIdempotencyKey(ctx, in.IdempotencyKey, IdempotencyModule); err != nil {
				return err
			}
		}
		inv, err := tx.LockInvoice(ctx, in.InvoiceID)
		if err != nil {
			return err
		}
		if !inv.Status.AcceptsPayments() {
			return invoiceConflict(inv, "payments need an issued invoice",
				InvoiceStatusIssued, InvoiceStatusPartiallyPaid, InvoiceStatusOverdue)
		}
		paid, err := tx.SumPayments(ctx, inv.ID)
		if err != nil {
			return err
		}
		outstanding := inv.Totals.TTC.Sub(paid)
		if in.Amount.GreaterThan(outstanding.Add(s.policy.Tolerance)) {
			return shared.Invalid("amount", "%s exceeds the outstanding balance %s of invoice %s",
				money.Format(in.Amount), money.Format(outstanding), inv.Number)
		}
		id, err = tx.InsertPayment(ctx, Payment{
			InvoiceID:   inv.ID,
			Amount:      in.Amount,
			PaymentDate: in.PaymentDate,
			Method:      in.Method,
			Reference:   in.Reference,
			Notes:       in.Notes,
		})
		if err != nil {
			return err
		}
		_, err = s.invoices.settle(ctx, tx, inv)
		return err
	})
	if err != nil {
		return Payment{}, fmt.Errorf("record payment on invoice %d: %w", in.InvoiceID, err)
	}
	s.metrics.payment(in.Method, "recorded")
	s.logger.InfoContext(ctx, "payment recorded",
		slog.Int64("payment_id", id), slog.Int64("invoice_id", in.InvoiceID), slog.String("amount", money.Format(in.Amount)))
	return s.repo.GetPayment(ctx, id)
}

// Delete removes a payment and re-derives the invoice status. It returns the
// updated invoice.
func (s *PaymentService) Delete(ctx context.Context, paymentID int64) (Invoice, error) {
	var deleted Payment
	err := s.inTx(ctx, "payment.delete", func(ctx context.Context, tx TxRepository) error {
		invoiceID, err := tx.PaymentInvoiceID(ctx, paymentID)
		if err != nil {
			return err
		}
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if deleted, err = tx.DeletePayment(ctx, paymentID); err != nil {
			return err
		}
		_, err = s.invoices.settle(ctx, tx, inv)
		return err
	})
	if err != nil {
		return Invoice{}, fmt.Errorf("delete payment %d: %w", paymentID, err)
	}
	s.metrics.payment(deleted.Method, "deleted")
	s.logger.InfoContext(ctx, "payment deleted",
		slog.Int64("payment_id", paymentID), slog.Int64("invoice_id", deleted.InvoiceID))
	return s.repo.GetInvoice(ctx, deleted.InvoiceID)
}

// TotalFor sums the payments allocated to an invoice.
func (s *PaymentService) TotalFor(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return decimal.Zero, err
	}
	return inv.Paid, nil
}

// Get returns a single payment.
func (s *PaymentService) Get(ctx context.Context, paymentID int64) (Payment, error) {
	return s.repo.GetPayment(ctx, paymentID)
}

// ListForInvoice returns the payments of an invoice, oldest first.
func (s *PaymentService) ListForInvoice(ctx context.Context, invoiceID int64) ([]Payment, error) {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	return inv.Payments, nil
}

func validatePayment(in *RecordPaymentInput) error {
	in.Reference = strings.TrimSpace(in.Reference)
	in.Notes = strings.TrimSpace(in.Notes)
	switch {
	case in.InvoiceID <= 0:
		return shared.Invalid("invoiceId", "is required")
	case !in.Amount.IsPositive():
		return shared.Invalid("amount", "must be greater than zero")
	case !money.Fits(in.Amount):
		return shared.Invalid("amount", "must be less than %s", money.Limit)
	case !in.Amount.Equal(in.Amount.Round(money.Scale)):
		return shared.Invalid("amount", "at most 2 decimals")
	case !in.Method.Valid():
		return shared.Invalid("method", "unknown payment method %q", in.Method)
	}
	return nil
}
