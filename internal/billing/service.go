package billing

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/billing/money"
	"github.com/odyssey-erp/odyssey-billing/internal/billing/numbering"
	"github.com/odyssey-erp/odyssey-billing/internal/billing/shared"
)

// maxAttempts bounds transactions aborted by numbering contention.
const maxAttempts = 3

// SettlementPolicy controls how payments move invoice statuses.
type SettlementPolicy struct {
	// TrackPartial enables PARTIALLY_PAID; when false a partly paid invoice
	// keeps its ISSUED or OVERDUE status.
	TrackPartial bool
	// Tolerance is how far payments may exceed the invoice TTC.
	Tolerance decimal.Decimal
}

// DefaultSettlementPolicy tracks partial payments and rejects any overpayment.
func DefaultSettlementPolicy() SettlementPolicy {
	return SettlementPolicy{TrackPartial: true, Tolerance: decimal.Zero}
}

// Options configures the billing services.
type Options struct {
	Clock         func() time.Time
	Logger        *slog.Logger
	Metrics       *Metrics
	Policy        SettlementPolicy
	RetryInterval time.Duration
}

// Services groups the three ledgers sharing one repository.
type Services struct {
	Quotes   *QuoteService
	Invoices *InvoiceService
	Payments *PaymentService
}

// NewServices wires the quote, invoice and payment ledgers.
func NewServices(repo Repository, opts Options) Services {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	c := &core{
		repo:     repo,
		numberer: numbering.New(opts.Clock),
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		policy:   opts.Policy,
		retry:    opts.RetryInterval,
	}
	invoices := &InvoiceService{core: c}
	return Services{
		Quotes:   &QuoteService{core: c},
		Invoices: invoices,
		Payments: &PaymentService{core: c, invoices: invoices},
	}
}

type core struct {
	repo     Repository
	numberer *numbering.Numberer
	clock    func() time.Time
	logger   *slog.Logger
	metrics  *Metrics
	policy   SettlementPolicy
	retry    time.Duration
}

// inTx runs fn in a transaction, retrying the whole unit when it lost a
// numbering race. fn must be safe to run again from scratch.
func (c *core) inTx(ctx context.Context, op string, fn func(context.Context, TxRepository) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry
	b.MaxInterval = 8 * c.retry

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.repo.WithTx(ctx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if !errors.Is(err, shared.ErrNumberingContention) {
			return struct{}{}, backoff.Permanent(err)
		}
		c.metrics.contended(op)
		c.logger.WarnContext(ctx, "billing transaction contended",
			slog.String("operation", op), slog.Int("attempt", attempt), slog.Any("error", err))
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxAttempts))
	return err
}

// today is the clock's current calendar date in UTC.
func (c *core) today() time.Time {
	return dateOf(c.clock())
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var hundred = decimal.NewFromInt(100)

// quantityLimit bounds quantities and unit prices: 10 integer digits.
var quantityLimit = decimal.New(1, 10)

// validateLine checks a line and returns it with a trimmed description.
func validateLine(in LineInput) (LineInput, error) {
	in.Description = strings.TrimSpace(in.Description)
	switch {
	case in.Description == "":
		return in, shared.Invalid("description", "must not be empty")
	case !in.Quantity.IsPositive():
		return in, shared.Invalid("quantity", "must be greater than zero")
	case !in.Quantity.LessThan(quantityLimit):
		return in, shared.Invalid("quantity", "must be less than %s", quantityLimit)
	case !in.Quantity.Equal(in.Quantity.Round(4)):
		return in, shared.Invalid("quantity", "at most 4 decimals")
	case in.UnitPrice.IsNegative():
		return in, shared.Invalid("unitPrice", "must not be negative")
	case !in.UnitPrice.LessThan(quantityLimit):
		return in, shared.Invalid("unitPrice", "must be less than %s", quantityLimit)
	case !in.UnitPrice.Equal(in.UnitPrice.Round(4)):
		return in, shared.Invalid("unitPrice", "at most 4 decimals")
	case in.VATRate.IsNegative() || in.VATRate.GreaterThan(hundred):
		return in, shared.Invalid("vatRate", "must be between 0 and 100")
	case !in.VATRate.Equal(in.VATRate.Round(2)):
		return in, shared.Invalid("vatRate", "at most 2 decimals")
	case !money.LineAmounts(in.Quantity, in.UnitPrice, in.VATRate).Fits():
		return in, shared.Invalid("unitPrice", "line amount must be less than %s", money.Limit)
	}
	return in, nil
}

// checkTotals rejects a document whose totals would no longer be storable.
func checkTotals(totals money.Amounts) error {
	if !totals.Fits() {
		return shared.Invalid("lines", "document total must be less than %s", money.Limit)
	}
	return nil
}

// newLine computes the derived amounts for the next position of a document.
func newLine(in LineInput, position int) LineItem {
	amounts := money.LineAmounts(in.Quantity, in.UnitPrice, in.VATRate)
	return LineItem{
		Position:    position,
		Description: in.Description,
		Quantity:    in.Quantity,
		UnitPrice:   in.UnitPrice,
		VATRate:     in.VATRate,
		HT:          amounts.HT,
		VAT:         amounts.VAT,
		TTC:         amounts.TTC,
	}
}

func lineTotals(lines []LineItem) money.Amounts {
	amounts := make([]money.Amounts, len(lines))
	for i, l := range lines {
		amounts[i] = l.Amounts()
	}
	return money.Total(amounts)
}

func nextPosition(lines []LineItem) int {
	pos := 0
	for _, l := range lines {
		if l.Position > pos {
			pos = l.Position
		}
	}
	return pos + 1
}
