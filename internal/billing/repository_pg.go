package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/billing/money"
	"github.com/odyssey-erp/odyssey-billing/internal/billing/numbering"
	"github.com/odyssey-erp/odyssey-billing/internal/billing/shared"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/db"
	platformshared "github.com/odyssey-erp/odyssey-billing/internal/shared"
)

// Ensure implementation
var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
	q    queries
}

// NewRepository returns the PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool, q: queries{db: pool}}
}

// WithTx runs fn in a READ COMMITTED transaction. Documents are serialised by
// explicit row locks, numbering by the counter row.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{
			queries: queries{db: tx},
			seq:     numbering.NewPGSequencer(tx),
			keys:    platformshared.NewIdempotencyStore(tx),
		})
	})
	if err != nil && db.IsRetryable(err) && !errors.Is(err, shared.ErrNumberingContention) {
		return fmt.Errorf("%w: %v", shared.ErrNumberingContention, err)
	}
	return err
}

func (r *pgRepository) GetQuote(ctx context.Context, id int64) (Quote, error) {
	q, err := r.q.quote(ctx, id, false)
	if err != nil {
		return Quote{}, err
	}
	if q.Lines, err = r.q.lines(ctx, "quote_id", id); err != nil {
		return Quote{}, err
	}
	return q, nil
}

func (r *pgRepository) ListQuotes(ctx context.Context, req ListQuotesRequest) ([]Quote, error) {
	query := `SELECT ` + quoteColumns + ` FROM quotes WHERE 1=1`
	var args []any
	argPos := 1
	if req.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(req.Status))
		argPos++
	}
	if req.CustomerRef != "" {
		query += fmt.Sprintf(" AND customer_ref = $%d", argPos)
		args = append(args, req.CustomerRef)
		argPos++
	}
	page := platformshared.NewPage(req.Limit, req.Offset)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, page.Limit, page.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (r *pgRepository) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	inv, err := r.q.invoice(ctx, id, false)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Lines, err = r.q.lines(ctx, "invoice_id", id); err != nil {
		return Invoice{}, err
	}
	if inv.Payments, err = r.q.payments(ctx, id); err != nil {
		return Invoice{}, err
	}
	inv.Paid = sumAmounts(inv.Payments)
	return inv, nil
}

func (r *pgRepository) ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE 1=1`
	var args []any
	argPos := 1
	if req.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(req.Status))
		argPos++
	}
	if req.CustomerRef != "" {
		query += fmt.Sprintf(" AND customer_ref = $%d", argPos)
		args = append(args, req.CustomerRef)
		argPos++
	}
	page := platformshared.NewPage(req.Limit, req.Offset)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, page.Limit, page.Offset)
	return r.q.invoiceRows(ctx, query, args...)
}

func (r *pgRepository) GetPayment(ctx context.Context, id int64) (Payment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, shared.NotFound("payment", id)
	}
	return p, err
}

// pgTxRepository binds every query to one transaction.
type pgTxRepository struct {
	queries
	seq  *numbering.PGSequencer
	keys *platformshared.IdempotencyStore
}

func (r *pgTxRepository) NextSequence(ctx context.Context, prefix, period string) (int64, error) {
	n, err := r.seq.NextSequence(ctx, prefix, period)
	if err != nil && db.IsRetryable(err) {
		return 0, fmt.Errorf("%w: %v", shared.ErrNumberingContention, err)
	}
	return n, err
}

func (r *pgTxRepository) CreateQuote(ctx context.Context, q Quote) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO quotes (number, customer_ref, issue_date, validity_date, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		q.Number, q.CustomerRef, q.IssueDate, q.ValidityDate, string(q.Status),
	).Scan(&id)
	if db.IsUniqueViolation(err, "quotes_number_key") {
		return 0, fmt.Errorf("quote number %s: %w", q.Number, shared.ErrNumberingContention)
	}
	return id, err
}

func (r *pgTxRepository) LockQuote(ctx context.Context, id int64) (Quote, error) {
	return r.quote(ctx, id, true)
}

func (r *pgTxRepository) UpdateQuoteTotals(ctx context.Context, id int64, totals money.Amounts) error {
	return r.exec(ctx, "quote", id, `
		UPDATE quotes
		SET total_ht = $2::text::numeric, total_vat = $3::text::numeric, total_ttc = $4::text::numeric, updated_at = NOW()
		WHERE id = $1`,
		id, totals.HT.String(), totals.VAT.String(), totals.TTC.String())
}

func (r *pgTxRepository) UpdateQuoteStatus(ctx context.Context, id int64, status QuoteStatus) error {
	return r.exec(ctx, "quote", id, `UPDATE quotes SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
}

func (r *pgTxRepository) LinkQuoteInvoice(ctx context.Context, quoteID, invoiceID int64) error {
	return r.exec(ctx, "quote", quoteID, `UPDATE quotes SET invoice_id = $2, updated_at = NOW() WHERE id = $1`, quoteID, invoiceID)
}

func (r *pgTxRepository) CreateInvoice(ctx context.Context, inv Invoice) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO invoices (number, customer_ref, issue_date, due_date, status, notes, quote_id,
			total_ht, total_vat, total_ttc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9::text::numeric, $10::text::numeric)
		RETURNING id`,
		inv.Number, inv.CustomerRef, inv.IssueDate, inv.DueDate, string(inv.Status), inv.Notes, inv.QuoteID,
		inv.Totals.HT.String(), inv.Totals.VAT.String(), inv.Totals.TTC.String(),
	).Scan(&id)
	if db.IsUniqueViolation(err, "invoices_number_key") {
		return 0, fmt.Errorf("invoice number %s: %w", inv.Number, shared.ErrNumberingContention)
	}
	return id, err
}

func (r *pgTxRepository) LockInvoice(ctx context.Context, id int64) (Invoice, error) {
	return r.invoice(ctx, id, true)
}

func (r *pgTxRepository) UpdateInvoiceTotals(ctx context.Context, id int64, totals money.Amounts) error {
	return r.exec(ctx, "invoice", id, `
		UPDATE invoices
		SET total_ht = $2::text::numeric, total_vat = $3::text::numeric, total_ttc = $4::text::numeric, updated_at = NOW()
		WHERE id = $1`,
		id, totals.HT.String(), totals.VAT.String(), totals.TTC.String())
}

func (r *pgTxRepository) UpdateInvoiceStatus(ctx context.Context, id int64, status InvoiceStatus) error {
	return r.exec(ctx, "invoice", id, `UPDATE invoices SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
}

func (r *pgTxRepository) IssueInvoice(ctx context.Context, id int64, issueDate time.Time) error {
	return r.exec(ctx, "invoice", id, `
		UPDATE invoices SET status = $2, issue_date = $3, updated_at = NOW() WHERE id = $1`,
		id, string(InvoiceStatusIssued), issueDate)
}

func (r *pgTxRepository) MarkOverdue(ctx context.Context, from InvoiceStatus, asOf time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE invoices SET status = $1, updated_at = NOW()
		WHERE status = $2 AND due_date < $3::date`,
		string(InvoiceStatusOverdue), string(from), asOf)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *pgTxRepository) ListPastDue(ctx context.Context, asOf time.Time) ([]Invoice, error) {
	return r.invoiceRows(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE status IN ($1, $2, $3) AND due_date < $4::date
		ORDER BY due_date, id`,
		string(InvoiceStatusIssued), string(InvoiceStatusPartiallyPaid), string(InvoiceStatusOverdue), asOf)
}

func (r *pgTxRepository) InsertLine(ctx context.Context, line LineItem) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO line_items (quote_id, invoice_id, position, description, quantity, unit_price, vat_rate,
			amount_ht, amount_vat, amount_ttc)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric, $7::text::numeric,
			$8::text::numeric, $9::text::numeric, $10::text::numeric)
		RETURNING id`,
		line.QuoteID, line.InvoiceID, line.Position, line.Description,
		line.Quantity.String(), line.UnitPrice.String(), line.VATRate.String(),
		line.HT.String(), line.VAT.String(), line.TTC.String(),
	).Scan(&id)
	return id, err
}

func (r *pgTxRepository) QuoteLines(ctx context.Context, quoteID int64) ([]LineItem, error) {
	return r.lines(ctx, "quote_id", quoteID)
}

func (r *pgTxRepository) InvoiceLines(ctx context.Context, invoiceID int64) ([]LineItem, error) {
	return r.lines(ctx, "invoice_id", invoiceID)
}

func (r *pgTxRepository) InsertPayment(ctx context.Context, p Payment) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO payments (invoice_id, amount, payment_date, method, reference, notes)
		VALUES ($1, $2::text::numeric, $3, $4, $5, $6)
		RETURNING id`,
		p.InvoiceID, p.Amount.String(), p.PaymentDate, string(p.Method), p.Reference, p.Notes,
	).Scan(&id)
	return id, err
}

func (r *pgTxRepository) DeletePayment(ctx context.Context, id int64) (Payment, error) {
	row := r.db.QueryRow(ctx, `DELETE FROM payments WHERE id = $1 RETURNING `+paymentColumns, id)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, shared.NotFound("payment", id)
	}
	return p, err
}

func (r *pgTxRepository) PaymentInvoiceID(ctx context.Context, paymentID int64) (int64, error) {
	var invoiceID int64
	err := r.db.QueryRow(ctx, `SELECT invoice_id FROM payments WHERE id = $1`, paymentID).Scan(&invoiceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, shared.NotFound("payment", paymentID)
	}
	return invoiceID, err
}

func (r *pgTxRepository) CountPayments(ctx context.Context, invoiceID int64) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM payments WHERE invoice_id = $1`, invoiceID).Scan(&n)
	return n, err
}

func (r *pgTxRepository) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	return r.keys.CheckAndInsert(ctx, key, module)
}

// queries holds the statements shared by pool and transaction reads.
type queries struct {
	db db.DBTX
}

const (
	quoteColumns = `id, number, customer_ref, issue_date, validity_date, status,
		total_ht::text, total_vat::text, total_ttc::text, invoice_id, created_at, updated_at`
	invoiceColumns = `id, number, customer_ref, issue_date, due_date, status,
		total_ht::text, total_vat::text, total_ttc::text, notes, quote_id, created_at, updated_at,
		COALESCE((SELECT SUM(p.amount) FROM payments p WHERE p.invoice_id = invoices.id), 0)::text`
	lineColumns = `id, quote_id, invoice_id, position, description, quantity::text, unit_price::text,
		vat_rate::text, amount_ht::text, amount_vat::text, amount_ttc::text, created_at`
	paymentColumns = `id, invoice_id, amount::text, payment_date, method, reference, notes, created_at`
)

func (q queries) exec(ctx context.Context, entity string, id int64, sql string, args ...any) error {
	tag, err := q.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound(entity, id)
	}
	return nil
}

func (q queries) quote(ctx context.Context, id int64, lock bool) (Quote, error) {
	sql := `SELECT ` + quoteColumns + ` FROM quotes WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	out, err := scanQuote(q.db.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Quote{}, shared.NotFound("quote", id)
	}
	return out, err
}

func (q queries) invoice(ctx context.Context, id int64, lock bool) (Invoice, error) {
	sql := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	out, err := scanInvoice(q.db.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, shared.NotFound("invoice", id)
	}
	return out, err
}

func (q queries) invoiceRows(ctx context.Context, sql string, args ...any) ([]Invoice, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (q queries) lines(ctx context.Context, owner string, ownerID int64) ([]LineItem, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+lineColumns+` FROM line_items WHERE `+owner+` = $1 ORDER BY position, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LineItem
	for rows.Next() {
		var l LineItem
		var qty, price, rate, ht, vat, ttc string
		if err := rows.Scan(&l.ID, &l.QuoteID, &l.InvoiceID, &l.Position, &l.Description,
			&qty, &price, &rate, &ht, &vat, &ttc, &l.CreatedAt); err != nil {
			return nil, err
		}
		parsed, err := parseDecimals(qty, price, rate, ht, vat, ttc)
		if err != nil {
			return nil, err
		}
		l.Quantity, l.UnitPrice, l.VATRate = parsed[0], parsed[1], parsed[2]
		l.HT, l.VAT, l.TTC = parsed[3], parsed[4], parsed[5]
		out = append(out, l)
	}
	return out, rows.Err()
}

func (q queries) payments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE invoice_id = $1 ORDER BY payment_date, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SumPayments sees payments inserted earlier in the same transaction.
func (q queries) SumPayments(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	var total string
	err := q.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM payments WHERE invoice_id = $1`, invoiceID).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(total)
}

func scanQuote(row pgx.Row) (Quote, error) {
	var q Quote
	var status, ht, vat, ttc string
	if err := row.Scan(&q.ID, &q.Number, &q.CustomerRef, &q.IssueDate, &q.ValidityDate, &status,
		&ht, &vat, &ttc, &q.InvoiceID, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return Quote{}, err
	}
	totals, err := parseAmounts(ht, vat, ttc)
	if err != nil {
		return Quote{}, err
	}
	q.Status = QuoteStatus(status)
	q.Totals = totals
	return q, nil
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	var status, ht, vat, ttc, paid string
	if err := row.Scan(&inv.ID, &inv.Number, &inv.CustomerRef, &inv.IssueDate, &inv.DueDate, &status,
		&ht, &vat, &ttc, &inv.Notes, &inv.QuoteID, &inv.CreatedAt, &inv.UpdatedAt, &paid); err != nil {
		return Invoice{}, err
	}
	totals, err := parseAmounts(ht, vat, ttc)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Paid, err = decimal.NewFromString(paid); err != nil {
		return Invoice{}, fmt.Errorf("parse paid amount %q: %w", paid, err)
	}
	inv.Status = InvoiceStatus(status)
	inv.Totals = totals
	return inv, nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	var amount, method string
	if err := row.Scan(&p.ID, &p.InvoiceID, &amount, &p.PaymentDate, &method, &p.Reference, &p.Notes, &p.CreatedAt); err != nil {
		return Payment{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Payment{}, fmt.Errorf("payment %d amount: %w", p.ID, err)
	}
	p.Amount = d
	p.Method = PaymentMethod(method)
	return p, nil
}

func parseAmounts(ht, vat, ttc string) (money.Amounts, error) {
	parsed, err := parseDecimals(ht, vat, ttc)
	if err != nil {
		return money.Amounts{}, err
	}
	return money.Amounts{HT: parsed[0], VAT: parsed[1], TTC: parsed[2]}, nil
}

func parseDecimals(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("parse numeric %q: %w", v, err)
		}
		out[i] = d
	}
	return out, nil
}

func sumAmounts(payments []Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return total
}
