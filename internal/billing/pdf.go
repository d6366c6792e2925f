package billing

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

//go:embed templates/invoice_pdf.html
var pdfTemplates embed.FS

// PDFRenderer converts an HTML document into a PDF.
type PDFRenderer interface {
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// InvoiceRenderer renders invoices through an external PDF renderer.
type InvoiceRenderer struct {
	repo     Repository
	renderer PDFRenderer
	tmpl     *template.Template
	lang     language.Tag
	logger   *slog.Logger
	group    singleflight.Group
}

// NewInvoiceRenderer parses the invoice template. Amounts are formatted for
// lang, e.g. language.French renders 1 234,50.
func NewInvoiceRenderer(repo Repository, renderer PDFRenderer, lang language.Tag, logger *slog.Logger) (*InvoiceRenderer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	printer := message.NewPrinter(lang)
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format(time.DateOnly)
		},
		"formatMoney": func(d decimal.Decimal) string {
			return printer.Sprintf("%v", number.Decimal(d.Round(2).InexactFloat64(), number.Scale(2)))
		},
		"formatRate": func(d decimal.Decimal) string {
			return printer.Sprintf("%v", number.Decimal(d.InexactFloat64(), number.MaxFractionDigits(2)))
		},
		"formatQty": func(d decimal.Decimal) string {
			return printer.Sprintf("%v", number.Decimal(d.InexactFloat64(), number.MaxFractionDigits(4)))
		},
	}
	tmpl, err := template.New("invoice_pdf.html").Funcs(funcMap).ParseFS(pdfTemplates, "templates/invoice_pdf.html")
	if err != nil {
		return nil, fmt.Errorf("parse invoice template: %w", err)
	}
	return &InvoiceRenderer{repo: repo, renderer: renderer, tmpl: tmpl, lang: lang, logger: logger}, nil
}

// RenderPDF returns the PDF of an invoice and a file name for it. Concurrent
// renders of the same invoice revision share one renderer call.
func (r *InvoiceRenderer) RenderPDF(ctx context.Context, invoiceID int64) ([]byte, string, error) {
	inv, err := r.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, "", err
	}
	key := fmt.Sprintf("%d:%d:%d", inv.ID, inv.UpdatedAt.UnixNano(), len(inv.Payments))
	renderCtx := context.WithoutCancel(ctx)
	resultChan := r.group.DoChan(key, func() (any, error) {
		html, err := r.HTML(renderCtx, inv)
		if err != nil {
			return nil, err
		}
		return r.renderer.RenderHTML(renderCtx, html)
	})
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			r.logger.ErrorContext(ctx, "invoice render failed", slog.Int64("invoice_id", invoiceID), slog.Any("error", res.Err))
			return nil, "", fmt.Errorf("render invoice %d: %w", invoiceID, res.Err)
		}
		return res.Val.([]byte), inv.Number + ".pdf", nil
	}
}

// HTML renders the invoice document fed to the PDF renderer.
func (r *InvoiceRenderer) HTML(ctx context.Context, inv Invoice) (string, error) {
	data := struct {
		Lang        string
		Invoice     Invoice
		QuoteNumber string
	}{Lang: r.lang.String(), Invoice: inv}
	if inv.QuoteID != nil {
		if q, err := r.repo.GetQuote(ctx, *inv.QuoteID); err == nil {
			data.QuoteNumber = q.Number
		}
	}
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute invoice template: %w", err)
	}
	return buf.String(), nil
}
