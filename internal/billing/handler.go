package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/billing/numbering"
	"github.com/odyssey-erp/odyssey-billing/internal/billing/shared"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
	platformshared "github.com/odyssey-erp/odyssey-billing/internal/shared"
)

// IdempotencyHeader carries an optional UUID guarding POST /payments.
const IdempotencyHeader = "Idempotency-Key"

var errorMappings = []httpx.ErrorMapping{
	{Target: shared.ErrValidation, Status: http.StatusBadRequest, Title: "Validation Failed"},
	{Target: shared.ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Target: shared.ErrStateConflict, Status: http.StatusConflict, Title: "State Conflict"},
	{Target: platformshared.ErrIdempotencyConflict, Status: http.StatusConflict, Title: "Duplicate Request"},
	{Target: shared.ErrNumberingContention, Status: http.StatusServiceUnavailable, Title: "Numbering Contention"},
	{Target: numbering.ErrUnavailable, Status: http.StatusServiceUnavailable, Title: "Numbering Unavailable"},
}

// Handler exposes the billing ledgers as a JSON API.
type Handler struct {
	logger   *slog.Logger
	quotes   *QuoteService
	invoices *InvoiceService
	payments *PaymentService
	renderer *InvoiceRenderer
	validate *validator.Validate
	clock    func() time.Time
}

// NewHandler builds Handler instance. renderer may be nil, in which case the
// PDF endpoint answers 503.
func NewHandler(logger *slog.Logger, services Services, renderer *InvoiceRenderer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		quotes:   services.Quotes,
		invoices: services.Invoices,
		payments: services.Payments,
		renderer: renderer,
		validate: newValidator(),
		clock:    time.Now,
	}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/quotes", func(r chi.Router) {
		r.Get("/", h.listQuotes)
		r.Post("/", h.createQuote)
		r.Get("/{id}", h.getQuote)
		r.Post("/{id}/lines", h.addQuoteLine)
		r.Post("/{id}/send", h.sendQuote)
		r.Post("/{id}/accept", h.acceptQuote)
		r.Post("/{id}/refuse", h.refuseQuote)
		r.Post("/{id}/convert-to-invoice", h.convertQuote)
	})
	r.Route("/invoices", func(r chi.Router) {
		r.Get("/", h.listInvoices)
		r.Post("/", h.createInvoice)
		r.Get("/overdue", h.overdueInvoices)
		r.Get("/{id}", h.getInvoice)
		r.Post("/{id}/lines", h.addInvoiceLine)
		r.Post("/{id}/send", h.sendInvoice)
		r.Post("/{id}/cancel", h.cancelInvoice)
		r.Get("/{id}/payments", h.listInvoicePayments)
		r.Get("/{id}/pdf", h.invoicePDF)
	})
	r.Route("/payments", func(r chi.Router) {
		r.Post("/", h.recordPayment)
		r.Get("/{id}", h.getPayment)
		r.Delete("/{id}", h.deletePayment)
	})
}

// --- Quotes ---

func (h *Handler) listQuotes(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	quotes, err := h.quotes.List(r.Context(), ListQuotesRequest{
		Status:      QuoteStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		CustomerRef: r.URL.Query().Get("customerId"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]quoteResponse, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, toQuoteResponse(q))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createQuote(w http.ResponseWriter, r *http.Request) {
	var req createQuoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	q, err := h.quotes.Create(r.Context(), CreateQuoteInput{CustomerRef: req.CustomerID, ValidityDate: req.ValidityDate.Time})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toQuoteResponse(q))
}

func (h *Handler) getQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	q, err := h.quotes.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toQuoteResponse(q))
}

func (h *Handler) addQuoteLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req lineRequest
	if !h.decode(w, r, &req) {
		return
	}
	q, err := h.quotes.AddLine(r.Context(), id, req.input())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toQuoteResponse(q))
}

func (h *Handler) sendQuote(w http.ResponseWriter, r *http.Request) {
	h.quoteTransition(w, r, h.quotes.Send)
}

func (h *Handler) acceptQuote(w http.ResponseWriter, r *http.Request) {
	h.quoteTransition(w, r, h.quotes.Accept)
}

func (h *Handler) refuseQuote(w http.ResponseWriter, r *http.Request) {
	h.quoteTransition(w, r, h.quotes.Refuse)
}

func (h *Handler) quoteTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) (Quote, error)) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	q, err := fn(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toQuoteResponse(q))
}

func (h *Handler) convertQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req convertQuoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	inv, err := h.quotes.ConvertToInvoice(r.Context(), id, ConvertQuoteInput{DueDate: req.DueDate.Time, Notes: req.Notes})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toInvoiceResponse(inv))
}

// --- Invoices ---

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	invoices, err := h.invoices.List(r.Context(), ListInvoicesRequest{
		Status:      InvoiceStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		CustomerRef: r.URL.Query().Get("customerId"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeInvoices(w, invoices)
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	inv, err := h.invoices.Create(r.Context(), CreateInvoiceInput{
		CustomerRef: req.CustomerID,
		DueDate:     req.DueDate.Time,
		Notes:       req.Notes,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toInvoiceResponse(inv))
}

func (h *Handler) overdueInvoices(w http.ResponseWriter, r *http.Request) {
	asOf := h.clock()
	if raw := r.URL.Query().Get("asOf"); raw != "" {
		t, err := ParseDate(raw)
		if err != nil {
			h.respondError(w, r, shared.Invalid("asOf", "%v", err))
			return
		}
		if t.After(dateOf(asOf)) {
			h.respondError(w, r, shared.Invalid("asOf", "must not be after today %s", dateOf(asOf).Format(time.DateOnly)))
			return
		}
		asOf = t
	}
	invoices, err := h.invoices.DetectOverdue(r.Context(), asOf)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeInvoices(w, invoices)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.invoices.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (h *Handler) addInvoiceLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req lineRequest
	if !h.decode(w, r, &req) {
		return
	}
	inv, err := h.invoices.AddLine(r.Context(), id, req.input())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (h *Handler) sendInvoice(w http.ResponseWriter, r *http.Request) {
	h.invoiceAction(w, r, h.invoices.Send)
}

func (h *Handler) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	h.invoiceAction(w, r, h.invoices.Cancel)
}

func (h *Handler) invoiceAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) (Invoice, error)) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	inv, err := fn(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (h *Handler) listInvoicePayments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	payments, err := h.payments.ListForInvoice(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPaymentResponses(payments))
}

func (h *Handler) invoicePDF(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if h.renderer == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Renderer Unavailable", "pdf rendering is not configured")
		return
	}
	pdf, filename, err := h.renderer.RenderPDF(r.Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			h.respondError(w, r, err)
			return
		}
		h.logger.Error("invoice pdf failed", slog.Int64("invoice_id", id), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Render Failed", "the pdf renderer did not produce a document")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func (h *Handler) writeInvoices(w http.ResponseWriter, invoices []Invoice) {
	out := make([]invoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, toInvoiceResponse(inv))
	}
	httpx.JSON(w, http.StatusOK, out)
}

// --- Payments ---

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	var key string
	if raw := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			h.respondError(w, r, shared.Invalid(IdempotencyHeader, "must be a UUID"))
			return
		}
		key = parsed.String()
	}
	var req recordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.payments.Record(r.Context(), RecordPaymentInput{
		InvoiceID:      req.InvoiceID,
		Amount:         req.Amount,
		PaymentDate:    req.PaymentDate.Time,
		Method:         req.Method,
		Reference:      req.Reference,
		Notes:          req.Notes,
		IdempotencyKey: key,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPaymentResponse(p))
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.payments.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPaymentResponse(p))
}

func (h *Handler) deletePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.payments.Delete(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(inv))
}

// --- Helpers ---

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, shared.ErrNumberingContention), errors.Is(err, numbering.ErrUnavailable):
		w.Header().Set("Retry-After", "1")
		h.logger.Warn("billing request unavailable", slog.String("path", r.URL.Path), slog.Any("error", err))
	case errors.Is(err, shared.ErrValidation), errors.Is(err, shared.ErrNotFound),
		errors.Is(err, shared.ErrStateConflict), errors.Is(err, platformshared.ErrIdempotencyConflict):
	default:
		h.logger.Error("billing request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err, errorMappings...)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, r, shared.Invalid("id", "must be a positive integer"))
		return 0, false
	}
	return id, true
}

// decode reads and validates a request body, answering 400 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(w, r, target); err != nil {
		h.respondError(w, r, shared.Invalid("body", "%v", err))
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			h.respondError(w, r, shared.Invalid(fe.Field(), "%s", describeRule(fe)))
			return false
		}
		h.respondError(w, r, err)
		return false
	}
	return true
}

func pageParams(r *http.Request) (int, int, error) {
	var limit, offset int
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, shared.Invalid("limit", "must be a non-negative integer")
		}
		limit = v
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, shared.Invalid("offset", "must be a non-negative integer")
		}
		offset = v
	}
	return limit, offset, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of " + fe.Param()
	}
	return "is invalid"
}
