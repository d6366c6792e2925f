package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/odyssey-billing/internal/billing/shared"
)

type fakePDFRenderer struct {
	mu    sync.Mutex
	calls int
	html  string
	err   error
}

func (f *fakePDFRenderer) RenderHTML(_ context.Context, html string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.html = html
	if f.err != nil {
		return nil, f.err
	}
	return []byte("%PDF-1.7 fake"), nil
}

type apiFixture struct {
	*fixture
	router   chi.Router
	renderer *fakePDFRenderer
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pdf := &fakePDFRenderer{}
	renderer, err := NewInvoiceRenderer(f.repo, pdf, language.English, logger)
	require.NoError(t, err)
	h := NewHandler(logger, f.svc, renderer)
	h.clock = f.clock.Now
	r := chi.NewRouter()
	h.MountRoutes(r)
	return &apiFixture{fixture: f, router: r, renderer: pdf}
}

func (a *apiFixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (a *apiFixture) expect(t *testing.T, status int, method, path, body string, headers ...string) map[string]any {
	t.Helper()
	rec := a.do(t, method, path, body, headers...)
	require.Equal(t, status, rec.Code, rec.Body.String())
	return decodeBody(t, rec)
}

func TestHandlerQuoteToPaidInvoice(t *testing.T) {
	a := newAPIFixture(t)

	q := a.expect(t, http.StatusCreated, http.MethodPost, "/quotes", `{"customerId":"CUST-1","validityDate":"2026-04-15"}`)
	assert.Equal(t, "DEV-202603-0001", q["number"])
	assert.Equal(t, "DRAFT", q["status"])
	assert.Equal(t, "0.00", q["totalTtc"])
	assert.Equal(t, "2026-03-15", q["issueDate"])
	quotePath := fmt.Sprintf("/quotes/%.0f", q["id"].(float64))

	q = a.expect(t, http.StatusOK, http.MethodPost, quotePath+"/lines",
		`{"description":"Consulting","quantity":2,"unitPrice":"100","vatRate":20}`)
	assert.Equal(t, "200.00", q["totalHt"])
	assert.Equal(t, "40.00", q["totalVat"])
	assert.Equal(t, "240.00", q["totalTtc"])
	lines := q["lines"].([]any)
	require.Len(t, lines, 1)
	assert.Equal(t, "240.00", lines[0].(map[string]any)["amountTtc"])

	a.expect(t, http.StatusOK, http.MethodPost, quotePath+"/send", "")
	q = a.expect(t, http.StatusOK, http.MethodPost, quotePath+"/accept", "")
	assert.Equal(t, "ACCEPTED", q["status"])

	inv := a.expect(t, http.StatusCreated, http.MethodPost, quotePath+"/convert-to-invoice", `{"dueDate":"2026-04-30","notes":"Thanks"}`)
	assert.Equal(t, "FAC-202603-0001", inv["number"])
	assert.Equal(t, "DRAFT", inv["status"])
	assert.Equal(t, "240.00", inv["totalTtc"])
	assert.Equal(t, q["id"], inv["quoteId"])
	invoiceID := int64(inv["id"].(float64))
	invoicePath := fmt.Sprintf("/invoices/%d", invoiceID)

	inv = a.expect(t, http.StatusOK, http.MethodPost, invoicePath+"/send", "")
	assert.Equal(t, "ISSUED", inv["status"])

	p := a.expect(t, http.StatusCreated, http.MethodPost, "/payments",
		fmt.Sprintf(`{"invoiceId":%d,"amount":240,"paymentDate":"2026-03-20","method":"TRANSFER","reference":"VIR-88"}`, invoiceID))
	assert.Equal(t, "240.00", p["amount"])
	assert.Equal(t, "2026-03-20", p["paymentDate"])

	inv = a.expect(t, http.StatusOK, http.MethodGet, invoicePath, "")
	assert.Equal(t, "PAID", inv["status"])
	assert.Equal(t, "240.00", inv["paid"])
	assert.Equal(t, "0.00", inv["outstanding"])

	rec := a.do(t, http.MethodGet, invoicePath+"/payments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var payments []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payments))
	require.Len(t, payments, 1)
	assert.Equal(t, "VIR-88", payments[0]["reference"])

	paymentPath := fmt.Sprintf("/payments/%.0f", p["id"].(float64))
	a.expect(t, http.StatusOK, http.MethodGet, paymentPath, "")
	inv = a.expect(t, http.StatusOK, http.MethodDelete, paymentPath, "")
	assert.Equal(t, "ISSUED", inv["status"])
	a.expect(t, http.StatusNotFound, http.MethodGet, paymentPath, "")
}

func TestHandlerMapsErrorsToProblems(t *testing.T) {
	a := newAPIFixture(t)
	draft := a.expect(t, http.StatusCreated, http.MethodPost, "/quotes", `{"customerId":"C","validityDate":"2026-04-01"}`)
	draftPath := fmt.Sprintf("/quotes/%.0f", draft["id"].(float64))

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		field  string
	}{
		{"non numeric id", http.MethodGet, "/quotes/abc", "", http.StatusBadRequest, "id"},
		{"unknown quote", http.MethodGet, "/quotes/999", "", http.StatusNotFound, ""},
		{"missing customer", http.MethodPost, "/quotes", `{"customerId":"","validityDate":"2026-04-01"}`, http.StatusBadRequest, "customerId"},
		{"malformed date", http.MethodPost, "/quotes", `{"customerId":"C","validityDate":"soon"}`, http.StatusBadRequest, "body"},
		{"unknown field", http.MethodPost, "/quotes", `{"customerId":"C","discount":5}`, http.StatusBadRequest, "body"},
		{"validity before issue", http.MethodPost, "/quotes", `{"customerId":"C","validityDate":"2026-03-01"}`, http.StatusBadRequest, "validityDate"},
		{"negative quantity", http.MethodPost, draftPath + "/lines", `{"description":"x","quantity":-1,"unitPrice":1,"vatRate":0}`, http.StatusBadRequest, "quantity"},
		{"vat out of range", http.MethodPost, draftPath + "/lines", `{"description":"x","quantity":1,"unitPrice":1,"vatRate":120}`, http.StatusBadRequest, "vatRate"},
		{"accept a draft", http.MethodPost, draftPath + "/accept", "", http.StatusConflict, ""},
		{"convert a draft", http.MethodPost, draftPath + "/convert-to-invoice", `{}`, http.StatusConflict, ""},
		{"bad payment method", http.MethodPost, "/payments", `{"invoiceId":1,"amount":5,"method":"IOU"}`, http.StatusBadRequest, "method"},
		{"unknown status filter", http.MethodGet, "/invoices?status=lost", "", http.StatusBadRequest, "status"},
		{"bad limit", http.MethodGet, "/invoices?limit=many", "", http.StatusBadRequest, "limit"},
		{"bad asOf", http.MethodGet, "/invoices/overdue?asOf=later", "", http.StatusBadRequest, "asOf"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := a.do(t, tc.method, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			problem := decodeBody(t, rec)
			assert.Equal(t, float64(tc.status), problem["status"])
			if tc.field != "" {
				assert.Equal(t, tc.field, problem["field"])
			}
		})
	}
}

func TestHandlerRejectsOverpayment(t *testing.T) {
	a := newAPIFixture(t)
	inv := a.issuedInvoice(t, line("x", "1", "100", "20"))

	problem := a.expect(t, http.StatusBadRequest, http.MethodPost, "/payments",
		fmt.Sprintf(`{"invoiceId":%d,"amount":"120.01","method":"CARD"}`, inv.ID))
	assert.Equal(t, "amount", problem["field"])
	assert.Contains(t, problem["detail"], "120.00")
}

func TestHandlerIdempotencyKey(t *testing.T) {
	a := newAPIFixture(t)
	inv := a.issuedInvoice(t, line("x", "1", "100", "0"))
	body := fmt.Sprintf(`{"invoiceId":%d,"amount":10,"method":"CASH"}`, inv.ID)

	problem := a.expect(t, http.StatusBadRequest, http.MethodPost, "/payments", body, IdempotencyHeader, "not-a-uuid")
	assert.Equal(t, IdempotencyHeader, problem["field"])

	key := "0b8a4b1e-6f1d-4c55-8d7e-1d0f3c9b2a10"
	a.expect(t, http.StatusCreated, http.MethodPost, "/payments", body, IdempotencyHeader, key)
	problem = a.expect(t, http.StatusConflict, http.MethodPost, "/payments", body, IdempotencyHeader, strings.ToUpper(key))
	assert.Equal(t, "Duplicate Request", problem["title"])

	a.expect(t, http.StatusCreated, http.MethodPost, "/payments", body)
	total, err := a.svc.Payments.TotalFor(t.Context(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "20", total.String())
}

func TestHandlerContentionAnswers503(t *testing.T) {
	a := newAPIFixture(t)
	contention := fmt.Errorf("lost race: %w", shared.ErrNumberingContention)
	a.repo.failNext("CreateQuote", contention, contention, contention)

	rec := a.do(t, http.MethodPost, "/quotes", `{"customerId":"C","validityDate":"2026-04-01"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	a.expect(t, http.StatusCreated, http.MethodPost, "/quotes", `{"customerId":"C","validityDate":"2026-04-01"}`)
}

func TestHandlerOverdueScan(t *testing.T) {
	a := newAPIFixture(t)
	inv := a.issuedInvoice(t, line("x", "1", "100", "0"))

	rec := a.do(t, http.MethodGet, "/invoices/overdue?asOf=2099-01-01", "")
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "asOf")
	assert.Equal(t, InvoiceStatusIssued, a.status(t, inv.ID))

	rec = a.do(t, http.MethodGet, "/invoices/overdue?asOf=2026-01-01", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	a.clock.Set(days(45))
	rec = a.do(t, http.MethodGet, "/invoices/overdue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, float64(inv.ID), out[0]["id"])
	assert.Equal(t, "OVERDUE", out[0]["status"])

	rec = a.do(t, http.MethodGet, "/invoices/overdue?asOf="+days(45).Format(time.DateOnly), "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerInvoiceListReportsPayments(t *testing.T) {
	a := newAPIFixture(t)
	inv := a.issuedInvoice(t, line("x", "1", "100", "0"))
	a.pay(t, inv.ID, "100")

	rec := a.do(t, http.MethodGet, "/invoices?status=paid", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "PAID", out[0]["status"])
	assert.Equal(t, "100.00", out[0]["paid"])
	assert.Equal(t, "0.00", out[0]["outstanding"])
}

func TestHandlerListsAndCancels(t *testing.T) {
	a := newAPIFixture(t)
	inv := a.issuedInvoice(t, line("x", "1", "100", "0"))
	a.issuedInvoice(t, line("y", "1", "50", "0"))

	rec := a.do(t, http.MethodGet, "/invoices?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page, 1)

	cancelled := a.expect(t, http.StatusOK, http.MethodPost, fmt.Sprintf("/invoices/%d/cancel", inv.ID), "")
	assert.Equal(t, "CANCELLED", cancelled["status"])

	rec = a.do(t, http.MethodGet, "/invoices?status=cancelled", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page, 1)
	assert.Equal(t, float64(inv.ID), page[0]["id"])

	rec = a.do(t, http.MethodGet, "/quotes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandlerInvoicePDF(t *testing.T) {
	a := newAPIFixture(t)
	inv := a.issuedInvoice(t, line("Audit <days>", "1.5", "1000", "20"))

	rec := a.do(t, http.MethodGet, fmt.Sprintf("/invoices/%d/pdf", inv.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "FAC-202603-0001.pdf")
	assert.Equal(t, "%PDF-1.7 fake", rec.Body.String())
	assert.Contains(t, a.renderer.html, "FAC-202603-0001")
	assert.Contains(t, a.renderer.html, "Audit &lt;days&gt;")

	a.expect(t, http.StatusNotFound, http.MethodGet, "/invoices/777/pdf", "")

	a.renderer.err = errors.New("gotenberg down")
	a.expect(t, http.StatusBadGateway, http.MethodGet, fmt.Sprintf("/invoices/%d/pdf", inv.ID), "")
}

func TestHandlerWithoutRenderer(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(nil, f.svc, nil)
	r := chi.NewRouter()
	h.MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices/1/pdf", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
