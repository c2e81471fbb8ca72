package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"circulation/internal/gateway"
	"circulation/internal/models"
	"circulation/internal/services"
)

// fakeLibrary implements only what a test sets; anything else panics through
// the nil embedded interface.
type fakeLibrary struct {
	services.LibraryService
	borrow func(ctx context.Context, memberID uuid.UUID, titleIDs []uuid.UUID) ([]models.Loan, error)
	ret    func(ctx context.Context, loanID uuid.UUID, at time.Time) (*services.LoanView, error)
	extend func(ctx context.Context, memberID, loanID uuid.UUID, days int) (*services.LoanView, error)
}

func (f *fakeLibrary) Borrow(ctx context.Context, memberID uuid.UUID, titleIDs []uuid.UUID) ([]models.Loan, error) {
	return f.borrow(ctx, memberID, titleIDs)
}

func (f *fakeLibrary) Return(ctx context.Context, loanID uuid.UUID, at time.Time) (*services.LoanView, error) {
	return f.ret(ctx, loanID, at)
}

func (f *fakeLibrary) Extend(ctx context.Context, memberID, loanID uuid.UUID, days int) (*services.LoanView, error) {
	return f.extend(ctx, memberID, loanID, days)
}

type fakePayments struct {
	services.PaymentService
	pay      func(ctx context.Context, req services.PayRequest) (*models.Payment, error)
	callback func(ctx context.Context, cb services.GatewayCallback) (*models.Payment, error)
}

func (f *fakePayments) Pay(ctx context.Context, req services.PayRequest) (*models.Payment, error) {
	return f.pay(ctx, req)
}

func (f *fakePayments) HandleGatewayCallback(ctx context.Context, cb services.GatewayCallback) (*models.Payment, error) {
	return f.callback(ctx, cb)
}

func setupRouter(lib services.LibraryService, pay services.PaymentService, cfg Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	r := gin.New()
	RegisterRoutes(r, lib, pay, cfg)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// ─── Errors ───────────────────────────────────────────────────────────────────

func TestBorrow_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"no copies", services.ErrInsufficientCopies, http.StatusConflict, "INSUFFICIENT_COPIES"},
		{"unpaid fines", services.ErrHasUnpaidFines, http.StatusUnprocessableEntity, "HAS_UNPAID_FINES"},
		{"limit", services.ErrLimitExceeded, http.StatusUnprocessableEntity, "LIMIT_EXCEEDED"},
		{"unknown member", services.ErrMemberNotFound, http.StatusNotFound, "MEMBER_NOT_FOUND"},
		{"empty", services.ErrEmptyRequest, http.StatusBadRequest, "EMPTY_REQUEST"},
		{"infrastructure", errors.New("connection reset"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lib := &fakeLibrary{borrow: func(context.Context, uuid.UUID, []uuid.UUID) ([]models.Loan, error) {
				return nil, tc.err
			}}
			r := setupRouter(lib, &fakePayments{}, Config{})

			w := doJSON(t, r, http.MethodPost, "/loans", gin.H{
				"member_id": uuid.NewString(),
				"title_ids": []string{uuid.NewString()},
			}, nil)

			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, decode(t, w)["code"])
		})
	}
}

func TestBorrow_Validation(t *testing.T) {
	lib := &fakeLibrary{}
	r := setupRouter(lib, &fakePayments{}, Config{})

	w := doJSON(t, r, http.MethodPost, "/loans", gin.H{"member_id": uuid.NewString()}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", decode(t, w)["code"])

	w = doJSON(t, r, http.MethodPost, "/loans", gin.H{"member_id": uuid.NewString(), "title_ids": []string{"nope"}}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Without auth the body must name the member.
	w = doJSON(t, r, http.MethodPost, "/loans", gin.H{"title_ids": []string{uuid.NewString()}}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ID", decode(t, w)["code"])
}

func TestInvalidPathID(t *testing.T) {
	r := setupRouter(&fakeLibrary{}, &fakePayments{}, Config{})
	w := doJSON(t, r, http.MethodGet, "/loans/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ID", decode(t, w)["code"])
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

func TestBorrow_Auth(t *testing.T) {
	verifier := NewTokenVerifier("test-secret", "circulation")
	member := uuid.New()
	var got uuid.UUID
	lib := &fakeLibrary{borrow: func(_ context.Context, memberID uuid.UUID, titleIDs []uuid.UUID) ([]models.Loan, error) {
		got = memberID
		return []models.Loan{{MemberID: memberID, TitleID: titleIDs[0], Status: models.LoanStatusBorrowed}}, nil
	}}
	r := setupRouter(lib, &fakePayments{}, Config{Verifier: verifier})
	body := gin.H{"title_ids": []string{uuid.NewString()}}

	w := doJSON(t, r, http.MethodPost, "/loans", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodPost, "/loans", body, map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := verifier.Issue(member, time.Hour)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	w = doJSON(t, r, http.MethodPost, "/loans", gin.H{
		"member_id": uuid.NewString(),
		"title_ids": []string{uuid.NewString()},
	}, auth)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, r, http.MethodPost, "/loans", body, auth)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, member, got)
	assert.Len(t, decode(t, w)["loans"], 1)
}

func TestTokenVerifier(t *testing.T) {
	v := NewTokenVerifier("secret", "circulation")
	member := uuid.New()

	token, err := v.Issue(member, time.Minute)
	require.NoError(t, err)
	got, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, member, got)

	expired, err := v.Issue(member, -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewTokenVerifier("secret", "someone-else")
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongKey := NewTokenVerifier("other-secret", "circulation")
	_, err = wrongKey.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

// ─── Loans ────────────────────────────────────────────────────────────────────

func TestReturn_OptionalDate(t *testing.T) {
	var got time.Time
	lib := &fakeLibrary{ret: func(_ context.Context, loanID uuid.UUID, at time.Time) (*services.LoanView, error) {
		got = at
		return &services.LoanView{Loan: models.Loan{Status: models.LoanStatusReturned}, Status: models.LoanStatusReturned}, nil
	}}
	r := setupRouter(lib, &fakePayments{}, Config{})
	path := "/loans/" + uuid.NewString() + "/return"

	w := doJSON(t, r, http.MethodPost, path, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, got.IsZero())

	w = doJSON(t, r, http.MethodPost, path, gin.H{"return_date": "2024-01-15T00:00:00Z"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, got.Equal(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)))

	// A chunked request has no declared length; an empty one still means
	// "return now".
	got = time.Now()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(""))
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, got.IsZero())

	req = httptest.NewRequest(http.MethodPost, path, strings.NewReader("{"))
	req.ContentLength = -1
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExtend_PassesTokenMember(t *testing.T) {
	verifier := NewTokenVerifier("secret", "")
	member := uuid.New()
	var gotMember uuid.UUID
	var gotDays int
	lib := &fakeLibrary{extend: func(_ context.Context, memberID, _ uuid.UUID, days int) (*services.LoanView, error) {
		gotMember, gotDays = memberID, days
		return nil, services.ErrTooOverdueToExtend
	}}
	r := setupRouter(lib, &fakePayments{}, Config{Verifier: verifier})
	token, err := verifier.Issue(member, time.Hour)
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodPost, "/loans/"+uuid.NewString()+"/extend", gin.H{"days": 7},
		map[string]string{"Authorization": "Bearer " + token})

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "TOO_OVERDUE_TO_EXTEND", decode(t, w)["code"])
	assert.Equal(t, member, gotMember)
	assert.Equal(t, 7, gotDays)
}

// ─── Payments ─────────────────────────────────────────────────────────────────

func payBody() gin.H {
	return gin.H{
		"member_id":      uuid.NewString(),
		"fine_ids":       []string{uuid.NewString()},
		"method":         "CARD",
		"expected_total": "25",
	}
}

func TestPay_Outcomes(t *testing.T) {
	cases := []struct {
		name    string
		payment *models.Payment
		err     error
		status  int
		code    string
	}{
		{"completed", &models.Payment{Status: models.PaymentStatusCompleted}, nil, http.StatusCreated, ""},
		{"awaiting confirmation", &models.Payment{Status: models.PaymentStatusPending}, nil, http.StatusAccepted, ""},
		{"declined", &models.Payment{Status: models.PaymentStatusFailed}, services.ErrGatewayDeclined, http.StatusPaymentRequired, "GATEWAY_DECLINED"},
		{"timeout", &models.Payment{Status: models.PaymentStatusFailed}, services.ErrGatewayTimeout, http.StatusGatewayTimeout, "GATEWAY_TIMEOUT"},
		{"unavailable", &models.Payment{Status: models.PaymentStatusFailed}, services.ErrGatewayUnavailable, http.StatusBadGateway, "GATEWAY_UNAVAILABLE"},
		{"mismatch", nil, services.ErrAmountMismatch, http.StatusConflict, "AMOUNT_MISMATCH"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got services.PayRequest
			payments := &fakePayments{pay: func(_ context.Context, req services.PayRequest) (*models.Payment, error) {
				got = req
				return tc.payment, tc.err
			}}
			r := setupRouter(&fakeLibrary{}, payments, Config{})

			w := doJSON(t, r, http.MethodPost, "/payments", payBody(), nil)

			assert.Equal(t, tc.status, w.Code)
			assert.True(t, got.ExpectedTotal.Equal(decimal.NewFromInt(25)))
			assert.Equal(t, models.PaymentMethodCard, got.Method)
			body := decode(t, w)
			if tc.code != "" {
				assert.Equal(t, tc.code, body["code"])
				_, hasPayment := body["payment"]
				assert.Equal(t, tc.payment != nil, hasPayment)
			}
		})
	}
}

func TestPay_Validation(t *testing.T) {
	r := setupRouter(&fakeLibrary{}, &fakePayments{}, Config{})

	body := payBody()
	body["method"] = "BITCOIN"
	w := doJSON(t, r, http.MethodPost, "/payments", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body = payBody()
	delete(body, "expected_total")
	w = doJSON(t, r, http.MethodPost, "/payments", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body = payBody()
	body["fine_ids"] = []string{}
	w = doJSON(t, r, http.MethodPost, "/payments", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGatewayCallback(t *testing.T) {
	ref := uuid.New()
	var got services.GatewayCallback
	payments := &fakePayments{callback: func(_ context.Context, cb services.GatewayCallback) (*models.Payment, error) {
		got = cb
		return &models.Payment{Status: models.PaymentStatusCompleted}, nil
	}}
	r := setupRouter(&fakeLibrary{}, payments, Config{CallbackKey: "hook-key"})
	body := gin.H{"reference": ref.String(), "transaction_id": "txn-1", "status": "COMPLETED"}

	w := doJSON(t, r, http.MethodPost, "/payments/callback", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodPost, "/payments/callback", body, map[string]string{"X-Gateway-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodPost, "/payments/callback", body, map[string]string{"X-Gateway-Key": "hook-key"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ref, got.Reference)
	assert.Equal(t, "txn-1", got.TransactionID)
	assert.Equal(t, gateway.StatusCompleted, got.Status)

	body["status"] = "MAYBE"
	w = doJSON(t, r, http.MethodPost, "/payments/callback", body, map[string]string{"X-Gateway-Key": "hook-key"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ─── Metrics ──────────────────────────────────────────────────────────────────

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "circulation_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	r := setupRouter(&fakeLibrary{}, &fakePayments{}, Config{Gatherer: reg})

	w := doJSON(t, r, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "circulation_test_total 1")
}
