package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/recoup/internal/config"
	dunningdomain "github.com/smallbiznis/recoup/internal/dunning/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubDunningService struct {
	result dunningdomain.RecoveryResult
	err    error

	lastInvoiceID snowflake.ID
	manualCalled  bool
	executeCalled bool
}

func (s *stubDunningService) ProcessFailedCharge(_ context.Context, _, invoiceID snowflake.ID, _ string) (dunningdomain.RecoveryResult, error) {
	s.lastInvoiceID = invoiceID
	return s.result, s.err
}

func (s *stubDunningService) ExecuteRetry(_ context.Context, invoiceID snowflake.ID) (dunningdomain.RecoveryResult, error) {
	s.executeCalled = true
	s.lastInvoiceID = invoiceID
	return s.result, s.err
}

func (s *stubDunningService) ManualRetry(_ context.Context, invoiceID snowflake.ID) (dunningdomain.RecoveryResult, error) {
	s.manualCalled = true
	s.lastInvoiceID = invoiceID
	return s.result, s.err
}

func (s *stubDunningService) CancelAfterRetries(context.Context, snowflake.ID) (dunningdomain.RecoveryResult, error) {
	return s.result, s.err
}

func (s *stubDunningService) ProcessRecovery(context.Context, snowflake.ID, snowflake.ID, string) (dunningdomain.RecoveryResult, error) {
	return s.result, s.err
}

func (s *stubDunningService) ResetDunningState(context.Context, snowflake.ID) error {
	return s.err
}

func newTestServer(t *testing.T, svc dunningdomain.Service) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := NewEngine(config.Config{}, zap.NewNop())
	s := &Server{
		cfg:        config.Config{Environment: "test"},
		log:        zap.NewNop(),
		dunningSvc: svc,
		engine:     engine,
	}
	s.RegisterAPIRoutes()
	return s
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestChargeFailedSchedulesRetry(t *testing.T) {
	svc := &stubDunningService{
		result: dunningdomain.RetryScheduled{
			InvoiceID:     "100",
			AttemptNumber: 1,
			MaxAttempts:   3,
			NextRetryAt:   time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC),
		},
	}
	s := newTestServer(t, svc)

	w := doRequest(s, http.MethodPost, "/api/webhooks/charge-failed",
		`{"subscription_id":"1","invoice_id":"100","error_message":"card_declined"}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"outcome":"retry_scheduled"`)
	assert.EqualValues(t, 100, svc.lastInvoiceID)
}

func TestChargeFailedRejectsBadID(t *testing.T) {
	s := newTestServer(t, &stubDunningService{})

	w := doRequest(s, http.MethodPost, "/api/webhooks/charge-failed",
		`{"subscription_id":"1","invoice_id":"not-a-number"}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_id")
}

func TestChargeFailedUnknownSubscriptionIs404(t *testing.T) {
	s := newTestServer(t, &stubDunningService{err: dunningdomain.ErrSubscriptionNotFound})

	w := doRequest(s, http.MethodPost, "/api/webhooks/charge-failed",
		`{"subscription_id":"1","invoice_id":"100"}`)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetryInvoiceNotDueIs409(t *testing.T) {
	s := newTestServer(t, &stubDunningService{err: dunningdomain.ErrRetryNotDue})

	w := doRequest(s, http.MethodPost, "/api/invoices/100/retry", "")

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "retry_not_due")
}

func TestRetryInvoiceManualFlag(t *testing.T) {
	svc := &stubDunningService{result: dunningdomain.Success{InvoiceID: "100"}}
	s := newTestServer(t, svc)

	w := doRequest(s, http.MethodPost, "/api/invoices/100/retry", `{"manual":true}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, svc.manualCalled)
	assert.False(t, svc.executeCalled)
	assert.Contains(t, w.Body.String(), `"outcome":"recovered"`)
}

func TestCancelEndpointReturnsOutcome(t *testing.T) {
	svc := &stubDunningService{result: dunningdomain.FailedPermanent{
		SubscriptionID: "1",
		Reason:         "payment_failed",
		CancelledAt:    time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}}
	s := newTestServer(t, svc)

	w := doRequest(s, http.MethodPost, "/api/subscriptions/1/dunning/cancel", "")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"outcome":"cancelled"`)
}

func TestResetDunningInactiveIs409(t *testing.T) {
	s := newTestServer(t, &stubDunningService{err: dunningdomain.ErrSubscriptionInactive})

	w := doRequest(s, http.MethodPost, "/api/subscriptions/1/dunning/reset", "")

	require.Equal(t, http.StatusConflict, w.Code)
}

func TestParseID(t *testing.T) {
	id, err := parseID("id", " 12345 ")
	require.NoError(t, err)
	assert.EqualValues(t, 12345, id)

	_, err = parseID("id", "")
	require.Error(t, err)

	_, err = parseID("id", "abc")
	require.Error(t, err)
}
