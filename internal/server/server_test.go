package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"croissant/internal/config"
	"croissant/internal/format"
	"croissant/internal/hmacauth"
	"croissant/internal/idempotency"
	"croissant/internal/lifecycle"
	"croissant/internal/session"
	"croissant/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testSecret = "test-secret"
	testToken  = "0x6B175474E89094C44Da98b954EedeAC495271d0F"
	testVault  = "0x1C20569950B926d4aaFCa17E55F07fE9CaF32827"
	testPayee  = "0x00000000000000000000000000000000000000aa"
)

var testAccount = common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")

func testConfig() *config.AppConfig {
	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			HMACSecret:        testSecret,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
			MaxSessions:       10,
		},
	}
	cfg.Deployment.ChainID = 1
	cfg.Deployment.Token.Symbol = "DAI"
	cfg.Deployment.Token.Address = testToken
	cfg.Deployment.Token.Decimals = 18
	cfg.Deployment.Recipient = testVault
	cfg.Deployment.AnnualRate = 3.49
	return cfg
}

func fakeProviders() wallet.Factory {
	return func() (wallet.Provider, error) {
		return wallet.NewFakeProvider(testAccount), nil
	}
}

func newTestServer(t *testing.T, cfg *config.AppConfig, opts ...Option) *Server {
	t.Helper()
	srv := NewServer(cfg, fakeProviders(), idempotency.NewMemoryStore(), nil, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.sessions.CloseAll(ctx)
		srv.limiter.stop()
	})
	return srv
}

func do(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func signedSubmit(t *testing.T, srv *Server, id, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+id+"/submit", nil)
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	signer := &hmacauth.Verifier{Secret: testSecret}
	require.NoError(t, signer.Sign(req))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) session.View {
	t.Helper()
	var view session.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func createSession(t *testing.T, srv *Server, kind string) session.View {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/api/v1/sessions", map[string]string{"kind": kind}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeView(t, rec)
}

func TestStakeFlow(t *testing.T) {
	srv := newTestServer(t, testConfig())

	view := createSession(t, srv, "stake")
	assert.Equal(t, session.KindStake, view.Kind)
	assert.False(t, view.Connected)
	assert.Empty(t, view.Address)
	assert.False(t, view.CanSubmit)
	assert.Equal(t, lifecycle.StateIdle, view.Request.State)

	rec := do(t, srv, http.MethodPost, "/api/v1/sessions/"+view.ID+"/connection", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view = decodeView(t, rec)
	assert.True(t, view.Connected)
	assert.Equal(t, format.TruncateAddress(testAccount.Hex()), view.Address)

	rec = do(t, srv, http.MethodPut, "/api/v1/sessions/"+view.ID+"/form", map[string]any{"amount": "100", "days": 365}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view = decodeView(t, rec)
	assert.True(t, view.CanSubmit)
	assert.True(t, view.Quote.LessThan(view.Form.Amount))

	rec = signedSubmit(t, srv, view.ID, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	view = decodeView(t, rec)
	assert.True(t, view.Form.Amount.IsZero(), "stake form clears after submit")

	screen, ok := srv.sessions.Get(view.ID)
	require.True(t, ok)
	screen.Wait()

	rec = do(t, srv, http.MethodGet, "/api/v1/sessions/"+view.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view = decodeView(t, rec)
	require.Equal(t, lifecycle.StateResolved, view.Request.State)
	require.NotNil(t, view.Request.Outcome)
	assert.True(t, view.Request.ModalVisible)
	hash, err := view.Request.Outcome.TxHash()
	require.NoError(t, err)
	assert.Len(t, hash, 66)

	rec = do(t, srv, http.MethodPost, "/api/v1/sessions/"+view.ID+"/dismiss", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view = decodeView(t, rec)
	assert.Equal(t, lifecycle.StateIdle, view.Request.State)
	assert.False(t, view.Request.ModalVisible)
}

func TestSubmitIdempotentReplay(t *testing.T) {
	srv := newTestServer(t, testConfig())
	view := createSession(t, srv, "stake")
	do(t, srv, http.MethodPost, "/api/v1/sessions/"+view.ID+"/connection", nil, nil)
	do(t, srv, http.MethodPut, "/api/v1/sessions/"+view.ID+"/form", map[string]any{"amount": "5", "days": 30}, nil)

	first := signedSubmit(t, srv, view.ID, "key-1")
	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())

	second := signedSubmit(t, srv, view.ID, "key-1")
	require.Equal(t, http.StatusAccepted, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	// The form was cleared, so a fresh key is refused rather than replayed.
	third := signedSubmit(t, srv, view.ID, "key-2")
	assert.Equal(t, http.StatusConflict, third.Code)

	metrics := do(t, srv, http.MethodGet, "/api/v1/metrics", nil, nil)
	body := metrics.Body.String()
	assert.Contains(t, body, `croissant_submits_total{status="accepted"} 1`)
	assert.Contains(t, body, `croissant_submits_total{status="cached"} 1`)
	assert.Contains(t, body, `croissant_submits_total{status="ignored"} 1`)
}

func TestSubmitRequiresSignature(t *testing.T) {
	srv := newTestServer(t, testConfig())
	view := createSession(t, srv, "stake")

	rec := do(t, srv, http.MethodPost, "/api/v1/sessions/"+view.ID+"/submit", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitDisconnectedIsIgnored(t *testing.T) {
	srv := newTestServer(t, testConfig())
	view := createSession(t, srv, "stake")
	do(t, srv, http.MethodPut, "/api/v1/sessions/"+view.ID+"/form", map[string]any{"amount": "5"}, nil)

	rec := signedSubmit(t, srv, view.ID, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPayFormValidation(t *testing.T) {
	srv := newTestServer(t, testConfig())
	view := createSession(t, srv, "pay")
	assert.Equal(t, session.KindPay, view.Kind)

	rec := do(t, srv, http.MethodPut, "/api/v1/sessions/"+view.ID+"/form", map[string]any{"days": 3}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPut, "/api/v1/sessions/"+view.ID+"/form", map[string]any{"amount": "abc"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/sessions/"+view.ID+"/form", strings.NewReader("{"))
	raw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/sessions", map[string]string{"kind": "loan"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentQR(t *testing.T) {
	srv := newTestServer(t, testConfig())
	view := createSession(t, srv, "pay")

	rec := do(t, srv, http.MethodPut, "/api/v1/sessions/"+view.ID+"/form", map[string]any{
		"amount": "1.5",
		"payee":  testPayee,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/api/v1/sessions/"+view.ID+"/qr?format=uri", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var uri paymentURIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uri))
	assert.Equal(t,
		"ethereum:"+testToken+"@1/transfer?address="+common.HexToAddress(testPayee).Hex()+"&uint256=1500000000000000000",
		uri.URI)

	rec = do(t, srv, http.MethodGet, "/api/v1/sessions/"+view.ID+"/qr", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
}

func TestPaymentQRRejectsBadPayee(t *testing.T) {
	srv := newTestServer(t, testConfig())
	view := createSession(t, srv, "pay")
	do(t, srv, http.MethodPut, "/api/v1/sessions/"+view.ID+"/form", map[string]any{"amount": "1", "payee": "not-an-address"}, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/sessions/"+view.ID+"/qr?format=uri", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuote(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := newTestServer(t, testConfig(), WithClock(func() time.Time { return now }))

	tests := []struct {
		name    string
		query   string
		code    int
		deposit string
	}{
		{name: "no horizon", query: "amount=100", code: http.StatusOK, deposit: "100"},
		{name: "zero days", query: "amount=100&days=0", code: http.StatusOK, deposit: "100"},
		{name: "past date", query: "amount=100&dueDate=2023-06-01", code: http.StatusOK, deposit: "100"},
		{name: "bad amount", query: "amount=x", code: http.StatusBadRequest},
		{name: "bad days", query: "amount=1&days=-1", code: http.StatusBadRequest},
		{name: "bad date", query: "amount=1&dueDate=tomorrow", code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodGet, "/api/v1/quote?"+tt.query, nil, nil)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.code != http.StatusOK {
				return
			}
			var resp quoteResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.deposit, resp.Deposit.String())
		})
	}

	rec := do(t, srv, http.MethodGet, "/api/v1/quote?amount=100&dueDate=2025-01-01", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp quoteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Deposit.LessThan(resp.Amount))
	assert.InDelta(t, 366/365.25, resp.Years, 1e-9)
}

func TestSessionLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.Service.MaxSessions = 2
	srv := newTestServer(t, cfg)

	first := createSession(t, srv, "")
	assert.Equal(t, session.KindPay, first.Kind)
	createSession(t, srv, "stake")

	rec := do(t, srv, http.MethodPost, "/api/v1/sessions", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, srv, http.MethodDelete, "/api/v1/sessions/"+first.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/sessions/"+first.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodDelete, "/api/v1/sessions/"+first.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/sessions", nil, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestProviderFactoryFailure(t *testing.T) {
	srv := NewServer(testConfig(), func() (wallet.Provider, error) {
		return nil, errors.New("no wallet")
	}, idempotency.NewMemoryStore(), nil)
	t.Cleanup(srv.limiter.stop)

	rec := do(t, srv, http.MethodPost, "/api/v1/sessions", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type unreachableNode struct{}

func (unreachableNode) Probe(context.Context) error { return errors.New("node unreachable") }

// brokenStore fails every read, like a replay database that went away.
type brokenStore struct {
	saves int
}

func (b *brokenStore) Get(context.Context, string) (*idempotency.Record, error) {
	return nil, errors.New("connection refused")
}

func (b *brokenStore) Save(context.Context, string, idempotency.Record) error {
	b.saves++
	return nil
}

func TestSubmitLogsReplayStoreFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	store := &brokenStore{}
	srv := NewServer(testConfig(), fakeProviders(), store, zap.New(core))
	t.Cleanup(func() {
		_ = srv.sessions.CloseAll(context.Background())
		srv.limiter.stop()
	})

	view := createSession(t, srv, "stake")
	do(t, srv, http.MethodPost, "/api/v1/sessions/"+view.ID+"/connection", nil, nil)
	do(t, srv, http.MethodPut, "/api/v1/sessions/"+view.ID+"/form", map[string]any{"amount": "5", "days": 30}, nil)

	rec := signedSubmit(t, srv, view.ID, "key-1")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 1, store.saves)

	entries := logs.FilterMessage("load replay record").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "connection refused", entries[0].ContextMap()["error"])
}

func TestQuoteMatchesSessionForZeroRate(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.Deployment.AnnualRate = 0
	srv := newTestServer(t, cfg, WithClock(func() time.Time { return now }))

	rec := do(t, srv, http.MethodGet, "/api/v1/quote?amount=100&days=365", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var quote quoteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quote))

	view := createSession(t, srv, "stake")
	rec = do(t, srv, http.MethodPut, "/api/v1/sessions/"+view.ID+"/form", map[string]any{"amount": "100", "days": 365}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view = decodeView(t, rec)

	assert.Zero(t, view.Rate)
	assert.Equal(t, quote.Rate, view.Rate)
	assert.True(t, quote.Deposit.Equal(view.Quote), "quote %s, session %s", quote.Deposit, view.Quote)
}

func TestQuoteHugeDays(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := newTestServer(t, testConfig(), WithClock(func() time.Time { return now }))

	rec := do(t, srv, http.MethodGet, "/api/v1/quote?amount=100&days=200000", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp quoteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.DueDate.After(now))
	assert.Greater(t, resp.Years, 500.0)
	assert.True(t, resp.Deposit.LessThan(resp.Amount))
}

func TestPaymentQRRejectsNonPositiveAmount(t *testing.T) {
	srv := newTestServer(t, testConfig())
	view := createSession(t, srv, "pay")

	for _, amount := range []string{"0", "-3"} {
		rec := do(t, srv, http.MethodPut, "/api/v1/sessions/"+view.ID+"/form", map[string]any{"amount": amount, "payee": testPayee}, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = do(t, srv, http.MethodGet, "/api/v1/sessions/"+view.ID+"/qr?format=uri", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "amount %s", amount)
		assert.NotContains(t, rec.Body.String(), "uint256=-")
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, testConfig())
	rec := do(t, srv, http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	degraded := newTestServer(t, testConfig(), WithRPCHealth(unreachableNode{}))
	rec = do(t, degraded, http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "node unreachable")
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Service.RateLimitRPS = 0.001
	cfg.Service.RateLimitBurst = 1
	srv := newTestServer(t, cfg)

	rec := do(t, srv, http.MethodGet, "/api/v1/quote?amount=1", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/quote?amount=1", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = do(t, srv, http.MethodGet, "/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestID(t *testing.T) {
	srv := newTestServer(t, testConfig())

	rec := do(t, srv, http.MethodGet, "/api/v1/health", nil, nil)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = do(t, srv, http.MethodGet, "/api/v1/health", nil, map[string]string{requestIDHeader: "abc"})
	assert.Equal(t, "abc", rec.Header().Get(requestIDHeader))
}
