package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"croissant/internal/config"
	"croissant/internal/hmacauth"
	"croissant/internal/idempotency"
	"croissant/internal/lifecycle"
	"croissant/internal/session"
	"croissant/internal/transfer"
	"croissant/internal/wallet"

	"go.uber.org/zap"
)

type Server struct {
	cfg         *config.AppConfig
	providers   wallet.Factory
	store       idempotency.Store
	sessions    *session.Registry
	hmac        *hmacauth.Verifier
	limiter     *rateLimiter
	httpServer  *http.Server
	handler     http.Handler
	metrics     *metricsRegistry
	logger      *zap.Logger
	now         func() time.Time
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

type Option func(*Server)

// WithRPCHealth sets the node checked by the health endpoint.
func WithRPCHealth(checker wallet.HealthChecker) Option {
	return func(s *Server) { s.rpcHealthFn = checker.Probe }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func NewServer(cfg *config.AppConfig, providers wallet.Factory, store idempotency.Store, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:       cfg,
		providers: providers,
		store:     store,
		metrics:   newMetricsRegistry(),
		logger:    logger,
		now:       time.Now,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Logger:  logger,
		},
		limiter: newRateLimiter(cfg.Service.RateLimitRPS, cfg.Service.RateLimitBurst),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hmac.Now = s.now
	s.sessions = session.NewRegistry(s.buildScreen, cfg.Service.MaxSessions)

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("PUT /api/v1/sessions/{id}/form", s.handleUpdateForm)
	mux.HandleFunc("POST /api/v1/sessions/{id}/connection", s.handleToggleConnection)
	mux.Handle("POST /api/v1/sessions/{id}/submit", s.hmac.Middleware(http.HandlerFunc(s.handleSubmit)))
	mux.HandleFunc("POST /api/v1/sessions/{id}/dismiss", s.handleDismiss)
	mux.HandleFunc("GET /api/v1/sessions/{id}/qr", s.handlePaymentQR)
	mux.HandleFunc("GET /api/v1/quote", s.handleQuote)
	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.handler = requestIDMiddleware(s.rateLimitMiddleware(mux))
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the routed handler chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then closes every session and waits
// for their in-flight transfers.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.limiter.stop()
	if cerr := s.sessions.CloseAll(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (s *Server) buildScreen(id string, kind session.Kind) (*session.Screen, error) {
	provider, err := s.providers()
	if err != nil {
		return nil, err
	}

	log := s.logger.With(zap.String("session_id", id))
	exec, err := transfer.NewExecutor(provider, transfer.Config{
		Token:     s.cfg.Deployment.TokenAddress(),
		Recipient: s.cfg.Deployment.RecipientAddress(),
		Decimals:  s.cfg.Deployment.Token.Decimals,
	}, log)
	if err != nil {
		return nil, err
	}

	holder := lifecycle.New(exec,
		lifecycle.WithTimeout(s.cfg.Service.SubmitTimeout),
		lifecycle.WithLogger(log),
		lifecycle.WithObserver(s.observeRequest),
	)

	return session.NewScreen(id, kind, provider, holder, session.Config{
		AnnualRatePercent: s.cfg.Deployment.AnnualRate,
		Now:               s.now,
		Logger:            s.logger,
	}), nil
}

func (s *Server) observeRequest(snap lifecycle.Snapshot) {
	switch snap.State {
	case lifecycle.StateResolved:
		s.metrics.incOutcome(string(snap.State), "")
	case lifecycle.StateRejected:
		kind := ""
		if snap.Failure != nil {
			kind = string(snap.Failure.Kind)
		}
		s.metrics.incOutcome(string(snap.State), kind)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status   string      `json:"status"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
		Sessions int         `json:"sessions"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
		Sessions: s.sessions.Len(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
