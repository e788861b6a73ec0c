package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"croissant/internal/format"
	"croissant/internal/idempotency"
	"croissant/internal/session"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const idempotencyHeader = "X-Idempotency-Key"

type createSessionRequest struct {
	Kind string `json:"kind"`
}

type quoteResponse struct {
	Amount  decimal.Decimal `json:"amount"`
	DueDate time.Time       `json:"dueDate"`
	Deposit decimal.Decimal `json:"deposit"`
	Rate    float64         `json:"rate"`
	Years   float64         `json:"years"`
}

type paymentURIResponse struct {
	URI string `json:"uri"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload createSessionRequest
	if err := decodeOptional(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	kind, err := session.ParseKind(payload.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	screen, err := s.sessions.Create(kind)
	if errors.Is(err, session.ErrTooManySessions) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("create session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	s.metrics.setSessions(s.sessions.Len())

	writeJSON(w, http.StatusCreated, screen.View(r.Context()))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	screen, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, screen.View(r.Context()))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	removed, err := s.sessions.Remove(r.Context(), r.PathValue("id"))
	if !removed {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Warn("close session", zap.String("session_id", r.PathValue("id")), zap.Error(err))
	}
	s.metrics.setSessions(s.sessions.Len())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateForm(w http.ResponseWriter, r *http.Request) {
	screen, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var update session.FormUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if err := screen.Apply(update); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, screen.View(r.Context()))
}

func (s *Server) handleToggleConnection(w http.ResponseWriter, r *http.Request) {
	screen, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := screen.ToggleConnection(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "wallet connection failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, screen.View(r.Context()))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	screen, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	storeKey := idempotency.Key(screen.ID(), key)
	if key != "" {
		existing, err := s.store.Get(ctx, storeKey)
		if err != nil {
			s.logger.Warn("load replay record", zap.String("session_id", screen.ID()), zap.Error(err))
		}
		if existing != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			s.metrics.incSubmit("cached")
			return
		}
	}

	if !screen.Submit(ctx) {
		s.metrics.incSubmit("ignored")
		writeJSON(w, http.StatusConflict, struct {
			Error   string       `json:"error"`
			Session session.View `json:"session"`
		}{
			Error:   "submit ignored: not submittable or a request is in flight",
			Session: screen.View(ctx),
		})
		return
	}

	body, _ := json.Marshal(screen.View(ctx))
	if key != "" {
		now := s.now()
		record := idempotency.Record{
			StatusCode: http.StatusAccepted,
			Response:   body,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.store.Save(ctx, storeKey, record); err != nil {
			s.logger.Warn("save replay record", zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(body)
	s.metrics.incSubmit("accepted")
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	screen, ok := s.lookup(w, r)
	if !ok {
		return
	}
	screen.Dismiss()
	writeJSON(w, http.StatusOK, screen.View(r.Context()))
}

// handlePaymentQR renders the current form as an EIP-681 QR code, or as
// JSON with ?format=uri.
func (s *Server) handlePaymentQR(w http.ResponseWriter, r *http.Request) {
	screen, ok := s.lookup(w, r)
	if !ok {
		return
	}
	form := screen.Form()

	recipient := s.cfg.Deployment.RecipientAddress()
	if screen.Kind() == session.KindPay && form.Payee != "" {
		if !common.IsHexAddress(form.Payee) {
			writeError(w, http.StatusBadRequest, "payee is not an address")
			return
		}
		recipient = common.HexToAddress(form.Payee)
	}
	if !form.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	units, err := format.ToBaseUnits(form.Amount, s.decimals())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	uri := format.PaymentURI(s.cfg.Deployment.TokenAddress(), recipient, units, s.cfg.Deployment.ChainID)

	if r.URL.Query().Get("format") == "uri" {
		writeJSON(w, http.StatusOK, paymentURIResponse{URI: uri})
		return
	}

	size := 256
	if raw := r.URL.Query().Get("size"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 64 && parsed <= 1024 {
			size = parsed
		}
	}
	png, err := qrcode.Encode(uri, qrcode.Medium, size)
	if err != nil {
		s.logger.Error("encode qr", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to render qr code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// handleQuote computes a deposit quote without a session.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a number")
		return
	}

	now := s.now()
	due := now
	switch {
	case q.Get("dueDate") != "":
		due, err = parseDate(q.Get("dueDate"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "dueDate must be RFC3339 or YYYY-MM-DD")
			return
		}
	case q.Get("days") != "":
		days, err := strconv.Atoi(q.Get("days"))
		if err != nil || days < 0 {
			writeError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		due = now.AddDate(0, 0, days)
	}

	rate := s.cfg.Deployment.AnnualRate
	writeJSON(w, http.StatusOK, quoteResponse{
		Amount:  amount,
		DueDate: due,
		Deposit: format.DiscountedDeposit(amount, now, due, rate),
		Rate:    rate,
		Years:   format.YearsUntil(now, due),
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Screen, bool) {
	screen, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return screen, true
}

func (s *Server) decimals() int32 {
	if s.cfg.Deployment.Token.Decimals == 0 {
		return format.TokenDecimals
	}
	return s.cfg.Deployment.Token.Decimals
}

func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}
