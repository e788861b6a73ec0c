package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"croissant/internal/format"
	"croissant/internal/lifecycle"
	"croissant/internal/transfer"
	"croissant/internal/wallet"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Kind selects the screen layout.
type Kind string

const (
	// KindStake is amount + days; transfers go to the configured vault.
	KindStake Kind = "stake"
	// KindPay is amount + due date + payee.
	KindPay Kind = "pay"
)

var ErrInvalidInput = errors.New("invalid form input")

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindStake:
		return KindStake, nil
	case KindPay, "":
		return KindPay, nil
	default:
		return "", fmt.Errorf("%w: unknown screen kind %q", ErrInvalidInput, s)
	}
}

type Form struct {
	Amount  decimal.Decimal `json:"amount"`
	Days    int             `json:"days,omitempty"`
	DueDate time.Time       `json:"dueDate"`
	Payee   string          `json:"payee,omitempty"`
}

// FormUpdate carries the fields a client changed. Nil fields are kept.
type FormUpdate struct {
	Amount  *string    `json:"amount,omitempty"`
	Days    *int       `json:"days,omitempty"`
	DueDate *time.Time `json:"dueDate,omitempty"`
	Payee   *string    `json:"payee,omitempty"`
}

type View struct {
	ID        string             `json:"id"`
	Kind      Kind               `json:"kind"`
	Connected bool               `json:"connected"`
	Address   string             `json:"address"`
	Form      Form               `json:"form"`
	Quote     decimal.Decimal    `json:"quote"`
	Rate      float64            `json:"rate"`
	CanSubmit bool               `json:"canSubmit"`
	Request   lifecycle.Snapshot `json:"request"`
}

// Config carries the quote rate as configured; zero is a valid rate.
type Config struct {
	AnnualRatePercent float64
	Now               func() time.Time
	Logger            *zap.Logger
}

// Screen owns the user input of one connected client. The quote is
// recomputed on every form change.
type Screen struct {
	id       string
	kind     Kind
	provider wallet.Provider
	holder   *lifecycle.Holder
	rate     float64
	now      func() time.Time
	logger   *zap.Logger

	mu    sync.Mutex
	form  Form
	quote decimal.Decimal
}

func NewScreen(id string, kind Kind, provider wallet.Provider, holder *lifecycle.Holder, cfg Config) *Screen {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Screen{
		id:       id,
		kind:     kind,
		provider: provider,
		holder:   holder,
		rate:     cfg.AnnualRatePercent,
		now:      cfg.Now,
		logger:   cfg.Logger.With(zap.String("session_id", id), zap.String("kind", string(kind))),
	}
	s.form = Form{Amount: decimal.Zero, DueDate: s.now()}
	s.recomputeLocked()
	return s
}

func (s *Screen) ID() string { return s.id }

func (s *Screen) Kind() Kind { return s.kind }

func (s *Screen) Form() Form {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.form
}

func (s *Screen) Quote() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quote
}

// Apply validates u as a whole and then applies it.
func (s *Screen) Apply(u FormUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.form
	if u.Amount != nil {
		raw := strings.TrimSpace(*u.Amount)
		if raw == "" {
			next.Amount = decimal.Zero
		} else {
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				return fmt.Errorf("%w: amount %q is not a number", ErrInvalidInput, raw)
			}
			next.Amount = amount
		}
	}
	if u.Days != nil {
		if s.kind != KindStake {
			return fmt.Errorf("%w: days only apply to the stake screen", ErrInvalidInput)
		}
		if *u.Days < 0 {
			return fmt.Errorf("%w: days must not be negative", ErrInvalidInput)
		}
		next.Days = *u.Days
	}
	if u.DueDate != nil {
		if s.kind != KindPay {
			return fmt.Errorf("%w: due date only applies to the pay screen", ErrInvalidInput)
		}
		next.DueDate = *u.DueDate
	}
	if u.Payee != nil {
		if s.kind != KindPay {
			return fmt.Errorf("%w: payee only applies to the pay screen", ErrInvalidInput)
		}
		next.Payee = strings.TrimSpace(*u.Payee)
	}

	s.form = next
	s.recomputeLocked()
	return nil
}

func (s *Screen) recomputeLocked() {
	now := s.now()
	if s.kind == KindStake {
		s.form.DueDate = now.AddDate(0, 0, s.form.Days)
	}
	s.quote = format.DiscountedDeposit(s.form.Amount, now, s.form.DueDate, s.rate)
}

// CanSubmit reports whether the submit control is enabled.
func (s *Screen) CanSubmit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canSubmitLocked()
}

func (s *Screen) canSubmitLocked() bool {
	if !s.provider.IsConnected() {
		return false
	}
	if !s.form.Amount.IsPositive() {
		return false
	}
	if s.kind == KindPay && s.form.Payee == "" {
		return false
	}
	return true
}

// Submit hands the current form to the lifecycle holder and clears the form
// once the request is accepted. It returns false when submission is disabled
// or a request is already in flight.
func (s *Screen) Submit(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canSubmitLocked() {
		return false
	}

	req := transfer.Request{Amount: s.form.Amount}
	if s.kind == KindPay {
		req.Recipient = s.form.Payee
	}
	if !s.holder.Submit(ctx, req) {
		return false
	}

	s.logger.Info("submitted", zap.String("amount", s.form.Amount.String()))
	s.form = Form{Amount: decimal.Zero, DueDate: s.now()}
	s.recomputeLocked()
	return true
}

func (s *Screen) Dismiss() {
	s.holder.Dismiss()
}

// ToggleConnection connects a disconnected wallet and disconnects a
// connected one.
func (s *Screen) ToggleConnection(ctx context.Context) error {
	if s.provider.IsConnected() {
		return s.provider.Disconnect(ctx)
	}
	return s.provider.Connect(ctx)
}

// Address is the first wallet account, or "" when there is none.
func (s *Screen) Address(ctx context.Context) string {
	if !s.provider.IsConnected() {
		return ""
	}
	accounts, err := s.provider.ListAccounts(ctx)
	if err != nil || len(accounts) == 0 {
		return ""
	}
	return accounts[0].Hex()
}

func (s *Screen) View(ctx context.Context) View {
	address := format.TruncateAddress(s.Address(ctx))

	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		ID:        s.id,
		Kind:      s.kind,
		Connected: s.provider.IsConnected(),
		Address:   address,
		Form:      s.form,
		Quote:     s.quote,
		Rate:      s.rate,
		CanSubmit: s.canSubmitLocked(),
		Request:   s.holder.Snapshot(),
	}
}

// Wait blocks until the screen's in-flight request has finished.
func (s *Screen) Wait() {
	s.holder.Wait()
}

// Close stops accepting results and disconnects the wallet.
func (s *Screen) Close(ctx context.Context) error {
	s.holder.Close()
	return s.provider.Disconnect(ctx)
}
