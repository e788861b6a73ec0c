package lifecycle

import (
	"context"
	"sync"
	"time"

	"croissant/internal/transfer"

	"go.uber.org/zap"
)

type State string

const (
	StateIdle     State = "idle"
	StatePending  State = "pending"
	StateResolved State = "resolved"
	StateRejected State = "rejected"
)

// Executor performs the single request a Holder tracks.
type Executor interface {
	Method() string
	Transfer(ctx context.Context, req transfer.Request) (transfer.Result, error)
}

// Snapshot is a consistent view of a Holder. Outcome and Failure are never
// both set.
type Snapshot struct {
	State        State             `json:"state"`
	Outcome      *transfer.Result  `json:"outcome,omitempty"`
	Failure      *transfer.Failure `json:"failure,omitempty"`
	ModalVisible bool              `json:"modalVisible"`
}

// Holder tracks at most one in-flight request and its outcome.
type Holder struct {
	exec     Executor
	timeout  time.Duration
	logger   *zap.Logger
	observer func(Snapshot)

	mu      sync.Mutex
	state   State
	outcome *transfer.Result
	failure *transfer.Failure
	epoch   uint64
	running bool
	closed  bool

	inflight sync.WaitGroup
}

type Option func(*Holder)

// WithTimeout bounds each execution. Zero leaves it unbounded.
func WithTimeout(d time.Duration) Option {
	return func(h *Holder) { h.timeout = d }
}

// WithObserver registers fn for every state change. fn runs with the holder
// locked and must not call back into it.
func WithObserver(fn func(Snapshot)) Option {
	return func(h *Holder) { h.observer = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Holder) { h.logger = l }
}

func New(exec Executor, opts ...Option) *Holder {
	h := &Holder{
		exec:   exec,
		state:  StateIdle,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Submit starts req unless a request is already in flight or the holder is
// closed, in which case it returns false and changes nothing. The execution
// outlives ctx cancellation.
func (h *Holder) Submit(ctx context.Context, req transfer.Request) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || h.running || h.state == StatePending {
		h.logger.Debug("submit ignored", zap.String("state", string(h.state)), zap.Bool("closed", h.closed))
		return false
	}

	h.state = StatePending
	h.outcome = nil
	h.failure = nil
	h.epoch++
	h.running = true
	h.publishLocked()

	h.inflight.Add(1)
	go h.run(context.WithoutCancel(ctx), h.epoch, req)
	return true
}

func (h *Holder) run(ctx context.Context, epoch uint64, req transfer.Request) {
	defer h.inflight.Done()

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	res, err := h.exec.Transfer(ctx, req)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false

	if h.closed || h.epoch != epoch {
		h.logger.Debug("discarding stale result", zap.Uint64("epoch", epoch))
		return
	}

	if err != nil {
		failure := transfer.NewFailure(h.exec.Method(), err)
		h.failure = &failure
		h.state = StateRejected
		h.logger.Warn("request rejected", zap.String("kind", string(failure.Kind)), zap.Error(err))
	} else {
		h.outcome = &res
		h.state = StateResolved
		h.logger.Info("request resolved", zap.String("address", res.Address))
	}
	h.publishLocked()
}

// Dismiss returns to idle and clears any outcome. A result still in flight
// is dropped when it arrives.
func (h *Holder) Dismiss() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateIdle
	h.outcome = nil
	h.failure = nil
	h.epoch++
	h.publishLocked()
}

// Close detaches the consumer: pending results are dropped and further
// submits are ignored. The in-flight call itself is not cancelled.
func (h *Holder) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

// Wait blocks until no execution is running.
func (h *Holder) Wait() {
	h.inflight.Wait()
}

func (h *Holder) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Holder) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:        h.state,
		ModalVisible: h.state != StateIdle,
	}
	if h.outcome != nil {
		out := *h.outcome
		snap.Outcome = &out
	}
	if h.failure != nil {
		f := *h.failure
		snap.Failure = &f
	}
	return snap
}

func (h *Holder) publishLocked() {
	if h.observer != nil {
		h.observer(h.snapshotLocked())
	}
}
