package wallet

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// MethodSendTransaction is the only state-changing RPC the core issues.
const MethodSendTransaction = "eth_sendTransaction"

var ErrDisconnected = errors.New("wallet provider is disconnected")

// Provider abstracts the wallet session. Connection state is owned by the
// implementation and is read-only to callers.
type Provider interface {
	IsConnected() bool
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ListAccounts(ctx context.Context) ([]common.Address, error)
	Send(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// HealthChecker is implemented by providers backed by a reachable node.
// Probe connects when needed, so it works on a provider no session owns.
type HealthChecker interface {
	Probe(ctx context.Context) error
}

var (
	_ HealthChecker = (*RPCProvider)(nil)
	_ HealthChecker = (*KeyProvider)(nil)
)

// Factory builds a fresh provider for a new session.
type Factory func() (Provider, error)
