package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// RPCProvider talks JSON-RPC to a signer that holds unlocked accounts (a
// local node, clef, or a wallet bridge). Connect dials and probes the chain;
// signing happens on the remote side.
type RPCProvider struct {
	url    string
	logger *zap.Logger

	mu      sync.RWMutex
	client  *rpc.Client
	chainID int64
}

func NewRPCProvider(url string, logger *zap.Logger) (*RPCProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RPCProvider{url: url, logger: logger}, nil
}

func (p *RPCProvider) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client != nil
}

// ChainID is the chain reported at connect time, or 0 when disconnected.
func (p *RPCProvider) ChainID() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.chainID
}

func (p *RPCProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return nil
	}

	cli, err := rpc.DialContext(ctx, p.url)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}

	var chainID hexutil.Big
	if err := cli.CallContext(ctx, &chainID, "eth_chainId"); err != nil {
		cli.Close()
		return fmt.Errorf("fetch chain id: %w", err)
	}

	p.client = cli
	p.chainID = chainID.ToInt().Int64()
	p.logger.Info("wallet connected", zap.Int64("chain_id", p.chainID))
	return nil
}

func (p *RPCProvider) Disconnect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	p.client.Close()
	p.client = nil
	p.chainID = 0
	p.logger.Info("wallet disconnected")
	return nil
}

func (p *RPCProvider) ListAccounts(ctx context.Context) ([]common.Address, error) {
	cli, err := p.current()
	if err != nil {
		return nil, err
	}
	var accounts []common.Address
	if err := cli.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

func (p *RPCProvider) Send(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	cli, err := p.current()
	if err != nil {
		return nil, err
	}
	var result json.RawMessage
	if err := cli.CallContext(ctx, &result, method, params...); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *RPCProvider) Ping(ctx context.Context) error {
	cli, err := p.current()
	if err != nil {
		return err
	}
	var head hexutil.Uint64
	return cli.CallContext(ctx, &head, "eth_blockNumber")
}

func (p *RPCProvider) current() (*rpc.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.client == nil {
		return nil, ErrDisconnected
	}
	return p.client, nil
}

// Probe connects when needed and pings the node. It backs the health
// endpoint, which has no session of its own.
func (p *RPCProvider) Probe(ctx context.Context) error {
	if err := p.Connect(ctx); err != nil {
		return err
	}
	return p.Ping(ctx)
}
