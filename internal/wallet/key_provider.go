package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// KeyProvider signs locally with a single private key and relays raw
// transactions through a plain node. It serves deployments where no
// remote signer holds the account.
type KeyProvider struct {
	url     string
	key     *ecdsa.PrivateKey
	account common.Address
	logger  *zap.Logger

	mu      sync.RWMutex
	client  *ethclient.Client
	chainID *big.Int
	opts    *bind.TransactOpts
}

type sendArgs struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

func NewKeyProvider(url, privateKeyHex string, logger *zap.Logger) (*KeyProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyProvider{
		url:     url,
		key:     key,
		account: crypto.PubkeyToAddress(key.PublicKey),
		logger:  logger,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (p *KeyProvider) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client != nil
}

// ChainID is the chain reported at connect time, or nil when disconnected.
func (p *KeyProvider) ChainID() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.chainID
}

func (p *KeyProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return nil
	}

	cli, err := ethclient.DialContext(ctx, p.url)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return fmt.Errorf("fetch chain id: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(p.key, chainID)
	if err != nil {
		cli.Close()
		return fmt.Errorf("transactor: %w", err)
	}

	p.client = cli
	p.chainID = chainID
	p.opts = opts
	p.logger.Info("wallet connected",
		zap.String("account", p.account.Hex()),
		zap.String("chain_id", chainID.String()),
	)
	return nil
}

func (p *KeyProvider) Disconnect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	p.client.Close()
	p.client = nil
	p.chainID = nil
	p.opts = nil
	p.logger.Info("wallet disconnected")
	return nil
}

func (p *KeyProvider) ListAccounts(_ context.Context) ([]common.Address, error) {
	if !p.IsConnected() {
		return nil, ErrDisconnected
	}
	return []common.Address{p.account}, nil
}

// Send supports eth_sendTransaction only. Nonce, gas price and gas limit
// are filled in by the node.
func (p *KeyProvider) Send(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	p.mu.RLock()
	cli, base := p.client, p.opts
	p.mu.RUnlock()
	if cli == nil {
		return nil, ErrDisconnected
	}
	if method != MethodSendTransaction {
		return nil, fmt.Errorf("method %s is not supported", method)
	}
	args, err := decodeSendArgs(params)
	if err != nil {
		return nil, err
	}
	if args.From != (common.Address{}) && args.From != p.account {
		return nil, fmt.Errorf("unknown account %s", args.From.Hex())
	}

	opts := *base
	opts.Context = ctx
	contract := bind.NewBoundContract(args.To, abi.ABI{}, cli, cli, cli)
	tx, err := contract.RawTransact(&opts, args.Data)
	if err != nil {
		return nil, err
	}
	p.logger.Info("transaction sent", zap.String("tx_hash", tx.Hash().Hex()))
	return json.Marshal(tx.Hash().Hex())
}

func (p *KeyProvider) Ping(ctx context.Context) error {
	p.mu.RLock()
	cli := p.client
	p.mu.RUnlock()
	if cli == nil {
		return ErrDisconnected
	}
	_, err := cli.BlockNumber(ctx)
	return err
}

// Probe connects when needed and pings the node.
func (p *KeyProvider) Probe(ctx context.Context) error {
	if err := p.Connect(ctx); err != nil {
		return err
	}
	return p.Ping(ctx)
}

func decodeSendArgs(params []any) (sendArgs, error) {
	if len(params) != 1 {
		return sendArgs{}, fmt.Errorf("expected one transaction object, got %d params", len(params))
	}
	raw, err := json.Marshal(params[0])
	if err != nil {
		return sendArgs{}, fmt.Errorf("encode transaction: %w", err)
	}
	var args sendArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return sendArgs{}, fmt.Errorf("decode transaction: %w", err)
	}
	if args.To == (common.Address{}) {
		return sendArgs{}, fmt.Errorf("transaction has no recipient")
	}
	return args, nil
}
