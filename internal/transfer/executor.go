package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"croissant/internal/contracts"
	"croissant/internal/format"
	"croissant/internal/wallet"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config fixes the token and the default recipient of every transfer.
type Config struct {
	Token     common.Address
	Recipient common.Address
	Decimals  int32
}

// Request is one transfer. An empty Recipient sends to Config.Recipient.
type Request struct {
	Amount    decimal.Decimal
	Recipient string
}

// TxArgs is the eth_sendTransaction parameter object.
type TxArgs struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// Result is returned to the caller on success.
type Result struct {
	Method  string          `json:"method"`
	Address string          `json:"address"`
	Valid   bool            `json:"valid"`
	Result  json.RawMessage `json:"result"`
}

// TxHash decodes Result as a transaction hash string.
func (r Result) TxHash() (string, error) {
	var hash string
	if err := json.Unmarshal(r.Result, &hash); err != nil {
		return "", fmt.Errorf("decode tx hash: %w", err)
	}
	return hash, nil
}

// Failure is the presentation form of a failed transfer.
type Failure struct {
	Method string `json:"method"`
	Error  string `json:"error"`
	Kind   Kind   `json:"kind"`
}

func NewFailure(method string, err error) Failure {
	return Failure{Method: method, Error: err.Error(), Kind: KindOf(err)}
}

// Executor submits ERC-20 transfers through a wallet provider.
type Executor struct {
	provider wallet.Provider
	cfg      Config
	abi      abi.ABI
	logger   *zap.Logger
}

func NewExecutor(provider wallet.Provider, cfg Config, logger *zap.Logger) (*Executor, error) {
	if provider == nil {
		return nil, fmt.Errorf("wallet provider is required")
	}
	if cfg.Token == (common.Address{}) {
		return nil, fmt.Errorf("token address is required")
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = format.TokenDecimals
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	parsed, err := contracts.ParseERC20()
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	return &Executor{
		provider: provider,
		cfg:      cfg,
		abi:      parsed,
		logger:   logger,
	}, nil
}

// Method is the RPC method Transfer issues.
func (e *Executor) Method() string {
	return wallet.MethodSendTransaction
}

// Transfer issues exactly one eth_sendTransaction. It is never retried.
func (e *Executor) Transfer(ctx context.Context, req Request) (Result, error) {
	if !e.provider.IsConnected() {
		return Result{}, ErrNotConnected
	}

	accounts, err := e.provider.ListAccounts(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrNoAddress, err)
	}
	if len(accounts) == 0 {
		return Result{}, ErrNoAddress
	}
	from := accounts[0]

	recipient, units, err := e.validate(req)
	if err != nil {
		return Result{}, err
	}

	data, err := e.abi.Pack(contracts.TransferMethod, recipient, units)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode transfer: %w", ErrInvalidRequest, err)
	}

	tx := TxArgs{From: from, To: e.cfg.Token, Data: data}

	e.logger.Info("submitting token transfer",
		zap.String("from", from.Hex()),
		zap.String("token", e.cfg.Token.Hex()),
		zap.String("recipient", recipient.Hex()),
		zap.String("amount", req.Amount.String()),
	)

	raw, err := e.provider.Send(ctx, e.Method(), []any{tx})
	if err != nil {
		e.logger.Warn("token transfer rejected", zap.String("from", from.Hex()), zap.Error(err))
		return Result{}, fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}

	return Result{
		Method:  e.Method(),
		Address: from.Hex(),
		Valid:   true,
		Result:  raw,
	}, nil
}

func (e *Executor) validate(req Request) (common.Address, *big.Int, error) {
	recipient := e.cfg.Recipient
	if override := strings.TrimSpace(req.Recipient); override != "" {
		if !common.IsHexAddress(override) {
			return common.Address{}, nil, fmt.Errorf("%w: invalid recipient %q", ErrInvalidRequest, override)
		}
		recipient = common.HexToAddress(override)
	}
	if recipient == (common.Address{}) {
		return common.Address{}, nil, fmt.Errorf("%w: recipient required", ErrInvalidRequest)
	}

	if !req.Amount.IsPositive() {
		return common.Address{}, nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	units, err := format.ToBaseUnits(req.Amount, e.cfg.Decimals)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return recipient, units, nil
}
