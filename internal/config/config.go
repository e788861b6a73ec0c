package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"croissant/internal/format"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// DeploymentConfig models deployments.json: the token being moved and where
// stake deposits go.
type DeploymentConfig struct {
	ChainID int64 `json:"chainId"`
	Token   struct {
		Symbol   string `json:"symbol"`
		Address  string `json:"address"`
		Decimals int32  `json:"decimals"`
	} `json:"token"`
	Recipient  string  `json:"recipient"`
	AnnualRate float64 `json:"annualRate"`
}

// AppConfig ties together the deployment file and environment.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Log        LogConfig
}

type ServiceConfig struct {
	HTTPPort          int
	HMACSecret        string
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
	IdempotencyDSN    string
	MaxSessions       int
	RateLimitRPS      float64
	RateLimitBurst    int
	SubmitTimeout     time.Duration
}

type ChainConfig struct {
	RPCURL string

	// PrivateKey switches sessions to a locally signing wallet.
	PrivateKey string
}

type LogConfig struct {
	Level string
	JSON  bool
}

// Mainnet DAI and the default payout address.
const (
	defaultTokenAddress = "0x6B175474E89094C44Da98b954EedeAC495271d0F"
	defaultRecipient    = "0x1C20569950B926d4aaFCa17E55F07fE9CaF32827"
	defaultAnnualRate   = 3.49

	defaultDeploymentsPath = "deployments.json"
)

// Load aggregates configuration from .env, disk and environment.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(envOr("ENV_FILE", ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	deployCfg, err := loadDeployments(envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath))
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}
	deployCfg.Token.Address = envOr("TOKEN_ADDRESS", deployCfg.Token.Address)
	deployCfg.Recipient = envOr("RECIPIENT_ADDRESS", deployCfg.Recipient)
	deployCfg.AnnualRate = envOrFloat("ANNUAL_RATE", deployCfg.AnnualRate)
	if err := deployCfg.validate(); err != nil {
		return nil, err
	}

	serviceCfg := ServiceConfig{
		HTTPPort:          envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:        envOr("HMAC_SECRET", ""),
		HMACClockSkew:     time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow: time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 300)) * time.Second,
		IdempotencyDSN:    envOr("IDEMPOTENCY_DSN", ""),
		MaxSessions:       envOrInt("MAX_SESSIONS", 1000),
		RateLimitRPS:      envOrFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:    envOrInt("RATE_LIMIT_BURST", 20),
		SubmitTimeout:     envOrDuration("SUBMIT_TIMEOUT", 0),
	}

	chainCfg := ChainConfig{
		RPCURL:     envOr("CHAIN_RPC_URL", ""),
		PrivateKey: envOr("CHAIN_PRIVATE_KEY", ""),
	}

	logCfg := LogConfig{
		Level: envOr("LOG_LEVEL", "info"),
		JSON:  envOr("STAGE", "dev") == "prod",
	}

	return &AppConfig{
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Log:        logCfg,
	}, nil
}

// TokenAddress and RecipientAddress are valid after Load.
func (d DeploymentConfig) TokenAddress() common.Address {
	return common.HexToAddress(d.Token.Address)
}

func (d DeploymentConfig) RecipientAddress() common.Address {
	return common.HexToAddress(d.Recipient)
}

func (d *DeploymentConfig) validate() error {
	if !common.IsHexAddress(d.Token.Address) {
		return fmt.Errorf("invalid token address %q", d.Token.Address)
	}
	if !common.IsHexAddress(d.Recipient) {
		return fmt.Errorf("invalid recipient address %q", d.Recipient)
	}
	if d.Token.Decimals < 0 || d.Token.Decimals > 77 {
		return fmt.Errorf("invalid token decimals %d", d.Token.Decimals)
	}
	if !format.ValidRate(d.AnnualRate) {
		return fmt.Errorf("invalid annual rate %v: must be finite and above -100", d.AnnualRate)
	}
	return nil
}

// loadDeployments reads path, falling back to mainnet DAI when the file is
// absent.
func loadDeployments(path string) (*DeploymentConfig, error) {
	cfg := defaultDeployment()
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultDeployment() *DeploymentConfig {
	cfg := &DeploymentConfig{
		ChainID:    1,
		Recipient:  defaultRecipient,
		AnnualRate: defaultAnnualRate,
	}
	cfg.Token.Symbol = "DAI"
	cfg.Token.Address = defaultTokenAddress
	cfg.Token.Decimals = 18
	return cfg
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
