package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SeedConfig models seed.json.
type SeedConfig struct {
	Chain struct {
		ChainID       int64  `json:"chainId"`
		RPCURL        string `json:"rpcUrl"`
		BlockTime     int    `json:"blockTime"`
		Confirmations uint64 `json:"confirmations"`
	} `json:"chain"`
	Secrets struct {
		HMACSalt             string `json:"hmacSalt"`
		ContactEncryptionKey string `json:"contactEncryptionKey"`
		ClaimTokenSecret     string `json:"claimTokenSecret"`
		ProviderSigningKey   string `json:"providerSigningKey"`
		NotifySigningKey     string `json:"notifySigningKey"`
	} `json:"secrets"`
	Limits struct {
		MinTransferAmount string `json:"minTransferAmount"`
		MaxTransferAmount string `json:"maxTransferAmount"`
		DailyTransferCap  string `json:"dailyTransferCap"`
	} `json:"limits"`
	FundingSources map[string]struct {
		SponsorFee    string   `json:"sponsorFee"`
		PayoutMethods []string `json:"payoutMethods"`
	} `json:"fundingSources"`
	Regions struct {
		Default string              `json:"default"`
		Methods map[string][]string `json:"methods"`
	} `json:"regions"`
	Claim struct {
		OTPTTLSeconds         int    `json:"otpTtlSeconds"`
		TokenTTLSeconds       int    `json:"tokenTtlSeconds"`
		MaxAttempts           int    `json:"maxAttempts"`
		ResendCooldownSeconds int    `json:"resendCooldownSeconds"`
		TransferTTLHours      int    `json:"transferTtlHours"`
		BaseURL               string `json:"baseUrl"`
	} `json:"claim"`
	Retry struct {
		MaxAttempts       int `json:"maxAttempts"`
		InitialBackoffMs  int `json:"initialBackoffMs"`
		MaxBackoffMs      int `json:"maxBackoffMs"`
		BackoffMultiplier int `json:"backoffMultiplier"`
	} `json:"retry"`
	Timeouts struct {
		RPCTimeoutMs          int `json:"rpcTimeoutMs"`
		ProviderTimeoutMs     int `json:"providerTimeoutMs"`
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
	} `json:"timeouts"`
	Providers struct {
		Debit ProviderSeed `json:"debit"`
		Bank  ProviderSeed `json:"bank"`
	} `json:"providers"`
}

type ProviderSeed struct {
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
}

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Deployer  string `json:"deployer"`
	Treasury  string `json:"treasury"`
	Contracts struct {
		USDC       string `json:"USDC"`
		SendEscrow string `json:"SendEscrow"`
	} `json:"contracts"`
}

// AppConfig ties together seed + deployment info and derived values. It is
// built once at startup and treated as immutable afterwards.
type AppConfig struct {
	Seed       SeedConfig
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Retry      RetryConfig
	Claim      ClaimConfig
	Transfers  TransferConfig
	Secrets    SecretsConfig
}

type ServiceConfig struct {
	HTTPPort          int
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
	DatabaseURL       string
	MemcacheAddrs     []string
	SweepInterval     time.Duration
	NotifyWebhookURL  string
	DLQPath           string
	LogLevel          string
	LogDev            bool
}

type ChainConfig struct {
	ChainID       int64
	RPCURL        string
	PrivateKey    string
	Confirmations uint64
	RPCTimeout    time.Duration
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
	ProviderTimeout   time.Duration
}

type ClaimConfig struct {
	OTPTTL         time.Duration
	TokenTTL       time.Duration
	MaxAttempts    int
	ResendCooldown time.Duration
	BaseURL        string
}

type FundingSource struct {
	SponsorFee decimal.Decimal
	// PayoutMethods restricts the region's methods; empty means no restriction.
	PayoutMethods []string
}

type TransferConfig struct {
	MinAmount      decimal.Decimal
	MaxAmount      decimal.Decimal
	DailyCap       decimal.Decimal
	TTL            time.Duration
	FundingSources map[string]FundingSource
	DefaultRegion  string
	RegionMethods  map[string][]string
	Treasury       string
}

type SecretsConfig struct {
	HMACSalt             string
	ContactEncryptionKey string
	ClaimTokenSecret     string
	ProviderSigningKey   string
	NotifySigningKey     string
}

const (
	defaultSeedPath        = "seed.json"
	defaultDeploymentsPath = "deployments.json"
)

var validMethods = map[string]bool{"WALLET": true, "DEBIT": true, "BANK": true}

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	return LoadFrom(envOr("SEED_PATH", defaultSeedPath), envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath))
}

func LoadFrom(seedPath, deploymentsPath string) (*AppConfig, error) {
	seedCfg, err := loadJSON[SeedConfig](seedPath)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}
	deployCfg, err := loadJSON[DeploymentConfig](deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}
	return Build(*seedCfg, *deployCfg)
}

// Build derives typed values from the raw files plus environment overrides
// and validates them.
func Build(seedCfg SeedConfig, deployCfg DeploymentConfig) (*AppConfig, error) {
	serviceCfg := ServiceConfig{
		HTTPPort:          envOrInt("API_HTTP_PORT", 3000),
		HMACClockSkew:     time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow: time.Duration(orInt(seedCfg.Timeouts.IdempotencyWindowSecs, 86400)) * time.Second,
		DatabaseURL:       envOr("DATABASE_URL", ""),
		MemcacheAddrs:     splitList(envOr("MEMCACHE_ADDRS", "")),
		SweepInterval:     time.Duration(envOrInt("SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
		NotifyWebhookURL:  envOr("NOTIFY_WEBHOOK_URL", ""),
		DLQPath:           envOr("DLQ_PATH", filepath.Join(os.TempDir(), "claimrails-dlq")),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogDev:            envOr("LOG_DEV", "") == "1",
	}

	chainCfg := ChainConfig{
		ChainID:       seedCfg.Chain.ChainID,
		RPCURL:        envOr("CHAIN_RPC_URL", seedCfg.Chain.RPCURL),
		PrivateKey:    envOr("CHAIN_PRIVATE_KEY", ""),
		Confirmations: seedCfg.Chain.Confirmations,
		RPCTimeout:    time.Duration(orInt(seedCfg.Timeouts.RPCTimeoutMs, 10000)) * time.Millisecond,
	}

	retryCfg := RetryConfig{
		MaxAttempts:       orInt(seedCfg.Retry.MaxAttempts, 3),
		InitialBackoff:    time.Duration(orInt(seedCfg.Retry.InitialBackoffMs, 200)) * time.Millisecond,
		MaxBackoff:        time.Duration(orInt(seedCfg.Retry.MaxBackoffMs, 5000)) * time.Millisecond,
		BackoffMultiplier: orInt(seedCfg.Retry.BackoffMultiplier, 2),
		ProviderTimeout:   time.Duration(orInt(seedCfg.Timeouts.ProviderTimeoutMs, 15000)) * time.Millisecond,
	}

	claimCfg := ClaimConfig{
		OTPTTL:         time.Duration(orInt(seedCfg.Claim.OTPTTLSeconds, 600)) * time.Second,
		TokenTTL:       time.Duration(orInt(seedCfg.Claim.TokenTTLSeconds, 300)) * time.Second,
		MaxAttempts:    orInt(seedCfg.Claim.MaxAttempts, 5),
		ResendCooldown: time.Duration(orInt(seedCfg.Claim.ResendCooldownSeconds, 60)) * time.Second,
		BaseURL:        strings.TrimRight(envOr("CLAIM_BASE_URL", seedCfg.Claim.BaseURL), "/"),
	}

	secrets := SecretsConfig{
		HMACSalt:             envOr("HMAC_SALT", seedCfg.Secrets.HMACSalt),
		ContactEncryptionKey: envOr("CONTACT_ENCRYPTION_KEY", seedCfg.Secrets.ContactEncryptionKey),
		ClaimTokenSecret:     envOr("CLAIM_TOKEN_SECRET", seedCfg.Secrets.ClaimTokenSecret),
		ProviderSigningKey:   envOr("PROVIDER_SIGNING_KEY", seedCfg.Secrets.ProviderSigningKey),
		NotifySigningKey:     envOr("NOTIFY_SIGNING_KEY", seedCfg.Secrets.NotifySigningKey),
	}

	transfers, err := buildTransfers(seedCfg, deployCfg)
	if err != nil {
		return nil, err
	}

	cfg := &AppConfig{
		Seed:       seedCfg,
		Deployment: deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Retry:      retryCfg,
		Claim:      claimCfg,
		Transfers:  transfers,
		Secrets:    secrets,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildTransfers(seedCfg SeedConfig, deployCfg DeploymentConfig) (TransferConfig, error) {
	minAmt, err := parseAmount("limits.minTransferAmount", seedCfg.Limits.MinTransferAmount, "0.01")
	if err != nil {
		return TransferConfig{}, err
	}
	maxAmt, err := parseAmount("limits.maxTransferAmount", seedCfg.Limits.MaxTransferAmount, "10000")
	if err != nil {
		return TransferConfig{}, err
	}
	daily, err := parseAmount("limits.dailyTransferCap", envOr("DAILY_TRANSFER_CAP", seedCfg.Limits.DailyTransferCap), "25000")
	if err != nil {
		return TransferConfig{}, err
	}

	sources := make(map[string]FundingSource, len(seedCfg.FundingSources))
	for name, src := range seedCfg.FundingSources {
		fee, err := parseAmount("fundingSources."+name+".sponsorFee", src.SponsorFee, "0")
		if err != nil {
			return TransferConfig{}, err
		}
		sources[strings.ToUpper(name)] = FundingSource{SponsorFee: fee, PayoutMethods: upper(src.PayoutMethods)}
	}

	regions := make(map[string][]string, len(seedCfg.Regions.Methods))
	for region, methods := range seedCfg.Regions.Methods {
		regions[strings.ToUpper(region)] = upper(methods)
	}

	return TransferConfig{
		MinAmount:      minAmt,
		MaxAmount:      maxAmt,
		DailyCap:       daily,
		TTL:            time.Duration(orInt(seedCfg.Claim.TransferTTLHours, 168)) * time.Hour,
		FundingSources: sources,
		DefaultRegion:  strings.ToUpper(seedCfg.Regions.Default),
		RegionMethods:  regions,
		Treasury:       envOr("TREASURY_ADDRESS", deployCfg.Treasury),
	}, nil
}

func (c *AppConfig) validate() error {
	var errs []error
	if c.Secrets.ClaimTokenSecret == "" {
		errs = append(errs, errors.New("CLAIM_TOKEN_SECRET must be set"))
	}
	if c.Secrets.HMACSalt == "" {
		errs = append(errs, errors.New("HMAC_SALT must be set"))
	}
	if c.Claim.MaxAttempts <= 0 {
		errs = append(errs, errors.New("claim.maxAttempts must be positive"))
	}
	if c.Claim.TokenTTL >= c.Claim.OTPTTL {
		errs = append(errs, errors.New("claim.tokenTtlSeconds must be shorter than claim.otpTtlSeconds"))
	}
	if c.Transfers.MinAmount.GreaterThan(c.Transfers.MaxAmount) {
		errs = append(errs, errors.New("limits.minTransferAmount exceeds limits.maxTransferAmount"))
	}
	if len(c.Transfers.FundingSources) == 0 {
		errs = append(errs, errors.New("at least one funding source is required"))
	}
	if len(c.Transfers.RegionMethods) == 0 {
		errs = append(errs, errors.New("regions.methods must not be empty"))
	}
	if _, ok := c.Transfers.RegionMethods[c.Transfers.DefaultRegion]; !ok {
		errs = append(errs, fmt.Errorf("default region %q has no payout methods", c.Transfers.DefaultRegion))
	}
	for region, methods := range c.Transfers.RegionMethods {
		for _, m := range methods {
			if !validMethods[m] {
				errs = append(errs, fmt.Errorf("region %s: unknown payout method %q", region, m))
			}
		}
	}
	for name, src := range c.Transfers.FundingSources {
		if src.SponsorFee.IsNegative() {
			errs = append(errs, fmt.Errorf("funding source %s: sponsor fee must not be negative", name))
		}
		for _, m := range src.PayoutMethods {
			if !validMethods[m] {
				errs = append(errs, fmt.Errorf("funding source %s: unknown payout method %q", name, m))
			}
		}
	}
	if c.Claim.BaseURL == "" {
		errs = append(errs, errors.New("claim.baseUrl is required"))
	}
	return errors.Join(errs...)
}

func loadJSON[T any](path string) (*T, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg T
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseAmount(field, raw, fallback string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		raw = fallback
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

func upper(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToUpper(strings.TrimSpace(s)))
	}
	return out
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func orInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
