// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json", "text", "plain"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow policy
	FeePercent        string            // Platform fee charged on top of the requested amount
	ReleasePercent    string            // Seller share of gross on release
	RefundPercent     string            // Seller share of gross on a REFUNDED resolution
	ExpiryWindow      time.Duration     // Age at which PENDING trades expire
	FeeAddresses      map[string]string // Platform fee address per currency
	OnChainCurrencies []string          // Currencies settled through the signer

	// Background jobs
	SweepInterval     time.Duration
	ReconcileInterval time.Duration

	// Collaborators
	SignerURL    string // Key/signing daemon; dry-run signer when empty
	SignerToken  string
	BTCOracleURL string
	ETHRPCURL    string
	USDTContract string
	PriceAPIURL  string

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret        string // Required for dispute resolution and manual sweeps
	RateLimitPerMinute int    // Per acting user; 0 disables
	RateLimitBurst     int
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultFeePercent        = "5"
	DefaultReleasePercent    = "95"
	DefaultRefundPercent     = "50"
	DefaultExpiryWindow      = 24 * time.Hour
	DefaultSweepInterval     = time.Minute
	DefaultReconcileInterval = 10 * time.Minute
	DefaultBTCOracleURL      = "https://blockchain.info"
	DefaultPriceAPIURL       = "https://api.coingecko.com/api/v3"
	DefaultUSDTContract      = "0xdAC17F958D2ee523a2206206994597C13D831ec7" // Ethereum mainnet USDT
	DefaultBTCFeeAddress     = "bc1q8mcfyyt0hdhsqvv4ly6czz52gyak5zaayw8qa5"
	DefaultRateLimit         = 60
	DefaultRateLimitBurst    = 10
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", DefaultEnv)
	defaultFormat := "json"
	if env == "development" {
		defaultFormat = "text"
	}

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                env,
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", defaultFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		FeePercent:         getEnv("FEE_PERCENT", DefaultFeePercent),
		ReleasePercent:     getEnv("RELEASE_PERCENT", DefaultReleasePercent),
		RefundPercent:      getEnv("REFUND_PERCENT", DefaultRefundPercent),
		ExpiryWindow:       getEnvDuration("EXPIRY_WINDOW", DefaultExpiryWindow),
		FeeAddresses:       feeAddressesFromEnv(),
		OnChainCurrencies:  getEnvList("ONCHAIN_CURRENCIES", []string{"BTC"}),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		SignerURL:          os.Getenv("SIGNER_URL"),
		SignerToken:        os.Getenv("SIGNER_TOKEN"),
		BTCOracleURL:       getEnv("BTC_ORACLE_URL", DefaultBTCOracleURL),
		ETHRPCURL:          os.Getenv("ETH_RPC_URL"),
		USDTContract:       getEnv("USDT_CONTRACT", DefaultUSDTContract),
		PriceAPIURL:        getEnv("PRICE_API_URL", DefaultPriceAPIURL),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		RateLimitPerMinute: int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimit)),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"FEE_PERCENT":     c.FeePercent,
		"RELEASE_PERCENT": c.ReleasePercent,
		"REFUND_PERCENT":  c.RefundPercent,
	} {
		d, err := decimal.NewFromString(v)
		if err != nil || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("%s must be a percentage between 0 and 100", name)
		}
	}

	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must not be negative")
	}

	if c.ExpiryWindow <= 0 {
		return fmt.Errorf("EXPIRY_WINDOW must be positive")
	}

	for _, cur := range c.OnChainCurrencies {
		if c.FeeAddresses[cur] == "" {
			return fmt.Errorf("FEE_ADDRESS_%s is required for on-chain currency %s", cur, cur)
		}
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.SignerURL == "" {
			return fmt.Errorf("SIGNER_URL is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	return nil
}

// IsOnChain reports whether trades in currency settle through the signer.
func (c *Config) IsOnChain(currency string) bool {
	for _, cur := range c.OnChainCurrencies {
		if strings.EqualFold(cur, currency) {
			return true
		}
	}
	return false
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func feeAddressesFromEnv() map[string]string {
	addrs := map[string]string{"BTC": DefaultBTCFeeAddress}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(key, "FEE_ADDRESS_") {
			continue
		}
		addrs[strings.ToUpper(strings.TrimPrefix(key, "FEE_ADDRESS_"))] = value
	}
	return addrs
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare integers are seconds.
		if secs := getEnvInt64(key, -1); secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
