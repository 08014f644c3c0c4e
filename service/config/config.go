package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brojonat/pypay/service/relay"
	"github.com/ethereum/go-ethereum/common"
)

// Defaults for the deployed factory and relay operator.
const (
	DefaultFactoryAddress  = "0x6D8913325322690F40e45b38BC039c9F76672fc0"
	DefaultOperatorAddress = "0x3d94E55a2C3Cf83226b3D056eBeBb43b4731417f"

	DefaultRelayURL          = "http://localhost:5002"
	DefaultTemporalTaskQueue = "pypay-balance-refresh"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Relay configuration
	RelayURL string

	// Ledger RPC endpoints
	EthereumRPCURL string
	ArbitrumRPCURL string

	// Contracts and accounts
	FactoryAddress  common.Address
	OperatorAddress common.Address
	HolderAddress   common.Address
	// ContractAddress is resolved through the factory when unset.
	ContractAddress common.Address
	// SignerPrivateKey enables local signing in the CLI. Never required by the server.
	SignerPrivateKey string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
	// TemporalWorkerConcurrency caps concurrent refresh activities per worker.
	TemporalWorkerConcurrency int
	MetricsAddr               string

	// Transfer timing
	AuthLeadTime   time.Duration
	PollInterval   time.Duration
	PollAttempts   int
	SettleDelay    time.Duration
	SigningTimeout time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Relay configuration
	cfg.RelayURL = getEnvOrDefault("RELAY_URL", DefaultRelayURL)

	// Ledger RPC endpoints
	cfg.EthereumRPCURL = os.Getenv("ETHEREUM_RPC_URL")
	if cfg.EthereumRPCURL == "" {
		errs = append(errs, fmt.Errorf("ETHEREUM_RPC_URL is required"))
	}
	cfg.ArbitrumRPCURL = os.Getenv("ARBITRUM_RPC_URL")
	if cfg.ArbitrumRPCURL == "" {
		errs = append(errs, fmt.Errorf("ARBITRUM_RPC_URL is required"))
	}
	if cfg.EthereumRPCURL != "" && cfg.EthereumRPCURL == cfg.ArbitrumRPCURL {
		errs = append(errs, fmt.Errorf("ETHEREUM_RPC_URL and ARBITRUM_RPC_URL must be different"))
	}

	// Contracts and accounts
	var err error
	if cfg.FactoryAddress, err = parseAddress("FACTORY_ADDRESS", DefaultFactoryAddress); err != nil {
		errs = append(errs, err)
	}
	if cfg.OperatorAddress, err = parseAddress("OPERATOR_ADDRESS", DefaultOperatorAddress); err != nil {
		errs = append(errs, err)
	}
	if os.Getenv("HOLDER_ADDRESS") == "" {
		errs = append(errs, fmt.Errorf("HOLDER_ADDRESS is required"))
	} else if cfg.HolderAddress, err = parseAddress("HOLDER_ADDRESS", ""); err != nil {
		errs = append(errs, err)
	}
	if os.Getenv("CONTRACT_ADDRESS") != "" {
		if cfg.ContractAddress, err = parseAddress("CONTRACT_ADDRESS", ""); err != nil {
			errs = append(errs, err)
		}
	}
	cfg.SignerPrivateKey = os.Getenv("SIGNER_PRIVATE_KEY")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", DefaultTemporalTaskQueue)
	if cfg.TemporalWorkerConcurrency, err = parseInt("TEMPORAL_WORKER_CONCURRENCY", 4); err != nil {
		errs = append(errs, err)
	}
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")

	// Transfer timing
	if cfg.AuthLeadTime, err = parseDuration("AUTH_LEAD_TIME", "5m"); err != nil {
		errs = append(errs, err)
	}
	if cfg.PollInterval, err = parseDuration("POLL_INTERVAL", "3s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.PollAttempts, err = parseInt("POLL_ATTEMPTS", 20); err != nil {
		errs = append(errs, err)
	}
	if cfg.SettleDelay, err = parseDuration("SETTLE_DELAY", "10s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.SigningTimeout, err = parseDuration("SIGNING_TIMEOUT", "2m"); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}
	if c.RelayURL == "" {
		errs = append(errs, fmt.Errorf("RelayURL is required"))
	}
	if c.EthereumRPCURL == "" {
		errs = append(errs, fmt.Errorf("EthereumRPCURL is required"))
	}
	if c.ArbitrumRPCURL == "" {
		errs = append(errs, fmt.Errorf("ArbitrumRPCURL is required"))
	}
	if c.HolderAddress == (common.Address{}) {
		errs = append(errs, fmt.Errorf("HolderAddress is required"))
	}
	if c.FactoryAddress == (common.Address{}) {
		errs = append(errs, fmt.Errorf("FactoryAddress is required"))
	}
	if c.OperatorAddress == (common.Address{}) {
		errs = append(errs, fmt.Errorf("OperatorAddress is required"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}
	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.TemporalWorkerConcurrency < 0 {
		errs = append(errs, fmt.Errorf("TemporalWorkerConcurrency cannot be negative"))
	}

	if c.AuthLeadTime < 5*time.Minute {
		errs = append(errs, fmt.Errorf("AuthLeadTime must be at least 5 minutes"))
	}
	// Polling may be shortened, never made more frequent or longer.
	if c.PollInterval < relay.DefaultPollInterval {
		errs = append(errs, fmt.Errorf("PollInterval must be at least %v", relay.DefaultPollInterval))
	}
	if c.PollAttempts < 1 {
		errs = append(errs, fmt.Errorf("PollAttempts must be at least 1"))
	}
	if c.PollAttempts > relay.DefaultPollAttempts {
		errs = append(errs, fmt.Errorf("PollAttempts cannot exceed %d", relay.DefaultPollAttempts))
	}
	if c.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("SettleDelay cannot be negative"))
	}
	if c.SigningTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SigningTimeout must be positive"))
	}
	if total := time.Duration(c.PollAttempts) * c.PollInterval; total >= c.AuthLeadTime {
		errs = append(errs, fmt.Errorf("poll budget (%v) must be shorter than AuthLeadTime (%v)", total, c.AuthLeadTime))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseAddress parses a hex account address from an environment variable or uses a default.
func parseAddress(key, defaultValue string) (common.Address, error) {
	value := getEnvOrDefault(key, defaultValue)
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", key, value)
	}
	return common.HexToAddress(value), nil
}
