package config

import (
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/speedrun-hq/dca-executor/pkg/logger"
)

// Config holds the configuration for the executor
type Config struct {
	Chain          ChainConfig
	Discovery      DiscoveryConfig
	Queue          QueueConfig
	Aggregator     AggregatorConfig
	PriceFeeds     map[string]string
	Server         ServerConfig
	Schedule       string
	DryRun         bool
	CircuitBreaker CircuitBreakerConfig
	LoggerConfig   LoggerConfig
}

// ChainConfig holds what is needed to read from and write to the chain
type ChainConfig struct {
	RPCURL              string
	PrivateKey          string
	DCAAddress          string
	FeedRegistryAddress string
	StartBlock          uint64
	LogRangeSpan        uint64
	RateLimit           float64
	MaxGasPrice         *big.Int
	GasMultiplier       float64
	GasUpdateInterval   time.Duration
}

// DiscoveryConfig tunes the scanner
type DiscoveryConfig struct {
	PageSize           int
	ResolveBatchSize   int
	ResolveConcurrency int
}

// QueueConfig holds the execution queue and batch settings
type QueueConfig struct {
	MaxBatchSize       int
	Concurrency        int
	Interval           time.Duration
	OrderTimeout       time.Duration
	MaxRetries         int
	RetryBackoff       time.Duration
	BatchTimeout       time.Duration
	EstimatedOrderCost time.Duration
}

// AggregatorConfig holds the swap aggregator endpoint
type AggregatorConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// ServerConfig holds the HTTP adapter settings
type ServerConfig struct {
	Port           string
	APIKey         string
	AllowedOrigins []string
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level  logger.Level
	Format string
}

// LoadConfig loads the configuration from the .env file, if any, and the environment
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: failed to load .env file: %v", err)
	}
	return FromEnv()
}

// FromEnv reads the configuration from environment variables only
func FromEnv() (*Config, error) {
	var (
		cfg Config
		err error
	)

	c := &cfg.Chain
	c.RPCURL = os.Getenv("RPC_URL")
	c.PrivateKey = os.Getenv("PRIVATE_KEY")
	if c.DCAAddress, err = GetEnvAddress("DCA_ADDRESS"); err != nil {
		return nil, err
	}
	if c.FeedRegistryAddress, err = GetEnvAddress("FEED_REGISTRY_ADDRESS"); err != nil {
		return nil, err
	}
	if c.StartBlock, err = GetEnvStartBlock(); err != nil {
		return nil, err
	}
	if c.LogRangeSpan, err = GetEnvLogRangeSpan(); err != nil {
		return nil, err
	}
	if c.RateLimit, err = GetEnvRPCRateLimit(); err != nil {
		return nil, err
	}
	if c.MaxGasPrice, err = GetEnvMaxGasPrice(); err != nil {
		return nil, err
	}
	if c.GasMultiplier, err = GetEnvGasMultiplier(); err != nil {
		return nil, err
	}
	if c.GasUpdateInterval, err = getEnvDuration("GAS_UPDATE_INTERVAL", DefaultGasUpdateInterval); err != nil {
		return nil, err
	}

	d := &cfg.Discovery
	if d.PageSize, err = getEnvPositiveInt("DISCOVERY_PAGE_SIZE", DefaultDiscoveryPageSize); err != nil {
		return nil, err
	}
	if d.ResolveBatchSize, err = getEnvPositiveInt("RESOLVE_BATCH_SIZE", DefaultResolveBatchSize); err != nil {
		return nil, err
	}
	if d.ResolveConcurrency, err = getEnvPositiveInt("RESOLVE_CONCURRENCY", DefaultResolveConcurrency); err != nil {
		return nil, err
	}

	q := &cfg.Queue
	if q.MaxBatchSize, err = getEnvPositiveInt("MAX_BATCH_SIZE", DefaultMaxBatchSize); err != nil {
		return nil, err
	}
	if q.Concurrency, err = getEnvPositiveInt("CONCURRENCY", DefaultConcurrency); err != nil {
		return nil, err
	}
	if q.Interval, err = getEnvDuration("EXECUTION_INTERVAL", DefaultExecutionInterval); err != nil {
		return nil, err
	}
	if q.OrderTimeout, err = getEnvDuration("ORDER_TIMEOUT", DefaultOrderTimeout); err != nil {
		return nil, err
	}
	if q.MaxRetries, err = GetEnvMaxRetries(); err != nil {
		return nil, err
	}
	if q.RetryBackoff, err = getEnvDuration("RETRY_BACKOFF", DefaultRetryBackoff); err != nil {
		return nil, err
	}
	if q.BatchTimeout, err = getEnvDuration("BATCH_TIMEOUT", DefaultBatchTimeout); err != nil {
		return nil, err
	}
	if q.EstimatedOrderCost, err = getEnvDuration("ESTIMATED_ORDER_COST", DefaultEstimatedOrderCost); err != nil {
		return nil, err
	}

	if cfg.Aggregator.URL, err = GetEnvAggregatorURL(); err != nil {
		return nil, err
	}
	cfg.Aggregator.APIKey = os.Getenv("AGGREGATOR_API_KEY")
	if cfg.Aggregator.Timeout, err = getEnvDuration("AGGREGATOR_TIMEOUT", DefaultAggregatorTimeout); err != nil {
		return nil, err
	}

	if cfg.PriceFeeds, err = GetEnvPriceFeeds(); err != nil {
		return nil, err
	}

	if cfg.Server.Port, err = GetEnvServerPort(); err != nil {
		return nil, err
	}
	cfg.Server.APIKey = os.Getenv("API_KEY")
	cfg.Server.AllowedOrigins = GetEnvAllowedOrigins()

	cfg.Schedule = os.Getenv("SCHEDULE")
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.DryRun, err = getEnvBool("DRY_RUN", DefaultDryRun); err != nil {
		return nil, err
	}

	cb := &cfg.CircuitBreaker
	if cb.Enabled, err = getEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled); err != nil {
		return nil, err
	}
	if cb.Threshold, err = getEnvPositiveInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold); err != nil {
		return nil, err
	}
	if cb.WindowDuration, err = getEnvDuration("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow); err != nil {
		return nil, err
	}
	if cb.ResetTimeout, err = getEnvDuration("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset); err != nil {
		return nil, err
	}

	if cfg.LoggerConfig.Level, err = GetEnvLogLevel(); err != nil {
		return nil, err
	}
	if cfg.LoggerConfig.Format, err = GetEnvLogFormat(); err != nil {
		return nil, err
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateConfig checks what every command needs
func validateConfig(cfg *Config) error {
	if cfg.Chain.RPCURL == "" {
		return fmt.Errorf("RPC_URL environment variable is required")
	}
	if cfg.Chain.DCAAddress == "" {
		return fmt.Errorf("DCA_ADDRESS environment variable is required")
	}
	if cfg.Queue.OrderTimeout <= 0 {
		return fmt.Errorf("ORDER_TIMEOUT must be greater than 0")
	}
	if cfg.Queue.BatchTimeout <= 0 {
		return fmt.Errorf("BATCH_TIMEOUT must be greater than 0")
	}
	if cfg.Queue.EstimatedOrderCost < time.Millisecond {
		return fmt.Errorf("ESTIMATED_ORDER_COST must be at least 1ms")
	}
	return nil
}

// ValidateExecution checks the settings only needed to execute orders
func (c *Config) ValidateExecution() error {
	if c.Chain.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY environment variable is required")
	}
	if c.Aggregator.URL == "" {
		return fmt.Errorf("AGGREGATOR_URL environment variable is required")
	}
	return nil
}
