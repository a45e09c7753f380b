package config

import (
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/dca-executor/pkg/logger"
	"github.com/speedrun-hq/dca-executor/pkg/pricefeed"
)

const (
	// DefaultLogRangeSpan is the number of blocks per eth_getLogs request
	DefaultLogRangeSpan = 5000

	// DefaultRPCRateLimit is the number of RPC requests per second
	DefaultRPCRateLimit = 10.0

	// DefaultMaxGasPrice defines the maximum gas price for transactions
	DefaultMaxGasPrice = "100000000000" // 100 Gwei

	// DefaultGasMultiplier is applied to the suggested gas price
	DefaultGasMultiplier = 1.1

	// DefaultGasUpdateInterval is how often the gas price is refreshed in the background
	DefaultGasUpdateInterval = 30 * time.Second

	DefaultDiscoveryPageSize  = 100
	DefaultResolveBatchSize   = 50
	DefaultResolveConcurrency = 10

	// DefaultMaxBatchSize caps how many orders one batch executes
	DefaultMaxBatchSize = 10

	DefaultConcurrency        = 1
	DefaultExecutionInterval  = 3 * time.Second
	DefaultOrderTimeout       = 30 * time.Second
	DefaultMaxRetries         = 2
	DefaultRetryBackoff       = time.Second
	DefaultBatchTimeout       = 55 * time.Second
	DefaultEstimatedOrderCost = 8 * time.Second

	DefaultAggregatorTimeout = 10 * time.Second

	// DefaultServerPort defines the default port for the HTTP server
	DefaultServerPort = "8080"

	// DefaultSchedule runs a batch every minute
	DefaultSchedule = "0 * * * * *"

	DefaultDryRun = false

	// DefaultCircuitBreakerEnabled defines whether the aggregator circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window failures are counted in
	DefaultCircuitBreakerWindow = time.Minute

	// DefaultCircuitBreakerReset defines how long the circuit stays open
	DefaultCircuitBreakerReset = 30 * time.Second

	// DefaultLogFormat is "json" or "console"
	DefaultLogFormat = "json"
)

// GetEnvAddress returns an optional Ethereum address from the environment
func GetEnvAddress(name string) (string, error) {
	value := os.Getenv(name)
	if value == "" {
		return "", nil
	}
	if !common.IsHexAddress(value) {
		return "", fmt.Errorf("invalid %s value: %s, must be a valid Ethereum address", name, value)
	}
	return value, nil
}

// GetEnvStartBlock returns the block to start scanning the order log from
func GetEnvStartBlock() (uint64, error) {
	startBlock := os.Getenv("START_BLOCK")
	if startBlock == "" {
		return 0, nil
	}
	block, err := strconv.ParseUint(startBlock, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid START_BLOCK value: %s, must be a block number", startBlock)
	}
	return block, nil
}

// GetEnvLogRangeSpan returns the block span of a single log query
func GetEnvLogRangeSpan() (uint64, error) {
	span := os.Getenv("LOG_RANGE_SPAN")
	if span == "" {
		return DefaultLogRangeSpan, nil
	}
	n, err := strconv.ParseUint(span, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid LOG_RANGE_SPAN value: %s, must be a positive integer", span)
	}
	return n, nil
}

// GetEnvRPCRateLimit returns the RPC request rate, 0 disables limiting
func GetEnvRPCRateLimit() (float64, error) {
	limit := os.Getenv("RPC_RATE_LIMIT")
	if limit == "" {
		return DefaultRPCRateLimit, nil
	}
	n, err := strconv.ParseFloat(limit, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid RPC_RATE_LIMIT value: %s, must be a number", limit)
	}
	if n < 0 {
		return 0, fmt.Errorf("RPC_RATE_LIMIT must be greater than or equal to 0")
	}
	return n, nil
}

// GetEnvMaxGasPrice returns the maximum gas price from environment variables
func GetEnvMaxGasPrice() (*big.Int, error) {
	maxGasPrice := os.Getenv("MAX_GAS_PRICE")
	if maxGasPrice == "" {
		maxGasPrice = DefaultMaxGasPrice
	}

	maxGasPriceBig := new(big.Int)
	if _, ok := maxGasPriceBig.SetString(maxGasPrice, 10); !ok {
		return nil, fmt.Errorf("invalid MAX_GAS_PRICE value: %s, must be a valid integer string", maxGasPrice)
	}
	if maxGasPriceBig.Sign() < 0 {
		return nil, fmt.Errorf("MAX_GAS_PRICE must be greater than or equal to 0")
	}
	return maxGasPriceBig, nil
}

// GetEnvGasMultiplier returns the factor applied to the suggested gas price
func GetEnvGasMultiplier() (float64, error) {
	multiplier := os.Getenv("GAS_MULTIPLIER")
	if multiplier == "" {
		return DefaultGasMultiplier, nil
	}
	m, err := strconv.ParseFloat(multiplier, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid GAS_MULTIPLIER value: %s, must be a number", multiplier)
	}
	if m < 1 {
		return 0, fmt.Errorf("GAS_MULTIPLIER must be at least 1")
	}
	return m, nil
}

// GetEnvMaxRetries returns the maximum number of retries from environment variables
func GetEnvMaxRetries() (int, error) {
	maxRetries := os.Getenv("MAX_RETRIES")
	if maxRetries == "" {
		return DefaultMaxRetries, nil
	}

	maxRetriesInt, err := strconv.Atoi(maxRetries)
	if err != nil {
		return 0, fmt.Errorf("invalid MAX_RETRIES value: %s, must be an integer", maxRetries)
	}
	if maxRetriesInt < 0 {
		return 0, fmt.Errorf("MAX_RETRIES must be greater than or equal to 0")
	}
	return maxRetriesInt, nil
}

// GetEnvAggregatorURL returns the swap aggregator base URL
func GetEnvAggregatorURL() (string, error) {
	aggregatorURL := os.Getenv("AGGREGATOR_URL")
	if aggregatorURL == "" {
		return "", nil
	}
	if _, err := url.ParseRequestURI(aggregatorURL); err != nil {
		return "", fmt.Errorf("invalid AGGREGATOR_URL value: %s, must be a valid URL", aggregatorURL)
	}
	return aggregatorURL, nil
}

// GetEnvPriceFeeds returns the static token to feed table, "token=feed,..."
func GetEnvPriceFeeds() (map[string]string, error) {
	feeds, err := pricefeed.ParseStatic(os.Getenv("PRICE_FEEDS"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRICE_FEEDS value: %w", err)
	}
	return feeds, nil
}

// GetEnvServerPort returns the HTTP server port from environment variables
func GetEnvServerPort() (string, error) {
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		return DefaultServerPort, nil
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid SERVER_PORT value: %s, must be a valid integer", port)
	}
	return port, nil
}

// GetEnvAllowedOrigins returns the comma separated CORS origins, nil meaning any
func GetEnvAllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logger.InfoLevel, fmt.Errorf("invalid LOG_LEVEL value: %w", err)
	}
	return level, nil
}

// GetEnvLogFormat returns the log output format
func GetEnvLogFormat() (string, error) {
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	switch format {
	case "":
		return DefaultLogFormat, nil
	case "json", "console":
		return format, nil
	}
	return "", fmt.Errorf("invalid LOG_FORMAT value: %s, must be 'json' or 'console'", format)
}

func getEnvPositiveInt(name string, def int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, value)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return n, nil
}

// getEnvDuration accepts a duration string like "3s" or a plain number of milliseconds
func getEnvDuration(name string, def time.Duration) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("%s must not be negative", name)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a duration or milliseconds", name, value)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return d, nil
}

func getEnvBool(name string, def bool) (bool, error) {
	value := os.Getenv(name)
	switch value {
	case "":
		return def, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, value)
}
