package chainclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/speedrun-hq/dca-executor/pkg/contracts"
	"github.com/speedrun-hq/dca-executor/pkg/ledger"
	"github.com/speedrun-hq/dca-executor/pkg/logger"
	"github.com/speedrun-hq/dca-executor/pkg/metrics"
)

const (
	DefaultLogRangeSpan   = 5000
	DefaultGasMultiplier  = 1.1
	DefaultReceiptTimeout = 30 * time.Second
)

// Config holds what the client needs to reach the chain
type Config struct {
	RPCURL              string
	PrivateKey          string
	DCAAddress          string
	FeedRegistryAddress string
	// StartBlock is the block the DCA contract was deployed at
	StartBlock   uint64
	LogRangeSpan uint64
	// RateLimit is the number of RPC requests per second, 0 disables limiting
	RateLimit      float64
	MaxGasPrice    *big.Int
	GasMultiplier  float64
	ReceiptTimeout time.Duration
}

// backend is the subset of ethclient used for reads
type backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

type batchCaller interface {
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

type transactor interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Client is the EVM implementation of ledger.Ledger
type Client struct {
	cfg          Config
	eth          backend
	batch        batchCaller
	tx           transactor
	dca          *contracts.DCA
	dcaAddress   common.Address
	feedRegistry common.Address
	auth         *bind.TransactOpts
	limiter      *rate.Limiter
	nonces       *NonceManager
	gas          *GasOracle
	logger       logger.Logger
	topics       map[string]common.Hash
}

var _ ledger.Ledger = (*Client)(nil)

// New dials the RPC endpoint and prepares the signer
func New(ctx context.Context, cfg Config, log logger.Logger) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to client: %v", err)
	}
	eth := ethclient.NewClient(rpcClient)

	c, err := newClient(cfg, eth, rpcClient, eth, log)
	if err != nil {
		return nil, err
	}

	if cfg.PrivateKey != "" {
		auth, err := createAuthenticator(ctx, eth, cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create authenticator: %v", err)
		}
		c.auth = auth
	}
	return c, nil
}

func newClient(cfg Config, eth backend, batch batchCaller, tx transactor, log logger.Logger) (*Client, error) {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if !common.IsHexAddress(cfg.DCAAddress) {
		return nil, fmt.Errorf("invalid DCA contract address: %q", cfg.DCAAddress)
	}
	if cfg.LogRangeSpan == 0 {
		cfg.LogRangeSpan = DefaultLogRangeSpan
	}
	if cfg.GasMultiplier <= 0 {
		cfg.GasMultiplier = DefaultGasMultiplier
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}

	dca, err := contracts.NewDCA()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize contract: %v", err)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	registry := common.HexToAddress(cfg.DCAAddress)
	if common.IsHexAddress(cfg.FeedRegistryAddress) {
		registry = common.HexToAddress(cfg.FeedRegistryAddress)
	}

	c := &Client{
		cfg:          cfg,
		eth:          eth,
		batch:        batch,
		tx:           tx,
		dca:          dca,
		dcaAddress:   common.HexToAddress(cfg.DCAAddress),
		feedRegistry: registry,
		limiter:      rate.NewLimiter(limit, 1),
		nonces:       NewNonceManager(log),
		logger:       log.With("component", "chainclient"),
		topics: map[string]common.Hash{
			ledger.EventOrderCreated:  dca.OrderCreatedTopic(),
			ledger.EventOrderExecuted: dca.OrderExecutedTopic(),
		},
	}
	c.gas = NewGasOracle(eth, cfg.GasMultiplier, cfg.MaxGasPrice, c.logger)
	return c, nil
}

// Helper function to create authenticator
func createAuthenticator(ctx context.Context, client *ethclient.Client, privateKeyHex string) (*bind.TransactOpts, error) {
	privateKey, err := crypto.HexToECDSA(trimHexPrefix(privateKeyHex))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %v", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %v", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(privateKey, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %v", err)
	}
	return auth, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Executor returns the address execution transactions are sent from
func (c *Client) Executor() string {
	if c.auth == nil {
		return ""
	}
	return c.auth.From.Hex()
}

// Gas returns the gas price oracle
func (c *Client) Gas() *GasOracle {
	return c.gas
}

// Ping checks that the RPC endpoint answers
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.latestBlock(ctx)
	return err
}

// call runs fn after waiting for the rate limiter and records it
func (c *Client) call(ctx context.Context, method string, fn func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	metrics.RPCRequests.WithLabelValues(method).Inc()
	if err := fn(); err != nil {
		metrics.RPCErrors.WithLabelValues(method).Inc()
		return err
	}
	return nil
}

func (c *Client) latestBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.call(ctx, "eth_blockNumber", func() error {
		var err error
		head, err = c.eth.BlockNumber(ctx)
		return err
	})
	return head, err
}

var errNoSigner = errors.New("no signing key configured")
