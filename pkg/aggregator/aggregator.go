// Package aggregator talks to the off-chain swap aggregator that prices routes
// and builds the swap calldata embedded in execution transactions.
package aggregator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/speedrun-hq/dca-executor/pkg/ledger"
	"github.com/speedrun-hq/dca-executor/pkg/logger"
	"github.com/speedrun-hq/dca-executor/pkg/metrics"
	"github.com/speedrun-hq/dca-executor/pkg/models"
)

const (
	quotePath = "/quote"
	swapPath  = "/swap"

	apiKeyHeader   = "X-API-Key"
	defaultTimeout = 10 * time.Second
)

// ErrNoRoute is returned when the aggregator has no route for a pair
var ErrNoRoute = errors.New("no route available")

// Aggregator quotes and builds swaps
type Aggregator interface {
	// Quote returns every route the aggregator offers for selling amount of in
	Quote(ctx context.Context, in, out string, amount *big.Int) ([]models.Quote, error)
	// Swap builds the calldata for a quote, with slippage applied to the minimum output
	Swap(ctx context.Context, quote models.Quote, taker string, slippageBps uint16) (*ledger.SwapCall, error)
}

// Options configures the HTTP client
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is the HTTP implementation of Aggregator
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     logger.Logger
}

var _ Aggregator = (*Client)(nil)

// New creates an aggregator client
func New(opts Options, log logger.Logger) (*Client, error) {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid aggregator url %q: %v", opts.BaseURL, err)
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  opts.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: log.With("component", "aggregator"),
	}, nil
}

type quoteResponse struct {
	Quotes []struct {
		Provider  string   `json:"provider"`
		QuoteID   string   `json:"quoteId"`
		AmountOut string   `json:"amountOut"`
		Route     []string `json:"route"`
	} `json:"quotes"`
}

type swapRequest struct {
	QuoteID     string `json:"quoteId"`
	Provider    string `json:"provider"`
	SellToken   string `json:"sellToken,omitempty"`
	BuyToken    string `json:"buyToken,omitempty"`
	SellAmount  string `json:"sellAmount"`
	Taker       string `json:"taker"`
	SlippageBps uint16 `json:"slippageBps"`
}

type swapResponse struct {
	Router       string `json:"router"`
	Data         string `json:"data"`
	MinAmountOut string `json:"minAmountOut"`
}

// Quote fetches quotes. Quotes with an unparsable or non-positive output are dropped.
func (c *Client) Quote(ctx context.Context, in, out string, amount *big.Int) ([]models.Quote, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("sell amount must be positive")
	}

	q := url.Values{}
	q.Set("sellToken", in)
	q.Set("buyToken", out)
	q.Set("sellAmount", amount.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+quotePath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp quoteResponse
	if err := c.do(req, "quote", &resp); err != nil {
		return nil, err
	}

	quotes := make([]models.Quote, 0, len(resp.Quotes))
	for _, raw := range resp.Quotes {
		amountOut, err := parseAmount(raw.AmountOut)
		if err != nil || amountOut.Sign() <= 0 {
			c.logger.Debug("Dropping quote from %s with amountOut %q", raw.Provider, raw.AmountOut)
			continue
		}
		quotes = append(quotes, models.Quote{
			Provider:  raw.Provider,
			QuoteID:   raw.QuoteID,
			AmountIn:  new(big.Int).Set(amount),
			AmountOut: amountOut,
			Route:     raw.Route,
		})
	}
	return quotes, nil
}

// Swap builds the swap calldata for quote
func (c *Client) Swap(ctx context.Context, quote models.Quote, taker string, slippageBps uint16) (*ledger.SwapCall, error) {
	if quote.AmountIn == nil {
		return nil, fmt.Errorf("quote has no input amount")
	}
	body, err := json.Marshal(swapRequest{
		QuoteID:     quote.QuoteID,
		Provider:    quote.Provider,
		SellAmount:  quote.AmountIn.String(),
		Taker:       taker,
		SlippageBps: slippageBps,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+swapPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp swapResponse
	if err := c.do(req, "swap", &resp); err != nil {
		return nil, err
	}

	data, err := hexutil.Decode(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid swap calldata: %v", err)
	}

	minOut, err := parseAmount(resp.MinAmountOut)
	if err != nil {
		return nil, fmt.Errorf("invalid minAmountOut %q: %v", resp.MinAmountOut, err)
	}
	// never accept less than the slippage bound of the quote itself
	if floor := MinAmountOut(quote.AmountOut, slippageBps); floor != nil && minOut.Cmp(floor) < 0 {
		minOut = floor
	}

	return &ledger.SwapCall{Router: resp.Router, Data: data, MinAmountOut: minOut}, nil
}

// MinAmountOut applies slippage in basis points to amountOut
func MinAmountOut(amountOut *big.Int, slippageBps uint16) *big.Int {
	if amountOut == nil {
		return nil
	}
	if slippageBps > 10000 {
		slippageBps = 10000
	}
	out := new(big.Int).Mul(amountOut, big.NewInt(int64(10000-slippageBps)))
	return out.Quo(out, big.NewInt(10000))
}

func (c *Client) do(req *http.Request, endpoint string, into interface{}) error {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.AggregatorRequests.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("aggregator %s request failed: %w", endpoint, err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)
	metrics.AggregatorRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNoRoute
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("aggregator rate limit: %s", string(bodyBytes))
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("aggregator network error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	if err := json.Unmarshal(bodyBytes, into); err != nil {
		return fmt.Errorf("failed to decode %s response: %v", endpoint, err)
	}
	return nil
}

// parseAmount accepts integer base-unit amounts, including exponent notation
func parseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if !d.IsInteger() {
		return nil, fmt.Errorf("amount %s is not an integer", s)
	}
	return d.BigInt(), nil
}
