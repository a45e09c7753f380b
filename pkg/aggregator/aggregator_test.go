package aggregator

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/dca-executor/pkg/circuitbreaker"
	"github.com/speedrun-hq/dca-executor/pkg/ledger"
	"github.com/speedrun-hq/dca-executor/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL + "/", APIKey: "secret"}, nil)
	require.NoError(t, err)
	return c
}

func TestQuote(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get(apiKeyHeader))
		assert.Equal(t, "0xin", r.URL.Query().Get("sellToken"))
		assert.Equal(t, "0xout", r.URL.Query().Get("buyToken"))
		assert.Equal(t, "1000", r.URL.Query().Get("sellAmount"))
		_, _ = io.WriteString(w, `{"quotes":[
			{"provider":"a","quoteId":"q1","amountOut":"990","route":["x","y"]},
			{"provider":"b","quoteId":"q2","amountOut":"1.5e3"},
			{"provider":"c","quoteId":"q3","amountOut":"12.5"},
			{"provider":"d","quoteId":"q4","amountOut":"0"},
			{"provider":"e","quoteId":"q5","amountOut":"lots"}
		]}`)
	})

	quotes, err := c.Quote(context.Background(), "0xin", "0xout", big.NewInt(1000))
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, "a", quotes[0].Provider)
	assert.Equal(t, int64(990), quotes[0].AmountOut.Int64())
	assert.Equal(t, int64(1000), quotes[0].AmountIn.Int64())
	assert.Equal(t, []string{"x", "y"}, quotes[0].Route)
	assert.Equal(t, int64(1500), quotes[1].AmountOut.Int64())
}

func TestQuoteRejectsNonPositiveAmount(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})
	_, err := c.Quote(context.Background(), "0xin", "0xout", big.NewInt(0))
	assert.Error(t, err)
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantIs   error
		contains string
	}{
		{name: "no route", status: http.StatusNotFound, wantIs: ErrNoRoute},
		{name: "rate limit", status: http.StatusTooManyRequests, contains: "rate limit"},
		{name: "server error", status: http.StatusBadGateway, contains: "network error"},
		{name: "bad request", status: http.StatusBadRequest, contains: "unexpected status code: 400"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.Quote(context.Background(), "0xin", "0xout", big.NewInt(1))
			require.Error(t, err)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			if tt.contains != "" {
				assert.ErrorContains(t, err, tt.contains)
			}
		})
	}
}

func TestSwap(t *testing.T) {
	tests := []struct {
		name       string
		minOut     string
		wantMinOut int64
	}{
		{name: "aggregator bound is kept", minOut: "985", wantMinOut: 985},
		{name: "loose bound is tightened", minOut: "1", wantMinOut: 940},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/swap", r.URL.Path)
				var req swapRequest
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "q1", req.QuoteID)
				assert.Equal(t, "1000", req.SellAmount)
				assert.Equal(t, "0xtaker", req.Taker)
				assert.Equal(t, uint16(50), req.SlippageBps)
				_ = json.NewEncoder(w).Encode(swapResponse{Router: "0xrouter", Data: "0x0102", MinAmountOut: tt.minOut})
			})

			quote := models.Quote{Provider: "a", QuoteID: "q1", AmountIn: big.NewInt(1000), AmountOut: big.NewInt(945)}
			call, err := c.Swap(context.Background(), quote, "0xtaker", 50)
			require.NoError(t, err)
			assert.Equal(t, "0xrouter", call.Router)
			assert.Equal(t, []byte{0x01, 0x02}, call.Data)
			assert.Equal(t, tt.wantMinOut, call.MinAmountOut.Int64())
		})
	}
}

func TestMinAmountOut(t *testing.T) {
	tests := []struct {
		out      int64
		slippage uint16
		want     int64
	}{
		{out: 10000, slippage: 50, want: 9950},
		{out: 10000, slippage: 0, want: 10000},
		{out: 999, slippage: 100, want: 989},
		{out: 10000, slippage: 20000, want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MinAmountOut(big.NewInt(tt.out), tt.slippage).Int64())
	}
	assert.Nil(t, MinAmountOut(nil, 10))
}

type stubAggregator struct {
	err   error
	calls int
}

func (s *stubAggregator) Quote(ctx context.Context, in, out string, amount *big.Int) ([]models.Quote, error) {
	s.calls++
	return nil, s.err
}

func (s *stubAggregator) Swap(ctx context.Context, quote models.Quote, taker string, slippageBps uint16) (*ledger.SwapCall, error) {
	s.calls++
	return nil, s.err
}

func TestGuarded(t *testing.T) {
	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		Enabled:       true,
		Threshold:     2,
		FailureWindow: time.Minute,
		ResetTimeout:  time.Hour,
	}, nil)

	stub := &stubAggregator{err: ErrNoRoute}
	g := NewGuarded(stub, breaker)

	for i := 0; i < 3; i++ {
		_, err := g.Quote(context.Background(), "a", "b", big.NewInt(1))
		assert.ErrorIs(t, err, ErrNoRoute)
	}
	assert.False(t, breaker.IsOpen())

	stub.err = errors.New("aggregator network error")
	_, _ = g.Quote(context.Background(), "a", "b", big.NewInt(1))
	_, _ = g.Swap(context.Background(), models.Quote{}, "t", 0)
	assert.True(t, breaker.IsOpen())

	calls := stub.calls
	_, err := g.Quote(context.Background(), "a", "b", big.NewInt(1))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, calls, stub.calls)
}
