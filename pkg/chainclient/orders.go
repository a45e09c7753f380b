package chainclient

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/speedrun-hq/dca-executor/pkg/ledger"
	"github.com/speedrun-hq/dca-executor/pkg/models"
)

// maxTimestamp is 9999-12-31T23:59:59Z, later execution times are malformed
const maxTimestamp = 253402300799

// GetOrder reads the current snapshot of an order, never cached
func (c *Client) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	data, err := c.packGetOrder(id)
	if err != nil {
		return nil, err
	}

	var out []byte
	err = c.call(ctx, "eth_call", func() error {
		var err error
		out, err = c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.dcaAddress, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order %s: %w", id, err)
	}
	return c.toOrder(id, out)
}

// MultiGetOrders reads many orders in one JSON-RPC batch. Per-order failures
// are reported in the results, a transport failure fails the whole call.
func (c *Client) MultiGetOrders(ctx context.Context, ids []string) ([]ledger.ObjectResult, error) {
	results := make([]ledger.ObjectResult, len(ids))
	raw := make([]hexutil.Bytes, len(ids))

	var elems []rpc.BatchElem
	var slots []int
	for i, id := range ids {
		results[i].ID = id
		data, err := c.packGetOrder(id)
		if err != nil {
			results[i].Err = err
			continue
		}
		elems = append(elems, rpc.BatchElem{
			Method: "eth_call",
			Args:   []interface{}{callArgs(c.dcaAddress, data), "latest"},
			Result: &raw[i],
		})
		slots = append(slots, i)
	}

	if len(elems) > 0 {
		err := c.call(ctx, "eth_call_batch", func() error {
			return c.batch.BatchCallContext(ctx, elems)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to batch fetch %d orders: %w", len(elems), err)
		}
	}

	for j, elem := range elems {
		i := slots[j]
		if elem.Error != nil {
			results[i].Err = elem.Error
			continue
		}
		results[i].Order, results[i].Err = c.toOrder(ids[i], raw[i])
	}
	return results, nil
}

// PriceFeedOf asks the feed registry for the feed of token. An empty string
// means the registry does not know the token.
func (c *Client) PriceFeedOf(ctx context.Context, token string) (string, error) {
	if !common.IsHexAddress(token) {
		return "", fmt.Errorf("invalid token address %q", token)
	}
	data, err := c.dca.PackPriceFeedOf(common.HexToAddress(token))
	if err != nil {
		return "", err
	}

	var out []byte
	err = c.call(ctx, "eth_call", func() error {
		var err error
		out, err = c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.feedRegistry, Data: data}, nil)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to look up price feed for %s: %w", token, err)
	}

	feed, err := c.dca.UnpackPriceFeedOf(out)
	if err != nil {
		return "", err
	}
	if feed == (common.Address{}) {
		return "", nil
	}
	return feed.Hex(), nil
}

func callArgs(to common.Address, data []byte) map[string]interface{} {
	return map[string]interface{}{
		"to":   to,
		"data": hexutil.Bytes(data),
	}
}

func (c *Client) packGetOrder(id string) ([]byte, error) {
	raw, err := hexutil.Decode(id)
	if err != nil || len(raw) != common.HashLength {
		return nil, fmt.Errorf("invalid order id %q", id)
	}
	return c.dca.PackGetOrder(common.BytesToHash(raw))
}

func (c *Client) toOrder(id string, data []byte) (*models.Order, error) {
	if len(data) == 0 {
		return nil, ledger.ErrOrderNotFound
	}
	d, err := c.dca.UnpackOrder(data)
	if err != nil {
		return nil, err
	}
	if d.Owner == (common.Address{}) {
		return nil, ledger.ErrOrderNotFound
	}

	ts := models.TimeScale(d.TimeScale)
	if !ts.Valid() {
		return nil, fmt.Errorf("order %s has unknown time scale %d", id, d.TimeScale)
	}
	for name, v := range map[string]*big.Int{"remainingOrders": d.RemainingOrders, "every": d.Every, "lastExecution": d.LastExecution} {
		if !v.IsUint64() {
			return nil, fmt.Errorf("order %s field %s out of range: %s", id, name, v)
		}
	}
	if d.LastExecution.Uint64() > maxTimestamp {
		return nil, fmt.Errorf("order %s field lastExecution out of range: %s", id, d.LastExecution)
	}

	order := &models.Order{
		ID:                 id,
		Owner:              d.Owner.Hex(),
		Active:             d.Active,
		RemainingOrders:    d.RemainingOrders.Uint64(),
		InputBalance:       d.InputBalance,
		SplitAllocation:    d.SplitAllocation,
		LastExecution:      time.Unix(int64(d.LastExecution.Uint64()), 0).UTC(),
		Every:              d.Every.Uint64(),
		TimeScale:          ts,
		InputType:          d.InputToken.Hex(),
		OutputType:         d.OutputToken.Hex(),
		ProtocolFeeBps:     d.ProtocolFeeBps,
		DefaultSlippageBps: d.DefaultSlippageBps,
		CustomSlippageBps:  d.CustomSlippageBps,
		ExecutorReward:     d.ExecutorReward,
	}
	if d.Delegatee != (common.Address{}) {
		order.Delegatee = d.Delegatee.Hex()
	}
	return order, nil
}
