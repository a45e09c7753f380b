package chainclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/speedrun-hq/dca-executor/pkg/ledger"
)

// receiptMargin is left between the end of the receipt wait and the caller's
// deadline so a sent transaction is still reported with its hash
const receiptMargin = time.Second

// SubmitExecution simulates the execution and, unless dryRun is set, sends it
// and waits for the receipt. Reverts are reported in the result, transport
// problems as errors. When the transaction was sent but no receipt arrived the
// error comes with a result carrying the transaction id.
func (c *Client) SubmitExecution(ctx context.Context, plan ledger.ExecutionPlan, dryRun bool) (*ledger.SubmitResult, error) {
	if c.auth == nil {
		return nil, errNoSigner
	}

	data, err := c.packExecute(plan)
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{From: c.auth.From, To: &c.dcaAddress, Data: data}
	err = c.call(ctx, "eth_call", func() error {
		_, err := c.eth.CallContract(ctx, msg, nil)
		return err
	})
	if err != nil {
		if reason, ok := c.revertReason(err); ok {
			return failure("", reason), nil
		}
		return nil, fmt.Errorf("failed to simulate execution of %s: %w", plan.OrderID, err)
	}

	if dryRun {
		c.logger.Info("Dry run: execution of order %s simulated successfully", plan.OrderID)
		return &ledger.SubmitResult{Status: ledger.StatusSuccess}, nil
	}

	return c.send(ctx, plan.OrderID, data, msg)
}

func (c *Client) packExecute(plan ledger.ExecutionPlan) ([]byte, error) {
	id, err := hexutil.Decode(plan.OrderID)
	if err != nil || len(id) != common.HashLength {
		return nil, fmt.Errorf("invalid order id %q", plan.OrderID)
	}
	if !common.IsHexAddress(plan.PriceFeed) {
		return nil, fmt.Errorf("invalid price feed address %q", plan.PriceFeed)
	}
	if !common.IsHexAddress(plan.Swap.Router) {
		return nil, fmt.Errorf("invalid router address %q", plan.Swap.Router)
	}
	minOut := plan.Swap.MinAmountOut
	if minOut == nil {
		minOut = big.NewInt(0)
	}
	return c.dca.PackExecuteOrder(
		common.BytesToHash(id),
		common.HexToAddress(plan.PriceFeed),
		common.HexToAddress(plan.Swap.Router),
		plan.Swap.Data,
		minOut,
	)
}

func (c *Client) send(ctx context.Context, orderID string, data []byte, msg ethereum.CallMsg) (*ledger.SubmitResult, error) {
	gasPrice, err := c.gas.Price(ctx)
	if err != nil {
		return nil, err
	}

	nonce, err := c.nonces.GetNonce(ctx, c.eth, c.auth.From)
	if err != nil {
		return nil, err
	}

	opts := *c.auth
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.GasPrice = gasPrice

	bound := bind.NewBoundContract(c.dcaAddress, c.dca.ABI(), c.tx, c.tx, c.tx)
	var tx *types.Transaction
	err = c.call(ctx, "eth_sendRawTransaction", func() error {
		var err error
		tx, err = bound.RawTransact(&opts, data)
		return err
	})
	if err != nil {
		if isNonceError(err) {
			c.nonces.Invalidate()
		} else {
			c.nonces.Release(nonce)
		}
		return nil, fmt.Errorf("failed to send execution of %s: %w", orderID, err)
	}

	c.nonces.TrackTransaction(tx.Hash(), nonce)
	c.logger.Info("Execution of order %s sent: %s (nonce %d, gas price %s)", orderID, tx.Hash().Hex(), nonce, gasPrice)

	wait := c.cfg.ReceiptTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline) - receiptMargin; left > 0 && left < wait {
			wait = left
		}
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.tx, tx)
	if err != nil {
		c.logger.Notice("No receipt for execution of order %s in %s: %s", orderID, wait, tx.Hash().Hex())
		return &ledger.SubmitResult{TxID: tx.Hash().Hex(), Status: ledger.StatusFailure},
			fmt.Errorf("failed to wait for transaction %s: %w", tx.Hash().Hex(), err)
	}
	c.nonces.MarkConfirmed(nonce)

	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := "execution reverted"
		// replay at the mined block to learn why
		if _, err := c.eth.CallContract(ctx, msg, receipt.BlockNumber); err != nil {
			if r, ok := c.revertReason(err); ok {
				reason = r
			}
		}
		c.logger.Notice("Execution of order %s reverted in %s: %s", orderID, tx.Hash().Hex(), reason)
		return failure(tx.Hash().Hex(), reason), nil
	}

	result := &ledger.SubmitResult{TxID: tx.Hash().Hex(), Status: ledger.StatusSuccess}
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != c.dcaAddress {
			continue
		}
		if executed, err := c.dca.ParseOrderExecuted(*lg); err == nil {
			result.Events = append(result.Events, ledger.Event{
				Cursor: position{block: lg.BlockNumber, index: lg.Index}.String(),
				Type:   ledger.EventOrderExecuted,
				Fields: executedFields(executed.OrderID, executed.Executor, executed.AmountIn, executed.AmountOut, executed.Reward),
			})
		}
	}
	return result, nil
}

func failure(txID, reason string) *ledger.SubmitResult {
	return &ledger.SubmitResult{TxID: txID, Status: ledger.StatusFailure, Error: reason}
}

// revertReason extracts a readable reason from an eth_call error that carries
// revert data
func (c *Client) revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		if strings.Contains(err.Error(), "execution reverted") {
			return err.Error(), true
		}
		return "", false
	}

	var raw []byte
	switch v := dataErr.ErrorData().(type) {
	case string:
		raw, _ = hexutil.Decode(v)
	case []byte:
		raw = v
	}
	if name, ok := c.dca.DecodeRevert(raw); ok {
		return "execution reverted: " + name, true
	}
	return err.Error(), true
}

func isNonceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "replacement transaction underpriced")
}
