package chainclient

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/speedrun-hq/dca-executor/pkg/ledger"
)

const defaultEventLimit = 100

// position orders logs within the chain
type position struct {
	block uint64
	index uint
}

func (p position) less(o position) bool {
	if p.block != o.block {
		return p.block < o.block
	}
	return p.index < o.index
}

func (p position) String() string {
	return fmt.Sprintf("%d:%d", p.block, p.index)
}

func parseCursor(s string) (position, error) {
	blockStr, indexStr, ok := strings.Cut(s, ":")
	if !ok {
		return position{}, fmt.Errorf("invalid cursor %q", s)
	}
	block, err := strconv.ParseUint(blockStr, 10, 64)
	if err != nil {
		return position{}, fmt.Errorf("invalid cursor block %q", s)
	}
	index, err := strconv.ParseUint(indexStr, 10, 32)
	if err != nil {
		return position{}, fmt.Errorf("invalid cursor index %q", s)
	}
	return position{block: block, index: uint(index)}, nil
}

// QueryEvents walks the contract's logs in windows of LogRangeSpan blocks
// until the page is full or the deployment block is reached
func (c *Client) QueryEvents(ctx context.Context, q ledger.EventQuery) (*ledger.EventPage, error) {
	topic, ok := c.topics[q.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported event type %q", q.Type)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}

	var after *position
	if q.Cursor != "" {
		p, err := parseCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		after = &p
	}

	head, err := c.latestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block: %w", err)
	}

	w := newWindows(c.cfg.StartBlock, head, c.cfg.LogRangeSpan, q.Descending, after)
	page := &ledger.EventPage{}
	for {
		from, to, ok := w.next()
		if !ok {
			return page, nil
		}

		logs, err := c.filterLogs(ctx, from, to, topic)
		if err != nil {
			return nil, err
		}
		sortLogs(logs, q.Descending)

		for _, lg := range logs {
			pos := position{block: lg.BlockNumber, index: lg.Index}
			if lg.Removed || (after != nil && !beyond(pos, *after, q.Descending)) {
				continue
			}
			page.Events = append(page.Events, c.toEvent(q.Type, lg))
			if len(page.Events) == limit {
				page.HasNext = true
				page.NextCursor = pos.String()
				return page, nil
			}
		}
	}
}

// beyond reports whether pos comes after the cursor in walk order
func beyond(pos, cursor position, descending bool) bool {
	if descending {
		return pos.less(cursor)
	}
	return cursor.less(pos)
}

func (c *Client) filterLogs(ctx context.Context, from, to uint64, topic common.Hash) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.dcaAddress},
		Topics:    [][]common.Hash{{topic}},
	}

	var logs []types.Log
	err := c.call(ctx, "eth_getLogs", func() error {
		var err error
		logs, err = c.eth.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs %d-%d: %w", from, to, err)
	}
	return logs, nil
}

func sortLogs(logs []types.Log, descending bool) {
	sort.Slice(logs, func(i, j int) bool {
		a := position{block: logs[i].BlockNumber, index: logs[i].Index}
		b := position{block: logs[j].BlockNumber, index: logs[j].Index}
		if descending {
			return b.less(a)
		}
		return a.less(b)
	})
}

func (c *Client) toEvent(typ string, lg types.Log) ledger.Event {
	ev := ledger.Event{
		Cursor: position{block: lg.BlockNumber, index: lg.Index}.String(),
		Type:   typ,
		Fields: map[string]string{},
	}

	switch typ {
	case ledger.EventOrderCreated:
		if len(lg.Topics) >= 3 {
			ev.Fields[ledger.FieldOrderID] = lg.Topics[1].Hex()
			ev.Fields[ledger.FieldOwner] = common.BytesToAddress(lg.Topics[2].Bytes()).Hex()
		}
	case ledger.EventOrderExecuted:
		if executed, err := c.dca.ParseOrderExecuted(lg); err == nil {
			ev.Fields = executedFields(executed.OrderID, executed.Executor, executed.AmountIn, executed.AmountOut, executed.Reward)
		}
	}
	return ev
}

func executedFields(orderID common.Hash, executor common.Address, amountIn, amountOut, reward *big.Int) map[string]string {
	return map[string]string{
		ledger.FieldOrderID:   orderID.Hex(),
		ledger.FieldExecutor:  executor.Hex(),
		ledger.FieldAmountIn:  amountIn.String(),
		ledger.FieldAmountOut: amountOut.String(),
		ledger.FieldReward:    reward.String(),
	}
}

// windows yields block ranges between start and head in walk order,
// beginning at the cursor's block when one is given
type windows struct {
	span       uint64
	descending bool
	// lo and hi bound the blocks not yet yielded
	lo, hi uint64
	done   bool
}

func newWindows(start, head, span uint64, descending bool, after *position) *windows {
	w := &windows{span: span, descending: descending, lo: start, hi: head}
	if after != nil {
		if descending && after.block < w.hi {
			w.hi = after.block
		}
		if !descending && after.block > w.lo {
			w.lo = after.block
		}
	}
	if w.lo > w.hi || head < start {
		w.done = true
	}
	return w
}

func (w *windows) next() (uint64, uint64, bool) {
	if w.done {
		return 0, 0, false
	}

	if w.descending {
		from := w.lo
		if w.hi-w.lo+1 > w.span {
			from = w.hi - w.span + 1
		}
		to := w.hi
		if from == w.lo {
			w.done = true
		} else {
			w.hi = from - 1
		}
		return from, to, true
	}

	to := w.hi
	if w.hi-w.lo+1 > w.span {
		to = w.lo + w.span - 1
	}
	from := w.lo
	if to == w.hi {
		w.done = true
	} else {
		w.lo = to + 1
	}
	return from, to, true
}
