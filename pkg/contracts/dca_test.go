package contracts

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func abiStringArgs() abi.Arguments {
	typ, _ := abi.NewType("string", "", nil)
	return abi.Arguments{{Type: typ}}
}

func TestDecodeRevert(t *testing.T) {
	dca, err := NewDCA()
	require.NoError(t, err)

	slippage, err := dca.ABI().Errors["ESlippageExceeded"].Inputs.Pack(big.NewInt(100), big.NewInt(90))
	require.NoError(t, err)

	reasonArgs, err := abiStringArgs().Pack("paused")
	require.NoError(t, err)

	tests := []struct {
		name   string
		data   []byte
		want   string
		wantOK bool
	}{
		{
			name:   "custom error without args",
			data:   dca.ABI().Errors["ENotEnoughTimePassed"].ID.Bytes()[:4],
			want:   "ENotEnoughTimePassed",
			wantOK: true,
		},
		{
			name:   "custom error with args",
			data:   append(append([]byte{}, dca.ABI().Errors["ESlippageExceeded"].ID.Bytes()[:4]...), slippage...),
			want:   "ESlippageExceeded[100 90]",
			wantOK: true,
		},
		{
			name:   "error string",
			data:   append(append([]byte{}, revertSelector...), reasonArgs...),
			want:   "paused",
			wantOK: true,
		},
		{
			name: "too short",
			data: []byte{0x01},
		},
		{
			name: "unknown selector",
			data: []byte{0xde, 0xad, 0xbe, 0xef},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := dca.DecodeRevert(tt.data)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseOrderExecuted(t *testing.T) {
	dca, err := NewDCA()
	require.NoError(t, err)

	orderID := common.HexToHash("0x01")
	executor := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	data, err := dca.ABI().Events["OrderExecuted"].Inputs.NonIndexed().Pack(big.NewInt(1000), big.NewInt(990), big.NewInt(5))
	require.NoError(t, err)

	executed, err := dca.ParseOrderExecuted(types.Log{
		Topics: []common.Hash{dca.OrderExecutedTopic(), orderID, common.BytesToHash(executor.Bytes())},
		Data:   data,
	})
	require.NoError(t, err)
	assert.Equal(t, orderID, executed.OrderID)
	assert.Equal(t, executor, executed.Executor)
	assert.Equal(t, int64(1000), executed.AmountIn.Int64())
	assert.Equal(t, int64(990), executed.AmountOut.Int64())
	assert.Equal(t, int64(5), executed.Reward.Int64())

	_, err = dca.ParseOrderExecuted(types.Log{Topics: []common.Hash{dca.OrderCreatedTopic(), orderID, orderID}})
	assert.Error(t, err)
}

func TestOrderRoundTrip(t *testing.T) {
	dca, err := NewDCA()
	require.NoError(t, err)

	owner := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	out, err := dca.ABI().Methods["getOrder"].Outputs.Pack(
		owner, common.Address{}, true,
		big.NewInt(3), big.NewInt(300), big.NewInt(100), big.NewInt(1700000000), big.NewInt(2),
		uint8(2),
		common.HexToAddress("0x00000000000000000000000000000000000000c1"),
		common.HexToAddress("0x00000000000000000000000000000000000000c2"),
		uint16(30), uint16(50), uint16(0),
		big.NewInt(7),
	)
	require.NoError(t, err)

	order, err := dca.UnpackOrder(out)
	require.NoError(t, err)
	assert.Equal(t, owner, order.Owner)
	assert.True(t, order.Active)
	assert.Equal(t, uint8(2), order.TimeScale)
	assert.Equal(t, uint16(50), order.DefaultSlippageBps)
	assert.Equal(t, int64(7), order.ExecutorReward.Int64())
}
