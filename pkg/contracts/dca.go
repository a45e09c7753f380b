package contracts

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// DCAABI is the ABI of the DCA order book contract
const DCAABI = `[
	{
		"inputs": [{"internalType": "bytes32", "name": "orderId", "type": "bytes32"}],
		"name": "getOrder",
		"outputs": [
			{"internalType": "address", "name": "owner", "type": "address"},
			{"internalType": "address", "name": "delegatee", "type": "address"},
			{"internalType": "bool", "name": "active", "type": "bool"},
			{"internalType": "uint256", "name": "remainingOrders", "type": "uint256"},
			{"internalType": "uint256", "name": "inputBalance", "type": "uint256"},
			{"internalType": "uint256", "name": "splitAllocation", "type": "uint256"},
			{"internalType": "uint256", "name": "lastExecution", "type": "uint256"},
			{"internalType": "uint256", "name": "every", "type": "uint256"},
			{"internalType": "uint8", "name": "timeScale", "type": "uint8"},
			{"internalType": "address", "name": "inputToken", "type": "address"},
			{"internalType": "address", "name": "outputToken", "type": "address"},
			{"internalType": "uint16", "name": "protocolFeeBps", "type": "uint16"},
			{"internalType": "uint16", "name": "defaultSlippageBps", "type": "uint16"},
			{"internalType": "uint16", "name": "customSlippageBps", "type": "uint16"},
			{"internalType": "uint256", "name": "executorReward", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "bytes32", "name": "orderId", "type": "bytes32"},
			{"internalType": "address", "name": "priceFeed", "type": "address"},
			{"internalType": "address", "name": "router", "type": "address"},
			{"internalType": "bytes", "name": "swapData", "type": "bytes"},
			{"internalType": "uint256", "name": "minAmountOut", "type": "uint256"}
		],
		"name": "executeOrder",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "token", "type": "address"}],
		"name": "priceFeedOf",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "bytes32", "name": "orderId", "type": "bytes32"},
			{"indexed": true, "internalType": "address", "name": "owner", "type": "address"},
			{"indexed": false, "internalType": "address", "name": "inputToken", "type": "address"},
			{"indexed": false, "internalType": "address", "name": "outputToken", "type": "address"}
		],
		"name": "OrderCreated",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "bytes32", "name": "orderId", "type": "bytes32"},
			{"indexed": true, "internalType": "address", "name": "executor", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "amountIn", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "amountOut", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "reward", "type": "uint256"}
		],
		"name": "OrderExecuted",
		"type": "event"
	},
	{"inputs": [], "name": "ENotEnoughTimePassed", "type": "error"},
	{"inputs": [], "name": "ENoRemainingOrders", "type": "error"},
	{"inputs": [], "name": "EInactive", "type": "error"},
	{"inputs": [], "name": "EUnfunded", "type": "error"},
	{
		"inputs": [
			{"internalType": "uint256", "name": "minAmountOut", "type": "uint256"},
			{"internalType": "uint256", "name": "amountOut", "type": "uint256"}
		],
		"name": "ESlippageExceeded",
		"type": "error"
	},
	{
		"inputs": [{"internalType": "address", "name": "token", "type": "address"}],
		"name": "EUnknownPriceFeed",
		"type": "error"
	}
]`

// OrderData mirrors the outputs of getOrder
type OrderData struct {
	Owner              common.Address
	Delegatee          common.Address
	Active             bool
	RemainingOrders    *big.Int
	InputBalance       *big.Int
	SplitAllocation    *big.Int
	LastExecution      *big.Int
	Every              *big.Int
	TimeScale          uint8
	InputToken         common.Address
	OutputToken        common.Address
	ProtocolFeeBps     uint16
	DefaultSlippageBps uint16
	CustomSlippageBps  uint16
	ExecutorReward     *big.Int
}

// OrderExecuted is the decoded OrderExecuted event
type OrderExecuted struct {
	OrderID   common.Hash
	Executor  common.Address
	AmountIn  *big.Int
	AmountOut *big.Int
	Reward    *big.Int
	Raw       types.Log
}

// DCA packs calls to and decodes data from the DCA contract
type DCA struct {
	abi abi.ABI
}

// NewDCA parses the contract ABI
func NewDCA() (*DCA, error) {
	parsed, err := abi.JSON(strings.NewReader(DCAABI))
	if err != nil {
		return nil, err
	}
	return &DCA{abi: parsed}, nil
}

// ABI returns the parsed contract ABI
func (d *DCA) ABI() abi.ABI {
	return d.abi
}

// OrderCreatedTopic is the topic hash of OrderCreated
func (d *DCA) OrderCreatedTopic() common.Hash {
	return d.abi.Events["OrderCreated"].ID
}

// OrderExecutedTopic is the topic hash of OrderExecuted
func (d *DCA) OrderExecutedTopic() common.Hash {
	return d.abi.Events["OrderExecuted"].ID
}

// PackGetOrder encodes a getOrder call
func (d *DCA) PackGetOrder(orderID common.Hash) ([]byte, error) {
	return d.abi.Pack("getOrder", orderID)
}

// UnpackOrder decodes the return data of getOrder
func (d *DCA) UnpackOrder(data []byte) (*OrderData, error) {
	var out OrderData
	if err := d.abi.UnpackIntoInterface(&out, "getOrder", data); err != nil {
		return nil, fmt.Errorf("failed to unpack order: %v", err)
	}
	return &out, nil
}

// PackExecuteOrder encodes an executeOrder call
func (d *DCA) PackExecuteOrder(orderID common.Hash, priceFeed, router common.Address, swapData []byte, minAmountOut *big.Int) ([]byte, error) {
	return d.abi.Pack("executeOrder", orderID, priceFeed, router, swapData, minAmountOut)
}

// PackPriceFeedOf encodes a priceFeedOf call
func (d *DCA) PackPriceFeedOf(token common.Address) ([]byte, error) {
	return d.abi.Pack("priceFeedOf", token)
}

// UnpackPriceFeedOf decodes the return data of priceFeedOf
func (d *DCA) UnpackPriceFeedOf(data []byte) (common.Address, error) {
	out, err := d.abi.Unpack("priceFeedOf", data)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("unexpected priceFeedOf output length %d", len(out))
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// ParseOrderExecuted decodes an OrderExecuted log
func (d *DCA) ParseOrderExecuted(log types.Log) (*OrderExecuted, error) {
	if len(log.Topics) < 3 || log.Topics[0] != d.OrderExecutedTopic() {
		return nil, errors.New("not an OrderExecuted log")
	}

	values, err := d.abi.Unpack("OrderExecuted", log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack OrderExecuted: %v", err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("unexpected OrderExecuted data length %d", len(values))
	}

	return &OrderExecuted{
		OrderID:   log.Topics[1],
		Executor:  common.BytesToAddress(log.Topics[2].Bytes()),
		AmountIn:  values[0].(*big.Int),
		AmountOut: values[1].(*big.Int),
		Reward:    values[2].(*big.Int),
		Raw:       log,
	}, nil
}

var revertSelector = crypto.Keccak256([]byte("Error(string)"))[:4]

// DecodeRevert turns revert data into a readable reason. Custom errors of the
// contract decode to their name, Error(string) to its message.
func (d *DCA) DecodeRevert(data []byte) (string, bool) {
	if len(data) < 4 {
		return "", false
	}
	selector := data[:4]

	for name, e := range d.abi.Errors {
		if bytes.Equal(e.ID[:4], selector) {
			args, err := e.Inputs.Unpack(data[4:])
			if err != nil || len(args) == 0 {
				return name, true
			}
			return fmt.Sprintf("%s%v", name, args), true
		}
	}

	if bytes.Equal(selector, revertSelector) {
		reason, err := abi.UnpackRevert(data)
		if err == nil {
			return reason, true
		}
	}
	return "", false
}
