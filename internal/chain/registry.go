package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const rootRegistryABIJSON = `[
  {
    "inputs": [{"internalType": "bytes32", "name": "_root", "type": "bytes32"}],
    "name": "isKnownRoot",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getLastRoot",
    "outputs": [{"internalType": "bytes32", "name": "", "type": "bytes32"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

var (
	rootRegistryABI     abi.ABI
	rootRegistryABIOnce sync.Once
	rootRegistryABIErr  error
)

func registryABI() (abi.ABI, error) {
	rootRegistryABIOnce.Do(func() {
		rootRegistryABI, rootRegistryABIErr = abi.JSON(strings.NewReader(rootRegistryABIJSON))
	})
	return rootRegistryABI, rootRegistryABIErr
}

// ContractCaller is the subset of Client used for read-only calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// RootRegistry reads root history from a pool contract.
type RootRegistry struct {
	caller  ContractCaller
	address common.Address
}

func NewRootRegistry(caller ContractCaller, address common.Address) *RootRegistry {
	return &RootRegistry{caller: caller, address: address}
}

// IsKnownRoot reports whether the contract has ever accepted root.
func (r *RootRegistry) IsKnownRoot(ctx context.Context, root [32]byte) (bool, error) {
	values, err := r.call(ctx, "isKnownRoot", root)
	if err != nil {
		return false, err
	}
	known, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("isKnownRoot: unexpected type %T", values[0])
	}
	return known, nil
}

// LastRoot returns the most recent root stored by the contract.
func (r *RootRegistry) LastRoot(ctx context.Context) ([32]byte, error) {
	values, err := r.call(ctx, "getLastRoot")
	if err != nil {
		return [32]byte{}, err
	}
	root, ok := values[0].([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("getLastRoot: unexpected type %T", values[0])
	}
	return root, nil
}

func (r *RootRegistry) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	if r.caller == nil {
		return nil, fmt.Errorf("contract caller is nil")
	}
	parsed, err := registryABI()
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := r.address
	output, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return values, nil
}
