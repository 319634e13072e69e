package chain

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

type rootsCaller struct {
	known map[[32]byte]bool
	last  [32]byte
	calls int
}

func (c *rootsCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.calls++
	parsed, err := registryABI()
	if err != nil {
		return nil, err
	}
	if last := parsed.Methods["getLastRoot"]; bytes.Equal(msg.Data[:4], last.ID) {
		return last.Outputs.Pack(c.last)
	}
	method := parsed.Methods["isKnownRoot"]
	if !bytes.Equal(msg.Data[:4], method.ID) {
		return method.Outputs.Pack(false)
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	root := args[0].([32]byte)
	return method.Outputs.Pack(c.known[root])
}

func TestRootRegistryIsKnownRoot(t *testing.T) {
	accepted := common.HexToHash("0x1234")
	caller := &rootsCaller{known: map[[32]byte]bool{accepted: true}}
	registry := NewRootRegistry(caller, common.HexToAddress("0x910Cbd523D972eb0a6f4cAe4618aD62622b39DbF"))

	ok, err := registry.IsKnownRoot(context.Background(), accepted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected accepted root to be known")
	}

	ok, err = registry.IsKnownRoot(context.Background(), common.HexToHash("0x5678"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected unknown root to be rejected")
	}
	if caller.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", caller.calls)
	}
}

func TestRootRegistryLastRoot(t *testing.T) {
	caller := &rootsCaller{last: common.HexToHash("0x2ff9")}
	registry := NewRootRegistry(caller, common.HexToAddress("0x910Cbd523D972eb0a6f4cAe4618aD62622b39DbF"))

	last, err := registry.LastRoot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if common.Hash(last) != common.HexToHash("0x2ff9") {
		t.Fatalf("unexpected last root %x", last)
	}
}
