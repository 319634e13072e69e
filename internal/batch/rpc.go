package batch

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// BatchCaller sends several JSON-RPC calls in one request.
type BatchCaller interface {
	BatchCallContext(ctx context.Context, elems []rpc.BatchElem) error
}

// Block holds the block fields needed to shape events.
type Block struct {
	Number    hexutil.Uint64 `json:"number"`
	Hash      common.Hash    `json:"hash"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

// Transaction holds the transaction fields needed to shape events.
type Transaction struct {
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	BlockNumber *hexutil.Big    `json:"blockNumber"`
	Value       *hexutil.Big    `json:"value"`
}

// Receipt holds the receipt fields needed to shape events.
type Receipt struct {
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockNumber     *hexutil.Big   `json:"blockNumber"`
	From            common.Address `json:"from"`
	Status          hexutil.Uint64 `json:"status"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
}

// GetBatchBlocks fetches block headers by number, returned in input order.
func GetBatchBlocks(ctx context.Context, caller BatchCaller, numbers []uint64, cfg Config) ([]*Block, error) {
	return Fetch(ctx, numbers, func(ctx context.Context, chunk []uint64) ([]*Block, error) {
		return callBatch[Block](ctx, caller, len(chunk), func(i int) (string, []interface{}, string) {
			return "eth_getBlockByNumber",
				[]interface{}{hexutil.EncodeUint64(chunk[i]), false},
				fmt.Sprintf("block %d", chunk[i])
		})
	}, cfg)
}

// GetBatchTransactions fetches transactions by hash, returned in input order.
func GetBatchTransactions(ctx context.Context, caller BatchCaller, hashes []common.Hash, cfg Config) ([]*Transaction, error) {
	return Fetch(ctx, hashes, func(ctx context.Context, chunk []common.Hash) ([]*Transaction, error) {
		return callBatch[Transaction](ctx, caller, len(chunk), func(i int) (string, []interface{}, string) {
			return "eth_getTransactionByHash", []interface{}{chunk[i]}, "transaction " + chunk[i].Hex()
		})
	}, cfg)
}

// GetBatchReceipts fetches transaction receipts by hash, returned in input order.
func GetBatchReceipts(ctx context.Context, caller BatchCaller, hashes []common.Hash, cfg Config) ([]*Receipt, error) {
	return Fetch(ctx, hashes, func(ctx context.Context, chunk []common.Hash) ([]*Receipt, error) {
		return callBatch[Receipt](ctx, caller, len(chunk), func(i int) (string, []interface{}, string) {
			return "eth_getTransactionReceipt", []interface{}{chunk[i]}, "receipt " + chunk[i].Hex()
		})
	}, cfg)
}

// callBatch issues n calls in a single batch request. A null result is
// reported as ErrNullResult so the caller retries the chunk.
func callBatch[R any](ctx context.Context, caller BatchCaller, n int, build func(i int) (method string, args []interface{}, what string)) ([]*R, error) {
	if caller == nil {
		return nil, fmt.Errorf("batch caller is nil")
	}
	out := make([]*R, n)
	elems := make([]rpc.BatchElem, n)
	names := make([]string, n)
	for i := range elems {
		method, args, what := build(i)
		names[i] = what
		elems[i] = rpc.BatchElem{Method: method, Args: args, Result: &out[i]}
	}
	if err := caller.BatchCallContext(ctx, elems); err != nil {
		return nil, err
	}
	for i, elem := range elems {
		if elem.Error != nil {
			return nil, fmt.Errorf("%s: %w", names[i], elem.Error)
		}
		if out[i] == nil {
			return nil, fmt.Errorf("%w: %s", ErrNullResult, names[i])
		}
	}
	return out, nil
}

// UniqueBlocks returns the distinct block numbers in first-seen order.
func UniqueBlocks(numbers []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(numbers))
	out := make([]uint64, 0, len(numbers))
	for _, n := range numbers {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// UniqueHashes returns the distinct hashes in first-seen order.
func UniqueHashes(hashes []common.Hash) []common.Hash {
	seen := make(map[common.Hash]struct{}, len(hashes))
	out := make([]common.Hash, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
