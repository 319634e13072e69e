package merkle

import (
	"context"
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"poolsync/internal/model"
)

// ErrRootMismatch is returned when the contract does not know a root.
var ErrRootMismatch = errors.New("root not known by contract")

// RootChecker asks the pool contract whether it knows a root.
type RootChecker interface {
	IsKnownRoot(ctx context.Context, root [32]byte) (bool, error)
}

type lastRootReader interface {
	LastRoot(ctx context.Context) ([32]byte, error)
}

// Builder builds deposit trees with a fixed shape and hasher.
type Builder struct {
	params Params
	hasher Hasher
	logger *zap.Logger
}

func NewBuilder(params Params, hasher Hasher, logger *zap.Logger) (*Builder, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if hasher == nil {
		hasher = SyncHasher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{params: params, hasher: hasher, logger: logger}, nil
}

func (b *Builder) Params() Params { return b.params }

// Build constructs the full tree over leaves.
func (b *Builder) Build(ctx context.Context, leaves []fr.Element) (*Tree, error) {
	tree, err := b.hasher.Tree(ctx, b.params, leaves)
	if err != nil {
		return nil, err
	}
	b.logger.Info("tree built",
		zap.Int("leaves", len(leaves)),
		zap.String("root", HashOf(tree.Root()).Hex()),
	)
	return tree, nil
}

// BuildPartial extends edge with leaves without touching earlier leaves.
func (b *Builder) BuildPartial(ctx context.Context, edge Edge, leaves []fr.Element) (*PartialTree, error) {
	partial, err := b.hasher.Partial(ctx, b.params, edge, leaves)
	if err != nil {
		return nil, err
	}
	b.logger.Info("tree extended",
		zap.Uint64("from_leaf", edge.LeafCount),
		zap.Int("leaves", len(leaves)),
		zap.String("root", HashOf(partial.Root()).Hex()),
	)
	return partial, nil
}

// Verify fails with ErrRootMismatch unless checker knows root. When the
// checker also reports its latest root, the error names it.
func Verify(ctx context.Context, checker RootChecker, root fr.Element) error {
	known, err := checker.IsKnownRoot(ctx, root.Bytes())
	if err != nil {
		return fmt.Errorf("check root: %w", err)
	}
	if known {
		return nil
	}
	if reader, ok := checker.(lastRootReader); ok {
		if last, err := reader.LastRoot(ctx); err == nil {
			return fmt.Errorf("%w: %s, contract last root %s", ErrRootMismatch, HashOf(root).Hex(), common.Hash(last).Hex())
		}
	}
	return fmt.Errorf("%w: %s", ErrRootMismatch, HashOf(root).Hex())
}

// LeavesFromDeposits converts deposit commitments to leaves, starting at
// leaf index first. Each deposit must carry the next leaf index.
func LeavesFromDeposits(events []model.EventRecord, first uint64) ([]fr.Element, error) {
	leaves := make([]fr.Element, 0, len(events))
	for i, event := range events {
		deposit, ok := event.Deposit()
		if !ok {
			return nil, fmt.Errorf("event %s is %s, not a deposit", event.Key(), event.Kind())
		}
		if want := first + uint64(i); deposit.LeafIndex != want {
			return nil, fmt.Errorf("deposit %s has leaf index %d, want %d", event.Key(), deposit.LeafIndex, want)
		}
		leaf, err := ElementFromHash(deposit.Commitment)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf)
	}
	return leaves, nil
}
