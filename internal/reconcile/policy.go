package reconcile

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"poolsync/internal/batch"
	"poolsync/internal/graph"
	"poolsync/internal/model"
	"poolsync/internal/storage"
)

// Stream describes one event stream of a pool deployment.
type Stream struct {
	Name            string
	Kind            model.Kind
	Addresses       []common.Address
	DeploymentBlock uint64
	// IndexerWhere narrows subgraph rows to this stream, e.g. currency and
	// amount of a pool instance.
	IndexerWhere map[string]string
}

// SnapshotSource provides a bootstrap EventSet when nothing is persisted.
type SnapshotSource interface {
	Fetch(ctx context.Context, stream string) (model.EventSet, bool, error)
}

// Indexer answers event queries from a third-party index.
type Indexer interface {
	Supports(kind model.Kind) bool
	Query(ctx context.Context, q graph.Query) (graph.Result, error)
}

// HeadSource reports the chain head.
type HeadSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Formatter turns raw logs of a stream into records.
type Formatter interface {
	Kind() model.Kind
	Topics() []common.Hash
	Format(ctx context.Context, logs []types.Log) ([]model.EventRecord, error)
}

// Policy wires the sources of one stream. Snapshot and Indexer are
// optional.
type Policy struct {
	Stream    Stream
	Store     storage.EventStore
	Snapshot  SnapshotSource
	Indexer   Indexer
	Logs      batch.LogFilterer
	Head      HeadSource
	Formatter Formatter
	// Validators run on the merged set before it is persisted. Nil selects
	// DefaultValidators for the stream kind.
	Validators []Validator
	Batch      batch.Config
	WindowSize uint64
	// DegradeFailedWindows lets a log window that failed every retry
	// contribute no events instead of failing the update. The cursor then
	// stops before that window so it is fetched again on the next sync.
	DegradeFailedWindows bool
}

func (p Policy) validate() error {
	switch {
	case p.Stream.Name == "":
		return fmt.Errorf("stream name is required")
	case p.Store == nil:
		return fmt.Errorf("stream %s: store is required", p.Stream.Name)
	case p.Logs == nil:
		return fmt.Errorf("stream %s: log source is required", p.Stream.Name)
	case p.Head == nil:
		return fmt.Errorf("stream %s: head source is required", p.Stream.Name)
	case p.Formatter == nil:
		return fmt.Errorf("stream %s: formatter is required", p.Stream.Name)
	case p.Formatter.Kind() != p.Stream.Kind:
		return fmt.Errorf("stream %s: formatter kind %s does not match %s", p.Stream.Name, p.Formatter.Kind(), p.Stream.Kind)
	}
	return nil
}

func (p Policy) validators() []Validator {
	if p.Validators != nil {
		return p.Validators
	}
	return DefaultValidators(p.Stream.Kind)
}
