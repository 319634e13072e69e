package storage

import (
	"context"

	"poolsync/internal/model"
)

// EventStore persists one EventSet per stream name.
type EventStore interface {
	// LoadStream returns the persisted set and whether anything was stored.
	LoadStream(ctx context.Context, name string) (model.EventSet, bool, error)
	// AppendAndPersist stores set as the new state of the stream. Events
	// already present are kept; the cursor is replaced by set.LastBlock.
	AppendAndPersist(ctx context.Context, name string, set model.EventSet) error
	// LoadCursor returns the stream's last synced block.
	LoadCursor(ctx context.Context, name string) (uint64, bool, error)
}
