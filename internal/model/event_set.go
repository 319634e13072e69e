package model

import (
	"cmp"
	"fmt"
	"slices"
)

// EventSet is the unit exchanged between event sources and consumers.
// Events are sorted by (BlockNumber, LogIndex) with unique keys.
type EventSet struct {
	Events    []EventRecord `json:"events"`
	LastBlock *uint64       `json:"last_block"`
}

// Cursor returns the last fully synchronized block.
func (s EventSet) Cursor() (uint64, bool) {
	if s.LastBlock == nil {
		return 0, false
	}
	return *s.LastBlock, true
}

// WithCursor returns a copy of the set with LastBlock set to block.
func (s EventSet) WithCursor(block uint64) EventSet {
	s.LastBlock = &block
	return s
}

// compareEvents orders events by block then log index.
func compareEvents(a, b EventRecord) int {
	if c := cmp.Compare(a.BlockNumber, b.BlockNumber); c != 0 {
		return c
	}
	return cmp.Compare(a.LogIndex, b.LogIndex)
}

// MergeEvents concatenates the sources in order, sorts them by
// (BlockNumber, LogIndex) and drops repeated keys. The earliest source wins
// when two records share a key.
func MergeEvents(sources ...[]EventRecord) []EventRecord {
	total := 0
	for _, src := range sources {
		total += len(src)
	}
	merged := make([]EventRecord, 0, total)
	for _, src := range sources {
		merged = append(merged, src...)
	}
	slices.SortStableFunc(merged, compareEvents)

	seen := make(map[EventKey]struct{}, len(merged))
	out := merged[:0]
	for _, event := range merged {
		key := event.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, event)
	}
	return out
}

// CheckOrdered verifies that events are strictly increasing by
// (BlockNumber, LogIndex) and carry unique keys.
func CheckOrdered(events []EventRecord) error {
	seen := make(map[EventKey]struct{}, len(events))
	for i, event := range events {
		if i > 0 && compareEvents(events[i-1], event) >= 0 {
			return fmt.Errorf("event %d (block %d, log %d) not after block %d, log %d",
				i, event.BlockNumber, event.LogIndex, events[i-1].BlockNumber, events[i-1].LogIndex)
		}
		key := event.Key()
		if _, ok := seen[key]; ok {
			return fmt.Errorf("duplicate event %s", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// LastEventBlock returns the block of the final event.
func LastEventBlock(events []EventRecord) (uint64, bool) {
	if len(events) == 0 {
		return 0, false
	}
	return events[len(events)-1].BlockNumber, true
}
