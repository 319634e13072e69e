package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"poolsync/internal/model"
	"poolsync/internal/storage"
)

// Store keeps each stream in a Redis hash keyed by event identity, with the
// cursor in a plain key:
//
//	poolsync:<stream>:events  txHash-logIndex -> record JSON
//	poolsync:<stream>:cursor  last block
type Store struct {
	client *redis.Client
	prefix string
}

var _ storage.EventStore = (*Store)(nil)

func NewStore(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewStoreWithClient(rdb), nil
}

func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client, prefix: "poolsync:"}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) LoadStream(ctx context.Context, name string) (model.EventSet, bool, error) {
	values, err := s.client.HGetAll(ctx, s.eventsKey(name)).Result()
	if err != nil {
		return model.EventSet{}, false, fmt.Errorf("load stream %s: %w", name, err)
	}

	records := make([]model.EventRecord, 0, len(values))
	for field, raw := range values {
		var record model.EventRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return model.EventSet{}, false, fmt.Errorf("decode event %s: %w", field, err)
		}
		records = append(records, record)
	}

	cursor, hasCursor, err := s.LoadCursor(ctx, name)
	if err != nil {
		return model.EventSet{}, false, err
	}
	if len(records) == 0 && !hasCursor {
		return model.EventSet{}, false, nil
	}

	// hash fields come back unordered
	set := model.EventSet{Events: model.MergeEvents(records)}
	if hasCursor {
		set = set.WithCursor(cursor)
	}
	return set, true, nil
}

func (s *Store) AppendAndPersist(ctx context.Context, name string, set model.EventSet) error {
	pipe := s.client.TxPipeline()
	if len(set.Events) > 0 {
		fields := make(map[string]interface{}, len(set.Events))
		for _, record := range set.Events {
			raw, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("encode event %s: %w", record.Key(), err)
			}
			fields[record.Key().String()] = raw
		}
		pipe.HSet(ctx, s.eventsKey(name), fields)
	}
	if set.LastBlock != nil {
		pipe.Set(ctx, s.cursorKey(name), strconv.FormatUint(*set.LastBlock, 10), 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist stream %s: %w", name, err)
	}
	return nil
}

func (s *Store) LoadCursor(ctx context.Context, name string) (uint64, bool, error) {
	val, err := s.client.Get(ctx, s.cursorKey(name)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	block, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cursor %s: %w", name, err)
	}
	return block, true, nil
}

func (s *Store) eventsKey(name string) string {
	return s.prefix + name + ":events"
}

func (s *Store) cursorKey(name string) string {
	return s.prefix + name + ":cursor"
}
