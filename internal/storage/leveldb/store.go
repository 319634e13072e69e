package leveldb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goleveldb "github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"poolsync/internal/model"
	"poolsync/internal/storage"
)

// Store keeps event streams in LevelDB. Events live under
// ev:<stream>:<block>:<logIndex> so a prefix scan yields them in order;
// the cursor lives under cursor:<stream>.
type Store struct {
	db *goleveldb.DB
}

var _ storage.EventStore = (*Store)(nil)

// Open opens or creates a database at path. An empty path selects
// in-memory storage.
func Open(path string) (*Store, error) {
	var (
		db  *goleveldb.DB
		err error
	)
	if path == "" {
		db, err = goleveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = goleveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) LoadStream(ctx context.Context, name string) (model.EventSet, bool, error) {
	if err := checkName(name); err != nil {
		return model.EventSet{}, false, err
	}

	iter := s.db.NewIterator(util.BytesPrefix(eventPrefix(name)), nil)
	defer iter.Release()

	var records []model.EventRecord
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return model.EventSet{}, false, err
		}
		var record model.EventRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			return model.EventSet{}, false, fmt.Errorf("decode event %q: %w", iter.Key(), err)
		}
		records = append(records, record)
	}
	if err := iter.Error(); err != nil {
		return model.EventSet{}, false, fmt.Errorf("scan stream %s: %w", name, err)
	}

	cursor, hasCursor, err := s.LoadCursor(ctx, name)
	if err != nil {
		return model.EventSet{}, false, err
	}
	if len(records) == 0 && !hasCursor {
		return model.EventSet{}, false, nil
	}

	set := model.EventSet{Events: records}
	if hasCursor {
		set = set.WithCursor(cursor)
	}
	return set, true, nil
}

func (s *Store) AppendAndPersist(_ context.Context, name string, set model.EventSet) error {
	if err := checkName(name); err != nil {
		return err
	}

	batch := new(goleveldb.Batch)
	for _, record := range set.Events {
		value, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", record.Key(), err)
		}
		batch.Put(eventKey(name, record.BlockNumber, record.LogIndex), value)
	}
	if set.LastBlock != nil {
		var value [8]byte
		binary.BigEndian.PutUint64(value[:], *set.LastBlock)
		batch.Put(cursorKey(name), value[:])
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write stream %s: %w", name, err)
	}
	return nil
}

func (s *Store) LoadCursor(_ context.Context, name string) (uint64, bool, error) {
	if err := checkName(name); err != nil {
		return 0, false, err
	}
	value, err := s.db.Get(cursorKey(name), nil)
	if errors.Is(err, goleveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get cursor %s: %w", name, err)
	}
	if len(value) != 8 {
		return 0, false, fmt.Errorf("cursor %s: unexpected length %d", name, len(value))
	}
	return binary.BigEndian.Uint64(value), true, nil
}

func checkName(name string) error {
	if name == "" || strings.Contains(name, ":") {
		return fmt.Errorf("invalid stream name %q", name)
	}
	return nil
}

func eventPrefix(name string) []byte {
	return []byte("ev:" + name + ":")
}

func eventKey(name string, block, logIndex uint64) []byte {
	return []byte(fmt.Sprintf("ev:%s:%016x:%08x", name, block, logIndex))
}

func cursorKey(name string) []byte {
	return []byte("cursor:" + name)
}
