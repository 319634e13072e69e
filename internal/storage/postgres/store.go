package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"poolsync/internal/model"
	"poolsync/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS stream_events (
	stream       TEXT    NOT NULL,
	tx_hash      TEXT    NOT NULL,
	log_index    BIGINT  NOT NULL,
	block_number BIGINT  NOT NULL,
	kind         TEXT    NOT NULL,
	record       JSONB   NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (stream, tx_hash, log_index)
);
CREATE INDEX IF NOT EXISTS stream_events_order ON stream_events (stream, block_number, log_index);
CREATE TABLE IF NOT EXISTS stream_state (
	name       TEXT        PRIMARY KEY,
	last_block BIGINT      NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store provides Postgres persistence for event streams.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.EventStore = (*Store)(nil)

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the event and state tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) LoadStream(ctx context.Context, name string) (model.EventSet, bool, error) {
	if name == "" {
		return model.EventSet{}, false, fmt.Errorf("stream name required")
	}
	rows, err := s.pool.Query(ctx, `
		SELECT record FROM stream_events
		WHERE stream = $1
		ORDER BY block_number, log_index
	`, name)
	if err != nil {
		return model.EventSet{}, false, fmt.Errorf("query stream %s: %w", name, err)
	}
	defer rows.Close()

	var records []model.EventRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return model.EventSet{}, false, err
		}
		var record model.EventRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return model.EventSet{}, false, fmt.Errorf("decode event: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return model.EventSet{}, false, err
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

// AppendAndPersist inserts events not yet stored and moves the cursor in
// one transaction.
func (s *Store) AppendAndPersist(ctx context.Context, name string, set model.EventSet) error {
	if name == "" {
		return fmt.Errorf("stream name required")
	}

	batch := &pgx.Batch{}
	for _, record := range set.Events {
		raw, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", record.Key(), err)
		}
		batch.Queue(`
			INSERT INTO stream_events (stream, tx_hash, log_index, block_number, kind, record)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (stream, tx_hash, log_index) DO NOTHING
		`,
			name,
			record.TransactionHash.Hex(),
			int64(record.LogIndex),
			int64(record.BlockNumber),
			string(record.Kind()),
			raw,
		)
	}
	if set.LastBlock != nil {
		batch.Queue(`
			INSERT INTO stream_state (name, last_block, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (name) DO UPDATE
			SET last_block = EXCLUDED.last_block, updated_at = now()
		`, name, int64(*set.LastBlock))
	}
	if batch.Len() == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("persist stream %s: %w", name, err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LoadCursor returns last_block for a stream.
func (s *Store) LoadCursor(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("stream name required")
	}
	var block int64
	row := s.pool.QueryRow(ctx, `SELECT last_block FROM stream_state WHERE name=$1`, name)
	if err := row.Scan(&block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(block), true, nil
}
