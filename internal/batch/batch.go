package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultStagger delays the start of each chunk within a super-batch.
const DefaultStagger = 40 * time.Millisecond

var (
	// ErrNetworkExhausted is returned when a chunk fails on every attempt.
	ErrNetworkExhausted = errors.New("network retries exhausted")
	// ErrNullResult marks a provider returning null for a requested item.
	// It is retried like any other transient fault.
	ErrNullResult = errors.New("provider returned null result")
)

// Config controls chunking, fan-out and retries for Fetch.
type Config struct {
	// ConcurrencySize is the number of chunks fetched concurrently.
	ConcurrencySize int
	// BatchSize is the number of items in one chunk.
	BatchSize int
	// ShouldRetry enables retries; when false each chunk is tried once.
	ShouldRetry bool
	// RetryMax is the total number of attempts per chunk.
	RetryMax int
	// RetryOn is the fixed delay between attempts.
	RetryOn time.Duration
	// Stagger is multiplied by the chunk position within its super-batch.
	// Zero selects DefaultStagger, a negative value disables staggering.
	Stagger time.Duration
	// Degrade turns an exhausted chunk into zero-valued results instead of
	// failing the call. OnDegraded is told about each such chunk.
	Degrade bool

	OnProgress func(processed, total int)
	OnRetry    func(chunk, attempt int, err error)
	OnDegraded func(chunk int, err error)
}

// DefaultConfig mirrors the provider-friendly defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		ConcurrencySize: 10,
		BatchSize:       10,
		ShouldRetry:     true,
		RetryMax:        5,
		RetryOn:         500 * time.Millisecond,
	}
}

func (c Config) attempts() int {
	if !c.ShouldRetry || c.RetryMax < 1 {
		return 1
	}
	return c.RetryMax
}

func (c Config) stagger() time.Duration {
	switch {
	case c.Stagger < 0:
		return 0
	case c.Stagger == 0:
		return DefaultStagger
	default:
		return c.Stagger
	}
}

// ChunkFunc fetches one chunk. It must return exactly one result per item,
// in item order.
type ChunkFunc[T, R any] func(ctx context.Context, chunk []T) ([]R, error)

// Fetch partitions items into chunks of BatchSize and runs ConcurrencySize
// chunks at a time. Results are returned in item order. If any chunk
// exhausts its retries the call fails and partial results are discarded.
func Fetch[T, R any](ctx context.Context, items []T, fetch ChunkFunc[T, R], cfg Config) ([]R, error) {
	if fetch == nil {
		return nil, fmt.Errorf("chunk func is nil")
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if cfg.ConcurrencySize < 1 {
		return nil, fmt.Errorf("concurrency size must be greater than zero")
	}

	results := make([]R, len(items))
	spans := chunkSpans(len(items), cfg.BatchSize)
	attempts := cfg.attempts()
	stagger := cfg.stagger()

	processed := 0
	for first := 0; first < len(spans); first += cfg.ConcurrencySize {
		last := min(first+cfg.ConcurrencySize, len(spans))

		g, gctx := errgroup.WithContext(ctx)
		for idx := first; idx < last; idx++ {
			idx := idx
			sp := spans[idx]
			delay := stagger * time.Duration(idx-first)
			g.Go(func() error {
				if err := sleepContext(gctx, delay); err != nil {
					return err
				}
				out, err := fetchChunk(gctx, idx, items[sp.start:sp.end], fetch, attempts, cfg)
				if err != nil {
					if cfg.Degrade && errors.Is(err, ErrNetworkExhausted) {
						if cfg.OnDegraded != nil {
							cfg.OnDegraded(idx, err)
						}
						return nil
					}
					return err
				}
				copy(results[sp.start:sp.end], out)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		processed = spans[last-1].end
		if cfg.OnProgress != nil {
			cfg.OnProgress(processed, len(items))
		}
	}

	return results, nil
}

func fetchChunk[T, R any](ctx context.Context, idx int, chunk []T, fetch ChunkFunc[T, R], attempts int, cfg Config) ([]R, error) {
	var out []R
	onRetry := func(attempt int, err error) {
		if cfg.OnRetry != nil {
			cfg.OnRetry(idx, attempt, err)
		}
	}
	err := withRetry(ctx, attempts, cfg.RetryOn, onRetry, func(ctx context.Context) error {
		res, err := fetch(ctx, chunk)
		if err != nil {
			return err
		}
		if len(res) != len(chunk) {
			return fmt.Errorf("chunk returned %d results for %d items", len(res), len(chunk))
		}
		out = res
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: chunk %d after %d attempts: %w", ErrNetworkExhausted, idx, attempts, err)
	}
	return out, nil
}
