package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"poolsync/internal/batch"
	"poolsync/internal/graph"
	"poolsync/internal/model"
)

// Observer receives sync measurements. *metrics.Metrics implements it.
type Observer interface {
	SetCursor(stream string, block uint64)
	SetHead(stream string, block uint64)
	AddEvents(stream, source string, n int)
	DegradedWindow(stream string)
	Retry(stream string)
	SyncDone(stream string, took time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) SetCursor(string, uint64)              {}
func (nopObserver) SetHead(string, uint64)                {}
func (nopObserver) AddEvents(string, string, int)         {}
func (nopObserver) DegradedWindow(string)                 {}
func (nopObserver) Retry(string)                          {}
func (nopObserver) SyncDone(string, time.Duration, error) {}

// Service reconciles persisted, indexer and RPC events per stream.
type Service struct {
	logger     *zap.Logger
	observer   Observer
	onProgress model.ProgressFunc
}

type Option func(*Service)

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithProgress(fn model.ProgressFunc) Option {
	return func(s *Service) { s.onProgress = fn }
}

func NewService(logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{logger: logger, observer: nopObserver{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpdateEvents brings one stream up to the chain head and persists the
// merged set. On error nothing is persisted.
func (s *Service) UpdateEvents(ctx context.Context, p Policy) (model.EventSet, error) {
	start := time.Now()
	set, err := s.updateEvents(ctx, p)
	s.observer.SyncDone(p.Stream.Name, time.Since(start), err)
	return set, err
}

func (s *Service) updateEvents(ctx context.Context, p Policy) (model.EventSet, error) {
	if err := p.validate(); err != nil {
		return model.EventSet{}, err
	}
	name := p.Stream.Name
	log := s.logger.With(zap.String("stream", name), zap.String("kind", string(p.Stream.Kind)))

	persisted, err := s.loadPersisted(ctx, p, log)
	if err != nil {
		return model.EventSet{}, err
	}
	prevCursor, hasCursor := persisted.Cursor()

	fromBlock := p.Stream.DeploymentBlock
	if hasCursor && prevCursor+1 > fromBlock {
		fromBlock = prevCursor + 1
		log.Info("resume from cursor", zap.Uint64("cursor", prevCursor), zap.Uint64("from", fromBlock))
	}

	// the indexer's own height is refetched over RPC since its last block
	// may be only partly indexed; the merge drops the duplicates
	indexed, indexerHeight := s.queryIndexer(ctx, p, fromBlock, log)
	rpcFrom := fromBlock
	if indexerHeight != nil && *indexerHeight > rpcFrom {
		rpcFrom = *indexerHeight
	}

	head, err := p.Head.BlockNumber(ctx)
	if err != nil {
		return model.EventSet{}, fmt.Errorf("stream %s: get head: %w", name, err)
	}
	s.observer.SetHead(name, head)

	var (
		fetched    []model.EventRecord
		logsResult batch.LogsResult
		rpcQueried = head >= rpcFrom
	)
	if rpcQueried {
		logsResult, err = s.fetchLogs(ctx, p, rpcFrom, head, log)
		if err != nil {
			return model.EventSet{}, fmt.Errorf("stream %s: fetch logs: %w", name, err)
		}
		fetched, err = p.Formatter.Format(ctx, logsResult.Logs)
		if err != nil {
			return model.EventSet{}, fmt.Errorf("stream %s: format logs: %w", name, err)
		}
		s.observer.AddEvents(name, "rpc", len(fetched))
	} else {
		log.Info("nothing to fetch from rpc", zap.Uint64("from", rpcFrom), zap.Uint64("head", head))
	}

	merged := model.MergeEvents(persisted.Events, indexed, fetched)
	if err := runValidators(p.validators(), merged); err != nil {
		log.Error("stream rejected", zap.Error(err))
		return model.EventSet{}, fmt.Errorf("stream %s: %w", name, err)
	}

	result := model.EventSet{Events: merged}
	if next, ok := nextCursor(cursorInputs{
		prev:          prevCursor,
		hasPrev:       hasCursor,
		rpcQueried:    rpcQueried,
		head:          head,
		indexerHeight: indexerHeight,
		events:        merged,
		logs:          logsResult,
	}); ok {
		result = result.WithCursor(next)
		s.observer.SetCursor(name, next)
	}

	if err := p.Store.AppendAndPersist(ctx, name, result); err != nil {
		return model.EventSet{}, fmt.Errorf("stream %s: persist: %w", name, err)
	}
	log.Info("stream updated",
		zap.Int("events", len(merged)),
		zap.Int("new", len(merged)-len(persisted.Events)),
		zap.Any("cursor", result.LastBlock),
	)
	return result, nil
}

// loadPersisted reads the store and falls back to the remote snapshot when
// the store has nothing. Snapshot failures are not fatal.
func (s *Service) loadPersisted(ctx context.Context, p Policy, log *zap.Logger) (model.EventSet, error) {
	set, ok, err := p.Store.LoadStream(ctx, p.Stream.Name)
	if err != nil {
		return model.EventSet{}, fmt.Errorf("stream %s: load: %w", p.Stream.Name, err)
	}
	if ok {
		s.observer.AddEvents(p.Stream.Name, "store", len(set.Events))
		return set, nil
	}
	if p.Snapshot == nil {
		return model.EventSet{}, nil
	}

	snap, found, err := p.Snapshot.Fetch(ctx, p.Stream.Name)
	if err != nil {
		if ctx.Err() != nil {
			return model.EventSet{}, ctx.Err()
		}
		log.Warn("snapshot unavailable", zap.Error(err))
		return model.EventSet{}, nil
	}
	if !found {
		return model.EventSet{}, nil
	}
	s.observer.AddEvents(p.Stream.Name, "snapshot", len(snap.Events))
	log.Info("bootstrap from snapshot", zap.Int("events", len(snap.Events)), zap.Any("cursor", snap.LastBlock))
	return snap, nil
}

// queryIndexer returns indexer events and height, or nothing when the
// indexer is absent, does not index the kind, or fails.
func (s *Service) queryIndexer(ctx context.Context, p Policy, fromBlock uint64, log *zap.Logger) ([]model.EventRecord, *uint64) {
	if p.Indexer == nil || !p.Indexer.Supports(p.Stream.Kind) {
		return nil, nil
	}
	res, err := p.Indexer.Query(ctx, graph.Query{
		Kind:      p.Stream.Kind,
		FromBlock: fromBlock,
		Where:     p.Stream.IndexerWhere,
	})
	if err != nil {
		log.Warn("indexer unavailable, falling back to rpc", zap.Error(err))
		return nil, nil
	}
	s.observer.AddEvents(p.Stream.Name, "indexer", len(res.Events))
	log.Info("indexer events", zap.Int("events", len(res.Events)), zap.Uint64("height", res.Height))
	height := res.Height
	return res.Events, &height
}

func (s *Service) fetchLogs(ctx context.Context, p Policy, from, to uint64, log *zap.Logger) (batch.LogsResult, error) {
	name := p.Stream.Name
	cfg := p.Batch
	cfg.Degrade = p.DegradeFailedWindows
	cfg.OnRetry = func(chunk, attempt int, err error) {
		s.observer.Retry(name)
		log.Warn("log window retry", zap.Int("window", chunk), zap.Int("attempt", attempt), zap.Error(err))
	}
	cfg.OnDegraded = func(chunk int, err error) {
		s.observer.DegradedWindow(name)
		log.Warn("log window degraded", zap.Int("window", chunk), zap.Error(err))
	}
	query := batch.LogQuery{
		Addresses:  p.Stream.Addresses,
		Topic0:     p.Formatter.Topics(),
		WindowSize: p.WindowSize,
	}
	if s.onProgress != nil {
		query.OnProgress = func(done, total, logs int) {
			s.onProgress(model.Progress{
				Percentage: float64(done) * 100 / float64(total),
				FromBlock:  from,
				ToBlock:    to,
				Count:      logs,
			})
		}
	}

	log.Info("fetch logs", zap.Uint64("from", from), zap.Uint64("to", to))
	res, err := batch.GetBatchEvents(ctx, p.Logs, query, from, to, cfg)
	if err != nil {
		return batch.LogsResult{}, err
	}
	if res.ClampedTo != nil {
		log.Info("provider range clamped", zap.Uint64("accepted", *res.ClampedTo))
	}
	return res, nil
}

type cursorInputs struct {
	prev          uint64
	hasPrev       bool
	rpcQueried    bool
	head          uint64
	indexerHeight *uint64
	events        []model.EventRecord
	logs          batch.LogsResult
}

// nextCursor picks the RPC head if RPC was queried, else the indexer
// height, else the last event block. It never passes a clamped provider
// head or the start of a degraded window, and never moves backwards.
func nextCursor(in cursorInputs) (uint64, bool) {
	var (
		next uint64
		ok   bool
	)
	switch {
	case in.rpcQueried:
		next, ok = in.head, true
	case in.indexerHeight != nil:
		next, ok = *in.indexerHeight, true
	default:
		next, ok = model.LastEventBlock(in.events)
	}

	if ok && in.rpcQueried {
		if in.logs.ClampedTo != nil && *in.logs.ClampedTo < next {
			next = *in.logs.ClampedTo
		}
		for _, w := range in.logs.Degraded {
			if w.From == 0 {
				ok = false
				break
			}
			if w.From-1 < next {
				next = w.From - 1
			}
		}
	}

	if in.hasPrev && (!ok || in.prev > next) {
		return in.prev, true
	}
	return next, ok
}

// StreamResult is the outcome of one stream in SyncAll.
type StreamResult struct {
	Stream string
	Set    model.EventSet
	Err    error
}

// SyncAll updates each stream in turn. A failing stream does not stop the
// others; only context cancellation does.
func (s *Service) SyncAll(ctx context.Context, policies []Policy) []StreamResult {
	results := make([]StreamResult, 0, len(policies))
	for _, p := range policies {
		if err := ctx.Err(); err != nil {
			results = append(results, StreamResult{Stream: p.Stream.Name, Err: err})
			continue
		}
		set, err := s.UpdateEvents(ctx, p)
		if err != nil {
			s.logger.Error("stream sync failed", zap.String("stream", p.Stream.Name), zap.Error(err))
		}
		results = append(results, StreamResult{Stream: p.Stream.Name, Set: set, Err: err})
	}
	return results
}

// Failed joins the errors of failed streams.
func Failed(results []StreamResult) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}
