package merkle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"go.uber.org/zap"
)

// ErrWorkerClosed is returned by a WorkerHasher after Close.
var ErrWorkerClosed = errors.New("hash worker closed")

// Hasher constructs trees. Implementations must produce the same nodes as
// SyncHasher.
type Hasher interface {
	Tree(ctx context.Context, params Params, leaves []fr.Element) (*Tree, error)
	Partial(ctx context.Context, params Params, edge Edge, leaves []fr.Element) (*PartialTree, error)
}

// SyncHasher builds trees on the calling goroutine.
type SyncHasher struct{}

func (SyncHasher) Tree(_ context.Context, params Params, leaves []fr.Element) (*Tree, error) {
	return buildTree(params, leaves)
}

func (SyncHasher) Partial(_ context.Context, params Params, edge Edge, leaves []fr.Element) (*PartialTree, error) {
	return buildPartial(params, edge, leaves)
}

type hashJob struct {
	params Params
	edge   *Edge
	leaves []fr.Element
	reply  chan hashResult
}

type hashResult struct {
	data []byte
	err  error
}

// WorkerHasher offloads construction to a dedicated goroutine. Jobs and
// results cross a channel; results come back as the binary tree encoding.
// Whenever the worker cannot deliver a tree the job is rebuilt
// synchronously.
type WorkerHasher struct {
	jobs      chan hashJob
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    *zap.Logger
}

func NewWorkerHasher(logger *zap.Logger) *WorkerHasher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &WorkerHasher{
		jobs:   make(chan hashJob),
		done:   make(chan struct{}),
		logger: logger,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Close stops the worker and waits for it to exit.
func (w *WorkerHasher) Close() {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *WorkerHasher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case job := <-w.jobs:
			job.reply <- process(job)
		}
	}
}

func process(job hashJob) (res hashResult) {
	defer func() {
		if r := recover(); r != nil {
			res = hashResult{err: fmt.Errorf("hash worker panic: %v", r)}
		}
	}()

	if job.edge != nil {
		partial, err := buildPartial(job.params, *job.edge, job.leaves)
		if err != nil {
			return hashResult{err: err}
		}
		data, err := partial.MarshalBinary()
		return hashResult{data: data, err: err}
	}
	tree, err := buildTree(job.params, job.leaves)
	if err != nil {
		return hashResult{err: err}
	}
	data, err := tree.MarshalBinary()
	return hashResult{data: data, err: err}
}

func (w *WorkerHasher) submit(ctx context.Context, job hashJob) ([]byte, error) {
	job.reply = make(chan hashResult, 1)
	select {
	case w.jobs <- job:
	case <-w.done:
		return nil, ErrWorkerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-job.reply:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *WorkerHasher) Tree(ctx context.Context, params Params, leaves []fr.Element) (*Tree, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	data, err := w.submit(ctx, hashJob{params: params, leaves: leaves})
	if err == nil {
		var tree *Tree
		if tree, err = unmarshalTree(params, data); err == nil {
			return tree, nil
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	w.logger.Warn("hash worker failed, building synchronously", zap.Int("leaves", len(leaves)), zap.Error(err))
	return buildTree(params, leaves)
}

func (w *WorkerHasher) Partial(ctx context.Context, params Params, edge Edge, leaves []fr.Element) (*PartialTree, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	data, err := w.submit(ctx, hashJob{params: params, edge: &edge, leaves: leaves})
	if err == nil {
		var suffix [][]fr.Element
		if suffix, err = decodeLayers(params, data); err == nil {
			var partial *PartialTree
			if partial, err = partialFromSuffix(params, edge, suffix); err == nil {
				return partial, nil
			}
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	w.logger.Warn("hash worker failed, building synchronously", zap.Int("leaves", len(leaves)), zap.Error(err))
	return buildPartial(params, edge, leaves)
}
