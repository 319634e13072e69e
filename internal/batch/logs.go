package batch

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// LogFilterer runs an eth_getLogs query over an inclusive block range.
type LogFilterer interface {
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// LogQuery selects the logs fetched by GetBatchEvents.
type LogQuery struct {
	Addresses  []common.Address
	Topic0     []common.Hash
	WindowSize uint64
	// OnProgress is called after each group of windows with the windows
	// done so far and the number of logs they returned.
	OnProgress func(windowsDone, windowsTotal, logs int)
}

// LogsResult is the outcome of GetBatchEvents.
type LogsResult struct {
	Logs []types.Log
	// ClampedTo is the lowest block a provider reported as its accepted
	// head while the range was being fetched, if any window was clamped.
	ClampedTo *uint64
	// Degraded lists the windows that contributed no logs because every
	// attempt failed. Only populated when Config.Degrade is set.
	Degraded []Window
}

var acceptedBlockPattern = regexp.MustCompile(`after last accepted block (\d+)`)

// AcceptedBlock extracts the provider's accepted head from a range
// rejection error such as "requested to block 25 after last accepted block 20".
func AcceptedBlock(err error) (uint64, bool) {
	if err == nil {
		return 0, false
	}
	m := acceptedBlockPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	n, perr := strconv.ParseUint(m[1], 10, 64)
	if perr != nil {
		return 0, false
	}
	return n, true
}

// GetBatchEvents fetches logs for [from, to] split into windows. Each window
// is one chunk; cfg.BatchSize is ignored. A window rejected as ahead of the
// provider's accepted block is retried with its upper bound clamped.
func GetBatchEvents(ctx context.Context, filterer LogFilterer, query LogQuery, from, to uint64, cfg Config) (LogsResult, error) {
	if filterer == nil {
		return LogsResult{}, fmt.Errorf("log filterer is nil")
	}
	size := query.WindowSize
	if size == 0 {
		size = DefaultWindowSize
	}
	windows, err := SplitWindows(from, to, size)
	if err != nil {
		return LogsResult{}, err
	}

	var (
		mu        sync.Mutex
		clampedTo *uint64
		degraded  []Window
	)
	clamp := func(block uint64) {
		mu.Lock()
		defer mu.Unlock()
		if clampedTo == nil || block < *clampedTo {
			clampedTo = &block
		}
	}

	var fetched atomic.Int64
	if query.OnProgress != nil {
		onProgress := cfg.OnProgress
		cfg.OnProgress = func(processed, total int) {
			if onProgress != nil {
				onProgress(processed, total)
			}
			query.OnProgress(processed, total, int(fetched.Load()))
		}
	}

	cfg.BatchSize = 1
	onDegraded := cfg.OnDegraded
	cfg.OnDegraded = func(chunk int, err error) {
		mu.Lock()
		degraded = append(degraded, windows[chunk])
		mu.Unlock()
		if onDegraded != nil {
			onDegraded(chunk, err)
		}
	}

	perWindow, err := Fetch(ctx, windows, func(ctx context.Context, chunk []Window) ([][]types.Log, error) {
		logs, err := fetchWindow(ctx, filterer, query, chunk[0], clamp)
		if err != nil {
			return nil, err
		}
		fetched.Add(int64(len(logs)))
		return [][]types.Log{logs}, nil
	}, cfg)
	if err != nil {
		return LogsResult{}, err
	}

	total := 0
	for _, logs := range perWindow {
		total += len(logs)
	}
	all := make([]types.Log, 0, total)
	for _, logs := range perWindow {
		all = append(all, logs...)
	}

	return LogsResult{Logs: all, ClampedTo: clampedTo, Degraded: degraded}, nil
}

func fetchWindow(ctx context.Context, filterer LogFilterer, query LogQuery, w Window, clamp func(uint64)) ([]types.Log, error) {
	to := w.To
	for {
		logs, err := filterer.FilterLogs(ctx, w.From, to, query.Addresses, query.Topic0)
		if err == nil {
			return logs, nil
		}
		accepted, ok := AcceptedBlock(err)
		if !ok || accepted >= to {
			return nil, err
		}
		clamp(accepted)
		if accepted < w.From {
			// the provider has not accepted any block of this window yet
			return nil, nil
		}
		to = accepted
	}
}
