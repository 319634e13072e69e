package batch

import "fmt"

// DefaultWindowSize is the number of blocks covered by one log query.
const DefaultWindowSize uint64 = 5000

// Window is an inclusive block range queried with a single eth_getLogs call.
type Window struct {
	From uint64
	To   uint64
}

// Blocks returns the number of blocks covered by w.
func (w Window) Blocks() uint64 {
	if w.To < w.From {
		return 0
	}
	return w.To - w.From + 1
}

// SplitWindows splits [from, to] into consecutive windows of at most size blocks.
func SplitWindows(from, to, size uint64) ([]Window, error) {
	if size == 0 {
		return nil, fmt.Errorf("window size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block %d is before from block %d", to, from)
	}

	windows := make([]Window, 0, (to-from)/size+1)
	for start := from; ; start += size {
		end := to
		if to-start >= size {
			end = start + size - 1
		}
		windows = append(windows, Window{From: start, To: end})
		if end == to {
			return windows, nil
		}
	}
}

// span is a half-open index range into the item slice.
type span struct {
	start, end int
}

// chunkSpans partitions n items into spans of at most size items.
func chunkSpans(n, size int) []span {
	if size < 1 {
		size = 1
	}
	spans := make([]span, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		spans = append(spans, span{start: start, end: min(start+size, n)})
	}
	return spans
}
