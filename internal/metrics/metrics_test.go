package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordPerStream(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetCursor("deposit", 120)
	m.AddEvents("deposit", "rpc", 3)
	m.AddEvents("deposit", "rpc", 2)
	m.DegradedWindow("deposit")
	m.Retry("withdrawal")
	m.SyncDone("withdrawal", time.Second, errors.New("boom"))

	if got := testutil.ToFloat64(m.cursor.WithLabelValues("deposit")); got != 120 {
		t.Fatalf("cursor mismatch: %v", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues("deposit", "rpc")); got != 5 {
		t.Fatalf("events mismatch: %v", got)
	}
	if got := testutil.ToFloat64(m.degraded.WithLabelValues("deposit")); got != 1 {
		t.Fatalf("degraded mismatch: %v", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("withdrawal")); got != 1 {
		t.Fatalf("failures mismatch: %v", got)
	}
	if n := testutil.CollectAndCount(m.syncTimes); n != 1 {
		t.Fatalf("expected one histogram series, got %d", n)
	}
}
