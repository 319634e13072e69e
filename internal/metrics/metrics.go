package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the sync collectors, labelled by stream.
type Metrics struct {
	cursor    *prometheus.GaugeVec
	head      *prometheus.GaugeVec
	events    *prometheus.CounterVec
	degraded  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	failures  *prometheus.CounterVec
	syncTimes *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		cursor: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "poolsync_cursor",
			Help: "Last fully synchronized block per stream",
		}, []string{"stream"}),
		head: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "poolsync_chain_head",
			Help: "Latest block number reported by the RPC source",
		}, []string{"stream"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poolsync_events_total",
			Help: "Events received per stream and source",
		}, []string{"stream", "source"}),
		degraded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poolsync_degraded_windows_total",
			Help: "Log windows that contributed no events after exhausting retries",
		}, []string{"stream"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poolsync_fetch_retries_total",
			Help: "Retried RPC chunks",
		}, []string{"stream"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poolsync_sync_failures_total",
			Help: "Failed stream updates",
		}, []string{"stream"}),
		syncTimes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "poolsync_sync_duration_seconds",
			Help:    "Duration of stream updates",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stream"}),
	}
}

func (m *Metrics) SetCursor(stream string, block uint64) {
	m.cursor.WithLabelValues(stream).Set(float64(block))
}

func (m *Metrics) SetHead(stream string, block uint64) {
	m.head.WithLabelValues(stream).Set(float64(block))
}

func (m *Metrics) AddEvents(stream, source string, n int) {
	m.events.WithLabelValues(stream, source).Add(float64(n))
}

func (m *Metrics) DegradedWindow(stream string) {
	m.degraded.WithLabelValues(stream).Inc()
}

func (m *Metrics) Retry(stream string) {
	m.retries.WithLabelValues(stream).Inc()
}

func (m *Metrics) SyncDone(stream string, took time.Duration, err error) {
	m.syncTimes.WithLabelValues(stream).Observe(took.Seconds())
	if err != nil {
		m.failures.WithLabelValues(stream).Inc()
	}
}

// Serve exposes gatherer on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
