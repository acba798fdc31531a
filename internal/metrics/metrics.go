// Package metrics exposes drift detection counters in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schaermu/driftwatch/internal/activation"
	"github.com/schaermu/driftwatch/internal/drift"
)

const namespace = "driftwatch"

// SocketName is the FileDescriptorName= a systemd .socket unit uses to hand
// the metrics listener to driftwatch.
const SocketName = "metrics"

// ErrNoListener is returned by Serve when neither a socket-activated
// listener nor an address is available.
var ErrNoListener = errors.New("no metrics listener: socket not passed and no address configured")

// Metrics holds every collector on a private registry. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	comparisons      prometheus.Counter
	compareFailures  prometheus.Counter
	driftRecords     *prometheus.CounterVec
	snapshots        prometheus.Counter
	eventsSuppressed prometheus.Counter
	watchErrors      prometheus.Counter
	baselineFiles    prometheus.Gauge
	lastComparison   prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		comparisons: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comparisons_total",
			Help:      "Completed baseline comparisons.",
		}),
		compareFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comparison_failures_total",
			Help:      "Comparisons that could not run to completion.",
		}),
		driftRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_records_total",
			Help:      "Drift records emitted, by classification.",
		}, []string{"kind"}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Baselines written.",
		}),
		eventsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_suppressed_total",
			Help:      "Filesystem events dropped because the minimum interval had not elapsed.",
		}),
		watchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_errors_total",
			Help:      "Errors reported by the filesystem notification source.",
		}),
		baselineFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "baseline_files",
			Help:      "Number of fingerprints in the most recently loaded or written baseline.",
		}),
		lastComparison: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_comparison_timestamp_seconds",
			Help:      "Unix time of the last completed comparison.",
		}),
	}

	m.registry.MustRegister(
		m.comparisons,
		m.compareFailures,
		m.driftRecords,
		m.snapshots,
		m.eventsSuppressed,
		m.watchErrors,
		m.baselineFiles,
		m.lastComparison,
	)
	for _, kind := range drift.Kinds {
		m.driftRecords.WithLabelValues(kind.String())
	}

	return m
}

// ObserveComparison records a finished comparison and its records.
func (m *Metrics) ObserveComparison(report drift.Report, at time.Time) {
	if m == nil {
		return
	}
	m.comparisons.Inc()
	for _, rec := range report {
		m.driftRecords.WithLabelValues(rec.Kind.String()).Inc()
	}
	m.lastComparison.Set(float64(at.Unix()))
}

// ComparisonFailed counts a comparison that returned an error.
func (m *Metrics) ComparisonFailed() {
	if m == nil {
		return
	}
	m.compareFailures.Inc()
}

// SnapshotTaken records a written baseline of n files.
func (m *Metrics) SnapshotTaken(n int) {
	if m == nil {
		return
	}
	m.snapshots.Inc()
	m.baselineFiles.Set(float64(n))
}

// BaselineLoaded records the size of a loaded baseline.
func (m *Metrics) BaselineLoaded(n int) {
	if m == nil {
		return
	}
	m.baselineFiles.Set(float64(n))
}

// EventSuppressed counts an event dropped by the rate limiter.
func (m *Metrics) EventSuppressed() {
	if m == nil {
		return
	}
	m.eventsSuppressed.Inc()
}

// WatchError counts an error from the notification source.
func (m *Metrics) WatchError() {
	if m == nil {
		return
	}
	m.watchErrors.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics until ctx is cancelled. A socket handed over by
// systemd under SocketName takes precedence over addr.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	listener, err := activation.Listener(SocketName)
	if err != nil {
		return fmt.Errorf("failed to get socket-activated listener: %w", err)
	}
	if listener == nil {
		// An empty address would bind a random port on every interface.
		if addr == "" {
			return ErrNoListener
		}
		listener, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
	} else {
		logger.Info("using socket-activated listener for metrics")
	}
	return m.serveOn(ctx, listener, logger)
}

func (m *Metrics) serveOn(ctx context.Context, listener net.Listener, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server starting", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
