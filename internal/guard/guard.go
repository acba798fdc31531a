// Package guard ties fingerprinting, the baseline store and the comparator
// together into the snapshot, compare and monitor operations.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gobwas/glob"

	"github.com/schaermu/driftwatch/internal/alert"
	"github.com/schaermu/driftwatch/internal/baseline"
	"github.com/schaermu/driftwatch/internal/config"
	"github.com/schaermu/driftwatch/internal/drift"
	"github.com/schaermu/driftwatch/internal/fingerprint"
	"github.com/schaermu/driftwatch/internal/metrics"
	"github.com/schaermu/driftwatch/internal/monitor"
)

// ErrDriftDetected is returned by callers that treat drift as a failure.
var ErrDriftDetected = errors.New("configuration drift detected")

// Engine orchestrates snapshots and comparisons for one baseline store
type Engine struct {
	cfg      *config.Config
	store    *baseline.Store
	notifier alert.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	alert    bool

	// watch opens the notification source for Monitor.
	watch func(dir string) (monitor.Source, error)
}

// NewEngine creates a new engine. Alerts go to notifier only when
// alertOnDrift is set; m may be nil.
func NewEngine(cfg *config.Config, store *baseline.Store, notifier alert.Notifier, m *metrics.Metrics, logger *slog.Logger, alertOnDrift bool) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		alert:    alertOnDrift,
		watch:    monitor.Watch,
	}
}

// ValidateDirectory checks that dir can be fingerprinted.
func ValidateDirectory(dir string) error {
	return fingerprint.ValidateDirectory(dir)
}

// Snapshot fingerprints dir and replaces the baseline with the result.
func (e *Engine) Snapshot(ctx context.Context, dir string) (fingerprint.Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.logger.Info("taking snapshot", "dir", dir, "baseline", e.store.Path())

	result, err := e.fingerprint(dir)
	if err != nil {
		return nil, err
	}

	if err := e.store.Save(result.Fingerprints); err != nil {
		return nil, err
	}
	e.metrics.SnapshotTaken(len(result.Fingerprints))

	e.logger.Info("snapshot saved",
		"baseline", e.store.Path(),
		"files", len(result.Fingerprints),
		"warnings", len(result.Warnings))
	e.logger.Debug("baseline contents", "paths", result.Fingerprints.Paths())
	return result.Fingerprints, nil
}

// Compare fingerprints dir and reports how it differs from the baseline.
// The baseline is read before any file is hashed. The baseline is never
// modified.
func (e *Engine) Compare(ctx context.Context, dir string) (drift.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateDirectory(dir); err != nil {
		e.metrics.ComparisonFailed()
		return nil, err
	}

	e.logger.Info("comparing directory", "dir", dir, "alert", e.alert)

	reference, err := e.store.Load()
	if err != nil {
		e.metrics.ComparisonFailed()
		return nil, err
	}
	e.metrics.BaselineLoaded(len(reference))

	result, err := e.fingerprint(dir)
	if err != nil {
		e.metrics.ComparisonFailed()
		return nil, err
	}

	report := drift.Compare(reference, result.Fingerprints)
	now := time.Now()
	e.metrics.ObserveComparison(report, now)

	if !report.HasDrift() {
		e.logger.Info("no configuration drift detected", "dir", dir, "files", len(result.Fingerprints))
		return report, nil
	}

	e.logger.Warn("configuration drift detected",
		"dir", dir,
		"new", report.Count(drift.New),
		"changed", report.Count(drift.Changed),
		"deleted", report.Count(drift.Deleted),
		"records", report.Lines())

	if e.alert && e.notifier != nil {
		a := alert.Alert{Directory: dir, Time: now, Records: report}
		if err := e.notifier.Notify(ctx, a); err != nil {
			// Delivery problems never hide the drift itself.
			e.logger.Error("failed to deliver drift alert", "error", err)
		}
	}

	return report, nil
}

// Monitor watches dir and re-runs Compare on changes until ctx is cancelled.
// onDrift, if set, receives every non-empty report.
func (e *Engine) Monitor(ctx context.Context, dir string, onDrift func(drift.Report)) error {
	if err := ValidateDirectory(dir); err != nil {
		return err
	}
	// Fail early instead of on the first event.
	if !e.store.Exists() {
		return fmt.Errorf("%w (expected %s)", baseline.ErrBaselineMissing, e.store.Path())
	}

	src, err := e.watch(dir)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			e.logger.Warn("failed to close watcher", "error", err)
		}
	}()

	mon, err := monitor.New(src, func(ctx context.Context) (drift.Report, error) {
		return e.Compare(ctx, dir)
	}, monitor.Options{
		Interval: e.cfg.Monitor.Interval,
		Exclude:  e.monitorExcludes(dir),
		OnDrift:  onDrift,
		Logger:   e.logger,
		Metrics:  e.metrics,
	})
	if err != nil {
		return err
	}

	e.logger.Info("monitoring directory", "dir", dir, "alert", e.alert)
	return mon.Run(ctx)
}

func (e *Engine) fingerprint(dir string) (*fingerprint.Result, error) {
	opts := fingerprint.Options{
		Exclude:      e.cfg.Monitor.Exclude,
		ExcludePaths: []string{e.store.Path()},
		Logger:       e.logger,
	}
	if e.baselineInside(dir) {
		opts.Exclude = append(append([]string{}, opts.Exclude...), baseline.TempPattern)
	}
	return fingerprint.Compute(dir, opts)
}

// monitorExcludes keeps writes to the baseline from triggering comparisons.
func (e *Engine) monitorExcludes(dir string) []string {
	patterns := append([]string{}, e.cfg.Monitor.Exclude...)
	if e.baselineInside(dir) {
		patterns = append(patterns,
			glob.QuoteMeta(filepath.Base(e.store.Path())),
			baseline.TempPattern)
	}
	return patterns
}

func (e *Engine) baselineInside(dir string) bool {
	storeDir, err := filepath.Abs(filepath.Dir(e.store.Path()))
	if err != nil {
		return false
	}
	target, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	return storeDir == target
}
