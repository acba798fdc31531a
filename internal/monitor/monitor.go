// Package monitor re-runs drift comparisons when the filesystem reports
// changes in the watched directory, at most once per interval.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/schaermu/driftwatch/internal/drift"
	"github.com/schaermu/driftwatch/internal/fingerprint"
	"github.com/schaermu/driftwatch/internal/metrics"
)

// DefaultInterval is the minimum spacing between two triggered comparisons.
const DefaultInterval = 2 * time.Second

var (
	// ErrSubscribe is returned when the directory cannot be watched.
	ErrSubscribe = errors.New("failed to subscribe to filesystem notifications")

	// ErrSourceClosed is returned by Run when the notification source goes away.
	ErrSourceClosed = errors.New("filesystem notification source closed")
)

// Source yields filesystem change notifications for one directory.
type Source interface {
	// Events delivers change notifications. It is closed when the source
	// shuts down for good.
	Events() <-chan fsnotify.Event

	// Errors delivers transient errors of the source.
	Errors() <-chan error

	// Close releases the subscription.
	Close() error
}

type fsnotifySource struct {
	watcher *fsnotify.Watcher
}

// Watch subscribes to changes of the direct children of dir.
func Watch(dir string) (Source, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubscribe, err)
	}
	// fsnotify watches are not recursive; only direct children report.
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrSubscribe, dir, err)
	}
	return &fsnotifySource{watcher: w}, nil
}

func (s *fsnotifySource) Events() <-chan fsnotify.Event { return s.watcher.Events }
func (s *fsnotifySource) Errors() <-chan error          { return s.watcher.Errors }
func (s *fsnotifySource) Close() error                  { return s.watcher.Close() }

// CheckFunc runs one full comparison cycle.
type CheckFunc func(ctx context.Context) (drift.Report, error)

// Options configures a Monitor.
type Options struct {
	// Interval is the minimum spacing between comparisons. Defaults to
	// DefaultInterval.
	Interval time.Duration

	// Exclude holds glob patterns; events for matching base names are ignored.
	Exclude []string

	// OnDrift is called with every non-empty report.
	OnDrift func(drift.Report)

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Monitor triggers a comparison for an incoming event unless the previous
// comparison finished less than Interval ago, in which case the event is
// dropped. Dropped events are not replayed later.
type Monitor struct {
	src      Source
	check    CheckFunc
	interval time.Duration
	excludes []glob.Glob
	onDrift  func(drift.Report)
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// lastCheck is the zero time until the first comparison, so the first
	// event always triggers one.
	lastCheck   time.Time
	comparisons int
}

// New creates a monitor reading from src and running check.
func New(src Source, check CheckFunc, opts Options) (*Monitor, error) {
	excludes, err := fingerprint.CompilePatterns(opts.Exclude)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		src:      src,
		check:    check,
		interval: opts.Interval,
		excludes: excludes,
		onDrift:  opts.OnDrift,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Comparisons returns how many comparisons have been run. It must not be
// called while Run is executing.
func (m *Monitor) Comparisons() int {
	return m.comparisons
}

// Run blocks until ctx is cancelled (returning nil) or the event channel of
// the source is closed (returning ErrSourceClosed). Comparisons run on the
// calling goroutine, one at a time.
func (m *Monitor) Run(ctx context.Context) error {
	events := m.src.Events()
	errs := m.src.Errors()

	m.logger.Info("monitoring for changes", "interval", m.interval)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return nil

		case event, ok := <-events:
			if !ok {
				return ErrSourceClosed
			}
			m.handleEvent(ctx, event)

		case err, ok := <-errs:
			if !ok {
				// The error channel alone going away is not fatal.
				errs = nil
				continue
			}
			m.metrics.WatchError()
			m.logger.Warn("watch error", "error", err)
		}
	}
}

func (m *Monitor) handleEvent(ctx context.Context, event fsnotify.Event) {
	if fingerprint.Matches(m.excludes, filepath.Base(event.Name)) {
		return
	}
	// Attribute-only changes do not alter content.
	if event.Op == fsnotify.Chmod {
		return
	}

	if !m.lastCheck.IsZero() && m.now().Sub(m.lastCheck) < m.interval {
		m.metrics.EventSuppressed()
		m.logger.Debug("change suppressed", "path", event.Name, "op", event.Op.String())
		return
	}

	m.logger.Info("change detected", "path", event.Name, "op", event.Op.String())
	m.compare(ctx)
	m.lastCheck = m.now()
}

func (m *Monitor) compare(ctx context.Context) {
	m.comparisons++

	report, err := m.check(ctx)
	if err != nil {
		m.logger.Error("comparison failed", "error", err)
		return
	}
	if report.HasDrift() && m.onDrift != nil {
		m.onDrift(report)
	}
}
