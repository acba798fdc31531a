package guard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/driftwatch/internal/alert"
	"github.com/schaermu/driftwatch/internal/baseline"
	"github.com/schaermu/driftwatch/internal/config"
	"github.com/schaermu/driftwatch/internal/drift"
	"github.com/schaermu/driftwatch/internal/fingerprint"
	"github.com/schaermu/driftwatch/internal/metrics"
	"github.com/schaermu/driftwatch/internal/monitor"
	"github.com/schaermu/driftwatch/internal/testutil"
)

// recordingNotifier implements alert.Notifier for testing.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, a alert.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.err
}

func (n *recordingNotifier) Alerts() []alert.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alert.Alert(nil), n.alerts...)
}

// fakeSource implements monitor.Source for testing.
type fakeSource struct {
	events chan fsnotify.Event
	errs   chan error
	closed bool
}

func (s *fakeSource) Events() <-chan fsnotify.Event { return s.events }
func (s *fakeSource) Errors() <-chan error          { return s.errs }
func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type fixture struct {
	dir      string
	store    *baseline.Store
	notifier *recordingNotifier
	metrics  *metrics.Metrics
	engine   *Engine
}

func newFixture(t *testing.T, alertOnDrift bool) *fixture {
	t.Helper()
	dir := testutil.WriteFiles(t, t.TempDir(), map[string]string{
		"a.conf": "x=1",
		"b.conf": "y=2",
	})
	store := baseline.NewStore(filepath.Join(t.TempDir(), "snapshot.json"))
	notifier := &recordingNotifier{}
	m := metrics.New()

	return &fixture{
		dir:      dir,
		store:    store,
		notifier: notifier,
		metrics:  m,
		engine:   NewEngine(config.Default(), store, notifier, m, testutil.Logger(), alertOnDrift),
	}
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.dir, name)
}

func TestCompare_Unchanged(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	snap, err := f.engine.Snapshot(ctx, f.dir)
	require.NoError(t, err)
	assert.Len(t, snap, 2)
	assert.True(t, f.store.Exists())

	report, err := f.engine.Compare(ctx, f.dir)
	require.NoError(t, err)
	assert.False(t, report.HasDrift())
	assert.Empty(t, f.notifier.Alerts())
}

func TestCompare_ModifiedFile(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.engine.Snapshot(ctx, f.dir)
	require.NoError(t, err)

	testutil.WriteFile(t, f.dir, "a.conf", "x=2")

	report, err := f.engine.Compare(ctx, f.dir)
	require.NoError(t, err)
	assert.Equal(t, drift.Report{{Kind: drift.Changed, Path: f.path("a.conf")}}, report)
}

func TestCompare_AddedAndRemovedFiles(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.engine.Snapshot(ctx, f.dir)
	require.NoError(t, err)

	testutil.WriteFile(t, f.dir, "c.conf", "z=3")
	testutil.RemoveFile(t, f.dir, "b.conf")

	report, err := f.engine.Compare(ctx, f.dir)
	require.NoError(t, err)
	assert.Equal(t, drift.Report{
		{Kind: drift.New, Path: f.path("c.conf")},
		{Kind: drift.Deleted, Path: f.path("b.conf")},
	}, report)
}

func TestCompare_DoesNotModifyBaseline(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.engine.Snapshot(ctx, f.dir)
	require.NoError(t, err)
	testutil.WriteFile(t, f.dir, "a.conf", "x=2")

	for i := 0; i < 2; i++ {
		report, err := f.engine.Compare(ctx, f.dir)
		require.NoError(t, err)
		assert.Len(t, report, 1, "run %d", i)
	}
}

func TestCompare_MissingBaseline(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.engine.Compare(context.Background(), f.dir)
	assert.ErrorIs(t, err, baseline.ErrBaselineMissing)
	assert.False(t, f.store.Exists())
}

func TestOperations_InvalidDirectory(t *testing.T) {
	f := newFixture(t, false)
	missing := filepath.Join(t.TempDir(), "missing")
	ctx := context.Background()

	_, err := f.engine.Snapshot(ctx, missing)
	assert.ErrorIs(t, err, fingerprint.ErrInvalidDirectory)

	_, err = f.engine.Compare(ctx, missing)
	assert.ErrorIs(t, err, fingerprint.ErrInvalidDirectory)

	err = f.engine.Monitor(ctx, missing, nil)
	assert.ErrorIs(t, err, fingerprint.ErrInvalidDirectory)
}

func TestCompare_CancelledContext(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Compare(ctx, f.dir)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompare_AlertsOnDrift(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.engine.Snapshot(ctx, f.dir)
	require.NoError(t, err)
	testutil.RemoveFile(t, f.dir, "a.conf")

	_, err = f.engine.Compare(ctx, f.dir)
	require.NoError(t, err)

	alerts := f.notifier.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, f.dir, alerts[0].Directory)
	assert.Equal(t, drift.Report{{Kind: drift.Deleted, Path: f.path("a.conf")}}, alerts[0].Records)
	assert.False(t, alerts[0].Time.IsZero())
}

func TestCompare_NoAlertWhenDisabled(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.engine.Snapshot(ctx, f.dir)
	require.NoError(t, err)
	testutil.RemoveFile(t, f.dir, "a.conf")

	_, err = f.engine.Compare(ctx, f.dir)
	require.NoError(t, err)
	assert.Empty(t, f.notifier.Alerts())
}

func TestCompare_AlertFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, true)
	f.notifier.err = errors.New("endpoint down")
	ctx := context.Background()

	_, err := f.engine.Snapshot(ctx, f.dir)
	require.NoError(t, err)
	testutil.WriteFile(t, f.dir, "a.conf", "x=9")

	report, err := f.engine.Compare(ctx, f.dir)
	require.NoError(t, err)
	assert.True(t, report.HasDrift())
	assert.Len(t, f.notifier.Alerts(), 1)
}

func TestSnapshot_ExcludesBaselineInsideDirectory(t *testing.T) {
	dir := testutil.WriteFiles(t, t.TempDir(), map[string]string{"a.conf": "x=1"})
	store := baseline.NewStore(filepath.Join(dir, baseline.DefaultFile))
	engine := NewEngine(config.Default(), store, nil, nil, testutil.Logger(), false)
	ctx := context.Background()

	snap, err := engine.Snapshot(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.conf")}, snap.Paths())

	// Rewriting the baseline must not show up as drift.
	_, err = engine.Snapshot(ctx, dir)
	require.NoError(t, err)

	report, err := engine.Compare(ctx, dir)
	require.NoError(t, err)
	assert.False(t, report.HasDrift())
}

func TestSnapshot_ConfiguredExcludes(t *testing.T) {
	dir := testutil.WriteFiles(t, t.TempDir(), map[string]string{
		"a.conf":      "x=1",
		".a.conf.swp": "junk",
	})
	cfg := config.Default()
	cfg.Monitor.Exclude = []string{"*.swp"}
	engine := NewEngine(cfg, baseline.NewStore(filepath.Join(t.TempDir(), "s.json")), nil, nil, testutil.Logger(), false)

	snap, err := engine.Snapshot(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.conf")}, snap.Paths())
}

func TestMonitorExcludes(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Monitor.Exclude = []string{"*~"}

	inside := NewEngine(cfg, baseline.NewStore(filepath.Join(dir, "snapshot.json")), nil, nil, testutil.Logger(), false)
	patterns, err := fingerprint.CompilePatterns(inside.monitorExcludes(dir))
	require.NoError(t, err)
	assert.True(t, fingerprint.Matches(patterns, "snapshot.json"))
	assert.True(t, fingerprint.Matches(patterns, ".driftwatch-tmp-12345"))
	assert.True(t, fingerprint.Matches(patterns, "a.conf~"))
	assert.False(t, fingerprint.Matches(patterns, "a.conf"))

	outside := NewEngine(cfg, baseline.NewStore(filepath.Join(t.TempDir(), "snapshot.json")), nil, nil, testutil.Logger(), false)
	assert.Equal(t, []string{"*~"}, outside.monitorExcludes(dir))
}

func TestMetricsRecorded(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.engine.Snapshot(ctx, f.dir)
	require.NoError(t, err)
	testutil.WriteFile(t, f.dir, "c.conf", "z=3")
	_, err = f.engine.Compare(ctx, f.dir)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	f.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, "driftwatch_snapshots_total 1")
	assert.Contains(t, body, "driftwatch_comparisons_total 1")
	assert.Contains(t, body, `driftwatch_drift_records_total{kind="New"} 1`)
	assert.Contains(t, body, "driftwatch_baseline_files 2")
}

func TestMonitor_RequiresBaseline(t *testing.T) {
	f := newFixture(t, false)
	f.engine.watch = func(string) (monitor.Source, error) {
		t.Fatal("watch must not be called without a baseline")
		return nil, nil
	}

	err := f.engine.Monitor(context.Background(), f.dir, nil)
	assert.ErrorIs(t, err, baseline.ErrBaselineMissing)
}

func TestMonitor_ReportsDriftOnChange(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := f.engine.Snapshot(ctx, f.dir)
	require.NoError(t, err)

	src := &fakeSource{events: make(chan fsnotify.Event), errs: make(chan error)}
	f.engine.watch = func(dir string) (monitor.Source, error) {
		assert.Equal(t, f.dir, dir)
		return src, nil
	}

	reports := make(chan drift.Report, 1)
	done := make(chan error, 1)
	go func() {
		done <- f.engine.Monitor(ctx, f.dir, func(r drift.Report) { reports <- r })
	}()

	testutil.WriteFile(t, f.dir, "b.conf", "y=3")
	src.events <- fsnotify.Event{Name: f.path("b.conf"), Op: fsnotify.Write}

	select {
	case r := <-reports:
		assert.Equal(t, drift.Report{{Kind: drift.Changed, Path: f.path("b.conf")}}, r)
	case <-time.After(5 * time.Second):
		t.Fatal("no drift reported")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.True(t, src.closed)
	assert.Len(t, f.notifier.Alerts(), 1)
}

func TestMonitor_SubscribeFailure(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.engine.Snapshot(context.Background(), f.dir)
	require.NoError(t, err)

	f.engine.watch = func(string) (monitor.Source, error) {
		return nil, monitor.ErrSubscribe
	}

	err = f.engine.Monitor(context.Background(), f.dir, nil)
	assert.ErrorIs(t, err, monitor.ErrSubscribe)
}
