package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/driftwatch/internal/drift"
	fixtures "github.com/schaermu/driftwatch/internal/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveComparison(drift.Report{{Kind: drift.New, Path: "x"}}, time.Now())
		m.ComparisonFailed()
		m.SnapshotTaken(3)
		m.BaselineLoaded(3)
		m.EventSuppressed()
		m.WatchError()
	})
}

func TestObserveComparison(t *testing.T) {
	m := New()
	at := time.Unix(1_700_000_000, 0)

	m.ObserveComparison(nil, at)
	m.ObserveComparison(drift.Report{
		{Kind: drift.New, Path: "c"},
		{Kind: drift.Changed, Path: "a"},
		{Kind: drift.New, Path: "d"},
	}, at)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.comparisons))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.driftRecords.WithLabelValues("New")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.driftRecords.WithLabelValues("Changed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.driftRecords.WithLabelValues("Deleted")))
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(m.lastComparison))
}

func TestCounters(t *testing.T) {
	m := New()

	m.SnapshotTaken(5)
	m.EventSuppressed()
	m.EventSuppressed()
	m.WatchError()
	m.ComparisonFailed()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.snapshots))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.baselineFiles))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsSuppressed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.watchErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compareFailures))

	m.BaselineLoaded(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.baselineFiles))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveComparison(drift.Report{{Kind: drift.Deleted, Path: "b"}}, time.Now())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "driftwatch_comparisons_total 1")
	assert.Contains(t, body, `driftwatch_drift_records_total{kind="Deleted"} 1`)
	assert.Contains(t, body, `driftwatch_drift_records_total{kind="New"} 0`)
}

func TestServeOn_ShutsDownOnCancel(t *testing.T) {
	m := New()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.serveOn(ctx, listener, fixtures.Logger())
	}()

	url := "http://" + listener.Addr().String() + "/metrics"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && len(body) > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not shut down")
	}
}

func TestServe_ListenError(t *testing.T) {
	t.Setenv("LISTEN_PID", "")

	err := New().Serve(context.Background(), "256.0.0.1:bad", fixtures.Logger())
	assert.Error(t, err)
}

func TestServe_NoListener(t *testing.T) {
	t.Setenv("LISTEN_PID", "")

	err := New().Serve(context.Background(), "", fixtures.Logger())
	assert.ErrorIs(t, err, ErrNoListener)
}

func TestServe_ActivatedWithoutMetricsSocket(t *testing.T) {
	// Socket activation for this process, but the only socket has another name.
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("LISTEN_FDS", "1")
	t.Setenv("LISTEN_FDNAMES", "webhook")

	err := New().Serve(context.Background(), "", fixtures.Logger())
	assert.ErrorIs(t, err, ErrNoListener)
}
