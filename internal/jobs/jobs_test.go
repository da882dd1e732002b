package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficdash/internal/catalog"
	"trafficdash/internal/observability"
	"trafficdash/internal/records"
	"trafficdash/internal/reporting"
	"trafficdash/internal/series"
	"trafficdash/internal/snapshots"
	"trafficdash/internal/testsupport"
	"trafficdash/internal/timeframe"
)

type recordingSource struct {
	windows   []string
	snapshots []string
	failOn    string
}

func (r *recordingSource) Catalog() *catalog.Catalog { return catalog.Default() }

func (r *recordingSource) Window(ctx context.Context, familyID string) (series.Series, error) {
	r.windows = append(r.windows, familyID)
	if familyID == r.failOn {
		return series.Series{}, reporting.ErrRemoteUnavailable
	}
	return series.Empty(familyID), nil
}

func (r *recordingSource) Snapshot(ctx context.Context, familyID string) (series.Series, error) {
	r.snapshots = append(r.snapshots, familyID)
	return series.Empty(familyID), nil
}

func TestWarmupBuildsEveryFamily(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	src := &recordingSource{}

	job := NewWarmupJob(src, metrics, testsupport.GetLogger())
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, []string{"bandwidth", "os", "browser", "device", "sessions", "pageviews"}, src.windows)
	assert.Equal(t, []string{"geo-overview", "geo-source", "geo-medium", "users", "overall"}, src.snapshots)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WarmupRunsTotal.WithLabelValues(observability.OutcomeOK)))
}

func TestWarmupContinuesAfterFailure(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	src := &recordingSource{failOn: catalog.OS}

	err := NewWarmupJob(src, metrics, testsupport.GetLogger()).Run(context.Background())
	assert.ErrorIs(t, err, reporting.ErrRemoteUnavailable)
	assert.Len(t, src.windows, 6)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WarmupRunsTotal.WithLabelValues(observability.OutcomeFailed)))
}

func TestCleanupPrunesOldSnapshots(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	store := snapshots.NewGormStore(db)
	bw, err := catalog.Default().Get(catalog.Bandwidth)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.WithConn(ctx, func(sess snapshots.Session) error {
		for _, date := range []string{"2024-02-01", "2024-02-25", "2024-03-01"} {
			rec := records.New(
				records.Text("pageviews", "1"),
				records.Text("users", "1"),
				records.Text("date", date),
				records.Text("description", ""),
			)
			if _, err := sess.Upsert(ctx, bw, timeframe.DateKey(date), []records.FlatRecord{rec}); err != nil {
				return err
			}
		}
		return nil
	}))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	today := func() timeframe.DateKey { return "2024-03-02" }
	job := NewCleanupJob(store, catalog.Default(), today, 7, metrics, testsupport.GetLogger())

	require.True(t, job.Enabled())
	require.NoError(t, job.Run(ctx))

	assert.Equal(t, int64(2), testsupport.CountRows(t, db, "bandwidth"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PrunedRowsTotal.WithLabelValues(catalog.Bandwidth)))
}

func TestCleanupDisabled(t *testing.T) {
	job := NewCleanupJob(nil, catalog.Default(), nil, 0, nil, testsupport.GetLogger())
	assert.False(t, job.Enabled())
	assert.NoError(t, job.Run(context.Background()))
}

type countingBoard struct {
	calls atomic.Int32
	err   error
}

func (b *countingBoard) Refresh(ctx context.Context) error {
	b.calls.Add(1)
	return b.err
}

func TestSchedulerRunsLivePoller(t *testing.T) {
	board := &countingBoard{err: errors.New("upstream down")}
	s, err := NewScheduler(Options{Board: board, LiveInterval: 10 * time.Millisecond}, testsupport.GetLogger())
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())

	assert.Eventually(t, func() bool { return board.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	warmup := NewWarmupJob(&recordingSource{}, nil, testsupport.GetLogger())
	_, err := NewScheduler(Options{Warmup: warmup, WarmupSchedule: "every now and then"}, testsupport.GetLogger())
	assert.Error(t, err)
}

func TestExecuteJobSafely(t *testing.T) {
	s, err := NewScheduler(Options{}, testsupport.GetLogger())
	require.NoError(t, err)

	t.Run("recovers from panics", func(t *testing.T) {
		assert.NotPanics(t, func() {
			s.executeJobSafely("boom", func() error { panic("boom") })
		})
		ran := false
		s.executeJobSafely("boom", func() error { ran = true; return nil })
		assert.True(t, ran, "job is released after a panic")
	})

	t.Run("skips overlapping runs of the same job", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		go s.executeJobSafely("slow", func() error {
			close(started)
			<-release
			return nil
		})
		<-started

		ran := false
		s.executeJobSafely("slow", func() error { ran = true; return nil })
		assert.False(t, ran)

		other := false
		s.executeJobSafely("other", func() error { other = true; return nil })
		assert.True(t, other)

		close(release)
	})
}

func TestWarmUpNow(t *testing.T) {
	src := &recordingSource{}
	s, err := NewScheduler(Options{Warmup: NewWarmupJob(src, nil, testsupport.GetLogger()), WarmupSchedule: "5 0 * * *"}, testsupport.GetLogger())
	require.NoError(t, err)

	require.NoError(t, s.WarmUp())
	assert.Len(t, src.windows, 6)
}
