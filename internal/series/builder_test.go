package series

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"trafficdash/internal/catalog"
	"trafficdash/internal/observability"
	"trafficdash/internal/records"
	"trafficdash/internal/reporting"
	"trafficdash/internal/snapshots"
	"trafficdash/internal/testsupport"
	"trafficdash/internal/timeframe"
)

// fakeRemote answers daily reports by start date
type fakeRemote struct {
	mu       sync.Mutex
	reports  map[string]*reporting.RawReport
	errs     map[string]error
	realtime *reporting.RawReport
	calls    []catalog.Query
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		reports: map[string]*reporting.RawReport{},
		errs:    map[string]error{},
	}
}

func (f *fakeRemote) FetchReport(ctx context.Context, q catalog.Query) (*reporting.RawReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, q)
	if err, ok := f.errs[q.StartDate]; ok {
		return nil, err
	}
	if r, ok := f.reports[q.StartDate]; ok {
		return r, nil
	}
	return &reporting.RawReport{
		DimensionNames: q.Dimensions,
		MetricHeaders:  headers(q.Metrics...),
	}, nil
}

func (f *fakeRemote) FetchRealtime(ctx context.Context, q catalog.Query) (*reporting.RawReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, q)
	if f.realtime == nil {
		return nil, reporting.ErrRemoteUnavailable
	}
	return f.realtime, nil
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// gatedRemote holds every report request until release is closed
type gatedRemote struct {
	*fakeRemote
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedRemote() *gatedRemote {
	return &gatedRemote{
		fakeRemote: newFakeRemote(),
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (g *gatedRemote) FetchReport(ctx context.Context, q catalog.Query) (*reporting.RawReport, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.fakeRemote.FetchReport(ctx, q)
}

func headers(names ...string) []reporting.MetricHeaderEntry {
	out := make([]reporting.MetricHeaderEntry, len(names))
	for i, n := range names {
		out[i] = reporting.MetricHeaderEntry{Name: n}
	}
	return out
}

func bandwidthReport(pageviews, users string) *reporting.RawReport {
	return &reporting.RawReport{
		MetricHeaders: headers("ga:pageviews", "ga:users"),
		Rows:          []reporting.Row{{Metrics: [][]string{{pageviews, users}}}},
	}
}

func newTestStore(t *testing.T) *snapshots.GormStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	store := snapshots.NewGormStore(db)
	require.NoError(t, store.Migrate(context.Background(), catalog.Default().Daily()))
	return store
}

func newTestBuilder(t *testing.T, store snapshots.Store, remote reporting.Remote, now string, policy string) (*Builder, *observability.Metrics) {
	t.Helper()

	fixed, err := time.Parse(time.RFC3339, now)
	require.NoError(t, err)

	m := observability.NewMetrics(prometheus.NewRegistry())
	return NewBuilder(Options{
		Store:         store,
		Remote:        remote,
		Metrics:       m,
		Clock:         &timeframe.FixedTimeProvider{FixedTime: fixed},
		Location:      time.UTC,
		WindowDays:    3,
		TodayPolicy:   policy,
		RangeStart:    "2020-05-10",
		RangeCacheTTL: time.Minute,
	}), m
}

func seed(t *testing.T, store snapshots.Store, familyID string, date timeframe.DateKey, recs ...records.FlatRecord) {
	t.Helper()
	family, err := catalog.Default().Get(familyID)
	require.NoError(t, err)
	err = store.WithConn(context.Background(), func(s snapshots.Session) error {
		_, err := s.Upsert(context.Background(), family, date, recs)
		return err
	})
	require.NoError(t, err)
}

func lookup(t *testing.T, store snapshots.Store, familyID string, date timeframe.DateKey) ([]records.FlatRecord, bool) {
	t.Helper()
	family, err := catalog.Default().Get(familyID)
	require.NoError(t, err)
	var (
		recs []records.FlatRecord
		ok   bool
	)
	err = store.WithConn(context.Background(), func(s snapshots.Session) error {
		recs, ok, err = s.Lookup(context.Background(), family, date)
		return err
	})
	require.NoError(t, err)
	return recs, ok
}

func bwRecord(date, pageviews, users string) records.FlatRecord {
	return records.New(
		records.Text("pageviews", pageviews),
		records.Text("users", users),
		records.Text("date", date),
		records.Text("description", ""),
	)
}

var threeDays = []timeframe.DateKey{"2024-01-01", "2024-01-02", "2024-01-03"}

func TestBuildThreeDayScenario(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	builder, m := newTestBuilder(t, store, remote, "2024-01-10T12:00:00Z", TodayRefetch)

	cached := bwRecord("2024-01-01", "5", "10")
	seed(t, store, catalog.Bandwidth, "2024-01-01", cached)
	remote.reports["2024-01-02"] = bandwidthReport("3", "7")

	s, err := builder.Build(context.Background(), catalog.Bandwidth, threeDays)
	require.NoError(t, err)

	require.Equal(t, 3, s.Len())
	assert.Equal(t, threeDays, s.Dates())

	require.Len(t, s.Points[0].Records, 1)
	assert.True(t, cached.Equal(s.Points[0].Records[0]))

	require.Len(t, s.Points[1].Records, 1)
	assert.Equal(t, "7", s.Points[1].Records[0].Value("users"))
	assert.Equal(t, "3", s.Points[1].Records[0].Value("pageviews"))

	require.Len(t, s.Points[2].Records, 1)
	assert.Equal(t, "0", s.Points[2].Records[0].Value("users"))
	assert.Equal(t, "0", s.Points[2].Records[0].Value("pageviews"))

	// day 1 was a hit, days 2 and 3 were fetched
	assert.Equal(t, 2, remote.callCount())
	for _, d := range threeDays {
		_, ok := lookup(t, store, catalog.Bandwidth, d)
		assert.True(t, ok, d)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("bandwidth", "hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("bandwidth", "miss")))
}

func TestBuildIsIdempotentOnCachedWindow(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	builder, _ := newTestBuilder(t, store, remote, "2024-01-10T12:00:00Z", TodayRefetch)
	remote.reports["2024-01-02"] = bandwidthReport("3", "7")

	first, err := builder.Build(context.Background(), catalog.Bandwidth, threeDays)
	require.NoError(t, err)
	calls := remote.callCount()

	// a changed upstream must not leak into finalized days
	remote.reports["2024-01-02"] = bandwidthReport("300", "700")

	second, err := builder.Build(context.Background(), catalog.Bandwidth, threeDays)
	require.NoError(t, err)
	assert.Equal(t, calls, remote.callCount())
	assert.Equal(t, first, second)

	stored, _ := lookup(t, store, catalog.Bandwidth, "2024-01-02")
	require.Len(t, stored, 1)
	assert.Equal(t, "7", stored[0].Value("users"))
}

func TestBuildFailurePropagation(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	builder, m := newTestBuilder(t, store, remote, "2024-01-10T12:00:00Z", TodayRefetch)

	cached := bwRecord("2024-01-01", "5", "10")
	seed(t, store, catalog.Bandwidth, "2024-01-01", cached)
	remote.errs["2024-01-02"] = reporting.ErrRemoteUnavailable

	s, err := builder.Build(context.Background(), catalog.Bandwidth, threeDays)
	require.Error(t, err)
	assert.True(t, errors.Is(err, reporting.ErrRemoteUnavailable))
	assert.True(t, s.IsEmpty())

	day1, ok := lookup(t, store, catalog.Bandwidth, "2024-01-01")
	require.True(t, ok)
	assert.True(t, cached.Equal(day1[0]))

	_, ok = lookup(t, store, catalog.Bandwidth, "2024-01-02")
	assert.False(t, ok)
	_, ok = lookup(t, store, catalog.Bandwidth, "2024-01-03")
	assert.False(t, ok)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SeriesBuildsTotal.WithLabelValues("bandwidth", "failed")))
}

func TestBuildMalformedReportFails(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	builder, _ := newTestBuilder(t, store, remote, "2024-01-10T12:00:00Z", TodayRefetch)
	remote.reports["2024-01-01"] = &reporting.RawReport{MetricHeaders: headers("ga:users")}

	_, err := builder.Build(context.Background(), catalog.Bandwidth, threeDays[:1])
	assert.True(t, errors.Is(err, reporting.ErrRemoteMalformed))
}

func TestBuildStoreFailureAborts(t *testing.T) {
	store := newTestStore(t)
	builder, _ := newTestBuilder(t, store, newFakeRemote(), "2024-01-10T12:00:00Z", TodayRefetch)

	builder.store = failingStore{}

	_, err := builder.Build(context.Background(), catalog.Bandwidth, threeDays)
	assert.True(t, errors.Is(err, snapshots.ErrStoreUnavailable))
}

type failingStore struct{}

func (failingStore) WithConn(ctx context.Context, fn func(snapshots.Session) error) error {
	return fmt.Errorf("%w: connection refused", snapshots.ErrStoreUnavailable)
}

func (failingStore) Migrate(ctx context.Context, families []catalog.Family) error { return nil }

func (failingStore) Ping(ctx context.Context) error { return snapshots.ErrStoreUnavailable }

func TestBuildCoversEveryDateOfAWindow(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	builder, _ := newTestBuilder(t, store, remote, "2024-03-02T08:00:00Z", TodayTrust)
	builder.windowDays = 10

	for _, id := range []string{catalog.Bandwidth, catalog.OS, catalog.Browser, catalog.Device, catalog.Sessions, catalog.Pageviews} {
		s, err := builder.Window(context.Background(), id)
		require.NoError(t, err, id)
		require.Equal(t, 10, s.Len(), id)
		assert.Equal(t, timeframe.DateKey("2024-02-22"), s.Points[0].Date)
		assert.Equal(t, timeframe.DateKey("2024-03-02"), s.Points[9].Date)
		for _, p := range s.Points {
			assert.NotEmpty(t, p.Records, "%s %s", id, p.Date)
		}
	}
}

func TestBuildTodayPolicies(t *testing.T) {
	for _, tt := range []struct {
		policy    string
		wantUsers string
		wantCalls int
	}{
		{policy: TodayRefetch, wantUsers: "9", wantCalls: 2},
		{policy: TodayTrust, wantUsers: "4", wantCalls: 1},
	} {
		t.Run(tt.policy, func(t *testing.T) {
			store := newTestStore(t)
			remote := newFakeRemote()
			builder, _ := newTestBuilder(t, store, remote, "2024-01-03T18:00:00Z", tt.policy)
			today := []timeframe.DateKey{"2024-01-03"}

			remote.reports["2024-01-03"] = bandwidthReport("2", "4")
			_, err := builder.Build(context.Background(), catalog.Bandwidth, today)
			require.NoError(t, err)

			remote.reports["2024-01-03"] = bandwidthReport("5", "9")
			s, err := builder.Build(context.Background(), catalog.Bandwidth, today)
			require.NoError(t, err)

			assert.Equal(t, tt.wantUsers, s.Points[0].Records[0].Value("users"))
			assert.Equal(t, tt.wantCalls, remote.callCount())

			stored, _ := lookup(t, store, catalog.Bandwidth, "2024-01-03")
			require.Len(t, stored, 1)
			assert.Equal(t, tt.wantUsers, stored[0].Value("users"))
		})
	}
}

func TestBuildRejectsNonDailyFamilies(t *testing.T) {
	builder, _ := newTestBuilder(t, newTestStore(t), newFakeRemote(), "2024-01-10T12:00:00Z", TodayRefetch)

	_, err := builder.Build(context.Background(), catalog.Overall, threeDays)
	assert.True(t, errors.Is(err, ErrNotDaily))

	_, err = builder.Build(context.Background(), "weather", threeDays)
	assert.True(t, errors.Is(err, catalog.ErrUnknownFamily))
}

func TestSnapshotIsMemoized(t *testing.T) {
	remote := newFakeRemote()
	builder, m := newTestBuilder(t, newTestStore(t), remote, "2024-01-10T12:00:00Z", TodayRefetch)
	remote.reports["2020-05-10"] = &reporting.RawReport{
		DimensionNames: []string{"ga:userType"},
		MetricHeaders:  headers("ga:users"),
		Rows: []reporting.Row{
			{Dimensions: []string{"New Visitor"}, Metrics: [][]string{{"80"}}},
			{Dimensions: []string{"Returning Visitor"}, Metrics: [][]string{{"20"}}},
		},
	}

	s, err := builder.Snapshot(context.Background(), catalog.Users)
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	assert.Len(t, s.Latest(), 2)
	assert.Equal(t, "2020-05-10", remote.calls[0].StartDate)
	assert.Equal(t, "2024-01-10", remote.calls[0].EndDate)

	_, err = builder.Snapshot(context.Background(), catalog.Users)
	require.NoError(t, err)
	assert.Equal(t, 1, remote.callCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RangeMemoTotal.WithLabelValues("users", "hit")))

	builder.Invalidate()
	_, err = builder.Snapshot(context.Background(), catalog.Users)
	require.NoError(t, err)
	assert.Equal(t, 2, remote.callCount())

	_, err = builder.Snapshot(context.Background(), catalog.Bandwidth)
	assert.True(t, errors.Is(err, ErrWrongScope))
}

func TestLive(t *testing.T) {
	remote := newFakeRemote()
	builder, _ := newTestBuilder(t, newTestStore(t), remote, "2024-01-10T12:00:00Z", TodayRefetch)

	_, err := builder.Live(context.Background())
	assert.True(t, errors.Is(err, reporting.ErrRemoteUnavailable))

	realtime, err := catalog.Default().Get(catalog.Realtime)
	require.NoError(t, err)
	remote.realtime = &reporting.RawReport{
		DimensionNames: realtime.DimensionNames(),
		MetricHeaders:  headers("rt:activeUsers"),
		Rows: []reporting.Row{{
			Dimensions: []string{"Spain", "Madrid", "Madrid", "-3.7038", "40.4168", "organic", "google"},
			Metrics:    [][]string{{"3"}},
		}},
	}

	s, err := builder.Live(context.Background())
	require.NoError(t, err)
	require.Len(t, s.Latest(), 1)
	assert.Equal(t, "Spain", s.Latest()[0].Value("country"))
	assert.Equal(t, "3", s.Latest()[0].Value("users"))
}

func TestBuildRefetchKeepsAnnotation(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	builder, _ := newTestBuilder(t, store, remote, "2024-01-03T18:00:00Z", TodayRefetch)
	today := []timeframe.DateKey{"2024-01-03"}
	bw, err := catalog.Default().Get(catalog.Bandwidth)
	require.NoError(t, err)

	remote.reports["2024-01-03"] = bandwidthReport("2", "4")
	_, err = builder.Build(context.Background(), catalog.Bandwidth, today)
	require.NoError(t, err)

	err = store.WithConn(context.Background(), func(s snapshots.Session) error {
		_, err := s.Annotate(context.Background(), bw, "2024-01-03", "newsletter sent")
		return err
	})
	require.NoError(t, err)

	remote.reports["2024-01-03"] = bandwidthReport("5", "9")
	s, err := builder.Build(context.Background(), catalog.Bandwidth, today)
	require.NoError(t, err)
	assert.Equal(t, "9", s.Points[0].Records[0].Value("users"))
	assert.Equal(t, "newsletter sent", s.Points[0].Records[0].Value("description"))

	stored, _ := lookup(t, store, catalog.Bandwidth, "2024-01-03")
	require.Len(t, stored, 1)
	assert.Equal(t, "9", stored[0].Value("users"))
	assert.Equal(t, "newsletter sent", stored[0].Value("description"))
}

// buildTwice starts two builds of the same missing day, the second one only
// after the first is waiting on the remote, and returns both outcomes once
// the remote has been released.
func buildTwice(t *testing.T, builder *Builder, remote *gatedRemote, m *observability.Metrics, first context.Context, beforeRelease func()) ([]Series, []error) {
	t.Helper()

	day := []timeframe.DateKey{"2024-01-02"}
	results := make([]Series, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	run := func(i int, ctx context.Context) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = builder.Build(ctx, catalog.Bandwidth, day)
		}()
	}

	run(0, first)
	<-remote.started
	run(1, context.Background())

	// the second build has missed the cache and is about to join the fetch
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues(catalog.Bandwidth, observability.ResultMiss)) == 2
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	if beforeRelease != nil {
		beforeRelease()
	}
	close(remote.release)
	wg.Wait()
	return results, errs
}

func TestConcurrentBuildsShareOneFetch(t *testing.T) {
	store := testsupport.SetupTestStore(t)
	remote := newGatedRemote()
	remote.reports["2024-01-02"] = bandwidthReport("3", "7")
	builder, m := newTestBuilder(t, store, remote, "2024-01-10T12:00:00Z", TodayRefetch)

	results, errs := buildTwice(t, builder, remote, m, context.Background(), nil)

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, "7", results[i].Points[0].Records[0].Value("users"))
	}
	assert.Equal(t, 1, remote.callCount())

	stored, ok := lookup(t, store, catalog.Bandwidth, "2024-01-02")
	require.True(t, ok)
	assert.Len(t, stored, 1)
}

func TestSharedFetchOutlivesCancelledCaller(t *testing.T) {
	store := testsupport.SetupTestStore(t)
	remote := newGatedRemote()
	remote.reports["2024-01-02"] = bandwidthReport("3", "7")
	builder, m := newTestBuilder(t, store, remote, "2024-01-10T12:00:00Z", TodayRefetch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results, errs := buildTwice(t, builder, remote, m, ctx, cancel)

	require.NoError(t, errs[1], "the waiting build must not inherit the cancellation")
	assert.Equal(t, "7", results[1].Points[0].Records[0].Value("users"))
	assert.Equal(t, 1, remote.callCount())

	stored, ok := lookup(t, store, catalog.Bandwidth, "2024-01-02")
	require.True(t, ok)
	assert.Len(t, stored, 1)
}

func TestSnapshotWithoutMemo(t *testing.T) {
	for _, ttl := range []time.Duration{0, -time.Second, time.Nanosecond} {
		t.Run(ttl.String(), func(t *testing.T) {
			remote := newFakeRemote()
			remote.reports["2020-05-10"] = &reporting.RawReport{
				DimensionNames: []string{"ga:userType"},
				MetricHeaders:  headers("ga:users"),
				Rows:           []reporting.Row{{Dimensions: []string{"New Visitor"}, Metrics: [][]string{{"5"}}}},
			}
			builder := NewBuilder(Options{
				Store:         newTestStore(t),
				Remote:        remote,
				RangeStart:    "2020-05-10",
				RangeCacheTTL: ttl,
			})

			for i := 0; i < 2; i++ {
				s, err := builder.Snapshot(context.Background(), catalog.Users)
				require.NoError(t, err)
				assert.Len(t, s.Latest(), 1)
			}
			builder.Invalidate()

			if ttl <= 0 {
				assert.Equal(t, 2, remote.callCount())
			}
			// give a misconfigured expiry sweeper the chance to fail the run
			time.Sleep(50 * time.Millisecond)
		})
	}
}
