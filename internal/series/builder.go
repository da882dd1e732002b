// Package series assembles date-indexed metric series, reading daily
// snapshots from the store and fetching the missing days from the analytics
// service.
package series

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"trafficdash/internal/catalog"
	"trafficdash/internal/observability"
	"trafficdash/internal/records"
	"trafficdash/internal/reporting"
	"trafficdash/internal/snapshots"
	"trafficdash/internal/timeframe"
)

var (
	// ErrNotDaily is returned when a date series is requested for a family
	// that is not stored per date
	ErrNotDaily = errors.New("family is not a daily family")
	// ErrWrongScope is returned when a range or live fetch targets a family
	// of another scope
	ErrWrongScope = errors.New("family has another scope")
)

// Today policies
const (
	TodayRefetch = "refetch"
	TodayTrust   = "trust"
)

const rangeMemoSize = 64

// Options configures a Builder
type Options struct {
	Catalog       *catalog.Catalog
	Store         snapshots.Store
	Remote        reporting.Remote
	Logger        *slog.Logger
	Metrics       *observability.Metrics
	Clock         timeframe.TimeProvider
	Location      *time.Location
	WindowDays    int
	TodayPolicy   string
	RangeStart    timeframe.DateKey
	RangeCacheTTL time.Duration
}

// Builder is the cache-or-fetch pipeline
type Builder struct {
	catalog     *catalog.Catalog
	store       snapshots.Store
	remote      reporting.Remote
	logger      *slog.Logger
	metrics     *observability.Metrics
	clock       timeframe.TimeProvider
	location    *time.Location
	windowDays  int
	todayPolicy string
	rangeStart  timeframe.DateKey
	fetches     singleflight.Group
	memo        *lru.LRU[string, []records.FlatRecord] // nil when memoization is off
}

// NewBuilder creates a Builder
func NewBuilder(opts Options) *Builder {
	b := &Builder{
		catalog:     opts.Catalog,
		store:       opts.Store,
		remote:      opts.Remote,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		location:    opts.Location,
		windowDays:  opts.WindowDays,
		todayPolicy: opts.TodayPolicy,
		rangeStart:  opts.RangeStart,
	}
	if b.catalog == nil {
		b.catalog = catalog.Default()
	}
	if b.logger == nil {
		b.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if b.clock == nil {
		b.clock = &timeframe.DefaultTimeProvider{}
	}
	if b.location == nil {
		b.location = time.UTC
	}
	if b.windowDays <= 0 {
		b.windowDays = 10
	}
	if b.todayPolicy == "" {
		b.todayPolicy = TodayRefetch
	}
	// without a TTL every range request goes to the remote
	if opts.RangeCacheTTL > 0 {
		// the LRU sweeps expired entries every TTL/100
		ttl := max(opts.RangeCacheTTL, time.Microsecond)
		b.memo = lru.NewLRU[string, []records.FlatRecord](rangeMemoSize, nil, ttl)
	}
	return b
}

// Catalog returns the families the builder serves
func (b *Builder) Catalog() *catalog.Catalog {
	return b.catalog
}

// Today returns the current date in the view's time zone
func (b *Builder) Today() timeframe.DateKey {
	return timeframe.Today(b.clock, b.location)
}

// WindowDates returns the trailing window ending today
func (b *Builder) WindowDates() []timeframe.DateKey {
	return timeframe.Window(b.Today(), b.windowDays)
}

// Window builds the trailing window of a daily family
func (b *Builder) Window(ctx context.Context, familyID string) (Series, error) {
	return b.Build(ctx, familyID, b.WindowDates())
}

// Build returns one point per requested date, in the same order. Dates are
// resolved one after the other on a single store connection; any failure
// aborts the build and no partial series is returned.
func (b *Builder) Build(ctx context.Context, familyID string, dates []timeframe.DateKey) (Series, error) {
	family, err := b.catalog.Get(familyID)
	if err != nil {
		return Series{}, err
	}
	if !family.IsDaily() {
		return Series{}, fmt.Errorf("%w: %s", ErrNotDaily, familyID)
	}

	start := time.Now()
	today := b.Today()
	points := make([]Point, 0, len(dates))

	err = b.store.WithConn(ctx, func(sess snapshots.Session) error {
		for _, date := range dates {
			refresh := date == today && b.todayPolicy == TodayRefetch
			recs, err := b.resolve(ctx, sess, family, date, refresh)
			if err != nil {
				return fmt.Errorf("%s on %s: %w", family.ID, date, err)
			}
			points = append(points, Point{Date: date, Records: recs})
		}
		return nil
	})
	if err != nil {
		b.metrics.SeriesBuild(family.ID, observability.OutcomeFailed, time.Since(start))
		b.logger.Error("Series build failed",
			slog.String("family", family.ID),
			slog.Int("dates", len(dates)),
			slog.Any("error", err))
		return Series{}, err
	}

	b.metrics.SeriesBuild(family.ID, observability.OutcomeOK, time.Since(start))
	return Series{Family: family.ID, Points: points}, nil
}

// resolve returns the records of one date, fetching and storing them on a
// miss or when the date must be refreshed.
func (b *Builder) resolve(ctx context.Context, sess snapshots.Session, family catalog.Family, date timeframe.DateKey, refresh bool) ([]records.FlatRecord, error) {
	if !refresh {
		recs, ok, err := sess.Lookup(ctx, family, date)
		if err != nil {
			return nil, err
		}
		if ok {
			b.metrics.CacheLookup(family.ID, observability.ResultHit)
			return recs, nil
		}
		b.metrics.CacheLookup(family.ID, observability.ResultMiss)
	} else {
		b.metrics.CacheLookup(family.ID, observability.ResultRefresh)
	}

	// Concurrent callers share one fetch. It runs on the first caller's
	// session but not under its cancellation, since the others wait on it;
	// the remote client's timeout still bounds it.
	key := family.ID + "|" + date.String()
	shared := context.WithoutCancel(ctx)
	v, err, _ := b.fetches.Do(key, func() (interface{}, error) {
		b.logger.Debug("Fetching daily report",
			slog.String("family", family.ID),
			slog.String("date", date.String()),
			slog.Bool("refresh", refresh))

		report, err := b.remote.FetchReport(shared, family.Query(date.String(), date.String()))
		if err != nil {
			return nil, err
		}
		flat, err := records.Flatten(family, report, date)
		if err != nil {
			return nil, err
		}
		return b.persist(shared, sess, family, date, flat, refresh)
	})
	if err != nil {
		return nil, err
	}
	return v.([]records.FlatRecord), nil
}

// persist writes freshly fetched records and returns the rows the store
// holds afterwards.
func (b *Builder) persist(ctx context.Context, sess snapshots.Session, family catalog.Family, date timeframe.DateKey, flat []records.FlatRecord, refresh bool) ([]records.FlatRecord, error) {
	if refresh {
		return sess.Replace(ctx, family, date, flat)
	}

	inserted, err := sess.Upsert(ctx, family, date, flat)
	if err != nil {
		return nil, err
	}
	if inserted {
		return flat, nil
	}

	// another writer stored the date first
	stored, ok, err := sess.Lookup(ctx, family, date)
	if err != nil {
		return nil, err
	}
	if !ok {
		return flat, nil
	}
	return stored, nil
}

// Snapshot returns a range family over [range start, today]. Results are
// memoized in memory for the configured TTL and never persisted.
func (b *Builder) Snapshot(ctx context.Context, familyID string) (Series, error) {
	family, err := b.catalog.Get(familyID)
	if err != nil {
		return Series{}, err
	}
	if family.Scope != catalog.ScopeRange {
		return Series{}, fmt.Errorf("%w: %s is %s", ErrWrongScope, family.ID, family.Scope)
	}

	today := b.Today()
	start := b.rangeStart
	if start == "" || today.Before(start) {
		start = today
	}
	key := family.ID + "|" + start.String() + "|" + today.String()

	if b.memo != nil {
		if recs, ok := b.memo.Get(key); ok {
			b.metrics.RangeMemo(family.ID, observability.ResultHit)
			return Series{Family: family.ID, Points: []Point{{Date: today, Records: recs}}}, nil
		}
		b.metrics.RangeMemo(family.ID, observability.ResultMiss)
	}

	began := time.Now()
	v, err, _ := b.fetches.Do(key, func() (interface{}, error) {
		report, err := b.remote.FetchReport(context.WithoutCancel(ctx), family.Query(start.String(), today.String()))
		if err != nil {
			return nil, err
		}
		flat, err := records.Flatten(family, report, "")
		if err != nil {
			return nil, err
		}
		if b.memo != nil {
			b.memo.Add(key, flat)
		}
		return flat, nil
	})
	if err != nil {
		b.metrics.SeriesBuild(family.ID, observability.OutcomeFailed, time.Since(began))
		b.logger.Error("Range snapshot failed", slog.String("family", family.ID), slog.Any("error", err))
		return Series{}, fmt.Errorf("%s: %w", family.ID, err)
	}

	b.metrics.SeriesBuild(family.ID, observability.OutcomeOK, time.Since(began))
	return Series{Family: family.ID, Points: []Point{{Date: today, Records: v.([]records.FlatRecord)}}}, nil
}

// Live fetches the real-time visitor breakdown
func (b *Builder) Live(ctx context.Context) (Series, error) {
	family, err := b.catalog.Get(catalog.Realtime)
	if err != nil {
		return Series{}, err
	}
	if family.Scope != catalog.ScopeRealtime {
		return Series{}, fmt.Errorf("%w: %s is %s", ErrWrongScope, family.ID, family.Scope)
	}

	today := b.Today()
	report, err := b.remote.FetchRealtime(ctx, family.Query(today.String(), today.String()))
	if err != nil {
		return Series{}, fmt.Errorf("%s: %w", family.ID, err)
	}
	flat, err := records.Flatten(family, report, today)
	if err != nil {
		return Series{}, fmt.Errorf("%s: %w", family.ID, err)
	}
	return Series{Family: family.ID, Points: []Point{{Date: today, Records: flat}}}, nil
}

// Invalidate drops every memoized range snapshot
func (b *Builder) Invalidate() {
	if b.memo != nil {
		b.memo.Purge()
	}
}
