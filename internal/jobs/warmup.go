package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trafficdash/internal/catalog"
	"trafficdash/internal/observability"
	"trafficdash/internal/series"
)

// SeriesSource is the part of the series builder the jobs drive
type SeriesSource interface {
	Catalog() *catalog.Catalog
	Window(ctx context.Context, familyID string) (series.Series, error)
	Snapshot(ctx context.Context, familyID string) (series.Series, error)
}

// WarmupJob fills the snapshot cache for the trailing window of every daily
// family and prefetches the range families, so the first page load of the day
// does not wait on the analytics service.
type WarmupJob struct {
	source  SeriesSource
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewWarmupJob(source SeriesSource, metrics *observability.Metrics, logger *slog.Logger) *WarmupJob {
	return &WarmupJob{
		source:  source,
		metrics: metrics,
		logger:  logger,
	}
}

// Run builds every family once. A failing family does not stop the others;
// all failures are returned together.
func (j *WarmupJob) Run(ctx context.Context) error {
	start := time.Now()
	j.logger.Info("Starting cache warm-up")

	var errs []error
	warmed := 0
	for _, family := range j.source.Catalog().All() {
		var err error
		switch family.Scope {
		case catalog.ScopeDaily:
			_, err = j.source.Window(ctx, family.ID)
		case catalog.ScopeRange:
			_, err = j.source.Snapshot(ctx, family.ID)
		default:
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("warm %s: %w", family.ID, err))
			continue
		}
		warmed++
	}

	if len(errs) > 0 {
		j.metrics.WarmupRun(observability.OutcomeFailed)
		j.logger.Warn("Cache warm-up finished with errors",
			slog.Int("warmed", warmed),
			slog.Int("failed", len(errs)),
			slog.Duration("elapsed", time.Since(start)))
		return errors.Join(errs...)
	}

	j.metrics.WarmupRun(observability.OutcomeOK)
	j.logger.Info("Cache warm-up finished",
		slog.Int("warmed", warmed),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}
