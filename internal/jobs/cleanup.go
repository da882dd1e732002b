package jobs

import (
	"context"
	"log/slog"

	"trafficdash/internal/catalog"
	"trafficdash/internal/observability"
	"trafficdash/internal/snapshots"
	"trafficdash/internal/timeframe"
)

// CleanupJob deletes daily snapshots older than the retention period
type CleanupJob struct {
	store         snapshots.Store
	catalog       *catalog.Catalog
	today         func() timeframe.DateKey
	retentionDays int
	metrics       *observability.Metrics
	logger        *slog.Logger
}

func NewCleanupJob(store snapshots.Store, cat *catalog.Catalog, today func() timeframe.DateKey, retentionDays int, metrics *observability.Metrics, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		store:         store,
		catalog:       cat,
		today:         today,
		retentionDays: retentionDays,
		metrics:       metrics,
		logger:        logger,
	}
}

// Enabled reports whether a retention period is configured
func (j *CleanupJob) Enabled() bool {
	return j.retentionDays > 0
}

// Run removes rows dated before today minus the retention period, one family
// at a time on a single connection.
func (j *CleanupJob) Run(ctx context.Context) error {
	if !j.Enabled() {
		return nil
	}

	cutoff := j.today().AddDays(-j.retentionDays)
	j.logger.Info("Starting cleanup of old snapshots",
		slog.Int("retention_days", j.retentionDays),
		slog.String("cutoff_date", cutoff.String()))

	var total int64
	err := j.store.WithConn(ctx, func(sess snapshots.Session) error {
		for _, family := range j.catalog.Daily() {
			deleted, err := sess.Prune(ctx, family, cutoff)
			if err != nil {
				j.logger.Error("Failed to delete old snapshots",
					slog.String("family", family.ID),
					slog.Any("error", err),
					slog.Int64("deleted_so_far", total))
				return err
			}
			j.metrics.Pruned(family.ID, deleted)
			total += deleted
		}
		return nil
	})
	if err != nil {
		return err
	}

	if total == 0 {
		j.logger.Debug("No old snapshots to clean up")
		return nil
	}

	j.logger.Info("Cleaned up old snapshots",
		slog.Int64("deleted_count", total),
		slog.Int("retention_days", j.retentionDays))
	return nil
}
