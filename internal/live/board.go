// Package live keeps the most recent real-time visitor snapshot shown on the
// live map.
package live

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"trafficdash/internal/catalog"
	"trafficdash/internal/observability"
	"trafficdash/internal/series"
)

// Source fetches a fresh real-time series
type Source interface {
	Live(ctx context.Context) (series.Series, error)
}

// Board holds the latest live series. Until the first successful refresh it
// serves an empty series.
type Board struct {
	source  Source
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.RWMutex
	current   series.Series
	updatedAt time.Time
}

// NewBoard creates a board fed by source
func NewBoard(source Source, logger *slog.Logger, metrics *observability.Metrics) *Board {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Board{
		source:  source,
		logger:  logger,
		metrics: metrics,
		current: series.Empty(catalog.Realtime),
	}
}

// Current returns the latest series and when it was fetched. The time is
// zero before the first successful refresh.
func (b *Board) Current() (series.Series, time.Time) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current, b.updatedAt
}

// Refresh fetches a new snapshot. On failure the previous snapshot is kept.
func (b *Board) Refresh(ctx context.Context) error {
	s, err := b.source.Live(ctx)
	if err != nil {
		b.metrics.LiveUpdate(observability.OutcomeFailed, 0)
		b.logger.Warn("Live refresh failed, keeping previous snapshot", slog.Any("error", err))
		return err
	}

	b.mu.Lock()
	b.current = s
	b.updatedAt = time.Now()
	b.mu.Unlock()

	visitors := activeUsers(s)
	b.metrics.LiveUpdate(observability.OutcomeOK, visitors)
	b.logger.Debug("Live board updated", slog.Float64("visitors", visitors))
	return nil
}

func activeUsers(s series.Series) float64 {
	var total float64
	for _, r := range s.Latest() {
		if v, err := r.Float("users"); err == nil {
			total += v
		}
	}
	return total
}
