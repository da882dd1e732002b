package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job names
const (
	LiveJobName    = "live_poller"
	WarmupJobName  = "warmup"
	CleanupJobName = "cleanup"
)

// Refresher is implemented by the live board
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Options configures the Scheduler
type Options struct {
	Board          Refresher
	Warmup         *WarmupJob
	Cleanup        *CleanupJob
	LiveInterval   time.Duration
	WarmupSchedule string
	Location       *time.Location
}

// Scheduler is responsible for running background jobs
type Scheduler struct {
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	enabled   bool
	isRunning bool
	opts      Options

	// Each job runs at most once at a time
	processingMutex sync.Mutex
	processing      map[string]bool

	liveTicker    *time.Ticker
	cleanupTicker *time.Ticker
	cron          *cron.Cron
}

func NewScheduler(opts Options, logger *slog.Logger) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	s := &Scheduler{
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		enabled:    true,
		isRunning:  false,
		opts:       opts,
		processing: make(map[string]bool),
		cron:       cron.New(cron.WithLocation(loc)),
	}

	if opts.Warmup != nil && opts.WarmupSchedule != "" {
		if _, err := s.cron.AddFunc(opts.WarmupSchedule, func() {
			s.executeJobSafely(WarmupJobName, func() error { return opts.Warmup.Run(s.ctx) })
		}); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid warm-up schedule %q: %w", opts.WarmupSchedule, err)
		}
	}

	return s, nil
}

// executeJobSafely runs a job unless the same job is still executing
func (s *Scheduler) executeJobSafely(jobName string, jobFunc func() error) {
	s.processingMutex.Lock()
	if s.processing[jobName] {
		s.logger.Debug("Skipping job execution - previous run still active", slog.String("job", jobName))
		s.processingMutex.Unlock()
		return
	}
	s.processing[jobName] = true
	s.processingMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", jobName),
				slog.Any("panic", r))
		}

		s.processingMutex.Lock()
		s.processing[jobName] = false
		s.processingMutex.Unlock()
	}()

	if err := jobFunc(); err != nil {
		s.logger.Error("Error executing job", slog.String("job", jobName), slog.Any("error", err))
	}
}

// Start begins all background jobs.
// Implements cartridge.BackgroundWorker interface.
func (s *Scheduler) Start() error {
	if !s.enabled {
		s.logger.Info("Background jobs are disabled.")
		return nil
	}

	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}

	s.logger.Info("Starting background jobs...")

	s.isRunning = true

	if s.opts.Board != nil && s.opts.LiveInterval > 0 {
		s.startLivePoller()
	}

	if s.opts.Cleanup != nil && s.opts.Cleanup.Enabled() {
		s.startCleanupJob()
	}

	s.cron.Start()

	s.logger.Info("Background jobs started",
		slog.Bool("enabled", s.enabled),
		slog.Bool("isRunning", s.isRunning),
		slog.String("warmup_schedule", s.opts.WarmupSchedule))

	return nil
}

func (s *Scheduler) startLivePoller() {
	interval := s.opts.LiveInterval
	s.logger.Info("Starting live poller", slog.Duration("interval", interval))
	s.liveTicker = time.NewTicker(interval)

	go func() {
		// Run initial execution
		s.RefreshLive()

		for {
			select {
			case <-s.liveTicker.C:
				s.RefreshLive()
			case <-s.ctx.Done():
				s.logger.Info("Live poller stopped")
				return
			}
		}
	}()
}

func (s *Scheduler) startCleanupJob() {
	interval := 24 * time.Hour
	s.logger.Info("Starting cleanup job", slog.Duration("interval", interval))
	s.cleanupTicker = time.NewTicker(interval)

	go func() {
		s.executeJobSafely(CleanupJobName, func() error { return s.opts.Cleanup.Run(s.ctx) })

		for {
			select {
			case <-s.cleanupTicker.C:
				s.executeJobSafely(CleanupJobName, func() error { return s.opts.Cleanup.Run(s.ctx) })
			case <-s.ctx.Done():
				s.logger.Info("Cleanup job stopped")
				return
			}
		}
	}()
}

// RefreshLive runs one live board refresh, skipping it when one is already
// in progress.
func (s *Scheduler) RefreshLive() {
	if s.opts.Board == nil {
		return
	}
	s.executeJobSafely(LiveJobName, func() error { return s.opts.Board.Refresh(s.ctx) })
}

// Stop halts all background jobs.
// Implements cartridge.BackgroundWorker interface.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping background jobs...")
	s.enabled = false

	if s.liveTicker != nil {
		s.liveTicker.Stop()
	}
	if s.cleanupTicker != nil {
		s.cleanupTicker.Stop()
	}

	s.cancel()
	<-s.cron.Stop().Done()
	s.isRunning = false
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	return s.isRunning
}

// WarmUp runs the cache warm-up immediately
func (s *Scheduler) WarmUp() error {
	if s.opts.Warmup == nil {
		return nil
	}
	return s.opts.Warmup.Run(s.ctx)
}
