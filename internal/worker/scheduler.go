package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"shop-core/internal/cache"
	"shop-core/internal/service"
	"shop-core/internal/util"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Job is a periodic task
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each job on its own ticker. A run holds a shared lock named
// after the job, so only one replica executes it at a time.
type Scheduler struct {
	jobs    []Job
	locker  cache.Locker
	lockTTL time.Duration
	logger  *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

func NewScheduler(locker cache.Locker, lockTTL time.Duration, jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs:    jobs,
		locker:  locker,
		lockTTL: lockTTL,
		logger:  util.Component("scheduler"),
	}
}

// Start starts one loop per job
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return
	}
	s.isRunning = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			s.logger.Warn("Job disabled", zap.String("job", job.Name))
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, job)
		s.logger.Info("Job scheduled", zap.String("job", job.Name), zap.Duration("interval", job.Interval))
	}
}

// Stop cancels every loop and waits for running jobs, or for ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.RunJob(ctx, job)
		}
	}
}

// RunJob runs job once under its lock. A lock held elsewhere skips the run.
// Failures are logged and returned, never fatal.
func (s *Scheduler) RunJob(ctx context.Context, job Job) error {
	lockName := "job:" + job.Name
	token, err := s.locker.Acquire(ctx, lockName, s.lockTTL)
	if errors.Is(err, cache.ErrLockHeld) {
		s.logger.Debug("Job already running elsewhere", zap.String("job", job.Name))
		return nil
	}
	if err != nil {
		s.logger.Error("Failed to acquire job lock", zap.String("job", job.Name), zap.Error(err))
		return err
	}
	defer func() {
		// a cancelled run must still free the lock
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, lockName, token); err != nil {
			s.logger.Warn("Failed to release job lock", zap.String("job", job.Name), zap.Error(err))
		}
	}()

	start := time.Now()
	err = job.Run(ctx)
	elapsed := time.Since(start)
	util.SchedulerJobDuration.WithLabelValues(job.Name).Observe(elapsed.Seconds())

	if err != nil {
		s.logger.Error("Job failed", zap.String("job", job.Name), zap.Duration("elapsed", elapsed), zap.Error(err))
		return err
	}
	s.logger.Info("Job finished", zap.String("job", job.Name), zap.Duration("elapsed", elapsed))
	return nil
}

// MaintenanceJobs returns the RFM and reporting jobs. Reports cover the previous
// UTC day, and the weeks and months holding it.
func MaintenanceJobs(rfm *service.RFMService, analytics *service.AnalyticsService, rfmEvery, reportEvery time.Duration) []Job {
	yesterday := func() time.Time { return time.Now().UTC().AddDate(0, 0, -1) }

	return []Job{
		{Name: "rfm-recompute", Interval: rfmEvery, Run: func(ctx context.Context) error {
			summary, err := rfm.Recompute(ctx)
			if err != nil {
				return err
			}
			return summary.Err
		}},
		{Name: "daily-report", Interval: reportEvery, Run: func(ctx context.Context) error {
			day := yesterday()
			_, reportErr := analytics.GenerateDailyReport(ctx, day)
			_, productErr := analytics.GenerateProductPerformance(ctx, day)
			return multierr.Append(reportErr, productErr)
		}},
		{Name: "weekly-report", Interval: reportEvery, Run: func(ctx context.Context) error {
			_, err := analytics.GenerateWeeklyReport(ctx, yesterday())
			return err
		}},
		{Name: "monthly-report", Interval: reportEvery, Run: func(ctx context.Context) error {
			_, err := analytics.GenerateMonthlyReport(ctx, yesterday())
			return err
		}},
		{Name: "report-cleanup", Interval: 24 * time.Hour, Run: func(ctx context.Context) error {
			_, err := analytics.CleanupOldReports(ctx, time.Now().UTC())
			return err
		}},
	}
}
