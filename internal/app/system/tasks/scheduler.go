// internal/app/system/tasks/scheduler.go
package tasks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one run; zero means 30 seconds.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler runs each registered Job on its own ticker. A run that is still
// going when the next tick fires is not overlapped; the tick is skipped.
type Scheduler struct {
	log    *zap.Logger
	jobs   []Job
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler for jobs.
func NewScheduler(logger *zap.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{
		log:    logger,
		jobs:   jobs,
		stopCh: make(chan struct{}),
	}
}

// Add registers another job. It must be called before Start.
func (s *Scheduler) Add(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start launches one goroutine per job.
func (s *Scheduler) Start() {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(job)
	}
	s.log.Info("task scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop signals every job loop to exit and waits for running jobs.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.log.Info("task scheduler stopped")
}

func (s *Scheduler) loop(job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce(job)
		}
	}
}

// RunOnce runs job once with its timeout and logs a failure.
func (s *Scheduler) RunOnce(job Job) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.log.Error("scheduled job failed",
			zap.String("job", job.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}
	s.log.Debug("scheduled job finished",
		zap.String("job", job.Name),
		zap.Duration("elapsed", time.Since(start)))
}
