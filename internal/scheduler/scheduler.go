// Package scheduler runs the periodic expiry sweeps.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Job is one sweep. It returns how many items it changed.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

type Scheduler struct {
	interval time.Duration
	jobs     []Job
	log      *zap.Logger
}

func New(interval time.Duration, log *zap.Logger, jobs ...Job) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{interval: interval, jobs: jobs, log: log}
}

// Run executes every job at start and then once per interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("starting sweep scheduler", zap.Duration("interval", s.interval), zap.Int("jobs", len(s.jobs)))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			s.log.Info("sweep scheduler stopped")
			return nil
		}
	}
}

// RunOnce runs the jobs in order. A failing job does not stop the ones after it.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			return
		}
		n, err := job.Run(ctx)
		if err != nil {
			s.log.Error("sweep failed", zap.String("job", job.Name), zap.Int("changed", n), zap.Error(err))
			continue
		}
		if n > 0 {
			s.log.Info("sweep completed", zap.String("job", job.Name), zap.Int("changed", n))
		}
	}
}
