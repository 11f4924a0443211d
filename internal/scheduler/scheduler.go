package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is a named periodic task. A job never overlaps itself: if a run is
// still in flight when the next tick fires, the tick is skipped.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)

	running atomic.Bool
}

// Scheduler drives a set of reconciliation jobs on independent tickers.
type Scheduler struct {
	jobs []*Job
	log  *zap.Logger
	wg   sync.WaitGroup

	mu      sync.Mutex
	lastRun map[string]time.Time
}

func New(log *zap.Logger) *Scheduler {
	return &Scheduler{log: log, lastRun: make(map[string]time.Time)}
}

func (s *Scheduler) Add(name string, interval time.Duration, run func(ctx context.Context)) {
	s.jobs = append(s.jobs, &Job{Name: name, Interval: interval, Run: run})
}

// Start launches one goroutine per job. Jobs run once immediately, then on
// every tick. Returns after spawning; use Wait to block until ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job *Job) {
			defer s.wg.Done()
			s.log.Info("scheduler job started",
				zap.String("job", job.Name),
				zap.Duration("interval", job.Interval),
			)

			s.runOnce(ctx, job)

			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					s.log.Info("scheduler job stopped", zap.String("job", job.Name))
					return
				case <-ticker.C:
					s.runOnce(ctx, job)
				}
			}
		}(job)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job *Job) {
	if !job.running.CompareAndSwap(false, true) {
		s.log.Warn("previous run still in flight, skipping tick", zap.String("job", job.Name))
		return
	}
	defer job.running.Store(false)

	start := time.Now()
	job.Run(ctx)
	s.mu.Lock()
	s.lastRun[job.Name] = time.Now().UTC()
	s.mu.Unlock()
	s.log.Debug("scheduler job finished",
		zap.String("job", job.Name),
		zap.Duration("took", time.Since(start)),
	)
}

// LastRuns reports when each job last completed, for health reporting.
func (s *Scheduler) LastRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.lastRun))
	for name, t := range s.lastRun {
		out[name] = t
	}
	return out
}

// Wait blocks until all job goroutines have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
