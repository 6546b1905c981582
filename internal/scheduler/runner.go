package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// Runner periodically drains due jobs through a fixed-size worker pool.
type Runner struct {
	sched        *Scheduler
	workers      int
	pollInterval time.Duration
}

// NewRunner creates a Runner using the scheduler's pool size and poll interval.
func NewRunner(s *Scheduler) *Runner {
	return &Runner{
		sched:        s,
		workers:      s.cfg.Workers,
		pollInterval: s.cfg.PollInterval,
	}
}

// Run recovers stale claims, then polls until the context is cancelled.
// In-flight jobs finish before Run returns.
func (r *Runner) Run(ctx context.Context) {
	slog.Info("Runner.Run: starting", "workers", r.workers, "pollInterval", r.pollInterval)
	if _, err := r.sched.RecoverStaleJobs(ctx); err != nil {
		slog.Error("Runner.Run: stale job recovery failed", "error", err)
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Runner.Run: stopping")
			return
		case <-ticker.C:
			if _, err := r.Poll(ctx); err != nil {
				slog.Error("Runner.Run: poll failed", "error", err)
			}
		}
	}
}

// Poll hands every currently due job to the worker pool and waits for them to
// finish. Jobs are claimed one at a time as a worker becomes free. It returns
// the number of jobs processed and the claim error that ended the sweep, if any.
func (r *Runner) Poll(ctx context.Context) (int, error) {
	jobs := make(chan models.ScheduledJob)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		processed int
	)
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for job := range jobs {
				if err := r.sched.Process(ctx, job); err != nil {
					// The job stays claimed and is picked up again by stale recovery.
					slog.Error("Runner.Poll: job processing failed", "worker", worker, "job", job.Identity(), "error", err)
				}
				mu.Lock()
				processed++
				mu.Unlock()
			}
		}(i)
	}

	var claimErr error
	for job, err := range r.sched.DueJobs(ctx, r.sched.Now()) {
		if err != nil {
			claimErr = err
			break
		}
		slog.Debug("Runner.Poll: dispatching", "job", job.Identity(), "step", job.Step)
		jobs <- job
	}
	close(jobs)
	wg.Wait()

	if processed > 0 {
		slog.Debug("Runner.Poll: sweep complete", "processed", processed)
	}
	return processed, claimErr
}
