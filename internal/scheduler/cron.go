package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultMaintenanceSpec is how often stale claims are swept while running.
const DefaultMaintenanceSpec = "@every 1m"

// Cron runs periodic maintenance tasks.
type Cron struct {
	cron *cron.Cron
}

// NewCron creates and starts a cron scheduler.
func NewCron() *Cron {
	// Standard 5-field expressions plus @every descriptors, with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Cron{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (c *Cron) AddJob(expr string, task func()) error {
	_, err := c.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (c *Cron) Stop() {
	<-c.cron.Stop().Done()
}

// RegisterMaintenance adds the stale-claim sweep to c.
func (s *Scheduler) RegisterMaintenance(ctx context.Context, c *Cron, spec string) error {
	if spec == "" {
		spec = DefaultMaintenanceSpec
	}
	return c.AddJob(spec, func() {
		if _, err := s.RecoverStaleJobs(ctx); err != nil {
			slog.Error("Scheduler.maintenance: stale job sweep failed", "error", err)
		}
	})
}
