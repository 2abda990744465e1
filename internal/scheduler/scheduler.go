// Package scheduler runs periodic maintenance work, such as the completion-notice
// sweep, on cron expressions.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultNotifySchedule is used when NOTIFY_SCHEDULE is not set.
const DefaultNotifySchedule = "@every 1m"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewParser returns the parser used by Scheduler: 5-field expressions
// (min, hour, dom, month, dow) plus descriptors such as "@every 30s" or "@hourly".
func NewParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// NewScheduler creates and starts a cron scheduler. A task that is still running
// when its next tick arrives is skipped for that tick.
func NewScheduler() *Scheduler {
	c := cron.New(
		cron.WithParser(NewParser()),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddSweep schedules a sweep that reports how much work it did. ctx is passed to
// every run; once it is cancelled runs return immediately.
func (s *Scheduler) AddSweep(ctx context.Context, name, expr string, sweep func(context.Context) (int, error)) error {
	err := s.AddJob(expr, func() {
		if ctx.Err() != nil {
			return
		}
		n, err := sweep(ctx)
		if err != nil {
			slog.Error("Scheduler.AddSweep: run failed", "name", name, "error", err)
			return
		}
		slog.Debug("Scheduler.AddSweep: run complete", "name", name, "count", n)
	})
	if err != nil {
		return err
	}
	slog.Info("Scheduler.AddSweep: scheduled", "name", name, "schedule", expr)
	return nil
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
