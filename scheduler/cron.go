// Package scheduler runs a job on a standard five-field cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Cron fires a job at each activation of a cron expression. Runs never
// overlap: the next activation is computed after the job returns.
type Cron struct {
	spec     string
	schedule cron.Schedule
	loc      *time.Location
	logger   *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New parses spec (minute hour day-of-month month day-of-week) evaluated in loc.
func New(spec string, loc *time.Location, logger *slog.Logger) (*Cron, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("scheduler: empty cron expression")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cron{
		spec:     spec,
		schedule: sched,
		loc:      loc,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
		after:    time.After,
	}, nil
}

// Next returns the first activation strictly after t.
func (c *Cron) Next(t time.Time) time.Time {
	return c.schedule.Next(t.In(c.loc))
}

// Run blocks until ctx is done, invoking job at every activation.
func (c *Cron) Run(ctx context.Context, job func(ctx context.Context, at time.Time)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := c.now().In(c.loc)
		next := c.Next(now)
		wait := next.Sub(now)
		c.logger.Info("next scheduled run", "cron", c.spec, "at", next, "in", wait.Round(time.Second))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.after(wait):
		}
		job(ctx, next)
	}
}
