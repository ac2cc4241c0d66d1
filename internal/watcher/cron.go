package watcher

import (
	"context"

	internal "github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Cron is a decorator of the cron lib
// this allows the `HandleFunc` pattern to be shared with the file sources.
// It drives the periodic re-check of every program.
type Cron struct {
	inner *internal.Cron
}

// NewCron constructs a new cron schedule watcher, schedules use the standard
// five field syntax or descriptors such as @every 10m
func NewCron(logger logrus.FieldLogger) *Cron {
	return &Cron{
		inner: internal.New(internal.WithLogger(internal.PrintfLogger(logger))),
	}
}

// HandleFunc registers a function to be executed on the provided schedule.
func (cron *Cron) HandleFunc(schedule string, handler func()) error {
	_, err := cron.inner.AddFunc(schedule, handler)
	return err
}

// Run runs the scheduler, it blocks until Stop is called
func (cron *Cron) Run() { cron.inner.Run() }

// Start runs the scheduler in its own goroutine
func (cron *Cron) Start() { cron.inner.Start() }

// Stop shuts down the cron watcher and attempts to wait for any currently
// running functions attached to the scheduler to exit before the provided
// context is done.
func (cron *Cron) Stop(ctx context.Context) error {
	runningJobsCtx := cron.inner.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-runningJobsCtx.Done():
		return nil
	}
}
