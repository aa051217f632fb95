// Package cronrunner schedules recurring daemon jobs such as the daily
// session rollover.
package cronrunner

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner wraps a seconds-resolution cron scheduler whose jobs receive a
// shared base context.
type Runner struct {
	cron    *cron.Cron
	log     *slog.Logger
	baseCtx context.Context
}

// New creates a Runner evaluating specs in loc.
func New(baseCtx context.Context, loc *time.Location, log *slog.Logger) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		log:     log.With("component", "cron"),
		baseCtx: baseCtx,
	}
}

// Add registers job under a six-field spec (seconds first).
func (r *Runner) Add(name, spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		if r.baseCtx.Err() != nil {
			return
		}
		r.log.Info("running job", "job", name)
		job(r.baseCtx)
	})
}

// Next returns the next scheduled run of id.
func (r *Runner) Next(id cron.EntryID) time.Time {
	return r.cron.Entry(id).Next
}

// Start begins running scheduled jobs in the background.
func (r *Runner) Start() {
	r.log.Info("cron started", "jobs", len(r.cron.Entries()))
	r.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.log.Info("cron stopped")
}
