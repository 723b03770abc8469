// Package schedule runs the periodic panel jobs: anti-ghosting full
// refreshes and page captures.
package schedule

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"epaperd/internal/battery"
	"epaperd/internal/capture"
	"epaperd/internal/epd"
	appLog "epaperd/internal/log"
)

// Job is a named task run on a standard five field cron spec.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler wraps a cron runner. Runs of the same job never overlap.
type Scheduler struct {
	c   *cron.Cron
	ctx context.Context
}

// New registers jobs. Jobs with an empty spec are skipped. ctx is passed to
// every run; cancel it to abort running jobs.
func New(ctx context.Context, jobs ...Job) (*Scheduler, error) {
	l := cronLogger{}
	s := &Scheduler{
		c: cron.New(
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		ctx: ctx,
	}
	var errs []error
	for _, j := range jobs {
		if j.Spec == "" {
			continue
		}
		if _, err := s.c.AddFunc(j.Spec, s.wrap(j)); err != nil {
			errs = append(errs, fmt.Errorf("schedule: job %s: %w", j.Name, err))
			continue
		}
		appLog.Info("job scheduled", "job", j.Name, "spec", j.Spec)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) wrap(j Job) func() {
	return func() {
		appLog.Debug("job started", "job", j.Name)
		if err := j.Run(s.ctx); err != nil {
			appLog.Error("job failed", err, "job", j.Name)
			return
		}
		appLog.Debug("job finished", "job", j.Name)
	}
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.c.Entries())
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// RefreshJob runs a full refresh, clearing the ghosting partial updates
// leave behind.
func RefreshJob(spec string, l *epd.Locked) Job {
	return Job{
		Name: "full_refresh",
		Spec: spec,
		Run: func(context.Context) error {
			return l.Do(func(d *epd.Driver) error { return d.Refresh(false) })
		},
	}
}

// CaptureJob captures a page and shows it on the panel.
func CaptureJob(spec string, opts capture.Options, d *epd.Display, partial bool) Job {
	return Job{
		Name: "capture",
		Spec: spec,
		Run: func(ctx context.Context) error {
			img, err := capture.Image(ctx, opts)
			if err != nil {
				return err
			}
			return d.Show(img, partial)
		},
	}
}

// BatteryGuard returns j with runs skipped while the battery is below
// minPercent. A failed battery read does not block the job.
func BatteryGuard(j Job, r battery.Reader, minPercent int) Job {
	if r == nil || minPercent <= 0 {
		return j
	}
	run := j.Run
	j.Run = func(ctx context.Context) error {
		st, err := r.Read(ctx)
		switch {
		case err != nil:
			appLog.Warn("battery read failed; running job anyway", "job", j.Name, "err", err)
		case st.Percent < minPercent:
			appLog.Warn("battery low; job skipped", "job", j.Name, "percent", st.Percent, "min", minPercent)
			return nil
		}
		return run(ctx)
	}
	return j
}

// cronLogger routes cron's own messages to the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}
