package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/onnwee/live-router/telemetry"
)

// DefaultSweepSchedule runs every six hours.
const DefaultSweepSchedule = "0 */6 * * *"

// Runner performs one bootstrap and sweep pass.
type Runner interface {
	Bootstrap(ctx context.Context) (bool, error)
	SweepAll(ctx context.Context) (SweepResult, error)
}

// RunReport is the outcome of one scheduled run.
type RunReport struct {
	Bootstrapped bool        `json:"bootstrapped"`
	Sweep        SweepResult `json:"sweep"`
	Skipped      bool        `json:"skipped"`
}

// Scheduler triggers token sweeps at boot, on a cron schedule and on
// demand. Overlapping runs are skipped.
type Scheduler struct {
	Runner   Runner
	Schedule string
	Location *time.Location
	Timeout  time.Duration
	Logger   *slog.Logger

	running atomic.Bool
	cron    *cron.Cron
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default().With(slog.String("component", "oauth_scheduler"))
}

// RunNow runs bootstrap then sweep unless a run is already in progress.
func (s *Scheduler) RunNow(ctx context.Context) (RunReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger().Info("token sweep already running; skipped")
		return RunReport{Skipped: true}, nil
	}
	defer s.running.Store(false)

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	var rep RunReport
	err := telemetry.Trace(ctx, "oauth", "TokenSweep", func(ctx context.Context) error {
		ok, err := s.Runner.Bootstrap(ctx)
		if err != nil {
			s.logger().Warn("bootstrap failed", slog.Any("err", err))
		}
		rep.Bootstrapped = ok
		res, err := s.Runner.SweepAll(ctx)
		rep.Sweep = res
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		return nil
	})
	return rep, err
}

// Start schedules recurring runs and, when onBoot is set, runs once in the
// background immediately. Runs stop when ctx is done.
func (s *Scheduler) Start(ctx context.Context, onBoot bool) error {
	spec := s.Schedule
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { s.runLogged(ctx, "cron") }); err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	s.cron = c
	c.Start()
	s.logger().Info("token sweep scheduled", slog.String("schedule", spec), slog.String("tz", loc.String()))
	if onBoot {
		go s.runLogged(ctx, "boot")
	}
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

func (s *Scheduler) runLogged(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	rep, err := s.RunNow(ctx)
	if err != nil {
		s.logger().Error("token sweep failed", slog.String("trigger", trigger), slog.Any("err", err))
		return
	}
	if !rep.Skipped {
		s.logger().Info("token sweep finished", slog.String("trigger", trigger), slog.Bool("bootstrapped", rep.Bootstrapped),
			slog.Int("ok", rep.Sweep.OK), slog.Int("reauth", rep.Sweep.Reauth), slog.Int("failed", len(rep.Sweep.Failed)))
	}
}
