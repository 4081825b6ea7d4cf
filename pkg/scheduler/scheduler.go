// Package scheduler drives the periodic jobs: the tariff sync fallback, the
// protective controllers and the history writers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tariffpilot/tariffpilot/pkg/engine"
	"github.com/tariffpilot/tariffpilot/pkg/log"

	"github.com/robfig/cron/v3"
)

// Schedules use a seconds field. The 5-minute jobs fire one minute past the
// market period boundary, giving the push path a full minute to win the
// period before the fallback fires.
const (
	syncSchedule         = "0 1-56/5 * * * *"
	curtailmentSchedule  = "0 1-56/5 * * * *"
	priceHistorySchedule = "0 1-56/5 * * * *"
	energyUsageSchedule  = "0 * * * * *"
	spikeSchedule        = "35 * * * * *"
	demandSchedule       = "45 * * * * *"
)

// Scheduler owns the cron runner. Each job is single-flight: a tick is
// skipped while the previous run of the same job is still going.
type Scheduler struct {
	engine *engine.Engine
	cron   *cron.Cron
}

// New returns a Scheduler for the engine's periodic jobs.
func New(e *engine.Engine) *Scheduler {
	return &Scheduler{engine: e}
}

type job struct {
	name     string
	schedule string
	run      func(ctx context.Context)
}

func (s *Scheduler) jobs() []job {
	return []job{
		{"sync_tou", syncSchedule, s.engine.SyncFallback},
		{"solar_curtailment", curtailmentSchedule, func(ctx context.Context) {
			s.engine.RunCurtailment(ctx, nil)
		}},
		{"save_price_history", priceHistorySchedule, s.engine.SavePriceHistory},
		{"save_energy_usage", energyUsageSchedule, s.engine.SaveEnergyUsage},
		{"monitor_spike", spikeSchedule, s.engine.RunSpike},
		{"demand_grid_charging", demandSchedule, s.engine.RunDemand},
	}
}

// Start registers all jobs and begins the cron loop. It returns immediately;
// jobs stop firing when ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := &cronLogger{ctx: ctx}
	s.cron = cron.New(
		cron.WithParser(cron.NewParser(
			cron.Second|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow,
		)),
		cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		),
	)

	for _, j := range s.jobs() {
		j := j
		_, err := s.cron.AddFunc(j.schedule, func() {
			jctx := log.With(ctx, log.Ctx(ctx).With(slog.String("job", j.name)))
			log.Ctx(jctx).DebugContext(jctx, "running job")
			j.run(jctx)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", j.name, err)
		}
	}

	s.cron.Start()
	go func() {
		<-ctx.Done()
		stopped := s.cron.Stop()
		// wait for in-flight jobs before declaring the scheduler stopped
		<-stopped.Done()
		log.Ctx(ctx).InfoContext(ctx, "scheduler stopped")
	}()
	log.Ctx(ctx).InfoContext(ctx, "scheduler started", slog.Int("jobs", len(s.jobs())))
	return nil
}

// cronLogger adapts the context logger to the cron.Logger interface.
type cronLogger struct {
	ctx context.Context
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Ctx(l.ctx).DebugContext(l.ctx, "cron: "+msg, slog.Any("args", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Ctx(l.ctx).ErrorContext(l.ctx, "cron: "+msg, slog.Any("error", err), slog.Any("args", keysAndValues))
}
