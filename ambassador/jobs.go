package ambassador

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
)

// jobs runs the bot's background work: sweeping expired bans and
// warnings on a fixed interval, and re-evaluating autoroles on a cron
// schedule. Both are skipped while the bot is paused.
type jobs struct {
	a        *Ambassador
	config   *JobsConfig
	cron     *cron.Cron
	logger   *slog.Logger
	cancel   context.CancelFunc
	sweepMu  sync.Mutex
	evalMu   sync.Mutex
	schedule cron.Schedule
}

func newJobs(a *Ambassador, config *JobsConfig) (*jobs, error) {
	j := &jobs{
		a:      a,
		config: config,
		logger: a.logger.With(loggerNameKey, "jobs"),
	}
	if config.AutoroleSchedule != "" {
		schedule, err := cron.ParseStandard(config.AutoroleSchedule)
		if err != nil {
			return j, fmt.Errorf("invalid autorole schedule %q: %w", config.AutoroleSchedule, err)
		}
		j.schedule = schedule
	}
	return j, nil
}

// Start begins the expiry sweep and the autorole schedule. They stop
// when ctx is canceled, or on Stop.
func (j *jobs) Start(ctx context.Context, runtimeWG *sync.WaitGroup) {
	ctx, j.cancel = context.WithCancel(ctx)
	ctx = WithLogger(ctx, j.logger)

	if interval := j.config.ExpirySweepInterval; interval > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					j.sweepExpired(ctx)
				}
			}
		}()
	}

	if j.schedule != nil {
		j.cron = cron.New(cron.WithLogger(cronLogger{logger: j.logger}))
		j.cron.Schedule(j.schedule, cron.FuncJob(func() { j.evaluateAutoroles(ctx) }))
		j.cron.Start()
		j.logger.InfoContext(ctx, "scheduled autorole evaluation", "schedule", j.config.AutoroleSchedule)
	}
}

// Stop halts the schedule, waiting (until ctx is done) for a running
// evaluation to finish
func (j *jobs) Stop(ctx context.Context) {
	if j.cancel != nil {
		j.cancel()
	}
	if j.cron == nil {
		return
	}
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
		j.logger.Warn("timed out waiting for scheduled jobs to stop")
	}
}

// sweepExpired lifts expired bans and removes expired warnings
func (j *jobs) sweepExpired(ctx context.Context) {
	if j.a.paused.Load() {
		return
	}
	if !j.sweepMu.TryLock() {
		j.logger.WarnContext(ctx, "expiry sweep still running, skipping")
		return
	}
	defer j.sweepMu.Unlock()

	bans, err := j.a.moderation.ExpireBans(ctx)
	if err != nil {
		j.logger.ErrorContext(ctx, "error expiring bans", tint.Err(err))
	}
	warnings, err := j.a.moderation.ExpireWarnings(ctx)
	if err != nil {
		j.logger.ErrorContext(ctx, "error expiring warnings", tint.Err(err))
	}
	if bans > 0 || warnings > 0 {
		j.logger.InfoContext(ctx, "expired moderation actions", "bans", bans, "warnings", warnings)
	}
}

// evaluateAutoroles re-evaluates every enabled autorole on every server
func (j *jobs) evaluateAutoroles(ctx context.Context) {
	if ctx.Err() != nil || j.a.paused.Load() {
		return
	}
	if !j.evalMu.TryLock() {
		j.logger.WarnContext(ctx, "autorole evaluation still running, skipping")
		return
	}
	defer j.evalMu.Unlock()

	start := time.Now()
	result, err := j.a.autoroles.Evaluate(ctx, "")
	if err != nil {
		j.logger.ErrorContext(ctx, "error evaluating autoroles", tint.Err(err))
		return
	}
	j.logger.InfoContext(ctx, "scheduled autorole evaluation finished", "result", result, "duration", time.Since(start))
}

// cronLogger adapts slog to [cron.Logger]
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, tint.Err(err))...)
}
