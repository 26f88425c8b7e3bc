package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"givecycle/internal/jobs"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const settlementJobName = "settlement-cycle"

// SettlementRunner runs one settlement pass.
type SettlementRunner interface {
	RunCycle(ctx context.Context) (*jobs.CycleResult, error)
}

// JobScheduler runs the settlement cycle at a fixed interval. A pass that is
// still running when the next tick arrives makes that tick reschedule.
type JobScheduler struct {
	scheduler gocron.Scheduler
	runner    SettlementRunner
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	jobs      map[string]gocron.Job
	mu        sync.RWMutex
	last      *jobs.CycleResult
}

// NewJobScheduler registers the settlement job on a gocron scheduler that
// fires every interval. Nothing runs until Start.
func NewJobScheduler(runner SettlementRunner, interval time.Duration, clock clockwork.Clock, logger *zap.Logger) (*JobScheduler, error) {
	if interval <= 0 {
		interval = time.Hour
	}
	scheduler, err := gocron.NewScheduler(
		gocron.WithClock(clock),
		gocron.WithLogger(gocronLogger{logger.Sugar()}),
		gocron.WithStopTimeout(5*time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	js := &JobScheduler{
		scheduler: scheduler,
		runner:    runner,
		logger:    logger.With(zap.String("component", "job-scheduler")),
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]gocron.Job),
	}

	job, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(js.runSettlementCycle),
		gocron.WithName(settlementJobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register settlement job: %w", err)
	}
	js.jobs[settlementJobName] = job

	js.logger.Info("registered background jobs", zap.Int("count", len(js.jobs)), zap.Duration("settlement_interval", interval))
	return js, nil
}

// Start begins firing scheduled jobs.
func (js *JobScheduler) Start() {
	js.logger.Info("starting background job scheduler")
	js.scheduler.Start()
}

// Stop cancels the running pass and waits for it to finish.
func (js *JobScheduler) Stop() error {
	js.logger.Info("stopping background job scheduler")
	js.cancel()
	return js.scheduler.Shutdown()
}

// RunNow triggers a settlement pass outside the regular schedule.
func (js *JobScheduler) RunNow() error {
	js.mu.RLock()
	job, ok := js.jobs[settlementJobName]
	js.mu.RUnlock()
	if !ok {
		return errors.New("settlement job is not registered")
	}
	return job.RunNow()
}

// LastResult returns the outcome of the most recent completed pass.
func (js *JobScheduler) LastResult() *jobs.CycleResult {
	js.mu.RLock()
	defer js.mu.RUnlock()
	return js.last
}

func (js *JobScheduler) runSettlementCycle() {
	result, err := js.runner.RunCycle(js.ctx)
	if err != nil {
		js.logger.Error("settlement cycle failed", zap.Error(err))
		return
	}
	js.mu.Lock()
	js.last = result
	js.mu.Unlock()
}

// gocronLogger routes scheduler logs through zap.
type gocronLogger struct {
	l *zap.SugaredLogger
}

func (g gocronLogger) Debug(msg string, args ...any) { g.l.Debugw(msg, args...) }
func (g gocronLogger) Error(msg string, args ...any) { g.l.Errorw(msg, args...) }
func (g gocronLogger) Info(msg string, args ...any)  { g.l.Infow(msg, args...) }
func (g gocronLogger) Warn(msg string, args ...any)  { g.l.Warnw(msg, args...) }
