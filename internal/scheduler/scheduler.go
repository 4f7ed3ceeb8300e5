// Package scheduler invokes the job engine once per tick, in either
// one-shot or cron mode, and applies the configured failure penalty.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Engine is the subset of job.Engine the scheduler depends on.
type Engine interface {
	ExecuteJob(ctx context.Context) error
}

// Config controls the scheduler's run mode.
type Config struct {
	CronEnabled           bool
	CronExpression        string
	FailurePenaltySeconds int
}

// Scheduler enforces no-overlap across ticks and drives one Engine.
type Scheduler struct {
	engine Engine
	cfg    Config
	log    *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	running bool
}

// New constructs a Scheduler over engine.
func New(engine Engine, cfg Config, log *slog.Logger) *Scheduler {
	return &Scheduler{engine: engine, cfg: cfg, log: log}
}

// RunOnce invokes the job engine exactly once and returns its error, for
// one-shot mode. The caller is responsible for exiting the process with the
// appropriate code afterward.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.tick(ctx)
}

// RunCron starts the cron loop and blocks until ctx is canceled. Each tick
// is skipped if the previous tick is still running (no-overlap); on job
// failure the scheduler sleeps the configured failure penalty before
// accepting the next tick.
func (s *Scheduler) RunCron(ctx context.Context) error {
	if s.cfg.CronExpression == "" {
		return fmt.Errorf("scheduler: cron mode requires a non-empty expression")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(s.cfg.CronExpression)
	if err != nil {
		return fmt.Errorf("scheduler: parse cron expression %q: %w", s.cfg.CronExpression, err)
	}

	s.cron = cron.New(cron.WithParser(parser))
	s.cron.Schedule(schedule, cron.FuncJob(func() { s.onTick(ctx) }))
	s.cron.Start()
	s.log.Info("scheduler started in cron mode", "expression", s.cfg.CronExpression)

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.log.Info("scheduler stopped, in-flight job drained")
	return nil
}

// onTick is the cron callback: it enforces no-overlap and applies the
// failure penalty sleep between a failed tick and the next one being
// accepted.
func (s *Scheduler) onTick(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.log.Warn("tick suppressed: previous job still running")
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.tick(ctx); err != nil {
		penalty := time.Duration(s.cfg.FailurePenaltySeconds) * time.Second
		s.log.Warn("job failed, applying failure penalty before next tick", "error", err, "penalty", penalty)
		select {
		case <-time.After(penalty):
		case <-ctx.Done():
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	err := s.engine.ExecuteJob(ctx)
	if err != nil {
		s.log.Error("job failed", "error", err)
		return err
	}
	s.log.Info("job completed")
	return nil
}
