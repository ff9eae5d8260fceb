// Package scheduler runs Watchdog.Scan on a recurring schedule for the
// daemon. Grounded on legator's internal/controlplane/jobs/scheduler.go
// (Start/Stop around a background loop, an immediate first run before
// the ticker fires, WaitGroup-drained shutdown) simplified to the single
// recurring job SPEC_FULL.md names: "periodic scan scheduling in the
// daemon" for internal/watchdog, using github.com/robfig/cron/v3 directly rather
// than legator's job table, since AgentMesh schedules one fixed job, not
// an operator-defined set.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Haserjian/agentmesh/internal/metrics"
	"github.com/Haserjian/agentmesh/internal/telemetry"
	"github.com/Haserjian/agentmesh/internal/watchdog"
)

type scanner interface {
	Scan(staleThresholdSec, defaultTimeoutSec int) (watchdog.WatchdogResult, error)
}

// Scheduler drives recurring Watchdog scans.
type Scheduler struct {
	wd                scanner
	staleThresholdSec int
	defaultTimeoutSec int
	log               *zap.Logger

	cron *cron.Cron
}

// New builds a Scheduler for wd, reconciling with the given stale-agent
// and default-timeout thresholds (both in seconds, per spec §4.5).
func New(wd *watchdog.Watchdog, staleThresholdSec, defaultTimeoutSec int, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		wd:                wd,
		staleThresholdSec: staleThresholdSec,
		defaultTimeoutSec: defaultTimeoutSec,
		log:               log,
	}
}

// Start schedules a scan at the given cron spec (standard 5-field syntax,
// or "@every 30s"-style shorthand), runs one scan immediately, and blocks
// until ctx is canceled. Safe to call once per Scheduler.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, s.runOnce); err != nil {
		return err
	}
	s.cron = c
	c.Start()

	s.runOnce()

	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop halts the cron loop and waits for any in-flight scan to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.cron = nil
}

func (s *Scheduler) runOnce() {
	_, span := telemetry.StartWatchdogScanSpan(context.Background())
	defer span.End()

	start := time.Now()
	res, err := s.wd.Scan(s.staleThresholdSec, s.defaultTimeoutSec)
	metrics.RecordWatchdogScan(time.Since(start))
	if err != nil {
		s.log.Warn("watchdog scan failed", zap.Error(err))
		return
	}

	for range res.StaleAgents {
		metrics.RecordWatchdogAction("stale_agent")
	}
	for range res.ReapedAgents {
		metrics.RecordWatchdogAction("reaped_agent")
	}
	for range res.AbortedTasks {
		metrics.RecordWatchdogAction("aborted_task")
	}
	for range res.HarvestedSpawns {
		metrics.RecordWatchdogAction("harvested_spawn")
	}
	for range res.TimedOutSpawns {
		metrics.RecordWatchdogAction("timed_out_spawn")
	}
	for range res.CostExceededTasks {
		metrics.RecordWatchdogAction("cost_exceeded_task")
	}

	if !res.Clean() {
		s.log.Info("watchdog scan reconciled state",
			zap.Strings("stale_agents", res.StaleAgents),
			zap.Strings("aborted_tasks", res.AbortedTasks),
			zap.Strings("harvested_spawns", res.HarvestedSpawns),
			zap.Strings("timed_out_spawns", res.TimedOutSpawns),
			zap.Strings("cost_exceeded_tasks", res.CostExceededTasks),
		)
	}
}
