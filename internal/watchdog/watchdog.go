// Package watchdog reconciles observed reality (live PIDs, elapsed
// time, accumulated spend) with declared Store state on a periodic
// schedule. Grounded on original_source/watchdog.py's reap/abort idiom
// (deregister + release_all_claims, abort swallows terminal-state
// errors) extended to the full six-step pass in spec §4.5: stale
// agents, dead-worker harvest, timeout abort, cost budget enforcement,
// a re-read-before-act race check, and a single GC event per scan.
package watchdog

import (
	"time"

	"go.uber.org/zap"

	"github.com/Haserjian/agentmesh/internal/eventlog"
	"github.com/Haserjian/agentmesh/internal/meshkind"
	"github.com/Haserjian/agentmesh/internal/model"
	"github.com/Haserjian/agentmesh/internal/procutil"
	"github.com/Haserjian/agentmesh/internal/spawner"
	"github.com/Haserjian/agentmesh/internal/taskmachine"
)

// storeBackend is the slice of *store.Store Watchdog needs.
type storeBackend interface {
	ListAgents(includeGone bool) ([]model.Agent, error)
	DeregisterAgent(agentID string) error
	ListTasks(state model.TaskState) ([]model.Task, error)
	GetTask(taskID string) (model.Task, error)
	ListSpawns(onlyRunning bool) ([]model.Spawn, error)
	GetSpawn(spawnID string) (model.Spawn, error)
}

type claimReleaser interface {
	Release(agentID, resource string, releaseAll bool) (int, error)
}

var terminalTaskStates = map[model.TaskState]bool{
	model.TaskMerged:  true,
	model.TaskAborted: true,
}

// WatchdogResult is one scan's outcome, per spec §4.5.
type WatchdogResult struct {
	StaleAgents       []string
	ReapedAgents      []string
	AbortedTasks      []string
	HarvestedSpawns   []string
	TimedOutSpawns    []string
	CostExceededTasks []string
}

// Clean reports whether the scan took no action at all.
func (r WatchdogResult) Clean() bool {
	return len(r.StaleAgents) == 0 && len(r.ReapedAgents) == 0 && len(r.AbortedTasks) == 0 &&
		len(r.HarvestedSpawns) == 0 && len(r.TimedOutSpawns) == 0 && len(r.CostExceededTasks) == 0
}

type Watchdog struct {
	store storeBackend
	arb   claimReleaser
	tm    *taskmachine.TaskMachine
	sp    *spawner.Spawner
	el    *eventlog.Log
	log   *zap.Logger
}

func New(store storeBackend, arb claimReleaser, tm *taskmachine.TaskMachine, sp *spawner.Spawner, el *eventlog.Log, log *zap.Logger) *Watchdog {
	return &Watchdog{store: store, arb: arb, tm: tm, sp: sp, el: el, log: log}
}

// Scan runs the full six-step reconciliation pass, per spec §4.5.
func (w *Watchdog) Scan(staleThresholdSec, defaultTimeoutSec int) (WatchdogResult, error) {
	var res WatchdogResult
	now := time.Now().UTC()

	if err := w.scanStaleAgents(now, staleThresholdSec, &res); err != nil {
		return res, err
	}
	if err := w.scanDeadWorkers(&res); err != nil {
		return res, err
	}
	if err := w.scanTimeouts(now, defaultTimeoutSec, &res); err != nil {
		return res, err
	}
	if err := w.scanCostBudgets(&res); err != nil {
		return res, err
	}

	if !res.Clean() && w.el != nil {
		if _, err := w.el.Append(model.EventGC, "watchdog", map[string]any{
			"watchdog":            "scan",
			"stale_agents":        res.StaleAgents,
			"reaped_agents":       res.ReapedAgents,
			"aborted_tasks":       res.AbortedTasks,
			"harvested_spawns":    res.HarvestedSpawns,
			"timed_out_spawns":    res.TimedOutSpawns,
			"cost_exceeded_tasks": res.CostExceededTasks,
		}); err != nil {
			w.log.Warn("watchdog: failed to append GC event", zap.Error(err))
		}
	}

	return res, nil
}

// scanStaleAgents is step 1: mark gone, release all claims, abort every
// non-terminal task the agent holds.
func (w *Watchdog) scanStaleAgents(now time.Time, staleThresholdSec int, res *WatchdogResult) error {
	agents, err := w.store.ListAgents(false)
	if err != nil {
		return err
	}
	cutoff := now.Add(-time.Duration(staleThresholdSec) * time.Second)

	for _, a := range agents {
		if !a.LastHeartbeat.Before(cutoff) {
			continue
		}
		res.StaleAgents = append(res.StaleAgents, a.AgentID)

		if err := w.store.DeregisterAgent(a.AgentID); err != nil {
			w.log.Warn("watchdog: deregister failed", zap.String("agent_id", a.AgentID), zap.Error(err))
			continue
		}
		res.ReapedAgents = append(res.ReapedAgents, a.AgentID)

		if w.arb != nil {
			if _, err := w.arb.Release(a.AgentID, "", true); err != nil {
				w.log.Warn("watchdog: release all claims failed", zap.String("agent_id", a.AgentID), zap.Error(err))
			}
		}

		if err := w.abortAgentTasks(a.AgentID, res); err != nil {
			return err
		}
	}
	return nil
}

// abortAgentTasks aborts every non-terminal task assigned to agentID.
// ListTasks has no per-agent filter, so we list every task and filter
// client-side; this is the same fan-out the original does per-agent.
func (w *Watchdog) abortAgentTasks(agentID string, res *WatchdogResult) error {
	tasks, err := w.store.ListTasks("")
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.AssignedAgentID != agentID || terminalTaskStates[t.State] {
			continue
		}
		if _, err := w.tm.Abort(t.TaskID, "agent stale", agentID); err != nil {
			if meshkind.IsKind(err, meshkind.TerminalState) {
				continue
			}
			return err
		}
		res.AbortedTasks = append(res.AbortedTasks, t.TaskID)
	}
	return nil
}

// scanDeadWorkers is step 2: harvest any active spawn whose PID is no
// longer alive under the PID-reuse guard.
func (w *Watchdog) scanDeadWorkers(res *WatchdogResult) error {
	spawns, err := w.store.ListSpawns(true)
	if err != nil {
		return err
	}
	for _, sp := range spawns {
		if procutil.IsAlive(sp.PID, sp.PIDStartedAt) {
			continue
		}
		// Race safety: re-read before acting, in case another caller
		// (or the daemon's own CLI-driven harvest) already finalized it.
		fresh, err := w.store.GetSpawn(sp.SpawnID)
		if err != nil {
			return err
		}
		if !fresh.EndedAt.IsZero() {
			continue
		}
		if _, err := w.sp.Harvest(sp.SpawnID, true); err != nil {
			if meshkind.IsKind(err, meshkind.AlreadyHarvested) || meshkind.IsKind(err, meshkind.RaceLost) {
				continue
			}
			return err
		}
		res.HarvestedSpawns = append(res.HarvestedSpawns, sp.SpawnID)
	}
	return nil
}

// scanTimeouts is step 3: abort any active, still-alive spawn whose
// timeout_s has elapsed.
func (w *Watchdog) scanTimeouts(now time.Time, defaultTimeoutSec int, res *WatchdogResult) error {
	spawns, err := w.store.ListSpawns(true)
	if err != nil {
		return err
	}
	for _, sp := range spawns {
		timeoutSec := sp.TimeoutSec
		if timeoutSec == 0 {
			timeoutSec = defaultTimeoutSec
		}
		if timeoutSec == 0 {
			continue
		}
		if now.Sub(sp.StartedAt) <= time.Duration(timeoutSec)*time.Second {
			continue
		}
		if !procutil.IsAlive(sp.PID, sp.PIDStartedAt) {
			continue
		}

		fresh, err := w.store.GetSpawn(sp.SpawnID)
		if err != nil {
			return err
		}
		if !fresh.EndedAt.IsZero() {
			continue
		}
		if _, err := w.sp.Abort(sp.SpawnID, "timeout", true); err != nil {
			if meshkind.IsKind(err, meshkind.AlreadyEnded) || meshkind.IsKind(err, meshkind.RaceLost) {
				continue
			}
			return err
		}
		res.TimedOutSpawns = append(res.TimedOutSpawns, sp.SpawnID)
	}
	return nil
}

// scanCostBudgets is step 4: for each running task with meta.max_cost_usd
// set, sum cost_usd across prior WORKER_DONE events for that task and
// abort its active spawn if the budget is exceeded.
func (w *Watchdog) scanCostBudgets(res *WatchdogResult) error {
	if w.el == nil {
		return nil
	}
	tasks, err := w.store.ListTasks(model.TaskRunning)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	events, err := w.el.Read(0)
	if err != nil {
		return err
	}
	spentByTask := map[string]float64{}
	for _, ev := range events {
		if ev.Kind != model.EventWorkerDone {
			continue
		}
		taskID, _ := ev.Payload["task_id"].(string)
		if taskID == "" {
			continue
		}
		spentByTask[taskID] += costFromPayload(ev.Payload)
	}

	spawns, err := w.store.ListSpawns(true)
	if err != nil {
		return err
	}
	activeByTask := map[string]string{}
	for _, sp := range spawns {
		activeByTask[sp.TaskID] = sp.SpawnID
	}

	for _, t := range tasks {
		budget, ok := maxCostUSD(t.Meta)
		if !ok {
			continue
		}
		if spentByTask[t.TaskID] <= budget {
			continue
		}
		spawnID, ok := activeByTask[t.TaskID]
		if !ok {
			continue
		}

		fresh, err := w.store.GetSpawn(spawnID)
		if err != nil {
			return err
		}
		if !fresh.EndedAt.IsZero() {
			continue
		}
		if _, err := w.sp.Abort(spawnID, "cost_exceeded", true); err != nil {
			if meshkind.IsKind(err, meshkind.AlreadyEnded) || meshkind.IsKind(err, meshkind.RaceLost) {
				continue
			}
			return err
		}
		res.CostExceededTasks = append(res.CostExceededTasks, t.TaskID)
	}
	return nil
}

func costFromPayload(payload map[string]any) float64 {
	switch v := payload["cost_usd"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func maxCostUSD(meta map[string]any) (float64, bool) {
	if meta == nil {
		return 0, false
	}
	switch v := meta["max_cost_usd"].(type) {
	case float64:
		return v, v > 0
	case int:
		return float64(v), v > 0
	default:
		return 0, false
	}
}
