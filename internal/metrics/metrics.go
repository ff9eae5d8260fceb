// Package metrics defines the Prometheus metrics served on the daemon's
// /metrics endpoint. Naming follows Prometheus convention (agentmesh_
// prefix, _total for counters, _seconds for durations), grounded on
// internal/metrics.teacher's RunsTotal/RunDurationSeconds shape, relabeled
// for claim/task/spawn/watchdog events instead of agent runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ClaimsTotal counts claim attempts by resource type and outcome
	// (granted, conflict, queued, stolen).
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_claims_total",
			Help: "Total claim attempts by resource type and outcome.",
		},
		[]string{"resource_type", "outcome"},
	)

	// ClaimWaitSeconds observes how long a granted claim sat queued behind
	// a conflicting holder before being granted.
	ClaimWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmesh_claim_wait_seconds",
			Help:    "Seconds a claim waited before being granted.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
		},
		[]string{"resource_type"},
	)

	// TaskTransitionsTotal counts TaskMachine transitions by the
	// destination state.
	TaskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_task_transitions_total",
			Help: "Total task state transitions by destination state.",
		},
		[]string{"to_state"},
	)

	// SpawnsTotal counts spawns launched by adapter backend and terminal
	// outcome (harvested, aborted, timeout).
	SpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_spawns_total",
			Help: "Total spawns by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	// SpawnDurationSeconds is a histogram of spawn wall-clock duration
	// from launch to harvest/abort, by backend.
	SpawnDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmesh_spawn_duration_seconds",
			Help:    "Spawn duration in seconds from launch to terminal outcome.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"backend"},
	)

	// SpawnCostUSDTotal sums the cost_usd reported by spawns, by backend.
	SpawnCostUSDTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_spawn_cost_usd_total",
			Help: "Cumulative reported spawn cost in USD, by backend.",
		},
		[]string{"backend"},
	)

	// WatchdogActionsTotal counts each reconciliation action a Watchdog
	// scan takes, by action kind (stale_agent, reaped_agent, aborted_task,
	// harvested_spawn, timed_out_spawn, cost_exceeded_task).
	WatchdogActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_watchdog_actions_total",
			Help: "Total watchdog reconciliation actions by kind.",
		},
		[]string{"action"},
	)

	// WatchdogScanDurationSeconds observes the wall-clock duration of one
	// Watchdog.Scan pass.
	WatchdogScanDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentmesh_watchdog_scan_duration_seconds",
			Help:    "Duration of a single watchdog scan pass.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		},
	)

	// ActiveAgents is the number of currently registered, non-gone agents.
	ActiveAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmesh_active_agents",
			Help: "Number of currently registered agents.",
		},
	)

	// ActiveClaims is the number of currently active (unreleased,
	// unexpired) claims.
	ActiveClaims = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmesh_active_claims",
			Help: "Number of currently active claims.",
		},
	)

	// RunningSpawns is the number of spawns with no harvested/aborted
	// terminal record yet.
	RunningSpawns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmesh_running_spawns",
			Help: "Number of spawns currently running.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ClaimsTotal,
		ClaimWaitSeconds,
		TaskTransitionsTotal,
		SpawnsTotal,
		SpawnDurationSeconds,
		SpawnCostUSDTotal,
		WatchdogActionsTotal,
		WatchdogScanDurationSeconds,
		ActiveAgents,
		ActiveClaims,
		RunningSpawns,
	)
}

// RecordClaim records the outcome of a single claim attempt.
func RecordClaim(resourceType, outcome string) {
	ClaimsTotal.WithLabelValues(resourceType, outcome).Inc()
}

// RecordClaimWait records how long a grant waited behind a conflict.
func RecordClaimWait(resourceType string, wait time.Duration) {
	ClaimWaitSeconds.WithLabelValues(resourceType).Observe(wait.Seconds())
}

// RecordTaskTransition records a single TaskMachine transition.
func RecordTaskTransition(toState string) {
	TaskTransitionsTotal.WithLabelValues(toState).Inc()
}

// RecordSpawnLaunch marks a spawn starting; callers pair it with
// RecordSpawnTerminal once the spawn ends.
func RecordSpawnLaunch() {
	RunningSpawns.Inc()
}

// RecordSpawnTerminal records a spawn's terminal outcome, its duration,
// and any reported cost.
func RecordSpawnTerminal(backend, outcome string, duration time.Duration, costUSD float64) {
	RunningSpawns.Dec()
	SpawnsTotal.WithLabelValues(backend, outcome).Inc()
	SpawnDurationSeconds.WithLabelValues(backend).Observe(duration.Seconds())
	if costUSD > 0 {
		SpawnCostUSDTotal.WithLabelValues(backend).Add(costUSD)
	}
}

// RecordWatchdogAction records one reconciliation action taken by a
// Watchdog scan.
func RecordWatchdogAction(action string) {
	WatchdogActionsTotal.WithLabelValues(action).Inc()
}

// RecordWatchdogScan observes the duration of one Watchdog.Scan pass.
func RecordWatchdogScan(duration time.Duration) {
	WatchdogScanDurationSeconds.Observe(duration.Seconds())
}

// SetActiveAgents sets the active-agent gauge to count.
func SetActiveAgents(count int) {
	ActiveAgents.Set(float64(count))
}

// SetActiveClaims sets the active-claim gauge to count.
func SetActiveClaims(count int) {
	ActiveClaims.Set(float64(count))
}
