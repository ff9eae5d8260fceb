// Package spawner launches and harvests worker subprocesses with
// exactly-once finalization, per spec §4.4. Grounded on
// original_source/spawner.py's spawn/check/harvest/abort lifecycle, with
// the env-sanitization deny-list and CAS-finalize discipline carried
// over exactly.
package spawner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Haserjian/agentmesh/internal/adapter"
	"github.com/Haserjian/agentmesh/internal/config"
	"github.com/Haserjian/agentmesh/internal/eventlog"
	"github.com/Haserjian/agentmesh/internal/gitbridge"
	"github.com/Haserjian/agentmesh/internal/meshkind"
	"github.com/Haserjian/agentmesh/internal/model"
	"github.com/Haserjian/agentmesh/internal/procutil"
	"github.com/Haserjian/agentmesh/internal/taskmachine"
	"github.com/Haserjian/agentmesh/internal/weave"
)

// defaultStripEnv is the default env-var deny-list applied before launch,
// per spec §4.4.1. Policy worker_runtime.strip_env and
// worker_adapters.strip_env extend this set.
var defaultStripEnv = []string{"CLAUDECODE"}

// storeBackend is the slice of *store.Store Spawner needs.
type storeBackend interface {
	GetTask(taskID string) (model.Task, error)
	CreateSpawn(sp model.Spawn) error
	GetSpawn(spawnID string) (model.Spawn, error)
	ListSpawns(onlyRunning bool) ([]model.Spawn, error)
	FinalizeSpawn(spawnID string, outcome model.AttemptOutcome, outputPath string) (bool, error)
	ListAttempts(taskID string) ([]model.Attempt, error)
	EndAttempt(taskID string, outcome model.AttemptOutcome, errorSummary string) error
}

type orchController interface {
	IsFrozen() (bool, error)
}

type Spawner struct {
	store    storeBackend
	tm       *taskmachine.TaskMachine
	registry *adapter.Registry
	orch     orchController
	weave    *weave.Weave
	el       *eventlog.Log
	log      *zap.Logger
}

func New(store storeBackend, tm *taskmachine.TaskMachine, registry *adapter.Registry, orch orchController, w *weave.Weave, el *eventlog.Log, log *zap.Logger) *Spawner {
	return &Spawner{store: store, tm: tm, registry: registry, orch: orch, weave: w, el: el, log: log}
}

// CheckResult is spawn's read-only liveness snapshot.
type CheckResult struct {
	SpawnID  string
	Running  bool
	ExitCode int // only meaningful when Running is false and the spawn is finalized
}

// HarvestResult is what harvest returns to its caller (CLI, watchdog).
type HarvestResult struct {
	SpawnID             string
	Outcome             model.AttemptOutcome
	CostUSD             float64
	TokensIn            int
	TokensOut           int
	VerificationCommand string
	VerificationPassed  *bool
	VerificationSummary string
}

func spawnOpErr(kind meshkind.Kind, op string, err error) error { return meshkind.New(kind, op, err) }

// Spawn launches a worker subprocess for an ASSIGNED task, per spec §4.4
// steps 1-9.
func (s *Spawner) Spawn(taskID, agentID, repoCWD, modelName string, timeoutSec int, backend string) (model.Spawn, error) {
	const op = "spawner.Spawn"

	if s.orch != nil {
		frozen, err := s.orch.IsFrozen()
		if err != nil {
			return model.Spawn{}, err
		}
		if frozen {
			return model.Spawn{}, spawnOpErr(meshkind.Frozen, op, nil)
		}
	}

	task, err := s.store.GetTask(taskID)
	if err != nil {
		return model.Spawn{}, err
	}
	if task.State != model.TaskAssigned {
		return model.Spawn{}, spawnOpErr(meshkind.IllegalTransition, op, fmt.Errorf("task %s not assigned (is %s)", taskID, task.State))
	}
	if task.Branch == "" {
		return model.Spawn{}, spawnOpErr(meshkind.IllegalTransition, op, fmt.Errorf("task %s has no branch set", taskID))
	}

	policy := config.LoadRepoPolicy(repoCWD)
	adapterPolicy := adapter.Policy{
		AllowBackends: policy.WorkerAdapters.AllowBackends,
		AllowModules:  policy.WorkerAdapters.AllowModules,
		AllowPaths:    policy.WorkerAdapters.AllowPaths,
	}
	ad, err := s.registry.ResolveWithPolicy(backend, adapterPolicy)
	if err != nil {
		return model.Spawn{}, err
	}

	spawnID := "spawn_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	repoRoot, err := filepath.Abs(repoCWD)
	if err != nil {
		return model.Spawn{}, err
	}
	worktreePath := filepath.Join(repoRoot, ".worktrees", spawnID)

	if err := gitbridge.CreateWorktree(repoRoot, worktreePath, task.Branch); err != nil {
		return model.Spawn{}, fmt.Errorf("%s: create worktree: %w", op, err)
	}

	context := buildContext(task)
	sum := sha256.Sum256([]byte(context))
	contextHash := "sha256:" + hex.EncodeToString(sum[:])

	outputDir := filepath.Join(worktreePath, ".agentmesh")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		gitbridge.RemoveWorktree(repoRoot, worktreePath, true)
		return model.Spawn{}, err
	}

	spec, err := ad.BuildSpawnSpec(context, modelName, worktreePath, outputDir)
	if err != nil {
		gitbridge.RemoveWorktree(repoRoot, worktreePath, true)
		return model.Spawn{}, fmt.Errorf("%s: build spawn spec: %w", op, err)
	}

	childEnv, strippedKeys := sanitizeEnv(os.Environ(), policy.WorkerAdapters.StripEnv, spec.Env)

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = worktreePath
	cmd.Env = childEnv
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	var outFile *os.File
	if spec.StdoutToFile {
		outFile, err = os.Create(spec.OutputPath)
		if err != nil {
			gitbridge.RemoveWorktree(repoRoot, worktreePath, true)
			return model.Spawn{}, fmt.Errorf("%s: create output file: %w", op, err)
		}
		cmd.Stdout = outFile
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		if outFile != nil {
			outFile.Close()
		}
		gitbridge.RemoveWorktree(repoRoot, worktreePath, true)
		return model.Spawn{}, fmt.Errorf("%s: start worker process: %w", op, err)
	}
	if outFile != nil {
		outFile.Close()
	}
	// Reap in the background: the process is detached (new session) and
	// outlives this call, but Go still needs Wait() to avoid a zombie.
	go func() { _ = cmd.Wait() }()

	if _, err := s.tm.Transition(taskID, model.TaskRunning, agentID, fmt.Sprintf("spawned %s", spawnID)); err != nil {
		procutil.Terminate(cmd.Process.Pid, 5*time.Second)
		gitbridge.RemoveWorktree(repoRoot, worktreePath, true)
		return model.Spawn{}, fmt.Errorf("%s: transition task to running: %w", op, err)
	}

	attempts, err := s.store.ListAttempts(taskID)
	if err != nil {
		return model.Spawn{}, err
	}
	attemptID := ""
	if len(attempts) > 0 {
		attemptID = attempts[len(attempts)-1].AttemptID
	}

	pidCreateTime := procutil.CreateTime(cmd.Process.Pid)
	now := time.Now().UTC()

	sp := model.Spawn{
		SpawnID:        spawnID,
		TaskID:         taskID,
		AttemptID:      attemptID,
		AgentID:        agentID,
		PID:            cmd.Process.Pid,
		PIDStartedAt:   pidCreateTime,
		WorktreePath:   worktreePath,
		Branch:         task.Branch,
		EpisodeID:      task.EpisodeID,
		ContextHash:    contextHash,
		StartedAt:      now,
		OutputPath:     spec.OutputPath,
		RepoCWD:        repoRoot,
		TimeoutSec:     timeoutSec,
		Backend:        backend,
		BackendVersion: ad.Version(),
	}
	if err := s.store.CreateSpawn(sp); err != nil {
		return model.Spawn{}, err
	}

	if s.el != nil {
		_, _ = s.el.Append(model.EventAdapterLoad, agentID, map[string]any{
			"spawn_id": spawnID, "backend": backend, "backend_version": ad.Version(), "module": filepath.Dir(ad.SourcePath()),
		})
		_, _ = s.el.Append(model.EventWorkerSpawn, agentID, map[string]any{
			"spawn_id": spawnID, "task_id": taskID, "attempt_id": attemptID, "pid": sp.PID,
			"branch": task.Branch, "context_hash": contextHash, "backend": backend, "backend_version": ad.Version(),
			"env_sanitized": true, "stripped_keys": strippedKeys,
		})
	}
	if s.weave != nil {
		if _, err := s.weave.Append(weave.AppendInput{TraceID: spawnID, EpisodeID: task.EpisodeID}); err != nil && s.log != nil {
			s.log.Warn("spawner: weave append failed", zap.Error(err))
		}
	}

	return sp, nil
}

func buildContext(task model.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	fmt.Fprintf(&b, "Branch: %s\n", task.Branch)
	return b.String()
}

// sanitizeEnv builds the child process environment: parent env minus the
// deny-list, merged with the adapter's env (adapter wins). The parent's
// os.Environ() slice is read-only here and is never mutated.
func sanitizeEnv(parentEnv []string, extraStrip []string, adapterEnv map[string]string) ([]string, []string) {
	deny := map[string]bool{}
	for _, k := range defaultStripEnv {
		deny[k] = true
	}
	for _, k := range extraStrip {
		deny[k] = true
	}

	var out []string
	var stripped []string
	for _, kv := range parentEnv {
		key := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			key = kv[:idx]
		}
		if deny[key] {
			stripped = append(stripped, key)
			continue
		}
		out = append(out, kv)
	}
	for k, v := range adapterEnv {
		out = append(out, k+"="+v)
	}
	return out, stripped
}

// Check is a read-only liveness probe: no side effects, no receipts.
func (s *Spawner) Check(spawnID string) (CheckResult, error) {
	sp, err := s.store.GetSpawn(spawnID)
	if err != nil {
		return CheckResult{}, err
	}
	if !sp.EndedAt.IsZero() {
		exitCode := 1
		if sp.Outcome == model.AttemptSuccess {
			exitCode = 0
		}
		return CheckResult{SpawnID: spawnID, Running: false, ExitCode: exitCode}, nil
	}
	return CheckResult{SpawnID: spawnID, Running: procutil.IsAlive(sp.PID, sp.PIDStartedAt)}, nil
}

// Harvest finalizes a non-running spawn, per spec §4.4 harvest steps 1-10.
func (s *Spawner) Harvest(spawnID string, cleanupWorktree bool) (HarvestResult, error) {
	const op = "spawner.Harvest"

	sp, err := s.store.GetSpawn(spawnID)
	if err != nil {
		return HarvestResult{}, err
	}
	if !sp.EndedAt.IsZero() {
		return HarvestResult{}, spawnOpErr(meshkind.AlreadyHarvested, op, nil)
	}

	status, err := s.Check(spawnID)
	if err != nil {
		return HarvestResult{}, err
	}
	if status.Running {
		return HarvestResult{}, spawnOpErr(meshkind.StillRunning, op, fmt.Errorf("spawn %s still running (pid=%d)", spawnID, sp.PID))
	}

	ad, resolveErr := s.registry.ResolveWithPolicy(sp.Backend, adapter.Policy{})
	var out adapter.WorkerOutput
	if resolveErr != nil {
		out = adapter.WorkerOutput{Success: false, ErrorMessage: fmt.Sprintf("unknown backend: %s", sp.Backend)}
	} else {
		out, err = ad.ParseOutput(sp.OutputPath)
		if err != nil {
			out = adapter.WorkerOutput{Success: false, ErrorMessage: err.Error()}
		}
	}

	outcome := model.AttemptFailure
	if out.Success {
		outcome = model.AttemptSuccess
	}

	// CAS finalize BEFORE any side effects. Losing this race means
	// another caller already finalized; no side effects run here.
	won, err := s.store.FinalizeSpawn(spawnID, outcome, sp.OutputPath)
	if err != nil {
		return HarvestResult{}, err
	}
	if !won {
		return HarvestResult{}, spawnOpErr(meshkind.RaceLost, op, fmt.Errorf("spawn %s already finalized", spawnID))
	}

	task, _ := s.store.GetTask(sp.TaskID)
	verifyCmd := config.VerificationCommand(task.Meta, sp.RepoCWD)
	var verifyPassed *bool
	var verifySummary string
	if outcome == model.AttemptSuccess && verifyCmd != "" {
		passed, summary := gitbridge.RunTests(sp.WorktreePath, verifyCmd)
		verifyPassed = &passed
		verifySummary = summary
		if !passed {
			outcome = model.AttemptFailure
			_, _ = s.store.FinalizeSpawn(spawnID, outcome, sp.OutputPath)
			if s.el != nil {
				_, _ = s.el.Append(model.EventTestMismatch, sp.AgentID, map[string]any{
					"spawn_id": spawnID, "task_id": sp.TaskID, "command": verifyCmd, "summary": trimSummary(summary),
				})
			}
		}
	}

	transitionErr := ""
	if outcome == model.AttemptSuccess {
		if _, err := s.tm.Transition(sp.TaskID, model.TaskPROpen, sp.AgentID, fmt.Sprintf("harvest %s", spawnID)); err != nil {
			if !meshkind.IsKind(err, meshkind.TerminalState) && !meshkind.IsKind(err, meshkind.IllegalTransition) {
				return HarvestResult{}, err
			}
			transitionErr = err.Error()
			outcome = model.AttemptFailure
		}
	} else {
		if _, err := s.tm.Abort(sp.TaskID, fmt.Sprintf("worker failed: %s", spawnID), sp.AgentID); err != nil {
			if !meshkind.IsKind(err, meshkind.TerminalState) {
				return HarvestResult{}, err
			}
			transitionErr = err.Error()
		}
	}

	if sp.AttemptID != "" {
		_ = s.store.EndAttempt(sp.TaskID, outcome, "")
	}

	if s.weave != nil {
		if _, err := s.weave.Append(weave.AppendInput{TraceID: spawnID, EpisodeID: sp.EpisodeID}); err != nil && s.log != nil {
			s.log.Warn("spawner: weave append failed", zap.Error(err))
		}
	}
	if s.el != nil {
		_, _ = s.el.Append(model.EventWorkerDone, sp.AgentID, map[string]any{
			"spawn_id": spawnID, "task_id": sp.TaskID, "outcome": string(outcome),
			"cost_usd": out.CostUSD, "tokens_in": out.TokensIn, "tokens_out": out.TokensOut,
			"transition_error": transitionErr, "verification_command": verifyCmd, "verification_summary": trimSummary(verifySummary),
		})
	}

	if cleanupWorktree {
		_ = gitbridge.RemoveWorktree(resolveRepoCWD(sp), sp.WorktreePath, true)
	}

	return HarvestResult{
		SpawnID: spawnID, Outcome: outcome, CostUSD: out.CostUSD, TokensIn: out.TokensIn, TokensOut: out.TokensOut,
		VerificationCommand: verifyCmd, VerificationPassed: verifyPassed, VerificationSummary: trimSummary(verifySummary),
	}, nil
}

// Abort terminates a running (or stuck) spawn, per spec §4.4 abort
// steps 1-7.
func (s *Spawner) Abort(spawnID, reason string, cleanupWorktree bool) (model.Spawn, error) {
	const op = "spawner.Abort"

	sp, err := s.store.GetSpawn(spawnID)
	if err != nil {
		return model.Spawn{}, err
	}
	if !sp.EndedAt.IsZero() {
		return model.Spawn{}, spawnOpErr(meshkind.AlreadyEnded, op, fmt.Errorf("spawn %s already ended (%s)", spawnID, sp.Outcome))
	}

	procutil.Terminate(sp.PID, 5*time.Second)

	won, err := s.store.FinalizeSpawn(spawnID, model.AttemptAborted, sp.OutputPath)
	if err != nil {
		return model.Spawn{}, err
	}
	if !won {
		return model.Spawn{}, spawnOpErr(meshkind.RaceLost, op, fmt.Errorf("spawn %s already finalized", spawnID))
	}

	if reason == "" {
		reason = fmt.Sprintf("worker aborted: %s", spawnID)
	}
	if _, err := s.tm.Abort(sp.TaskID, reason, sp.AgentID); err != nil && !meshkind.IsKind(err, meshkind.TerminalState) {
		return model.Spawn{}, err
	}

	if sp.AttemptID != "" {
		_ = s.store.EndAttempt(sp.TaskID, model.AttemptAborted, reason)
	}

	if s.weave != nil {
		if _, err := s.weave.Append(weave.AppendInput{TraceID: spawnID, EpisodeID: sp.EpisodeID}); err != nil && s.log != nil {
			s.log.Warn("spawner: weave append failed", zap.Error(err))
		}
	}
	if s.el != nil {
		_, _ = s.el.Append(model.EventWorkerDone, sp.AgentID, map[string]any{
			"spawn_id": spawnID, "task_id": sp.TaskID, "outcome": string(model.AttemptAborted), "reason": reason,
		})
	}

	if cleanupWorktree {
		_ = gitbridge.RemoveWorktree(resolveRepoCWD(sp), sp.WorktreePath, true)
	}

	sp.Outcome = model.AttemptAborted
	sp.EndedAt = time.Now().UTC()
	return sp, nil
}

// resolveRepoCWD recovers a repo root for worktree cleanup when the
// spawn row's own RepoCWD wasn't recorded — walks up from the worktree
// path looking for a ".worktrees" path segment, matching the original's
// best-effort fallback.
func resolveRepoCWD(sp model.Spawn) string {
	if sp.RepoCWD != "" {
		return sp.RepoCWD
	}
	dir := filepath.Clean(sp.WorktreePath)
	for dir != "." && dir != string(filepath.Separator) {
		parent := filepath.Dir(dir)
		if filepath.Base(dir) == ".worktrees" {
			return parent
		}
		if filepath.Base(parent) == ".worktrees" {
			return filepath.Dir(parent)
		}
		dir = parent
	}
	return ""
}

func trimSummary(text string) string {
	const maxChars = 1000
	if len(text) <= maxChars {
		return text
	}
	return text[len(text)-maxChars:]
}
