// Package assay bridges an optional third-party evidence tool ("assay")
// into the mesh's event log. On every terminal task transition it runs
// `assay gate check` against the task's repo and records the outcome as
// one ASSAY_RECEIPT event, wrapped in the Evidence Wire Protocol v0
// envelope. Grounded on original_source/assay_bridge.py: the same
// two-outcome contract (never raise, never silently skip), the same
// repo-path discovery fallback (last matching spawn's repo_cwd, else the
// process cwd if it's a git repo), the same exit-code handling (0/1 are
// both valid gate results, 3 is bad input).
package assay

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/Haserjian/agentmesh/internal/eventlog"
	"github.com/Haserjian/agentmesh/internal/model"
)

const (
	BridgeEmitOK       = "BRIDGE_EMIT_OK"
	BridgeEmitDegraded = "BRIDGE_EMIT_DEGRADED"

	ewpVersion = "0"
	ewpOrigin  = "agentmesh/assay_bridge"
)

type storeBackend interface {
	ListSpawns(onlyRunning bool) ([]model.Spawn, error)
}

// Result is what EmitBridgeEvent returns alongside the event it appends.
type Result struct {
	Status     string
	GateReport map[string]any
	Reason     string
}

// Bridge runs the assay gate and appends ASSAY_RECEIPT events.
type Bridge struct {
	store storeBackend
	el    *eventlog.Log
}

func New(store storeBackend, el *eventlog.Log) *Bridge {
	return &Bridge{store: store, el: el}
}

// EmitBridgeEvent runs `assay gate check` for taskID's repo and appends
// one ASSAY_RECEIPT event describing the outcome. It never returns an
// error for a degraded gate run — only for the EventLog append itself
// failing, since a receipt must always land.
func (b *Bridge) EmitBridgeEvent(taskID, terminalState, agentID, episodeID, repoPath string) (Result, error) {
	if repoPath == "" {
		repoPath = b.findRepoPath(taskID)
	}

	var status string
	var gateReport map[string]any
	var reason string

	if repoPath == "" || !isDir(repoPath) {
		status, gateReport, reason = BridgeEmitDegraded, map[string]any{}, "no repo path found for task"
	} else {
		status, gateReport, reason = runAssayGate(repoPath)
	}

	payload := map[string]any{
		"task_id":        taskID,
		"terminal_state": terminalState,
		"bridge_status":  status,
		"gate_report":    gateReport,
		"_ewp_version":   ewpVersion,
		"_ewp_task_id":   taskID,
		"_ewp_origin":    ewpOrigin,
	}
	if episodeID != "" {
		payload["_ewp_episode_id"] = episodeID
	}
	if agentID != "" {
		payload["_ewp_agent_id"] = agentID
	}
	if reason != "" {
		payload["degraded_reason"] = reason
	}

	if _, err := b.el.Append(model.EventAssayReceipt, agentID, payload); err != nil {
		return Result{}, err
	}

	return Result{Status: status, GateReport: gateReport, Reason: reason}, nil
}

// findRepoPath looks up the most recent spawn's repo_cwd for taskID,
// falling back to the process cwd if it's itself a git repo (the
// CLI-driven `orch advance --to merged` path, where no spawn exists).
func (b *Bridge) findRepoPath(taskID string) string {
	spawns, err := b.store.ListSpawns(false)
	if err == nil {
		for i := len(spawns) - 1; i >= 0; i-- {
			if spawns[i].TaskID == taskID && spawns[i].RepoCWD != "" {
				return spawns[i].RepoCWD
			}
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	if isDir(filepath.Join(cwd, ".git")) {
		return cwd
	}
	return ""
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// runAssayGate shells out to `assay gate check`. Exit codes 0 (PASS) and
// 1 (FAIL) are both valid gate results; 3 means bad input.
func runAssayGate(repoPath string) (status string, gateReport map[string]any, reason string) {
	if _, err := exec.LookPath("assay"); err != nil {
		return BridgeEmitDegraded, map[string]any{}, "assay CLI not found on PATH"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "assay", "gate", "check", repoPath, "--min-score", "0", "--json")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return BridgeEmitDegraded, map[string]any{}, "assay gate check timed out"
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if exitErr.ExitCode() == 3 {
			return BridgeEmitDegraded, map[string]any{}, "assay gate check: bad input"
		}
	} else if err != nil {
		return BridgeEmitDegraded, map[string]any{}, "failed to start assay: " + err.Error()
	}

	var report map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		return BridgeEmitDegraded, map[string]any{}, "assay returned non-JSON output"
	}

	return BridgeEmitOK, report, ""
}
