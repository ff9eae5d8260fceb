// Package capsule builds a deterministic point-in-time context snapshot
// from git + mesh state, persists it through Store, and writes a JSON
// bundle to disk for an agent picking up handoff context. Grounded on
// original_source/capsules.py's build_capsule/get_capsule_bundle pair.
package capsule

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Haserjian/agentmesh/internal/eventlog"
	"github.com/Haserjian/agentmesh/internal/gitbridge"
	"github.com/Haserjian/agentmesh/internal/model"
)

type storeBackend interface {
	SaveCapsule(c model.Capsule) error
	ListClaims(agentID string, activeOnly bool) ([]model.Claim, error)
	ListAgents(includeGone bool) ([]model.Agent, error)
}

type Builder struct {
	store   storeBackend
	el      *eventlog.Log
	dataDir string
}

func New(store storeBackend, el *eventlog.Log, dataDir string) *Builder {
	return &Builder{store: store, el: el, dataDir: dataDir}
}

// Build assembles a capsule from cwd's git state plus the mesh's current
// claims/agents, persists the row, and writes bundles/<capsule_id>.json.
func (b *Builder) Build(agentID, taskDesc, cwd string) (model.Capsule, error) {
	if cwd == "" {
		cwd = "."
	}

	branch := gitbridge.CurrentBranch(cwd)
	sha := gitbridge.HeadSHA(cwd)
	diffStat := gitbridge.DiffStat(cwd)
	filesChanged := gitbridge.ChangedFiles(cwd)

	agentClaims, err := b.store.ListClaims(agentID, true)
	if err != nil {
		return model.Capsule{}, err
	}
	activeAgents, err := b.store.ListAgents(false)
	if err != nil {
		return model.Capsule{}, err
	}

	c := model.Capsule{
		CapsuleID:    "cap_" + uuid.NewString()[:12],
		AgentID:      agentID,
		TaskDesc:     taskDesc,
		GitBranch:    branch,
		GitSHA:       sha,
		DiffStat:     diffStat,
		FilesChanged: filesChanged,
		TestStatus:   "unknown",
		CreatedAt:    time.Now().UTC(),
	}

	if err := b.store.SaveCapsule(c); err != nil {
		return model.Capsule{}, err
	}

	if err := b.writeBundle(c, agentClaims, activeAgents); err != nil {
		return model.Capsule{}, err
	}

	if b.el != nil {
		if _, err := b.el.Append(model.EventBundle, agentID, map[string]any{
			"capsule_id": c.CapsuleID, "task": taskDesc,
		}); err != nil {
			return model.Capsule{}, err
		}
	}

	return c, nil
}

func (b *Builder) writeBundle(c model.Capsule, claims []model.Claim, agents []model.Agent) error {
	bundleDir := filepath.Join(b.dataDir, "bundles")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return err
	}

	bundle := map[string]any{
		"capsule_id": c.CapsuleID,
		"agent_id":   c.AgentID,
		"created_at": model.RFC3339UTC(c.CreatedAt),
		"task_desc":  c.TaskDesc,
		"git": map[string]any{
			"branch":        c.GitBranch,
			"sha":           c.GitSHA,
			"diff_stat":     c.DiffStat,
			"files_changed": c.FilesChanged,
		},
		"mesh": map[string]any{
			"open_claims":   claims,
			"active_agents": agents,
		},
		"test": map[string]any{"status": c.TestStatus, "summary": c.TestSummary},
		"summary": map[string]any{
			"what_changed": c.WhatChanged,
			"what_remains": c.WhatRemains,
			"risks":        nonNil(c.Risks),
			"next_actions": nonNil(c.NextActions),
		},
	}

	encoded, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(bundleDir, c.CapsuleID+".json"), encoded, 0o644)
}

// GetBundle loads a previously written bundle from disk, mirroring the
// original's get_capsule_bundle. Returns (nil, nil) if it doesn't exist.
func (b *Builder) GetBundle(capsuleID string) (map[string]any, error) {
	path := filepath.Join(b.dataDir, "bundles", capsuleID+".json")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var bundle map[string]any
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
