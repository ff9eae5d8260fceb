// Package claimarbiter enforces the single-active-edit-per-resource
// invariant under concurrent callers and allows controlled preemption.
// Grounded on original_source/claims.py + waiters.py, algorithm per
// spec §4.3.
package claimarbiter

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Haserjian/agentmesh/internal/eventlog"
	"github.com/Haserjian/agentmesh/internal/meshkind"
	"github.com/Haserjian/agentmesh/internal/model"
)

// storeBackend is the slice of *store.Store the arbiter needs.
type storeBackend interface {
	CheckAndClaim(candidate model.Claim, force bool) (bool, []model.Claim, error)
	StealClaim(newClaim model.Claim, staleThresholdS int) (bool, string, error)
	AddWaiter(w model.Waiter) error
	ListWaiters(resourceType model.ResourceType, path string) ([]model.Waiter, error)
	UpdateEffectivePriority(resourceType model.ResourceType, path string, effective int) error
	CheckCollision(resourceType model.ResourceType, path, excludeAgentID string) ([]model.Claim, error)
	ReleaseClaim(agentID, resourceType, path string, releaseAll bool) (int, error)
}

type Arbiter struct {
	store storeBackend
	el    *eventlog.Log
	log   *zap.Logger
}

func New(store storeBackend, el *eventlog.Log, log *zap.Logger) *Arbiter {
	return &Arbiter{store: store, el: el, log: log}
}

// ParseResource implements the grammar from spec §4.3: "TYPE:value" for
// non-file resources, bare paths defaulting to FILE:canonicalized(path).
func ParseResource(resource string) (model.ResourceType, string, error) {
	if idx := strings.Index(resource, ":"); idx > 0 {
		prefix := resource[:idx]
		value := resource[idx+1:]
		switch model.ResourceType(strings.ToLower(prefix)) {
		case model.ResourcePort:
			return model.ResourcePort, value, nil
		case model.ResourceLock:
			return model.ResourceLock, value, nil
		case model.ResourceTestSuite:
			return model.ResourceTestSuite, value, nil
		case model.ResourceTempDir:
			return model.ResourceTempDir, filepath.Clean(value), nil
		case model.ResourceFile:
			abs, err := filepath.Abs(value)
			if err != nil {
				return "", "", err
			}
			return model.ResourceFile, abs, nil
		}
	}
	abs, err := filepath.Abs(resource)
	if err != nil {
		return "", "", err
	}
	return model.ResourceFile, abs, nil
}

// Claim attempts to grant exclusive intent on resource. On force=false
// conflict it returns (false, nil, conflicts, nil) without mutating
// anything.
func (a *Arbiter) Claim(agentID, resource string, intent model.ClaimIntent, ttlSec int, priority int, force bool, reason string) (bool, *model.Claim, []model.Claim, error) {
	resourceType, path, err := ParseResource(resource)
	if err != nil {
		return false, nil, nil, fmt.Errorf("claimarbiter: parse resource: %w", err)
	}

	now := time.Now().UTC()
	candidate := model.Claim{
		ClaimID:           "cl_" + uuid.NewString(),
		AgentID:           agentID,
		ResourceType:      resourceType,
		Path:              path,
		Intent:            intent,
		State:             model.ClaimActive,
		TTLSeconds:        ttlSec,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Duration(ttlSec) * time.Second),
		Priority:          priority,
		EffectivePriority: priority,
	}

	granted, conflicts, err := a.store.CheckAndClaim(candidate, force)
	if err != nil {
		return false, nil, nil, err
	}
	if !granted {
		return false, nil, conflicts, nil
	}

	if a.el != nil {
		if _, err := a.el.Append(model.EventClaim, agentID, map[string]any{
			"claim_id": candidate.ClaimID, "resource_type": string(resourceType), "path": path,
			"intent": string(intent), "force": force, "reason": reason,
		}); err != nil && a.log != nil {
			a.log.Warn("claimarbiter: failed to log CLAIM event", zap.Error(err))
		}
	}
	return true, &candidate, conflicts, nil
}

// Check reports conflicting active edit claims without mutating state.
func (a *Arbiter) Check(resource, excludeAgentID string) ([]model.Claim, error) {
	resourceType, path, err := ParseResource(resource)
	if err != nil {
		return nil, err
	}
	return a.store.CheckCollision(resourceType, path, excludeAgentID)
}

// Release releases an agent's claim(s).
func (a *Arbiter) Release(agentID, resource string, releaseAll bool) (int, error) {
	var resourceType model.ResourceType
	var path string
	if !releaseAll {
		var err error
		resourceType, path, err = ParseResource(resource)
		if err != nil {
			return 0, err
		}
	}
	n, err := a.store.ReleaseClaim(agentID, string(resourceType), path, releaseAll)
	if err != nil {
		return 0, err
	}
	if n > 0 && a.el != nil {
		if _, err := a.el.Append(model.EventRelease, agentID, map[string]any{
			"resource_type": string(resourceType), "path": path, "all": releaseAll, "count": n,
		}); err != nil && a.log != nil {
			a.log.Warn("claimarbiter: failed to log RELEASE event", zap.Error(err))
		}
	}
	return n, nil
}

// Wait records interest in a resource and recomputes the holder's
// effective_priority as max(holder.priority, max(waiter priorities)).
// Priority inheritance is advisory only: it never blocks or unblocks a
// caller, per spec §4.3.
func (a *Arbiter) Wait(agentID, resource string, priority int) (model.Waiter, error) {
	resourceType, path, err := ParseResource(resource)
	if err != nil {
		return model.Waiter{}, err
	}
	w := model.Waiter{
		WaiterID: "wt_" + uuid.NewString(), ResourceType: resourceType, Path: path,
		WaiterAgentID: agentID, Priority: priority, CreatedAt: time.Now().UTC(),
	}
	if err := a.store.AddWaiter(w); err != nil {
		return model.Waiter{}, err
	}

	holders, err := a.store.CheckCollision(resourceType, path, "")
	if err != nil {
		return w, err
	}
	if len(holders) == 0 {
		return w, nil
	}
	holder := holders[0]

	waiters, err := a.store.ListWaiters(resourceType, path)
	if err != nil {
		return w, err
	}
	maxWaiterPriority := priority
	for _, waiter := range waiters {
		if waiter.Priority > maxWaiterPriority {
			maxWaiterPriority = waiter.Priority
		}
	}
	effective := holder.Priority
	if maxWaiterPriority > effective {
		effective = maxWaiterPriority
	}
	if effective != holder.EffectivePriority {
		if err := a.store.UpdateEffectivePriority(resourceType, path, effective); err != nil {
			return w, err
		}
	}

	if a.el != nil {
		if _, err := a.el.Append(model.EventWait, agentID, map[string]any{
			"waiter_id": w.WaiterID, "resource_type": string(resourceType), "path": path, "priority": priority,
		}); err != nil && a.log != nil {
			a.log.Warn("claimarbiter: failed to log WAIT event", zap.Error(err))
		}
	}
	return w, nil
}

// Steal implements stale-holder preemption: it succeeds only if the
// holder's claim is TTL-expired or the holder agent's heartbeat is
// stale past staleThreshold.
func (a *Arbiter) Steal(newAgentID, resource string, priority int, staleThreshold time.Duration, reason string) (bool, string, error) {
	resourceType, path, err := ParseResource(resource)
	if err != nil {
		return false, "", err
	}
	now := time.Now().UTC()
	newClaim := model.Claim{
		ClaimID: "cl_" + uuid.NewString(), AgentID: newAgentID, ResourceType: resourceType, Path: path,
		Intent: model.IntentEdit, State: model.ClaimActive, CreatedAt: now,
		ExpiresAt: now.Add(time.Hour), Priority: priority, EffectivePriority: priority,
	}
	ok, stealReason, err := a.store.StealClaim(newClaim, int(staleThreshold.Seconds()))
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, stealReason, nil
	}
	if a.el != nil {
		if _, err := a.el.Append(model.EventSteal, newAgentID, map[string]any{
			"claim_id": newClaim.ClaimID, "resource_type": string(resourceType), "path": path,
			"reason": stealReason, "context": reason,
		}); err != nil && a.log != nil {
			a.log.Warn("claimarbiter: failed to log STEAL event", zap.Error(err))
		}
	}
	return true, stealReason, nil
}

// ErrContention lets callers check errors.Is(err, claimarbiter.ErrContention)
// against whatever the Store surfaces for exhausted busy-retry budgets.
var ErrContention = meshkind.Sentinel(meshkind.Contention)
