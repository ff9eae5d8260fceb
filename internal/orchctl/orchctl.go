// Package orchctl implements orchestrator control primitives on top of
// ClaimArbiter's typed lock claims: lease acquire/renew/release, global
// freeze/unfreeze, and merge-lock toggle. Grounded on
// original_source/orch_control.py, which
// implements all three as claims on synthetic LOCK: resources rather than
// dedicated tables — this implementation keeps that idiom.
package orchctl

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/Haserjian/agentmesh/internal/eventlog"
	"github.com/Haserjian/agentmesh/internal/model"
)

const (
	leasePath     = "orchestration"
	freezePath    = "orch_freeze"
	mergeLockPath = "orch_lock_merges"

	defaultLeaseTTLSeconds = 300
	controlTTLSeconds      = 7 * 24 * 60 * 60 // long-lived: freeze/merge-lock lapse after seven days unless cleared earlier
)

// arbiter is the subset of claimarbiter.Arbiter that Controller needs.
type arbiter interface {
	Claim(agentID, resource string, intent model.ClaimIntent, ttlSec int, priority int, force bool, reason string) (bool, *model.Claim, []model.Claim, error)
	Check(resource, excludeAgentID string) ([]model.Claim, error)
	Release(agentID, resource string, releaseAll bool) (int, error)
}

// agentRegistrar is the subset of store.Store needed to materialize the
// synthetic owner agents that hold orchestration claims.
type agentRegistrar interface {
	GetAgent(agentID string) (model.Agent, error)
	RegisterAgent(a model.Agent) error
}

type Controller struct {
	arb   arbiter
	store agentRegistrar
	el    *eventlog.Log
}

func New(arb arbiter, store agentRegistrar, el *eventlog.Log) *Controller {
	return &Controller{arb: arb, store: store, el: el}
}

// MakeOwner synthesizes a unique agent id for an orchestration actor, in
// the same shape the original tooling uses: orchctl_<hint>_<pid>_<rand>.
func MakeOwner(agentHint string) (string, error) {
	hint := strings.ReplaceAll(agentHint, " ", "_")
	if hint == "" {
		hint = "orchestrator"
	}
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("orchctl_%s_%d_%s", hint, os.Getpid(), hex.EncodeToString(buf[:])), nil
}

func (c *Controller) ensureOwner(owner string) error {
	if _, err := c.store.GetAgent(owner); err == nil {
		return nil
	}
	cwd, _ := os.Getwd()
	return c.store.RegisterAgent(model.Agent{AgentID: owner, Kind: model.AgentCustom, CWD: cwd, Status: model.AgentIdle})
}

// AcquireLease claims the orchestration lease for owner.
func (c *Controller) AcquireLease(owner string, ttlSec int, force bool) (bool, *model.Claim, []model.Claim, error) {
	if err := c.ensureOwner(owner); err != nil {
		return false, nil, nil, err
	}
	if ttlSec <= 0 {
		ttlSec = defaultLeaseTTLSeconds
	}
	return c.arb.Claim(owner, "LOCK:"+leasePath, model.IntentEdit, ttlSec, 0, force, "orchestrator lease")
}

// RenewLease re-claims the lease for the same owner with a fresh TTL.
func (c *Controller) RenewLease(owner string, ttlSec int) (bool, *model.Claim, []model.Claim, error) {
	granted, claim, conflicts, err := c.AcquireLease(owner, ttlSec, false)
	if err == nil && granted && c.el != nil {
		_, _ = c.el.Append(model.EventOrchLeaseRenew, owner, map[string]any{"owner": owner, "ttl_s": ttlSec})
	}
	return granted, claim, conflicts, err
}

// ReleaseLease releases owner's hold on the lease, if any.
func (c *Controller) ReleaseLease(owner string) (int, error) {
	return c.arb.Release(owner, "LOCK:"+leasePath, false)
}

// LeaseHolders reports current holders of the orchestration lease.
func (c *Controller) LeaseHolders() ([]model.Claim, error) {
	return c.arb.Check("LOCK:"+leasePath, "")
}

// forceClearResource seizes and immediately releases resource via a
// throwaway sweeper agent, clearing any stale holder regardless of TTL.
func (c *Controller) forceClearResource(path string) (int, error) {
	sweeper, err := MakeOwner("sweeper")
	if err != nil {
		return 0, err
	}
	if err := c.ensureOwner(sweeper); err != nil {
		return 0, err
	}
	if _, _, _, err := c.arb.Claim(sweeper, "LOCK:"+path, model.IntentEdit, 5, 0, true, "force clear resource"); err != nil {
		return 0, err
	}
	return c.arb.Release(sweeper, "LOCK:"+path, false)
}

// SetFrozen enables or disables the global freeze. When enabled, the
// freeze claim is held for controlTTLSeconds (seven days) unless
// explicitly cleared earlier; Spawner.Spawn consults IsFrozen before
// launching any worker.
func (c *Controller) SetFrozen(enabled bool, owner, reason string) error {
	if enabled {
		if err := c.ensureOwner(owner); err != nil {
			return err
		}
		if reason == "" {
			reason = "orchestrator freeze"
		}
		if _, _, _, err := c.arb.Claim(owner, "LOCK:"+freezePath, model.IntentEdit, controlTTLSeconds, 0, true, reason); err != nil {
			return err
		}
	} else if _, err := c.forceClearResource(freezePath); err != nil {
		return err
	}
	if c.el != nil {
		_, _ = c.el.Append(model.EventOrchFreeze, owner, map[string]any{"enabled": enabled, "reason": reason})
	}
	return nil
}

// IsFrozen reports whether the orchestrator is currently frozen.
func (c *Controller) IsFrozen() (bool, error) {
	holders, err := c.arb.Check("LOCK:"+freezePath, "")
	if err != nil {
		return false, err
	}
	return len(holders) > 0, nil
}

func (c *Controller) FreezeHolders() ([]model.Claim, error) {
	return c.arb.Check("LOCK:"+freezePath, "")
}

// SetMergesLocked enables or disables the merge lock, the same way as
// SetFrozen but on a distinct synthetic resource.
func (c *Controller) SetMergesLocked(enabled bool, owner, reason string) error {
	if enabled {
		if err := c.ensureOwner(owner); err != nil {
			return err
		}
		if reason == "" {
			reason = "merge lock enabled"
		}
		if _, _, _, err := c.arb.Claim(owner, "LOCK:"+mergeLockPath, model.IntentEdit, controlTTLSeconds, 0, true, reason); err != nil {
			return err
		}
	} else if _, err := c.forceClearResource(mergeLockPath); err != nil {
		return err
	}
	if c.el != nil {
		_, _ = c.el.Append(model.EventOrchLockMerges, owner, map[string]any{"enabled": enabled, "reason": reason})
	}
	return nil
}

func (c *Controller) IsMergesLocked() (bool, error) {
	holders, err := c.arb.Check("LOCK:"+mergeLockPath, "")
	if err != nil {
		return false, err
	}
	return len(holders) > 0, nil
}

func (c *Controller) MergeLockHolders() ([]model.Claim, error) {
	return c.arb.Check("LOCK:"+mergeLockPath, "")
}

// AbortAll is a control-plane convenience: records an ORCH_ABORT_ALL
// marker event. The actual per-task aborts are driven by the caller
// through TaskMachine, since orchctl has no task visibility of its own.
func (c *Controller) AbortAll(owner, reason string) {
	if c.el != nil {
		_, _ = c.el.Append(model.EventOrchAbortAll, owner, map[string]any{"reason": reason})
	}
}
