package claimarbiter_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Haserjian/agentmesh/internal/claimarbiter"
	"github.com/Haserjian/agentmesh/internal/model"
)

// fakeStore is a minimal in-memory stand-in for *store.Store, covering
// just enough of check_and_claim/steal/wait semantics to exercise the
// arbiter's logic in isolation from SQLite.
type fakeStore struct {
	claims     []model.Claim
	waiters    []model.Waiter
	heartbeats map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{heartbeats: map[string]time.Time{}}
}

func (f *fakeStore) CheckAndClaim(candidate model.Claim, force bool) (bool, []model.Claim, error) {
	now := time.Now().UTC()
	for i := range f.claims {
		if f.claims[i].State == model.ClaimActive && !f.claims[i].ExpiresAt.IsZero() && f.claims[i].ExpiresAt.Before(now) {
			f.claims[i].State = model.ClaimExpired
		}
	}

	var conflicts []model.Claim
	if candidate.Intent == model.IntentEdit {
		for _, c := range f.claims {
			if c.State == model.ClaimActive && c.Intent == model.IntentEdit &&
				c.ResourceType == candidate.ResourceType && c.Path == candidate.Path && c.AgentID != candidate.AgentID {
				conflicts = append(conflicts, c)
			}
		}
	}

	if len(conflicts) > 0 && !force {
		return false, conflicts, nil
	}

	for i := range f.claims {
		if len(conflicts) > 0 {
			for _, c := range conflicts {
				if f.claims[i].ClaimID == c.ClaimID {
					f.claims[i].State = model.ClaimExpired
				}
			}
		}
		if f.claims[i].AgentID == candidate.AgentID && f.claims[i].ResourceType == candidate.ResourceType &&
			f.claims[i].Path == candidate.Path && f.claims[i].State == model.ClaimActive {
			f.claims[i].State = model.ClaimReleased
		}
	}

	f.claims = append(f.claims, candidate)
	return true, conflicts, nil
}

func (f *fakeStore) StealClaim(newClaim model.Claim, staleThresholdS int) (bool, string, error) {
	now := time.Now().UTC()
	for i := range f.claims {
		c := &f.claims[i]
		if c.State != model.ClaimActive || c.Intent != model.IntentEdit || c.ResourceType != newClaim.ResourceType || c.Path != newClaim.Path {
			continue
		}
		ttlExpired := !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now)
		hb := f.heartbeats[c.AgentID]
		heartbeatStale := !hb.IsZero() && hb.Before(now.Add(-time.Duration(staleThresholdS)*time.Second))
		switch {
		case ttlExpired:
			c.State = model.ClaimExpired
			f.claims = append(f.claims, newClaim)
			return true, "ttl_expired", nil
		case heartbeatStale:
			c.State = model.ClaimExpired
			f.claims = append(f.claims, newClaim)
			return true, "heartbeat_stale", nil
		default:
			return false, "still active", nil
		}
	}
	return false, "no active holder", nil
}

func (f *fakeStore) AddWaiter(w model.Waiter) error {
	f.waiters = append(f.waiters, w)
	return nil
}

func (f *fakeStore) ListWaiters(resourceType model.ResourceType, path string) ([]model.Waiter, error) {
	var out []model.Waiter
	for _, w := range f.waiters {
		if w.ResourceType == resourceType && w.Path == path {
			out = append(out, w)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateEffectivePriority(resourceType model.ResourceType, path string, effective int) error {
	for i := range f.claims {
		if f.claims[i].State == model.ClaimActive && f.claims[i].ResourceType == resourceType && f.claims[i].Path == path {
			f.claims[i].EffectivePriority = effective
		}
	}
	return nil
}

func (f *fakeStore) CheckCollision(resourceType model.ResourceType, path, excludeAgentID string) ([]model.Claim, error) {
	var out []model.Claim
	for _, c := range f.claims {
		if c.State == model.ClaimActive && c.Intent == model.IntentEdit && c.ResourceType == resourceType &&
			c.Path == path && c.AgentID != excludeAgentID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) ReleaseClaim(agentID, resourceType, path string, releaseAll bool) (int, error) {
	n := 0
	for i := range f.claims {
		if f.claims[i].AgentID != agentID || f.claims[i].State != model.ClaimActive {
			continue
		}
		if releaseAll || (string(f.claims[i].ResourceType) == resourceType && f.claims[i].Path == path) {
			f.claims[i].State = model.ClaimReleased
			n++
		}
	}
	return n, nil
}

var _ = Describe("ClaimArbiter", func() {
	var store *fakeStore
	var arb *claimarbiter.Arbiter

	BeforeEach(func() {
		store = newFakeStore()
		arb = claimarbiter.New(store, nil, nil)
	})

	It("S2: grants the first edit claim and reports the conflict to a second", func() {
		granted, claim, conflicts, err := arb.Claim("a1", "/tmp/foo.py", model.IntentEdit, 3600, 0, false, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(granted).To(BeTrue())
		Expect(claim).NotTo(BeNil())
		Expect(conflicts).To(BeEmpty())

		granted2, _, conflicts2, err := arb.Claim("a2", "/tmp/foo.py", model.IntentEdit, 3600, 0, false, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(granted2).To(BeFalse())
		Expect(conflicts2).To(HaveLen(1))
		Expect(conflicts2[0].AgentID).To(Equal("a1"))

		grantedRead, _, conflictsRead, err := arb.Claim("a2", "/tmp/foo.py", model.IntentRead, 3600, 0, false, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(grantedRead).To(BeTrue())
		Expect(conflictsRead).To(BeEmpty())
	})

	It("S3: force preemption expires the holder and grants the forcer", func() {
		_, _, _, err := arb.Claim("a1", "/tmp/foo.py", model.IntentEdit, 3600, 0, false, "")
		Expect(err).NotTo(HaveOccurred())

		granted, _, conflicts, err := arb.Claim("a2", "/tmp/foo.py", model.IntentEdit, 3600, 0, true, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(granted).To(BeTrue())
		Expect(conflicts).To(HaveLen(1))

		var a1State, a2State model.ClaimState
		for _, c := range store.claims {
			if c.AgentID == "a1" {
				a1State = c.State
			}
			if c.AgentID == "a2" {
				a2State = c.State
			}
		}
		Expect(a1State).To(Equal(model.ClaimExpired))
		Expect(a2State).To(Equal(model.ClaimActive))
	})

	It("S4: stale steal succeeds once the holder's heartbeat is old enough", func() {
		_, _, _, err := arb.Claim("a1", "/tmp/foo.py", model.IntentEdit, 7200, 0, false, "")
		Expect(err).NotTo(HaveOccurred())
		store.heartbeats["a1"] = time.Now().UTC().Add(-10 * time.Minute)

		ok, reason, err := arb.Steal("a2", "/tmp/foo.py", 0, 300*time.Second, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(reason).To(Equal("heartbeat_stale"))
	})

	It("fails to steal a claim with fresh heartbeat and non-expired TTL", func() {
		_, _, _, err := arb.Claim("a1", "/tmp/foo.py", model.IntentEdit, 7200, 0, false, "")
		Expect(err).NotTo(HaveOccurred())
		store.heartbeats["a1"] = time.Now().UTC()

		ok, reason, err := arb.Steal("a2", "/tmp/foo.py", 0, 300*time.Second, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
		Expect(reason).To(Equal("still active"))
	})

	It("recomputes effective_priority as max(holder, waiters) on wait", func() {
		_, _, _, err := arb.Claim("a1", "/tmp/foo.py", model.IntentEdit, 3600, 1, false, "")
		Expect(err).NotTo(HaveOccurred())

		_, err = arb.Wait("a2", "/tmp/foo.py", 5)
		Expect(err).NotTo(HaveOccurred())

		var holder model.Claim
		for _, c := range store.claims {
			if c.AgentID == "a1" && c.State == model.ClaimActive {
				holder = c
			}
		}
		Expect(holder.EffectivePriority).To(Equal(5))
	})
})
