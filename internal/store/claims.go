package store

import (
	"database/sql"
	"time"

	"github.com/Haserjian/agentmesh/internal/model"
)

// CheckAndClaim implements spec.md §4.3's six-step algorithm inside one
// transaction: expire stale rows, detect edit-vs-edit conflicts on
// (resource_type, path), and only when no conflict remains (or force is
// set) insert the candidate and release the caller's prior claim on the
// same resource. Grounded on original_source/db.py's check_and_claim.
func (s *Store) CheckAndClaim(candidate model.Claim, force bool) (bool, []model.Claim, error) {
	var granted bool
	var conflicts []model.Claim

	err := s.inTx(func(tx *sql.Tx) error {
		if err := expireStaleClaimsTx(tx); err != nil {
			return err
		}

		conflicts = nil
		if candidate.Intent == model.IntentEdit {
			rows, err := tx.Query(`SELECT claim_id, agent_id, resource_type, path, intent, state, ttl_s,
					created_at, expires_at, priority, effective_priority, episode_id
				FROM claims
				WHERE state='active' AND intent='edit' AND resource_type=? AND path=? AND agent_id != ?`,
				string(candidate.ResourceType), candidate.Path, candidate.AgentID)
			if err != nil {
				return err
			}
			for rows.Next() {
				c, err := scanClaimRows(rows)
				if err != nil {
					rows.Close()
					return err
				}
				conflicts = append(conflicts, c)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return err
			}
			rows.Close()
		}

		if len(conflicts) > 0 && !force {
			granted = false
			return nil // nothing to commit; conflicts returned, no mutation
		}

		if len(conflicts) > 0 {
			for _, c := range conflicts {
				if _, err := tx.Exec(`UPDATE claims SET state='expired' WHERE claim_id=?`, c.ClaimID); err != nil {
					return err
				}
			}
		}

		// Release the caller's own prior active claim on the same resource.
		if _, err := tx.Exec(`UPDATE claims SET state='released'
			WHERE agent_id=? AND resource_type=? AND path=? AND state='active'`,
			candidate.AgentID, string(candidate.ResourceType), candidate.Path); err != nil {
			return err
		}

		if _, err := tx.Exec(`INSERT INTO claims (claim_id, agent_id, resource_type, path, intent, state,
				ttl_s, created_at, expires_at, priority, effective_priority, episode_id)
			VALUES (?, ?, ?, ?, ?, 'active', ?, ?, ?, ?, ?, ?)`,
			candidate.ClaimID, candidate.AgentID, string(candidate.ResourceType), candidate.Path,
			string(candidate.Intent), candidate.TTLSeconds, model.RFC3339UTC(candidate.CreatedAt),
			model.RFC3339UTC(candidate.ExpiresAt), candidate.Priority, candidate.EffectivePriority,
			candidate.EpisodeID); err != nil {
			return err
		}

		granted = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return granted, conflicts, nil
}

func expireStaleClaimsTx(tx *sql.Tx) error {
	_, err := tx.Exec(`UPDATE claims SET state='expired'
		WHERE state='active' AND expires_at != '' AND expires_at < ?`, nowStr())
	return err
}

// ExpireStaleClaims expires any active claim whose TTL has lapsed.
func (s *Store) ExpireStaleClaims() error {
	return s.inTx(func(tx *sql.Tx) error { return expireStaleClaimsTx(tx) })
}

// CheckCollision lists active edit claims on (resourceType, path),
// optionally excluding one agent. Used by ClaimArbiter.check and by
// priority-inheritance recomputation.
func (s *Store) CheckCollision(resourceType model.ResourceType, path, excludeAgentID string) ([]model.Claim, error) {
	if err := s.ExpireStaleClaims(); err != nil {
		return nil, err
	}
	q := `SELECT claim_id, agent_id, resource_type, path, intent, state, ttl_s,
			created_at, expires_at, priority, effective_priority, episode_id
		FROM claims WHERE state='active' AND intent='edit' AND resource_type=? AND path=?`
	args := []any{string(resourceType), path}
	if excludeAgentID != "" {
		q += ` AND agent_id != ?`
		args = append(args, excludeAgentID)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Claim
	for rows.Next() {
		c, err := scanClaimRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReleaseClaim releases one agent's active claim on a resource, or all of
// the agent's active claims if releaseAll is set. Returns the number of
// claims released.
func (s *Store) ReleaseClaim(agentID, resourceType, path string, releaseAll bool) (int, error) {
	var count int
	err := s.inTx(func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if releaseAll {
			res, err = tx.Exec(`UPDATE claims SET state='released' WHERE agent_id=? AND state='active'`, agentID)
		} else {
			res, err = tx.Exec(`UPDATE claims SET state='released'
				WHERE agent_id=? AND resource_type=? AND path=? AND state='active'`, agentID, resourceType, path)
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		count = int(n)
		return nil
	})
	return count, err
}

// ListClaims returns claims filtered by agent and/or active-only.
func (s *Store) ListClaims(agentID string, activeOnly bool) ([]model.Claim, error) {
	q := `SELECT claim_id, agent_id, resource_type, path, intent, state, ttl_s,
			created_at, expires_at, priority, effective_priority, episode_id
		FROM claims WHERE 1=1`
	var args []any
	if agentID != "" {
		q += ` AND agent_id=?`
		args = append(args, agentID)
	}
	if activeOnly {
		q += ` AND state='active'`
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Claim
	for rows.Next() {
		c, err := scanClaimRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// StealClaim implements preemption: succeeds iff the existing holder's
// claim is TTL-expired or its agent's heartbeat is stale, expiring the old
// claim and inserting the new one atomically.
func (s *Store) StealClaim(newClaim model.Claim, staleThresholdS int) (bool, string, error) {
	var ok bool
	var reason string

	err := s.inTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT claim_id, agent_id, expires_at FROM claims
			WHERE state='active' AND intent='edit' AND resource_type=? AND path=?`,
			string(newClaim.ResourceType), newClaim.Path)
		var holderClaimID, holderAgentID, expiresAt string
		err := row.Scan(&holderClaimID, &holderAgentID, &expiresAt)
		if err == sql.ErrNoRows {
			ok = false
			reason = "no active holder"
			return nil
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		ttlExpired := expiresAt != "" && mustParseTime(expiresAt).Before(now)

		var heartbeatStale bool
		hbRow := tx.QueryRow(`SELECT last_heartbeat FROM agents WHERE agent_id=?`, holderAgentID)
		var lastHeartbeat string
		if err := hbRow.Scan(&lastHeartbeat); err == nil {
			heartbeatStale = mustParseTime(lastHeartbeat).Before(now.Add(-time.Duration(staleThresholdS) * time.Second))
		}

		switch {
		case ttlExpired:
			reason = "ttl_expired"
		case heartbeatStale:
			reason = "heartbeat_stale"
		default:
			ok = false
			reason = "still active"
			return nil
		}

		if _, err := tx.Exec(`UPDATE claims SET state='expired' WHERE claim_id=?`, holderClaimID); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO claims (claim_id, agent_id, resource_type, path, intent, state,
				ttl_s, created_at, expires_at, priority, effective_priority, episode_id)
			VALUES (?, ?, ?, ?, ?, 'active', ?, ?, ?, ?, ?, ?)`,
			newClaim.ClaimID, newClaim.AgentID, string(newClaim.ResourceType), newClaim.Path,
			string(newClaim.Intent), newClaim.TTLSeconds, model.RFC3339UTC(newClaim.CreatedAt),
			model.RFC3339UTC(newClaim.ExpiresAt), newClaim.Priority, newClaim.EffectivePriority,
			newClaim.EpisodeID); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, reason, err
}

// AddWaiter records a pending interest in a resource.
func (s *Store) AddWaiter(w model.Waiter) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO waiters (waiter_id, resource_type, path, waiter_agent_id, priority, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			w.WaiterID, string(w.ResourceType), w.Path, w.WaiterAgentID, w.Priority, model.RFC3339UTC(w.CreatedAt))
		return err
	})
}

// ListWaiters returns waiters on a resource.
func (s *Store) ListWaiters(resourceType model.ResourceType, path string) ([]model.Waiter, error) {
	rows, err := s.db.Query(`SELECT waiter_id, resource_type, path, waiter_agent_id, priority, created_at
		FROM waiters WHERE resource_type=? AND path=?`, string(resourceType), path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Waiter
	for rows.Next() {
		var w model.Waiter
		var rt, createdAt string
		if err := rows.Scan(&w.WaiterID, &rt, &w.Path, &w.WaiterAgentID, &w.Priority, &createdAt); err != nil {
			return nil, err
		}
		w.ResourceType = model.ResourceType(rt)
		w.CreatedAt = mustParseTime(createdAt)
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateEffectivePriority sets the effective_priority of the active claim
// on a resource, if it differs from the current value.
func (s *Store) UpdateEffectivePriority(resourceType model.ResourceType, path string, effective int) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE claims SET effective_priority=?
			WHERE state='active' AND intent='edit' AND resource_type=? AND path=? AND effective_priority != ?`,
			effective, string(resourceType), path, effective)
		return err
	})
}

func scanClaimRows(rows *sql.Rows) (model.Claim, error) {
	var c model.Claim
	var resourceType, intent, state, createdAt, expiresAt string
	if err := rows.Scan(&c.ClaimID, &c.AgentID, &resourceType, &c.Path, &intent, &state, &c.TTLSeconds,
		&createdAt, &expiresAt, &c.Priority, &c.EffectivePriority, &c.EpisodeID); err != nil {
		return model.Claim{}, err
	}
	c.ResourceType = model.ResourceType(resourceType)
	c.Intent = model.ClaimIntent(intent)
	c.State = model.ClaimState(state)
	c.CreatedAt = mustParseTime(createdAt)
	c.ExpiresAt = mustParseTime(expiresAt)
	return c, nil
}
