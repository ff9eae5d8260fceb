package store

import (
	"database/sql"

	"github.com/Haserjian/agentmesh/internal/meshkind"
	"github.com/Haserjian/agentmesh/internal/model"
)

// CreateSpawn inserts a new, not-yet-ended spawn record.
func (s *Store) CreateSpawn(sp model.Spawn) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO spawns (spawn_id, task_id, attempt_id, agent_id, pid,
				pid_started_at, worktree_path, branch, episode_id, context_hash, started_at,
				ended_at, outcome, output_path, repo_cwd, timeout_s, backend, backend_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, ?, ?, ?)`,
			sp.SpawnID, sp.TaskID, sp.AttemptID, sp.AgentID, sp.PID, sp.PIDStartedAt,
			sp.WorktreePath, sp.Branch, sp.EpisodeID, sp.ContextHash, model.RFC3339UTC(sp.StartedAt),
			sp.OutputPath, sp.RepoCWD, sp.TimeoutSec, sp.Backend, sp.BackendVersion)
		return err
	})
}

// GetSpawn returns one spawn by id.
func (s *Store) GetSpawn(spawnID string) (model.Spawn, error) {
	row := s.db.QueryRow(`SELECT spawn_id, task_id, attempt_id, agent_id, pid, pid_started_at,
			worktree_path, branch, episode_id, context_hash, started_at, ended_at, outcome,
			output_path, repo_cwd, timeout_s, backend, backend_version
		FROM spawns WHERE spawn_id=?`, spawnID)
	sp, err := scanSpawn(row)
	if err == sql.ErrNoRows {
		return model.Spawn{}, notFound("store.GetSpawn", err)
	}
	return sp, err
}

// ListSpawns returns all spawns, optionally filtered to the still-running
// ones (ended_at == '').
func (s *Store) ListSpawns(onlyRunning bool) ([]model.Spawn, error) {
	q := `SELECT spawn_id, task_id, attempt_id, agent_id, pid, pid_started_at,
			worktree_path, branch, episode_id, context_hash, started_at, ended_at, outcome,
			output_path, repo_cwd, timeout_s, backend, backend_version
		FROM spawns`
	if onlyRunning {
		q += ` WHERE ended_at=''`
	}
	rows, err := s.db.Query(q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Spawn
	for rows.Next() {
		sp, err := scanSpawn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// FinalizeSpawn is the sole write path for (ended_at, outcome): a
// compare-and-swap update that only succeeds while ended_at is still
// empty, so a concurrent harvester and watchdog race to close the same
// spawn and exactly one wins. The loser observes zero rows affected and
// gets meshkind.AlreadyHarvested, never a second finalize.
func (s *Store) FinalizeSpawn(spawnID string, outcome model.AttemptOutcome, outputPath string) (bool, error) {
	var won bool
	err := s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE spawns SET ended_at=?, outcome=?, output_path=COALESCE(NULLIF(?, ''), output_path)
			WHERE spawn_id=? AND ended_at=''`, nowStr(), string(outcome), outputPath, spawnID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		won = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if !won {
		return false, meshkind.New(meshkind.AlreadyHarvested, "store.FinalizeSpawn", nil)
	}
	return true, nil
}

func scanSpawn(row scannable) (model.Spawn, error) {
	var sp model.Spawn
	var outcome, startedAt, endedAt string
	if err := row.Scan(&sp.SpawnID, &sp.TaskID, &sp.AttemptID, &sp.AgentID, &sp.PID, &sp.PIDStartedAt,
		&sp.WorktreePath, &sp.Branch, &sp.EpisodeID, &sp.ContextHash, &startedAt, &endedAt, &outcome,
		&sp.OutputPath, &sp.RepoCWD, &sp.TimeoutSec, &sp.Backend, &sp.BackendVersion); err != nil {
		return model.Spawn{}, err
	}
	sp.Outcome = model.AttemptOutcome(outcome)
	sp.StartedAt = mustParseTime(startedAt)
	sp.EndedAt = mustParseTime(endedAt)
	return sp, nil
}
