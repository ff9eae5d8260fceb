package store

import (
	"database/sql"
	"encoding/json"

	"github.com/Haserjian/agentmesh/internal/model"
)

// SaveCapsule inserts a context capsule row. Grounded on
// original_source/capsules.py's build_capsule, which persists the row
// before writing the JSON bundle to disk.
func (s *Store) SaveCapsule(c model.Capsule) error {
	filesChanged, err := json.Marshal(nonNilStrings(c.FilesChanged))
	if err != nil {
		return err
	}
	risks, err := json.Marshal(nonNilStrings(c.Risks))
	if err != nil {
		return err
	}
	nextActions, err := json.Marshal(nonNilStrings(c.NextActions))
	if err != nil {
		return err
	}
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO capsules (capsule_id, agent_id, task_desc, git_branch, git_sha,
				diff_stat, files_changed, test_status, test_summary, what_changed, what_remains,
				risks, next_actions, created_at, episode_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.CapsuleID, c.AgentID, c.TaskDesc, c.GitBranch, c.GitSHA, c.DiffStat, string(filesChanged),
			c.TestStatus, c.TestSummary, c.WhatChanged, c.WhatRemains, string(risks), string(nextActions),
			model.RFC3339UTC(c.CreatedAt), c.EpisodeID)
		return err
	})
}

// GetCapsule returns one capsule by id.
func (s *Store) GetCapsule(capsuleID string) (model.Capsule, error) {
	row := s.db.QueryRow(`SELECT capsule_id, agent_id, task_desc, git_branch, git_sha, diff_stat,
			files_changed, test_status, test_summary, what_changed, what_remains, risks,
			next_actions, created_at, episode_id
		FROM capsules WHERE capsule_id=?`, capsuleID)
	c, err := scanCapsule(row)
	if err == sql.ErrNoRows {
		return model.Capsule{}, notFound("store.GetCapsule", err)
	}
	return c, err
}

// ListCapsules returns capsules for an agent, newest first.
func (s *Store) ListCapsules(agentID string) ([]model.Capsule, error) {
	rows, err := s.db.Query(`SELECT capsule_id, agent_id, task_desc, git_branch, git_sha, diff_stat,
			files_changed, test_status, test_summary, what_changed, what_remains, risks,
			next_actions, created_at, episode_id
		FROM capsules WHERE agent_id=? ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Capsule
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCapsule(row scannable) (model.Capsule, error) {
	var c model.Capsule
	var createdAt, filesChanged, risks, nextActions string
	if err := row.Scan(&c.CapsuleID, &c.AgentID, &c.TaskDesc, &c.GitBranch, &c.GitSHA, &c.DiffStat,
		&filesChanged, &c.TestStatus, &c.TestSummary, &c.WhatChanged, &c.WhatRemains, &risks,
		&nextActions, &createdAt, &c.EpisodeID); err != nil {
		return model.Capsule{}, err
	}
	c.CreatedAt = mustParseTime(createdAt)
	if filesChanged != "" {
		if err := json.Unmarshal([]byte(filesChanged), &c.FilesChanged); err != nil {
			return model.Capsule{}, err
		}
	}
	if risks != "" {
		if err := json.Unmarshal([]byte(risks), &c.Risks); err != nil {
			return model.Capsule{}, err
		}
	}
	if nextActions != "" {
		if err := json.Unmarshal([]byte(nextActions), &c.NextActions); err != nil {
			return model.Capsule{}, err
		}
	}
	return c, nil
}
