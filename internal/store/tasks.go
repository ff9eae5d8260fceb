package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Haserjian/agentmesh/internal/meshkind"
	"github.com/Haserjian/agentmesh/internal/model"
)

// CreateTask inserts a new task in the planned state. Dependency cycle and
// unresolved-dependency checks are the caller's (internal/taskmachine)
// responsibility, mirroring original_source/orchestrator.py where the
// orchestrator validates before calling into the db layer.
func (s *Store) CreateTask(t model.Task) error {
	dependsOn, err := json.Marshal(nonNilStrings(t.DependsOn))
	if err != nil {
		return err
	}
	meta, err := json.Marshal(nonNilMap(t.Meta))
	if err != nil {
		return err
	}
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO tasks (task_id, title, description, state, assigned_agent_id,
				episode_id, branch, pr_url, parent_task_id, depends_on, meta, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.TaskID, t.Title, t.Description, string(t.State), t.AssignedAgentID, t.EpisodeID,
			t.Branch, t.PRURL, t.ParentTaskID, string(dependsOn), string(meta),
			model.RFC3339UTC(t.CreatedAt), model.RFC3339UTC(t.UpdatedAt))
		return err
	})
}

// UpdateTask rewrites the mutable fields of a task (state, assignment,
// branch, pr_url, meta) and bumps updated_at.
func (s *Store) UpdateTask(t model.Task) error {
	meta, err := json.Marshal(nonNilMap(t.Meta))
	if err != nil {
		return err
	}
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE tasks SET title=?, description=?, state=?, assigned_agent_id=?,
				branch=?, pr_url=?, meta=?, updated_at=? WHERE task_id=?`,
			t.Title, t.Description, string(t.State), t.AssignedAgentID, t.Branch, t.PRURL,
			string(meta), nowStr(), t.TaskID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return meshkind.New(meshkind.NotFound, "store.UpdateTask", fmt.Errorf("task %s", t.TaskID))
		}
		return nil
	})
}

// GetTask returns one task by id.
func (s *Store) GetTask(taskID string) (model.Task, error) {
	row := s.db.QueryRow(`SELECT task_id, title, description, state, assigned_agent_id, episode_id,
			branch, pr_url, parent_task_id, depends_on, meta, created_at, updated_at
		FROM tasks WHERE task_id=?`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return model.Task{}, notFound("store.GetTask", err)
	}
	return t, err
}

// ListTasks returns all tasks, optionally filtered by state.
func (s *Store) ListTasks(state model.TaskState) ([]model.Task, error) {
	q := `SELECT task_id, title, description, state, assigned_agent_id, episode_id,
			branch, pr_url, parent_task_id, depends_on, meta, created_at, updated_at
		FROM tasks`
	var args []any
	if state != "" {
		q += ` WHERE state=?`
		args = append(args, string(state))
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row scannable) (model.Task, error) {
	var t model.Task
	var state, createdAt, updatedAt, dependsOn, meta string
	if err := row.Scan(&t.TaskID, &t.Title, &t.Description, &state, &t.AssignedAgentID, &t.EpisodeID,
		&t.Branch, &t.PRURL, &t.ParentTaskID, &dependsOn, &meta, &createdAt, &updatedAt); err != nil {
		return model.Task{}, err
	}
	t.State = model.TaskState(state)
	t.CreatedAt = mustParseTime(createdAt)
	t.UpdatedAt = mustParseTime(updatedAt)
	if dependsOn != "" {
		if err := json.Unmarshal([]byte(dependsOn), &t.DependsOn); err != nil {
			return model.Task{}, fmt.Errorf("store: decode depends_on for %s: %w", t.TaskID, err)
		}
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &t.Meta); err != nil {
			return model.Task{}, fmt.Errorf("store: decode meta for %s: %w", t.TaskID, err)
		}
	}
	return t, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
