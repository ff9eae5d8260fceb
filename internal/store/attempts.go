package store

import (
	"database/sql"

	"github.com/Haserjian/agentmesh/internal/model"
)

// CreateAttempt inserts a new attempt, numbering it one past the task's
// existing attempt count, mirroring original_source/orchestrator.py's
// assign_task (attempt_number = len(existing) + 1).
func (s *Store) CreateAttempt(a model.Attempt) (model.Attempt, error) {
	err := s.inTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT COUNT(*) FROM attempts WHERE task_id=?`, a.TaskID)
		var count int
		if err := row.Scan(&count); err != nil {
			return err
		}
		a.AttemptNumber = count + 1

		_, err := tx.Exec(`INSERT INTO attempts (attempt_id, task_id, agent_id, attempt_number,
				started_at, ended_at, outcome, error_summary)
			VALUES (?, ?, ?, ?, ?, '', '', '')`,
			a.AttemptID, a.TaskID, a.AgentID, a.AttemptNumber, model.RFC3339UTC(a.StartedAt))
		return err
	})
	return a, err
}

// EndAttempt closes the latest open (ended_at == '') attempt for a task
// with the given outcome.
func (s *Store) EndAttempt(taskID string, outcome model.AttemptOutcome, errorSummary string) error {
	return s.inTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT attempt_id FROM attempts
			WHERE task_id=? AND ended_at='' ORDER BY attempt_number DESC LIMIT 1`, taskID)
		var attemptID string
		if err := row.Scan(&attemptID); err != nil {
			if err == sql.ErrNoRows {
				return nil // nothing open to close, mirrors the Python's best-effort lookup
			}
			return err
		}
		_, err := tx.Exec(`UPDATE attempts SET ended_at=?, outcome=?, error_summary=? WHERE attempt_id=?`,
			nowStr(), string(outcome), errorSummary, attemptID)
		return err
	})
}

// ListAttempts returns every attempt recorded for a task, oldest first.
func (s *Store) ListAttempts(taskID string) ([]model.Attempt, error) {
	rows, err := s.db.Query(`SELECT attempt_id, task_id, agent_id, attempt_number, started_at,
			ended_at, outcome, error_summary
		FROM attempts WHERE task_id=? ORDER BY attempt_number ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Attempt
	for rows.Next() {
		var a model.Attempt
		var startedAt, endedAt, outcome string
		if err := rows.Scan(&a.AttemptID, &a.TaskID, &a.AgentID, &a.AttemptNumber, &startedAt,
			&endedAt, &outcome, &a.ErrorSummary); err != nil {
			return nil, err
		}
		a.StartedAt = mustParseTime(startedAt)
		a.EndedAt = mustParseTime(endedAt)
		a.Outcome = model.AttemptOutcome(outcome)
		out = append(out, a)
	}
	return out, rows.Err()
}
