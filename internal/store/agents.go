package store

import (
	"database/sql"

	"github.com/Haserjian/agentmesh/internal/model"
)

// RegisterAgent inserts or replaces an agent row.
func (s *Store) RegisterAgent(a model.Agent) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO agents (agent_id, kind, display_name, cwd, pid, status, registered_at, last_heartbeat)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				kind=excluded.kind, display_name=excluded.display_name, cwd=excluded.cwd,
				pid=excluded.pid, status=excluded.status, last_heartbeat=excluded.last_heartbeat`,
			a.AgentID, string(a.Kind), a.DisplayName, a.CWD, a.PID, string(a.Status),
			model.RFC3339UTC(a.RegisteredAt), model.RFC3339UTC(a.LastHeartbeat))
		return err
	})
}

// DeregisterAgent marks an agent gone (never hard-deleted except by GC).
func (s *Store) DeregisterAgent(agentID string) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE agents SET status='gone' WHERE agent_id=?`, agentID)
		return err
	})
}

// UpdateHeartbeat bumps an agent's last_heartbeat and status.
func (s *Store) UpdateHeartbeat(agentID string, status model.AgentStatus) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE agents SET last_heartbeat=?, status=? WHERE agent_id=?`,
			nowStr(), string(status), agentID)
		return err
	})
}

// GetAgent returns one agent by id.
func (s *Store) GetAgent(agentID string) (model.Agent, error) {
	row := s.db.QueryRow(`SELECT agent_id, kind, display_name, cwd, pid, status, registered_at, last_heartbeat
		FROM agents WHERE agent_id=?`, agentID)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return model.Agent{}, notFound("store.GetAgent", err)
	}
	return a, err
}

// ListAgents returns all agents, optionally excluding gone ones.
func (s *Store) ListAgents(includeGone bool) ([]model.Agent, error) {
	q := `SELECT agent_id, kind, display_name, cwd, pid, status, registered_at, last_heartbeat FROM agents`
	if !includeGone {
		q += ` WHERE status != 'gone'`
	}
	rows, err := s.db.Query(q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAgent(row scannable) (model.Agent, error) {
	var a model.Agent
	var kind, status, registeredAt, lastHeartbeat string
	if err := row.Scan(&a.AgentID, &kind, &a.DisplayName, &a.CWD, &a.PID, &status, &registeredAt, &lastHeartbeat); err != nil {
		return model.Agent{}, err
	}
	a.Kind = model.AgentKind(kind)
	a.Status = model.AgentStatus(status)
	a.RegisteredAt = mustParseTime(registeredAt)
	a.LastHeartbeat = mustParseTime(lastHeartbeat)
	return a, nil
}

func scanAgentRows(rows *sql.Rows) (model.Agent, error) { return scanAgent(rows) }
