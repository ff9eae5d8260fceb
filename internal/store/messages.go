package store

import (
	"database/sql"
	"encoding/json"

	"github.com/Haserjian/agentmesh/internal/model"
)

// PostMessage inserts a board message. Grounded on
// original_source/messages.py's post().
func (s *Store) PostMessage(m model.Message) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO messages (msg_id, from_agent, to_agent, channel, severity,
				body, created_at, episode_id, read_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, '[]')`,
			m.MsgID, m.FromAgent, m.ToAgent, m.Channel, string(m.Severity), m.Body,
			model.RFC3339UTC(m.CreatedAt), m.EpisodeID)
		return err
	})
}

// MarkRead appends agentID to a message's read_by set, idempotently.
func (s *Store) MarkRead(msgID, agentID string) error {
	return s.inTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT read_by FROM messages WHERE msg_id=?`, msgID)
		var raw string
		if err := row.Scan(&raw); err != nil {
			return err
		}
		var readBy []string
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &readBy); err != nil {
				return err
			}
		}
		for _, a := range readBy {
			if a == agentID {
				return nil
			}
		}
		readBy = append(readBy, agentID)
		encoded, err := json.Marshal(readBy)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE messages SET read_by=? WHERE msg_id=?`, string(encoded), msgID)
		return err
	})
}

// Inbox returns messages addressed to toAgent (or broadcast, empty
// to_agent), oldest first, optionally filtered by channel and to messages
// toAgent has not yet read. Severity is not filtered on.
func (s *Store) Inbox(toAgent, channel string, unreadOnly bool) ([]model.Message, error) {
	q := `SELECT msg_id, from_agent, to_agent, channel, severity, body, created_at, episode_id, read_by
		FROM messages WHERE (to_agent=? OR to_agent='')`
	args := []any{toAgent}
	if channel != "" {
		q += ` AND channel=?`
		args = append(args, channel)
	}
	q += ` ORDER BY created_at ASC`
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		var severity, createdAt, readByRaw string
		if err := rows.Scan(&m.MsgID, &m.FromAgent, &m.ToAgent, &m.Channel, &severity, &m.Body,
			&createdAt, &m.EpisodeID, &readByRaw); err != nil {
			return nil, err
		}
		m.Severity = model.Severity(severity)
		m.CreatedAt = mustParseTime(createdAt)

		if unreadOnly {
			var readBy []string
			if readByRaw != "" {
				if err := json.Unmarshal([]byte(readByRaw), &readBy); err != nil {
					return nil, err
				}
			}
			read := false
			for _, a := range readBy {
				if a == toAgent {
					read = true
					break
				}
			}
			if read {
				continue
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
