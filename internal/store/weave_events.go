package store

import (
	"database/sql"
	"encoding/json"

	"github.com/Haserjian/agentmesh/internal/canonjson"
	"github.com/Haserjian/agentmesh/internal/model"
)

// AppendWeaveEvent assigns the next sequence_id and chains prev_hash from
// the last row, all inside one transaction so concurrent appenders never
// observe or produce a gap. event_hash covers every field except
// event_id and event_hash itself, so a changed event_id is not detected
// by Weave.Verify; the hash computation mirrors original_source/events.py's append_event/compute_hash split.
// The caller supplies EventID (internal/weave mints it) and CreatedAt;
// everything else in the returned WeaveEvent is store-assigned.
func (s *Store) AppendWeaveEvent(ev model.WeaveEvent) (model.WeaveEvent, error) {
	err := s.inTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT sequence_id, event_hash FROM weave_events ORDER BY sequence_id DESC LIMIT 1`)
		var lastSeq int64
		var lastHash string
		switch err := row.Scan(&lastSeq, &lastHash); err {
		case nil:
			ev.SequenceID = lastSeq + 1
			ev.PrevHash = lastHash
		case sql.ErrNoRows:
			ev.SequenceID = 1
			ev.PrevHash = canonjson.Genesis
		default:
			return err
		}

		affectedSymbols, err := json.Marshal(nonNilStrings(ev.AffectedSymbols))
		if err != nil {
			return err
		}

		hash, err := canonjson.Hash(map[string]any{
			"sequence_id":      ev.SequenceID,
			"episode_id":       ev.EpisodeID,
			"prev_hash":        ev.PrevHash,
			"capsule_id":       ev.CapsuleID,
			"git_commit_sha":   ev.GitCommitSHA,
			"git_patch_hash":   ev.GitPatchHash,
			"affected_symbols": nonNilStrings(ev.AffectedSymbols),
			"trace_id":         ev.TraceID,
			"parent_event_id":  ev.ParentEventID,
			"created_at":       model.RFC3339UTC(ev.CreatedAt),
		})
		if err != nil {
			return err
		}
		ev.EventHash = hash

		_, err = tx.Exec(`INSERT INTO weave_events (event_id, sequence_id, episode_id, prev_hash,
				capsule_id, git_commit_sha, git_patch_hash, affected_symbols, trace_id,
				parent_event_id, event_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.EventID, ev.SequenceID, ev.EpisodeID, ev.PrevHash, ev.CapsuleID, ev.GitCommitSHA,
			ev.GitPatchHash, string(affectedSymbols), ev.TraceID, ev.ParentEventID, ev.EventHash,
			model.RFC3339UTC(ev.CreatedAt))
		return err
	})
	return ev, err
}

// ListWeaveEvents returns every weave event with sequence_id > sinceSeq,
// ordered ascending.
func (s *Store) ListWeaveEvents(sinceSeq int64) ([]model.WeaveEvent, error) {
	rows, err := s.db.Query(`SELECT event_id, sequence_id, episode_id, prev_hash, capsule_id,
			git_commit_sha, git_patch_hash, affected_symbols, trace_id, parent_event_id,
			event_hash, created_at
		FROM weave_events WHERE sequence_id > ? ORDER BY sequence_id ASC`, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WeaveEvent
	for rows.Next() {
		var ev model.WeaveEvent
		var createdAt, affectedSymbols string
		if err := rows.Scan(&ev.EventID, &ev.SequenceID, &ev.EpisodeID, &ev.PrevHash, &ev.CapsuleID,
			&ev.GitCommitSHA, &ev.GitPatchHash, &affectedSymbols, &ev.TraceID, &ev.ParentEventID,
			&ev.EventHash, &createdAt); err != nil {
			return nil, err
		}
		ev.CreatedAt = mustParseTime(createdAt)
		if affectedSymbols != "" {
			if err := json.Unmarshal([]byte(affectedSymbols), &ev.AffectedSymbols); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
