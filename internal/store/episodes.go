package store

import (
	"database/sql"

	"github.com/Haserjian/agentmesh/internal/model"
)

// StartEpisode inserts a new episode row.
func (s *Store) StartEpisode(e model.Episode) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO episodes (episode_id, title, started_at, ended_at, parent_episode_id)
			VALUES (?, ?, ?, '', ?)`,
			e.EpisodeID, e.Title, model.RFC3339UTC(e.StartedAt), e.ParentEpisodeID)
		return err
	})
}

// EndEpisode stamps an episode's ended_at.
func (s *Store) EndEpisode(episodeID string) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE episodes SET ended_at=? WHERE episode_id=?`, nowStr(), episodeID)
		return err
	})
}

// GetEpisode returns one episode by id.
func (s *Store) GetEpisode(episodeID string) (model.Episode, error) {
	row := s.db.QueryRow(`SELECT episode_id, title, started_at, ended_at, parent_episode_id
		FROM episodes WHERE episode_id=?`, episodeID)
	var e model.Episode
	var startedAt, endedAt string
	if err := row.Scan(&e.EpisodeID, &e.Title, &startedAt, &endedAt, &e.ParentEpisodeID); err != nil {
		if err == sql.ErrNoRows {
			return model.Episode{}, notFound("store.GetEpisode", err)
		}
		return model.Episode{}, err
	}
	e.StartedAt = mustParseTime(startedAt)
	e.EndedAt = mustParseTime(endedAt)
	return e, nil
}
