// Package board is the agent-to-agent message channel: post with a
// severity and channel, read back an inbox filtered by channel/unread.
// Grounded on original_source/messages.py's post/inbox pair; persistence
// itself lives in Store (PostMessage/MarkRead/Inbox), so this package is
// the same thin formatting/episode-tagging layer the original is.
package board

import (
	"time"

	"github.com/google/uuid"

	"github.com/Haserjian/agentmesh/internal/episode"
	"github.com/Haserjian/agentmesh/internal/eventlog"
	"github.com/Haserjian/agentmesh/internal/model"
)

type storeBackend interface {
	PostMessage(m model.Message) error
	MarkRead(msgID, agentID string) error
	Inbox(toAgent, channel string, unreadOnly bool) ([]model.Message, error)
}

type Board struct {
	store   storeBackend
	el      *eventlog.Log
	dataDir string
}

func New(store storeBackend, el *eventlog.Log, dataDir string) *Board {
	return &Board{store: store, el: el, dataDir: dataDir}
}

// Post writes one message to the board. episodeID, when empty, is
// auto-tagged from the current episode, matching the original's
// default-to-current-episode behavior.
func (b *Board) Post(fromAgent, body, toAgent, channel string, severity model.Severity, episodeID string) (model.Message, error) {
	if channel == "" {
		channel = "general"
	}
	if severity == "" {
		severity = model.SeverityFYI
	}
	if episodeID == "" {
		episodeID, _ = episode.GetCurrent(b.dataDir)
	}

	msg := model.Message{
		MsgID:     "msg_" + uuid.NewString()[:12],
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Channel:   channel,
		Severity:  severity,
		Body:      body,
		CreatedAt: time.Now().UTC(),
		EpisodeID: episodeID,
	}
	if err := b.store.PostMessage(msg); err != nil {
		return model.Message{}, err
	}
	if b.el != nil {
		if _, err := b.el.Append(model.EventMsg, fromAgent, map[string]any{
			"msg_id": msg.MsgID, "to": toAgent, "severity": string(severity),
			"channel": channel, "episode_id": episodeID,
		}); err != nil {
			return model.Message{}, err
		}
	}
	return msg, nil
}

// Inbox returns messages addressed to agentID (or broadcast), optionally
// filtered by channel and restricted to unread-by-agentID.
func (b *Board) Inbox(agentID, channel string, unread bool) ([]model.Message, error) {
	return b.store.Inbox(agentID, channel, unread)
}

// MarkRead records agentID as having read msgID.
func (b *Board) MarkRead(msgID, agentID string) error {
	return b.store.MarkRead(msgID, agentID)
}

// SeverityStyle mirrors the original's terminal color hints, kept here
// since CLI rendering is the only consumer that cares about it.
func SeverityStyle(sev model.Severity) string {
	switch sev {
	case model.SeverityFYI:
		return "dim"
	case model.SeverityATTN:
		return "yellow"
	case model.SeverityBlocker:
		return "red bold"
	case model.SeverityHandoff:
		return "cyan bold"
	default:
		return ""
	}
}
