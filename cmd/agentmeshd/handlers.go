package main

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/Haserjian/agentmesh/internal/assay"
	"github.com/Haserjian/agentmesh/internal/board"
	"github.com/Haserjian/agentmesh/internal/capsule"
	"github.com/Haserjian/agentmesh/internal/model"
	"github.com/Haserjian/agentmesh/internal/softconflict"
)

// registerMeshRoutes wires the small REST surface over the board,
// capsule, soft-conflict, and assay-bridge components. These are the
// supplemented, non-CLI entry points an orchestrating agent or a future
// dashboard drives; the Non-goals excluding a CLI/TUI don't exclude this
// minimal HTTP surface.
func registerMeshRoutes(mux *http.ServeMux, bd *board.Board, cb *capsule.Builder, sc *softconflict.Detector, ab *assay.Bridge, logger *zap.Logger) {
	mux.HandleFunc("POST /api/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FromAgent string         `json:"from_agent"`
			ToAgent   string         `json:"to_agent"`
			Body      string         `json:"body"`
			Channel   string         `json:"channel"`
			Severity  model.Severity `json:"severity"`
			EpisodeID string         `json:"episode_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msg, err := bd.Post(req.FromAgent, req.Body, req.ToAgent, req.Channel, req.Severity, req.EpisodeID)
		if err != nil {
			logger.Warn("post message failed", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, msg)
	})

	mux.HandleFunc("GET /api/v1/inbox/{agent}", func(w http.ResponseWriter, r *http.Request) {
		agentID := r.PathValue("agent")
		channel := r.URL.Query().Get("channel")
		unread := r.URL.Query().Get("unread") == "true"
		messages, err := bd.Inbox(agentID, channel, unread)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, messages)
	})

	mux.HandleFunc("POST /api/v1/inbox/{agent}/read/{msg}", func(w http.ResponseWriter, r *http.Request) {
		if err := bd.MarkRead(r.PathValue("msg"), r.PathValue("agent")); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/v1/capsules", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AgentID  string `json:"agent_id"`
			TaskDesc string `json:"task_desc"`
			RepoCWD  string `json:"repo_cwd"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c, err := cb.Build(req.AgentID, req.TaskDesc, req.RepoCWD)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, c)
	})

	mux.HandleFunc("GET /api/v1/capsules/{id}", func(w http.ResponseWriter, r *http.Request) {
		bundle, err := cb.GetBundle(r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if bundle == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, bundle)
	})

	mux.HandleFunc("POST /api/v1/conflicts/scan", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ChangedFile    string   `json:"changed_file"`
			ChangedSymbols []string `json:"changed_symbols"`
			AgentID        string   `json:"agent_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		count, err := sc.PostAlerts(req.ChangedFile, req.ChangedSymbols, req.AgentID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]int{"alerts_posted": count})
	})

	mux.HandleFunc("POST /api/v1/tasks/{id}/assay", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TerminalState string `json:"terminal_state"`
			AgentID       string `json:"agent_id"`
			EpisodeID     string `json:"episode_id"`
			RepoPath      string `json:"repo_path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, err := ab.EmitBridgeEvent(r.PathValue("id"), req.TerminalState, req.AgentID, req.EpisodeID, req.RepoPath)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, result)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
