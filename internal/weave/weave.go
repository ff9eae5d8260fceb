// Package weave is the mesh's second ledger: an append-only,
// hash-chained provenance record stored as rows in Store rather than a
// flat file, sharing EventLog's hash-chain discipline plus a gap-free
// sequence_id. Grounded on original_source/weaver.py and spec §4.7.
package weave

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Haserjian/agentmesh/internal/canonjson"
	"github.com/Haserjian/agentmesh/internal/eventlog"
	"github.com/Haserjian/agentmesh/internal/meshkind"
	"github.com/Haserjian/agentmesh/internal/model"
)

// storeBackend is the subset of *store.Store that Weave needs. Declared
// here (rather than importing store directly into the exported API)
// keeps the dependency direction the same shape as the other components
// that sit on top of Store.
type storeBackend interface {
	AppendWeaveEvent(ev model.WeaveEvent) (model.WeaveEvent, error)
	ListWeaveEvents(sinceSeq int64) ([]model.WeaveEvent, error)
}

// Weave appends provenance receipts for every TaskMachine transition and
// Spawner lifecycle event, and verifies the resulting chain.
type Weave struct {
	store storeBackend
	log   *zap.Logger
}

func New(store storeBackend, log *zap.Logger) *Weave {
	return &Weave{store: store, log: log}
}

type AppendInput struct {
	CapsuleID       string
	GitCommitSHA    string
	GitPatchHash    string
	AffectedSymbols []string
	TraceID         string
	ParentEventID   string
	EpisodeID       string
}

// Append records one provenance receipt. sequence_id and prev_hash are
// allocated by Store.AppendWeaveEvent inside a single transaction so
// concurrent callers serialize without gaps.
func (w *Weave) Append(in AppendInput) (model.WeaveEvent, error) {
	ev := model.WeaveEvent{
		EventID:         "we_" + uuid.NewString(),
		EpisodeID:       in.EpisodeID,
		CapsuleID:       in.CapsuleID,
		GitCommitSHA:    in.GitCommitSHA,
		GitPatchHash:    in.GitPatchHash,
		AffectedSymbols: in.AffectedSymbols,
		TraceID:         in.TraceID,
		ParentEventID:   in.ParentEventID,
		CreatedAt:       time.Now().UTC(),
	}
	out, err := w.store.AppendWeaveEvent(ev)
	if err != nil {
		return model.WeaveEvent{}, fmt.Errorf("weave: append: %w", err)
	}
	if w.log != nil {
		w.log.Debug("weave: appended", zap.Int64("sequence_id", out.SequenceID), zap.String("trace_id", out.TraceID))
	}
	return out, nil
}

// Verify walks every weave event in sequence_id order, failing on a
// duplicate/missing sequence_id, a prev_hash mismatch, or an event_hash
// recomputation mismatch. On failure it also appends a
// WEAVE_CHAIN_BREAK event to the operational log, per spec §4.7.
func (w *Weave) Verify(el *eventlog.Log) (bool, string) {
	events, err := w.store.ListWeaveEvents(0)
	if err != nil {
		return false, fmt.Sprintf("list weave events: %v", err)
	}
	if len(events) == 0 {
		return true, ""
	}

	prevHash := canonjson.Genesis
	var wantSeq int64 = 1
	for _, ev := range events {
		if ev.SequenceID != wantSeq {
			reason := fmt.Sprintf("expected sequence_id %d, got %d", wantSeq, ev.SequenceID)
			w.recordBreak(el, reason)
			return false, reason
		}
		if ev.PrevHash != prevHash {
			reason := fmt.Sprintf("prev_hash mismatch at sequence_id %d", ev.SequenceID)
			w.recordBreak(el, reason)
			return false, reason
		}
		hash, err := hashEvent(ev)
		if err != nil {
			reason := fmt.Sprintf("hash recomputation error at sequence_id %d: %v", ev.SequenceID, err)
			w.recordBreak(el, reason)
			return false, reason
		}
		if hash != ev.EventHash {
			reason := fmt.Sprintf("event_hash mismatch at sequence_id %d", ev.SequenceID)
			w.recordBreak(el, reason)
			return false, reason
		}
		prevHash = ev.EventHash
		wantSeq++
	}
	return true, ""
}

func (w *Weave) recordBreak(el *eventlog.Log, reason string) {
	if el == nil {
		return
	}
	if _, err := el.Append(model.EventWeaveChainBreak, "", map[string]any{"reason": reason}); err != nil && w.log != nil {
		w.log.Warn("weave: failed to record WEAVE_CHAIN_BREAK", zap.Error(err))
	}
}

func hashEvent(ev model.WeaveEvent) (string, error) {
	return canonjson.Hash(map[string]any{
		"sequence_id":      ev.SequenceID,
		"episode_id":       ev.EpisodeID,
		"prev_hash":        ev.PrevHash,
		"capsule_id":       ev.CapsuleID,
		"git_commit_sha":   ev.GitCommitSHA,
		"git_patch_hash":   ev.GitPatchHash,
		"affected_symbols": nonNil(ev.AffectedSymbols),
		"trace_id":         ev.TraceID,
		"parent_event_id":  ev.ParentEventID,
		"created_at":       model.RFC3339UTC(ev.CreatedAt),
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Export writes every weave event as JSONL to path, in sequence_id order.
// This is deliberately narrower than original_source/passport.py's signed
// .meshpack bundle (manifest + capsules + claims snapshot + messages):
// meshpack export is named out of scope by spec §1's Non-goals. Export
// exists only to satisfy the round-trip law in spec §8 ("export weave +
// re-import weave... reproduces identical sequence_ids and hashes").
func (w *Weave) Export(path string) (int, error) {
	events, err := w.store.ListWeaveEvents(0)
	if err != nil {
		return 0, err
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return 0, err
		}
	}
	return len(events), nil
}

// Import re-appends every record from an Export()-produced JSONL file in
// order. Because Store.AppendWeaveEvent allocates sequence_id and
// prev_hash itself, a faithful re-import requires an empty destination
// ledger; Import returns meshkind.ChainBroken if the destination already
// has records, rather than silently reassigning sequence_ids out from
// under the imported data.
func (w *Weave) Import(path string) (int, error) {
	existing, err := w.store.ListWeaveEvents(0)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, meshkind.New(meshkind.ChainBroken, "weave.Import", fmt.Errorf("destination ledger is not empty"))
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	count := 0
	for dec.More() {
		var ev model.WeaveEvent
		if err := dec.Decode(&ev); err != nil {
			return count, err
		}
		if _, err := w.store.AppendWeaveEvent(model.WeaveEvent{
			EventID:         ev.EventID,
			EpisodeID:       ev.EpisodeID,
			CapsuleID:       ev.CapsuleID,
			GitCommitSHA:    ev.GitCommitSHA,
			GitPatchHash:    ev.GitPatchHash,
			AffectedSymbols: ev.AffectedSymbols,
			TraceID:         ev.TraceID,
			ParentEventID:   ev.ParentEventID,
			CreatedAt:       ev.CreatedAt,
		}); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
