package weave

import (
	"path/filepath"
	"testing"

	"github.com/Haserjian/agentmesh/internal/canonjson"
	"github.com/Haserjian/agentmesh/internal/model"
)

type fakeStore struct {
	events []model.WeaveEvent
}

func (f *fakeStore) AppendWeaveEvent(ev model.WeaveEvent) (model.WeaveEvent, error) {
	if len(f.events) == 0 {
		ev.SequenceID = 1
		ev.PrevHash = canonjson.Genesis
	} else {
		last := f.events[len(f.events)-1]
		ev.SequenceID = last.SequenceID + 1
		ev.PrevHash = last.EventHash
	}
	hash, err := hashEvent(ev)
	if err != nil {
		return model.WeaveEvent{}, err
	}
	ev.EventHash = hash
	f.events = append(f.events, ev)
	return ev, nil
}

func (f *fakeStore) ListWeaveEvents(sinceSeq int64) ([]model.WeaveEvent, error) {
	var out []model.WeaveEvent
	for _, ev := range f.events {
		if ev.SequenceID > sinceSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestAppendAndVerify(t *testing.T) {
	fs := &fakeStore{}
	w := New(fs, nil)

	if _, err := w.Append(AppendInput{TraceID: "task-1", EpisodeID: "ep_x"}); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if _, err := w.Append(AppendInput{TraceID: "task-1", EpisodeID: "ep_x"}); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	ok, reason := w.Verify(nil)
	if !ok {
		t.Fatalf("expected chain intact, got reason=%q", reason)
	}
}

func TestVerifyEmptyLedgerOK(t *testing.T) {
	fs := &fakeStore{}
	w := New(fs, nil)
	ok, reason := w.Verify(nil)
	if !ok || reason != "" {
		t.Fatalf("expected (true, \"\"), got (%v, %q)", ok, reason)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := &fakeStore{}
	w := New(src, nil)
	for i := 0; i < 3; i++ {
		if _, err := w.Append(AppendInput{TraceID: "t", EpisodeID: "ep_x"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	path := filepath.Join(t.TempDir(), "weave.jsonl")
	n, err := w.Export(path)
	if err != nil || n != 3 {
		t.Fatalf("Export: n=%d err=%v", n, err)
	}

	dst := &fakeStore{}
	w2 := New(dst, nil)
	n, err = w2.Import(path)
	if err != nil || n != 3 {
		t.Fatalf("Import: n=%d err=%v", n, err)
	}

	for i := range src.events {
		if src.events[i].SequenceID != dst.events[i].SequenceID || src.events[i].EventHash != dst.events[i].EventHash {
			t.Fatalf("round-trip mismatch at %d: %+v vs %+v", i, src.events[i], dst.events[i])
		}
	}
}
