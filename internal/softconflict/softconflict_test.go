package softconflict_test

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/Haserjian/agentmesh/internal/board"
	"github.com/Haserjian/agentmesh/internal/eventlog"
	"github.com/Haserjian/agentmesh/internal/model"
	"github.com/Haserjian/agentmesh/internal/softconflict"
)

func TestDetectSymbolChanges(t *testing.T) {
	before := "def helper():\n    pass\n\ndef keep():\n    pass\n"
	after := "def keep():\n    pass\n\ndef added():\n    pass\n"

	changes := softconflict.DetectSymbolChanges("lib/util.py", before, after)
	want := []string{"+added", "-helper"}
	if len(changes) != len(want) {
		t.Fatalf("got %v, want %v", changes, want)
	}
	for i, c := range changes {
		if c != want[i] {
			t.Fatalf("got %v, want %v", changes, want)
		}
	}
}

func TestFindDependentsOnlyFlagsRemovedImports(t *testing.T) {
	dir := t.TempDir()
	importerPath := filepath.Join(dir, "caller.py")
	if err := os.WriteFile(importerPath, []byte("from lib.util import helper\n"), 0o644); err != nil {
		t.Fatalf("write importer: %v", err)
	}
	unrelatedPath := filepath.Join(dir, "other.py")
	if err := os.WriteFile(unrelatedPath, []byte("from lib.util import keep\n"), 0o644); err != nil {
		t.Fatalf("write unrelated: %v", err)
	}

	claims := []model.Claim{
		{AgentID: "agent_2", Path: importerPath},
		{AgentID: "agent_3", Path: unrelatedPath},
	}

	affected := softconflict.FindDependents("lib/util.py", []string{"+added", "-helper"}, claims)
	if len(affected) != 1 || affected[0].AgentID != "agent_2" {
		t.Fatalf("expected only agent_2 flagged, got %+v", affected)
	}
}

func TestPostAlertsPostsAndRecordsEvent(t *testing.T) {
	dir := t.TempDir()
	importerPath := filepath.Join(dir, "caller.py")
	if err := os.WriteFile(importerPath, []byte("from lib.util import helper\n"), 0o644); err != nil {
		t.Fatalf("write importer: %v", err)
	}

	store := &fakeClaimStore{claims: []model.Claim{
		{AgentID: "agent_1", Path: "lib/util.py"},
		{AgentID: "agent_2", Path: importerPath},
	}}
	el, err := eventlog.Open(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	b := board.New(&fakeBoardStore{}, el, t.TempDir())
	d := softconflict.New(store, b, el)

	count, err := d.PostAlerts("lib/util.py", []string{"-helper"}, "agent_1")
	if err != nil {
		t.Fatalf("PostAlerts: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one alert, got %d", count)
	}

	events, err := el.Read(0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var kinds []model.EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	found := false
	for _, k := range kinds {
		if k == model.EventSoftConflict {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a SOFT_CONFLICT event, got kinds %v", kinds)
	}
}

type fakeClaimStore struct{ claims []model.Claim }

func (f *fakeClaimStore) ListClaims(agentID string, activeOnly bool) ([]model.Claim, error) {
	return f.claims, nil
}

type fakeBoardStore struct{ messages []model.Message }

func (f *fakeBoardStore) PostMessage(m model.Message) error {
	f.messages = append(f.messages, m)
	return nil
}
func (f *fakeBoardStore) MarkRead(msgID, agentID string) error { return nil }
func (f *fakeBoardStore) Inbox(toAgent, channel string, unreadOnly bool) ([]model.Message, error) {
	return f.messages, nil
}
