package capsule_test

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/Haserjian/agentmesh/internal/capsule"
	"github.com/Haserjian/agentmesh/internal/eventlog"
	"github.com/Haserjian/agentmesh/internal/model"
)

type fakeStore struct {
	saved  []model.Capsule
	claims []model.Claim
	agents []model.Agent
}

func (f *fakeStore) SaveCapsule(c model.Capsule) error {
	f.saved = append(f.saved, c)
	return nil
}
func (f *fakeStore) ListClaims(agentID string, activeOnly bool) ([]model.Claim, error) {
	return f.claims, nil
}
func (f *fakeStore) ListAgents(includeGone bool) ([]model.Agent, error) { return f.agents, nil }

func initGitRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if err := cmd.Run(); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	run("commit", "--allow-empty", "-q", "-m", "init")
}

func TestBuildWritesRowAndBundle(t *testing.T) {
	repoDir := t.TempDir()
	initGitRepo(t, repoDir)
	if err := os.WriteFile(filepath.Join(repoDir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	dataDir := t.TempDir()
	store := &fakeStore{
		claims: []model.Claim{{ClaimID: "c1", AgentID: "agent_1"}},
		agents: []model.Agent{{AgentID: "agent_1"}},
	}
	el, err := eventlog.Open(dataDir, zap.NewNop())
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	b := capsule.New(store, el, dataDir)

	c, err := b.Build("agent_1", "implement thing", repoDir)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(store.saved) != 1 {
		t.Fatalf("expected capsule row saved")
	}
	if c.GitSHA == "" {
		t.Fatalf("expected a head sha to be captured")
	}
	if len(c.FilesChanged) != 1 || c.FilesChanged[0] != "new.txt" {
		t.Fatalf("expected new.txt reported changed, got %v", c.FilesChanged)
	}

	bundlePath := filepath.Join(dataDir, "bundles", c.CapsuleID+".json")
	raw, err := os.ReadFile(bundlePath)
	if err != nil {
		t.Fatalf("bundle not written: %v", err)
	}
	var bundle map[string]any
	if err := json.Unmarshal(raw, &bundle); err != nil {
		t.Fatalf("bundle is not valid JSON: %v", err)
	}
	if bundle["capsule_id"] != c.CapsuleID {
		t.Fatalf("unexpected bundle contents: %+v", bundle)
	}

	events, err := el.Read(0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 1 || events[0].Kind != model.EventBundle {
		t.Fatalf("expected one BUNDLE event, got %+v", events)
	}

	loaded, err := b.GetBundle(c.CapsuleID)
	if err != nil {
		t.Fatalf("GetBundle: %v", err)
	}
	if loaded["capsule_id"] != c.CapsuleID {
		t.Fatalf("GetBundle returned unexpected contents: %+v", loaded)
	}
}

func TestGetBundleMissingReturnsNil(t *testing.T) {
	dataDir := t.TempDir()
	b := capsule.New(&fakeStore{}, nil, dataDir)
	loaded, err := b.GetBundle("cap_doesnotexist")
	if err != nil {
		t.Fatalf("GetBundle: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil for a missing bundle, got %+v", loaded)
	}
}
