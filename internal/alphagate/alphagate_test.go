package alphagate_test

import (
	"testing"

	"go.uber.org/zap"

	"github.com/Haserjian/agentmesh/internal/alphagate"
	"github.com/Haserjian/agentmesh/internal/eventlog"
	"github.com/Haserjian/agentmesh/internal/model"
	"github.com/Haserjian/agentmesh/internal/weave"
)

type fakeStore struct {
	tasks       []model.Task
	spawns      []model.Spawn
	weaveEvents []model.WeaveEvent
}

func (f *fakeStore) ListTasks(state model.TaskState) ([]model.Task, error) { return f.tasks, nil }
func (f *fakeStore) ListSpawns(onlyRunning bool) ([]model.Spawn, error)    { return f.spawns, nil }

func (f *fakeStore) AppendWeaveEvent(ev model.WeaveEvent) (model.WeaveEvent, error) {
	ev.SequenceID = int64(len(f.weaveEvents)) + 1
	f.weaveEvents = append(f.weaveEvents, ev)
	return ev, nil
}

func (f *fakeStore) ListWeaveEvents(sinceSeq int64) ([]model.WeaveEvent, error) {
	var out []model.WeaveEvent
	for _, ev := range f.weaveEvents {
		if ev.SequenceID > sinceSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestBuildAllChecksPass(t *testing.T) {
	store := &fakeStore{
		tasks: []model.Task{{TaskID: "t1", State: model.TaskMerged}},
		spawns: []model.Spawn{
			{SpawnID: "sp1"},
		},
	}
	el, err := eventlog.Open(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	if _, err := el.Append(model.EventTaskTransition, "", map[string]any{"task_id": "t1", "to_state": "merged"}); err != nil {
		t.Fatalf("append transition: %v", err)
	}
	if _, err := el.Append(model.EventGC, "watchdog", map[string]any{
		"watchdog":      "scan",
		"stale_agents":  []string{"agent_1"},
		"aborted_tasks": []string{},
	}); err != nil {
		t.Fatalf("append gc: %v", err)
	}

	w := weave.New(store, zap.NewNop())
	if _, err := w.Append(weave.AppendInput{TraceID: "sp1"}); err != nil {
		t.Fatalf("weave append: %v", err)
	}

	report, err := alphagate.Build(store, el, w, alphagate.Options{CILogText: "BUILD VERIFIED ok", RequireWitnessVerified: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !report.OverallPass {
		t.Fatalf("expected overall pass, got %+v", report.Checks)
	}
	if report.Summary.TasksTotal != 1 || report.Summary.SpawnsTotal != 1 {
		t.Fatalf("unexpected summary: %+v", report.Summary)
	}
}

func TestBuildFlagsOrphanSpawnAndMissingTransition(t *testing.T) {
	store := &fakeStore{
		tasks: []model.Task{{TaskID: "t1", State: model.TaskRunning}},
		spawns: []model.Spawn{
			{SpawnID: "sp_orphan", Outcome: model.AttemptSuccess}, // ended_at zero but outcome set
		},
	}
	el, err := eventlog.Open(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	w := weave.New(store, zap.NewNop())

	report, err := alphagate.Build(store, el, w, alphagate.Options{RequireWitnessVerified: false})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if report.OverallPass {
		t.Fatalf("expected overall failure")
	}
	if report.Checks["no_orphan_finalization_loss"].Pass {
		t.Fatalf("expected orphan spawn to fail the check")
	}
	if len(report.Checks["full_transition_receipts"].MissingTasks) != 1 {
		t.Fatalf("expected task t1 to be reported missing a transition receipt")
	}
	if report.Checks["merged_task_count"].Pass {
		t.Fatalf("expected merged_task_count to fail with zero merged tasks")
	}
}

func TestSanitizeCollapsesIdentifierLists(t *testing.T) {
	raw := alphagate.Report{
		OverallPass: false,
		Checks: map[string]alphagate.Check{
			"full_transition_receipts": {Pass: false, MissingTasks: []string{"t1", "t2"}, StateMismatchTasks: []string{"t3"}},
			"no_orphan_finalization_loss": {Pass: false, BadSpawns: []string{"sp1"}},
		},
		Summary: alphagate.Summary{TasksTotal: 2, EventsTotal: 5, SpawnsTotal: 1},
	}
	clean := alphagate.Sanitize(raw)
	if !clean.Sanitized {
		t.Fatalf("expected sanitized flag set")
	}
	check := clean.Checks["full_transition_receipts"]
	if check.MissingTasksCount != 2 || check.StateMismatchTasksCount != 1 {
		t.Fatalf("unexpected counts: %+v", check)
	}
	if check.MissingTasks != nil {
		t.Fatalf("sanitized report must not carry raw identifier lists")
	}
}
