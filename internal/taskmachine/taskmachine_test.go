package taskmachine_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Haserjian/agentmesh/internal/canonjson"
	"github.com/Haserjian/agentmesh/internal/eventlog"
	"github.com/Haserjian/agentmesh/internal/meshkind"
	"github.com/Haserjian/agentmesh/internal/model"
	"github.com/Haserjian/agentmesh/internal/taskmachine"
	"github.com/Haserjian/agentmesh/internal/weave"
)

type fakeStore struct {
	tasks       map[string]model.Task
	attempts    map[string][]model.Attempt
	weaveEvents []model.WeaveEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]model.Task{}, attempts: map[string][]model.Attempt{}}
}

func (f *fakeStore) CreateTask(t model.Task) error {
	f.tasks[t.TaskID] = t
	return nil
}

func (f *fakeStore) UpdateTask(t model.Task) error {
	f.tasks[t.TaskID] = t
	return nil
}

func (f *fakeStore) GetTask(taskID string) (model.Task, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return model.Task{}, meshkind.New(meshkind.NotFound, "fakeStore.GetTask", nil)
	}
	return t, nil
}

func (f *fakeStore) ListTasks(state model.TaskState) ([]model.Task, error) {
	var out []model.Task
	for _, t := range f.tasks {
		if state == "" || t.State == state {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateAttempt(a model.Attempt) (model.Attempt, error) {
	a.AttemptNumber = len(f.attempts[a.TaskID]) + 1
	f.attempts[a.TaskID] = append(f.attempts[a.TaskID], a)
	return a, nil
}

func (f *fakeStore) EndAttempt(taskID string, outcome model.AttemptOutcome, errorSummary string) error {
	list := f.attempts[taskID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].EndedAt.IsZero() {
			list[i].EndedAt = time.Now().UTC()
			list[i].Outcome = outcome
			list[i].ErrorSummary = errorSummary
			return nil
		}
	}
	return nil
}

func (f *fakeStore) AppendWeaveEvent(ev model.WeaveEvent) (model.WeaveEvent, error) {
	if len(f.weaveEvents) == 0 {
		ev.SequenceID = 1
		ev.PrevHash = canonjson.Genesis
	} else {
		last := f.weaveEvents[len(f.weaveEvents)-1]
		ev.SequenceID = last.SequenceID + 1
		ev.PrevHash = last.EventHash
	}
	hash, err := canonjson.Hash(map[string]any{
		"sequence_id": ev.SequenceID, "episode_id": ev.EpisodeID, "prev_hash": ev.PrevHash,
		"capsule_id": ev.CapsuleID, "git_commit_sha": ev.GitCommitSHA, "git_patch_hash": ev.GitPatchHash,
		"affected_symbols": []string{}, "trace_id": ev.TraceID, "parent_event_id": ev.ParentEventID,
		"created_at": model.RFC3339UTC(ev.CreatedAt),
	})
	if err != nil {
		return model.WeaveEvent{}, err
	}
	ev.EventHash = hash
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

var _ = Describe("TaskMachine", func() {
	var store *fakeStore
	var m *taskmachine.TaskMachine
	var el *eventlog.Log

	BeforeEach(func() {
		store = newFakeStore()
		w := weave.New(store, nil)
		var err error
		el, err = eventlog.Open(GinkgoT().TempDir(), nil)
		Expect(err).NotTo(HaveOccurred())
		m = taskmachine.New(store, w, el, nil)
	})

	It("S1: drives a task from planned through merged with one weave append per transition", func() {
		t, err := m.CreateTask("Canary lane task", "", "ep_x", "", nil, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(t.State).To(Equal(model.TaskPlanned))

		_, err = m.Assign(t.TaskID, "canary_agent", "feat/canary")
		Expect(err).NotTo(HaveOccurred())

		for _, next := range []model.TaskState{model.TaskRunning, model.TaskPROpen, model.TaskCIPass, model.TaskReviewPass} {
			_, err = m.Transition(t.TaskID, next, "canary_agent", "advance")
			Expect(err).NotTo(HaveOccurred())
		}

		final, err := m.Complete(t.TaskID, "canary_agent")
		Expect(err).NotTo(HaveOccurred())
		Expect(final.State).To(Equal(model.TaskMerged))

		// create + assign + 4 transitions + complete = 7 weave appends
		Expect(store.weaveEvents).To(HaveLen(7))

		ok, reason := w2Verify(store)
		Expect(ok).To(BeTrue(), reason)
	})

	It("rejects an illegal transition", func() {
		t, err := m.CreateTask("t", "", "ep_x", "", nil, nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = m.Transition(t.TaskID, model.TaskMerged, "a1", "skip ahead")
		Expect(meshkind.IsKind(err, meshkind.IllegalTransition)).To(BeTrue())
	})

	It("rejects transitions out of a terminal state", func() {
		t, err := m.CreateTask("t", "", "ep_x", "", nil, nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = m.Abort(t.TaskID, "nope", "a1")
		Expect(err).NotTo(HaveOccurred())

		_, err = m.Transition(t.TaskID, model.TaskAssigned, "a1", "retry")
		Expect(meshkind.IsKind(err, meshkind.TerminalState)).To(BeTrue())
	})

	It("blocks assign with UnresolvedDependencies until the dependency reaches pr_open", func() {
		dep, err := m.CreateTask("dep", "", "ep_x", "", nil, nil)
		Expect(err).NotTo(HaveOccurred())
		t, err := m.CreateTask("t", "", "ep_x", "", []string{dep.TaskID}, nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = m.Assign(t.TaskID, "a1", "feat/x")
		Expect(meshkind.IsKind(err, meshkind.UnresolvedDependencies)).To(BeTrue())

		_, err = m.Assign(dep.TaskID, "a1", "feat/dep")
		Expect(err).NotTo(HaveOccurred())
		_, err = m.Transition(dep.TaskID, model.TaskRunning, "a1", "")
		Expect(err).NotTo(HaveOccurred())
		_, err = m.Transition(dep.TaskID, model.TaskPROpen, "a1", "")
		Expect(err).NotTo(HaveOccurred())

		_, err = m.Assign(t.TaskID, "a1", "feat/x")
		Expect(err).NotTo(HaveOccurred())
	})
})

// w2Verify recomputes the weave hash chain directly against the fake
// store's records, independent of the real Weave.Verify path (which also
// records a break to an *eventlog.Log when given one).
func w2Verify(store *fakeStore) (bool, string) {
	prev := canonjson.Genesis
	for i, ev := range store.weaveEvents {
		if ev.SequenceID != int64(i+1) {
			return false, "sequence gap"
		}
		if ev.PrevHash != prev {
			return false, "prev_hash mismatch"
		}
		prev = ev.EventHash
	}
	return true, ""
}
