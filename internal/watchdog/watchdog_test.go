package watchdog_test

import (
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Haserjian/agentmesh/internal/adapter"
	"github.com/Haserjian/agentmesh/internal/claimarbiter"
	"github.com/Haserjian/agentmesh/internal/eventlog"
	"github.com/Haserjian/agentmesh/internal/model"
	"github.com/Haserjian/agentmesh/internal/spawner"
	"github.com/Haserjian/agentmesh/internal/taskmachine"
	"github.com/Haserjian/agentmesh/internal/watchdog"
	"github.com/Haserjian/agentmesh/internal/weave"
)

// fakeStore backs TaskMachine, Spawner, and Watchdog at once, same as
// spawner_test's fixture but with real agent bookkeeping and an
// actually-filtering ListTasks, since Watchdog relies on both.
type fakeStore struct {
	mu          sync.Mutex
	agents      map[string]model.Agent
	tasks       map[string]model.Task
	attempts    map[string][]model.Attempt
	spawns      map[string]model.Spawn
	claims      map[string]model.Claim
	weaveEvents []model.WeaveEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agents:   map[string]model.Agent{},
		tasks:    map[string]model.Task{},
		attempts: map[string][]model.Attempt{},
		spawns:   map[string]model.Spawn{},
		claims:   map[string]model.Claim{},
	}
}

func (f *fakeStore) RegisterAgent(a model.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[a.AgentID] = a
	return nil
}

func (f *fakeStore) DeregisterAgent(agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.agents[agentID]
	a.Status = model.AgentGone
	f.agents[agentID] = a
	return nil
}

func (f *fakeStore) ListAgents(includeGone bool) ([]model.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Agent
	for _, a := range f.agents {
		if !includeGone && a.Status == model.AgentGone {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeStore) CreateTask(t model.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.TaskID] = t
	return nil
}

func (f *fakeStore) UpdateTask(t model.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.TaskID] = t
	return nil
}

func (f *fakeStore) GetTask(taskID string) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[taskID], nil
}

func (f *fakeStore) ListTasks(state model.TaskState) ([]model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Task
	for _, t := range f.tasks {
		if state != "" && t.State != state {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) CreateAttempt(a model.Attempt) (model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.AttemptNumber = len(f.attempts[a.TaskID]) + 1
	f.attempts[a.TaskID] = append(f.attempts[a.TaskID], a)
	return a, nil
}

func (f *fakeStore) EndAttempt(taskID string, outcome model.AttemptOutcome, errorSummary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.attempts[taskID]
	if len(list) == 0 {
		return nil
	}
	list[len(list)-1].Outcome = outcome
	list[len(list)-1].ErrorSummary = errorSummary
	return nil
}

func (f *fakeStore) ListAttempts(taskID string) ([]model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Attempt{}, f.attempts[taskID]...), nil
}

func (f *fakeStore) CreateSpawn(sp model.Spawn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawns[sp.SpawnID] = sp
	return nil
}

func (f *fakeStore) GetSpawn(spawnID string) (model.Spawn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns[spawnID], nil
}

func (f *fakeStore) ListSpawns(onlyRunning bool) ([]model.Spawn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Spawn
	for _, sp := range f.spawns {
		if onlyRunning && !sp.EndedAt.IsZero() {
			continue
		}
		out = append(out, sp)
	}
	return out, nil
}

func (f *fakeStore) FinalizeSpawn(spawnID string, outcome model.AttemptOutcome, outputPath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sp, ok := f.spawns[spawnID]
	if !ok || !sp.EndedAt.IsZero() {
		return false, nil
	}
	sp.EndedAt = time.Now().UTC()
	sp.Outcome = outcome
	if outputPath != "" {
		sp.OutputPath = outputPath
	}
	f.spawns[spawnID] = sp
	return true, nil
}

func (f *fakeStore) AppendWeaveEvent(ev model.WeaveEvent) (model.WeaveEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.SequenceID = int64(len(f.weaveEvents)) + 1
	f.weaveEvents = append(f.weaveEvents, ev)
	return ev, nil
}

func (f *fakeStore) ListWeaveEvents(sinceSeq int64) ([]model.WeaveEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.WeaveEvent
	for _, ev := range f.weaveEvents {
		if ev.SequenceID > sinceSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// claimarbiter-backed claim bookkeeping, only what Arbiter needs.
func (f *fakeStore) CheckAndClaim(candidate model.Claim, force bool) (bool, []model.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims[candidate.ClaimID] = candidate
	return true, nil, nil
}

func (f *fakeStore) StealClaim(newClaim model.Claim, staleThresholdS int) (bool, string, error) {
	return false, "", nil
}

func (f *fakeStore) AddWaiter(w model.Waiter) error { return nil }

func (f *fakeStore) ListWaiters(resourceType model.ResourceType, path string) ([]model.Waiter, error) {
	return nil, nil
}

func (f *fakeStore) UpdateEffectivePriority(resourceType model.ResourceType, path string, effective int) error {
	return nil
}

func (f *fakeStore) CheckCollision(resourceType model.ResourceType, path, excludeAgentID string) ([]model.Claim, error) {
	return nil, nil
}

func (f *fakeStore) ReleaseClaim(agentID, resourceType, path string, releaseAll bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, c := range f.claims {
		if c.AgentID != agentID {
			continue
		}
		if !releaseAll && (string(c.ResourceType) != resourceType || c.Path != path) {
			continue
		}
		delete(f.claims, id)
		n++
	}
	return n, nil
}

type fakeOrch struct{}

func (fakeOrch) IsFrozen() (bool, error) { return false, nil }

// echoAdapter mirrors spawner_test's fixture: a worker that exits
// almost immediately so "dead" is observable within the test's lifetime.
type echoAdapter struct{ succeed int32 }

func (a *echoAdapter) Name() string       { return "echo_test" }
func (a *echoAdapter) Version() string    { return "test" }
func (a *echoAdapter) SourcePath() string  { return "/internal/watchdog/watchdog_test.go" }
func (a *echoAdapter) BuildSpawnSpec(context, modelName, worktreePath, outputDir string) (adapter.SpawnSpec, error) {
	return adapter.SpawnSpec{
		Command:      []string{"sh", "-c", "exit 0"},
		OutputPath:   filepath.Join(outputDir, "output.json"),
		StdoutToFile: false,
	}, nil
}
func (a *echoAdapter) ParseOutput(outputPath string) (adapter.WorkerOutput, error) {
	return adapter.WorkerOutput{Success: atomic.LoadInt32(&a.succeed) != 0}, nil
}

func initGitRepo(dir string) {
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		Expect(cmd.Run()).To(Succeed())
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	run("commit", "--allow-empty", "-q", "-m", "init")
}

var _ = Describe("Watchdog", func() {
	var (
		repoDir string
		store   *fakeStore
		el      *eventlog.Log
		w       *weave.Weave
		tm      *taskmachine.TaskMachine
		arb     *claimarbiter.Arbiter
		reg     *adapter.Registry
		sp      *spawner.Spawner
		ad      *echoAdapter
		wd      *watchdog.Watchdog
	)

	BeforeEach(func() {
		repoDir = GinkgoT().TempDir()
		initGitRepo(repoDir)

		store = newFakeStore()
		var err error
		el, err = eventlog.Open(GinkgoT().TempDir(), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		w = weave.New(store, zap.NewNop())
		tm = taskmachine.New(store, w, el, zap.NewNop())
		arb = claimarbiter.New(store, el, zap.NewNop())

		ad = &echoAdapter{}
		reg = adapter.NewRegistry(adapter.Policy{})
		reg.Register(ad)

		sp = spawner.New(store, tm, reg, fakeOrch{}, w, el, zap.NewNop())
		wd = watchdog.New(store, arb, tm, sp, el, zap.NewNop())
	})

	It("S5: reaps a stale agent, aborts its task, and releases its claims", func() {
		task, err := tm.CreateTask("demo task", "", "ep_demo", "", nil, nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = tm.Assign(task.TaskID, "agent_1", "feature-x")
		Expect(err).NotTo(HaveOccurred())

		Expect(store.RegisterAgent(model.Agent{
			AgentID:       "agent_1",
			Status:        model.AgentBusy,
			RegisteredAt:  time.Now().UTC().Add(-time.Hour),
			LastHeartbeat: time.Now().UTC().Add(-time.Hour),
		})).To(Succeed())

		granted, _, _, err := arb.Claim("agent_1", "LOCK:demo", model.IntentEdit, 300, 0, false, "working")
		Expect(err).NotTo(HaveOccurred())
		Expect(granted).To(BeTrue())

		res, err := wd.Scan(300, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Clean()).To(BeFalse())
		Expect(res.StaleAgents).To(ConsistOf("agent_1"))
		Expect(res.ReapedAgents).To(ConsistOf("agent_1"))
		Expect(res.AbortedTasks).To(ConsistOf(task.TaskID))

		agents, err := store.ListAgents(true)
		Expect(err).NotTo(HaveOccurred())
		Expect(agents).To(HaveLen(1))
		Expect(agents[0].Status).To(Equal(model.AgentGone))

		finalTask, err := store.GetTask(task.TaskID)
		Expect(err).NotTo(HaveOccurred())
		Expect(finalTask.State).To(Equal(model.TaskAborted))

		remaining, err := arb.Check("LOCK:demo", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(remaining).To(BeEmpty())
		Expect(store.claims).To(BeEmpty())
	})

	It("harvests a spawn whose process has already exited", func() {
		task, err := tm.CreateTask("dead worker task", "", "ep_demo", "", nil, nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = tm.Assign(task.TaskID, "agent_1", "feature-x")
		Expect(err).NotTo(HaveOccurred())

		atomic.StoreInt32(&ad.succeed, 1)
		record, err := sp.Spawn(task.TaskID, "agent_1", repoDir, "sonnet", 0, ad.Name())
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() bool {
			res, err := sp.Check(record.SpawnID)
			Expect(err).NotTo(HaveOccurred())
			return res.Running
		}).Should(BeFalse())

		res, err := wd.Scan(300, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.HarvestedSpawns).To(ConsistOf(record.SpawnID))

		finalTask, err := store.GetTask(task.TaskID)
		Expect(err).NotTo(HaveOccurred())
		Expect(finalTask.State).To(Equal(model.TaskPROpen))
	})

	It("is a no-op on an empty store and appends no GC event", func() {
		before, err := el.Read(0)
		Expect(err).NotTo(HaveOccurred())

		res, err := wd.Scan(300, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Clean()).To(BeTrue())

		after, err := el.Read(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(after).To(HaveLen(len(before)))
	})
})
