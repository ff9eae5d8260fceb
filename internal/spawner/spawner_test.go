package spawner_test

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
	"github.com/Haserjian/agentmesh/internal/eventlog"
	"github.com/Haserjian/agentmesh/internal/model"
	"github.com/Haserjian/agentmesh/internal/spawner"
	"github.com/Haserjian/agentmesh/internal/taskmachine"
	"github.com/Haserjian/agentmesh/internal/weave"
)

// fakeStore is an in-memory backend implementing every storeBackend
// interface Spawner, TaskMachine, and Weave need, guarded by one mutex
// so concurrent Harvest/Abort calls exercise the same kind of contention
// a real SQLite Store would serialize.
type fakeStore struct {
	mu          sync.Mutex
	tasks       map[string]model.Task
	attempts    map[string][]model.Attempt
	spawns      map[string]model.Spawn
	weaveEvents []model.WeaveEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]model.Task{}, attempts: map[string][]model.Attempt{}, spawns: map[string]model.Spawn{}}
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

func (f *fakeStore) ListTasks(state model.TaskState) ([]model.Task, error) { return nil, nil }

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

func (f *fakeStore) ListSpawns(onlyRunning bool) ([]model.Spawn, error) { return nil, nil }

// FinalizeSpawn is the CAS under test: only the first caller to observe
// an unset EndedAt wins.
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

// fakeOrch reports never frozen.
type fakeOrch struct{}

func (fakeOrch) IsFrozen() (bool, error) { return false, nil }

// echoAdapter is a minimal adapter whose spawned process exits almost
// immediately, so Harvest's "still running" window closes quickly.
type echoAdapter struct{ succeed int32 }

func (a *echoAdapter) Name() string    { return "echo_test" }
func (a *echoAdapter) Version() string { return "test" }
func (a *echoAdapter) SourcePath() string {
	return "/internal/spawner/spawner_test.go"
}

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
		GinkgoWriter.Println(cmd.String())
		Expect(cmd.Run()).To(Succeed())
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	run("commit", "--allow-empty", "-q", "-m", "init")
	// feature-x is intentionally NOT created here: CreateWorktree creates
	// it fresh via "git worktree add -b <branch>", matching the first
	// time a task's branch is materialized in git.
}

var _ = Describe("Spawner", func() {
	var (
		repoDir string
		store   *fakeStore
		el      *eventlog.Log
		w       *weave.Weave
		tm      *taskmachine.TaskMachine
		reg     *adapter.Registry
		sp      *spawner.Spawner
		ad      *echoAdapter
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

		ad = &echoAdapter{}
		reg = adapter.NewRegistry(adapter.Policy{})
		reg.Register(ad)

		sp = spawner.New(store, tm, reg, fakeOrch{}, w, el, zap.NewNop())
	})

	It("S6: exactly one of two concurrent harvests wins the CAS, the other is told RaceLost", func() {
		task, err := tm.CreateTask("demo task", "", "ep_demo", "", nil, nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = tm.Assign(task.TaskID, "agent_1", "feature-x")
		Expect(err).NotTo(HaveOccurred())

		atomic.StoreInt32(&ad.succeed, 1)
		record, err := sp.Spawn(task.TaskID, "agent_1", repoDir, "sonnet", 0, ad.Name())
		Expect(err).NotTo(HaveOccurred())
		Expect(record.PID).To(BeNumerically(">", 0))

		Eventually(func() bool {
			res, err := sp.Check(record.SpawnID)
			Expect(err).NotTo(HaveOccurred())
			return res.Running
		}).Should(BeFalse())

		var wg sync.WaitGroup
		results := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := sp.Harvest(record.SpawnID, false)
				results[i] = err
			}(i)
		}
		wg.Wait()

		successes, raceLosses := 0, 0
		for _, err := range results {
			switch {
			case err == nil:
				successes++
			default:
				raceLosses++
			}
		}
		Expect(successes).To(Equal(1))
		Expect(raceLosses).To(Equal(1))

		finalTask, err := store.GetTask(task.TaskID)
		Expect(err).NotTo(HaveOccurred())
		Expect(finalTask.State).To(Equal(model.TaskPROpen))
	})

	It("aborts a still-running spawn and drives the task to aborted", func() {
		task, err := tm.CreateTask("slow task", "", "ep_demo", "", nil, nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = tm.Assign(task.TaskID, "agent_1", "feature-x")
		Expect(err).NotTo(HaveOccurred())

		atomic.StoreInt32(&ad.succeed, 1)
		record, err := sp.Spawn(task.TaskID, "agent_1", repoDir, "sonnet", 0, ad.Name())
		Expect(err).NotTo(HaveOccurred())

		aborted, err := sp.Abort(record.SpawnID, "manual stop", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(aborted.Outcome).To(Equal(model.AttemptAborted))

		finalTask, err := store.GetTask(task.TaskID)
		Expect(err).NotTo(HaveOccurred())
		Expect(finalTask.State).To(Equal(model.TaskAborted))

		_, err = sp.Abort(record.SpawnID, "second abort", false)
		Expect(err).To(HaveOccurred())
	})
})
