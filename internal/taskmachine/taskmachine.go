// Package taskmachine drives a Task through the fixed state DAG defined
// in spec §4.2, writing each transition atomically with a Weave receipt
// and an EventLog record. Grounded on original_source/orchestrator.py.
package taskmachine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Haserjian/agentmesh/internal/eventlog"
	"github.com/Haserjian/agentmesh/internal/meshkind"
	"github.com/Haserjian/agentmesh/internal/model"
	"github.com/Haserjian/agentmesh/internal/weave"
)

// validTransitions mirrors orchestrator.py's VALID_TRANSITIONS dict
// exactly: every non-terminal state may additionally abort.
var validTransitions = map[model.TaskState][]model.TaskState{
	model.TaskPlanned:    {model.TaskAssigned, model.TaskAborted},
	model.TaskAssigned:   {model.TaskRunning, model.TaskAborted},
	model.TaskRunning:    {model.TaskPROpen, model.TaskAborted},
	model.TaskPROpen:     {model.TaskCIPass, model.TaskAborted},
	model.TaskCIPass:     {model.TaskReviewPass, model.TaskAborted},
	model.TaskReviewPass: {model.TaskMerged, model.TaskAborted},
}

var terminalStates = map[model.TaskState]bool{
	model.TaskMerged:  true,
	model.TaskAborted: true,
}

// stateRank gives each non-terminal state its position in the DAG so
// Assign can decide whether a dependency has progressed "to pr_open or
// later".
var stateRank = map[model.TaskState]int{
	model.TaskPlanned:    0,
	model.TaskAssigned:   1,
	model.TaskRunning:    2,
	model.TaskPROpen:     3,
	model.TaskCIPass:     4,
	model.TaskReviewPass: 5,
	model.TaskMerged:     6,
}

type storeBackend interface {
	CreateTask(t model.Task) error
	UpdateTask(t model.Task) error
	GetTask(taskID string) (model.Task, error)
	ListTasks(state model.TaskState) ([]model.Task, error)
	CreateAttempt(a model.Attempt) (model.Attempt, error)
	EndAttempt(taskID string, outcome model.AttemptOutcome, errorSummary string) error
}

type TaskMachine struct {
	store storeBackend
	weave *weave.Weave
	el    *eventlog.Log
	log   *zap.Logger
}

func New(store storeBackend, w *weave.Weave, el *eventlog.Log, log *zap.Logger) *TaskMachine {
	return &TaskMachine{store: store, weave: w, el: el, log: log}
}

// CreateTask inserts a task in the planned state. Fails with
// DependencyCycle if dependsOn would introduce a cycle through any
// already-recorded task.
func (m *TaskMachine) CreateTask(title, description, episodeID, parentTaskID string, dependsOn []string, meta map[string]any) (model.Task, error) {
	if err := m.checkNoCycle(dependsOn); err != nil {
		return model.Task{}, err
	}

	now := time.Now().UTC()
	t := model.Task{
		TaskID: "tsk_" + uuid.NewString(), Title: title, Description: description,
		State: model.TaskPlanned, EpisodeID: episodeID, ParentTaskID: parentTaskID,
		DependsOn: dependsOn, Meta: meta, CreatedAt: now, UpdatedAt: now,
	}
	if err := m.store.CreateTask(t); err != nil {
		return model.Task{}, err
	}

	if _, err := m.weave.Append(weave.AppendInput{TraceID: t.TaskID, EpisodeID: episodeID}); err != nil {
		return model.Task{}, fmt.Errorf("taskmachine: weave append on create: %w", err)
	}
	if m.el != nil {
		if _, err := m.el.Append(model.EventTaskTransition, "", map[string]any{
			"task_id": t.TaskID, "from_state": "", "to_state": string(model.TaskPlanned), "title": title,
		}); err != nil {
			return model.Task{}, fmt.Errorf("taskmachine: eventlog append on create: %w", err)
		}
	}
	return t, nil
}

// checkNoCycle does a colour-marked DFS from each candidate dependency
// through the existing depends_on graph, failing with DependencyCycle if
// the walk reaches a task that is already on the current path. The new
// task's id is minted after this check, so no recorded edge can point
// back at it.
func (m *TaskMachine) checkNoCycle(dependsOn []string) error {
	const (
		onPath = 1
		done   = 2
	)
	color := map[string]int{}
	var visit func(taskID string) error
	visit = func(taskID string) error {
		switch color[taskID] {
		case onPath:
			return meshkind.New(meshkind.DependencyCycle, "taskmachine.CreateTask",
				fmt.Errorf("dependency cycle through task %s", taskID))
		case done:
			return nil
		}
		color[taskID] = onPath
		t, err := m.store.GetTask(taskID)
		if err != nil {
			if meshkind.IsKind(err, meshkind.NotFound) {
				color[taskID] = done
				return nil
			}
			return err
		}
		for _, dep := range t.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[taskID] = done
		return nil
	}
	for _, dep := range dependsOn {
		if err := visit(dep); err != nil {
			return err
		}
	}
	return nil
}

// Transition validates and applies one state change, then appends the
// Weave receipt and the TASK_TRANSITION event, in that order.
func (m *TaskMachine) Transition(taskID string, toState model.TaskState, agentID, reason string) (model.Task, error) {
	t, err := m.store.GetTask(taskID)
	if err != nil {
		return model.Task{}, err
	}
	if terminalStates[t.State] {
		return model.Task{}, meshkind.New(meshkind.TerminalState, "taskmachine.Transition", fmt.Errorf("task %s is %s", taskID, t.State))
	}
	allowed := false
	for _, s := range validTransitions[t.State] {
		if s == toState {
			allowed = true
			break
		}
	}
	if !allowed {
		return model.Task{}, meshkind.New(meshkind.IllegalTransition, "taskmachine.Transition",
			fmt.Errorf("%s -> %s not permitted", t.State, toState))
	}

	fromState := t.State
	t.State = toState
	t.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateTask(t); err != nil {
		return model.Task{}, err
	}

	if _, err := m.weave.Append(weave.AppendInput{TraceID: taskID, EpisodeID: t.EpisodeID}); err != nil {
		return model.Task{}, fmt.Errorf("taskmachine: weave append: %w", err)
	}
	if m.el != nil {
		if _, err := m.el.Append(model.EventTaskTransition, agentID, map[string]any{
			"task_id": taskID, "from_state": string(fromState), "to_state": string(toState), "reason": reason,
		}); err != nil {
			return model.Task{}, fmt.Errorf("taskmachine: eventlog append: %w", err)
		}
	}
	return m.store.GetTask(taskID)
}

// Assign transitions planned -> assigned, blocking with
// UnresolvedDependencies if any dependency hasn't reached pr_open or
// later (and isn't aborted, which never unblocks a dependent).
func (m *TaskMachine) Assign(taskID, agentID, branch string) (model.Task, error) {
	t, err := m.store.GetTask(taskID)
	if err != nil {
		return model.Task{}, err
	}
	for _, depID := range t.DependsOn {
		dep, err := m.store.GetTask(depID)
		if err != nil {
			return model.Task{}, err
		}
		if dep.State == model.TaskAborted || stateRank[dep.State] < stateRank[model.TaskPROpen] {
			return model.Task{}, meshkind.New(meshkind.UnresolvedDependencies, "taskmachine.Assign",
				fmt.Errorf("dependency %s is only %s", depID, dep.State))
		}
	}

	t.Branch = branch
	t.AssignedAgentID = agentID
	if err := m.store.UpdateTask(t); err != nil {
		return model.Task{}, err
	}

	updated, err := m.Transition(taskID, model.TaskAssigned, agentID, "assign")
	if err != nil {
		return model.Task{}, err
	}

	attempt, err := m.store.CreateAttempt(model.Attempt{
		AttemptID: "att_" + uuid.NewString(), TaskID: taskID, AgentID: agentID, StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return model.Task{}, err
	}

	if m.el != nil {
		if _, err := m.el.Append(model.EventWorkerSpawn, agentID, map[string]any{
			"task_id": taskID, "attempt_id": attempt.AttemptID, "branch": branch,
		}); err != nil {
			return model.Task{}, fmt.Errorf("taskmachine: eventlog append on assign: %w", err)
		}
	}
	return updated, nil
}

// Abort transitions a task to aborted from any non-terminal state.
func (m *TaskMachine) Abort(taskID, reason, agentID string) (model.Task, error) {
	return m.Transition(taskID, model.TaskAborted, agentID, reason)
}

// Complete transitions review_pass -> merged and ends the most recent
// open attempt with outcome=success.
func (m *TaskMachine) Complete(taskID, agentID string) (model.Task, error) {
	t, err := m.Transition(taskID, model.TaskMerged, agentID, "complete")
	if err != nil {
		return model.Task{}, err
	}
	if err := m.store.EndAttempt(taskID, model.AttemptSuccess, ""); err != nil {
		return model.Task{}, err
	}
	if m.el != nil {
		if _, err := m.el.Append(model.EventWorkerDone, agentID, map[string]any{
			"task_id": taskID, "outcome": string(model.AttemptSuccess),
		}); err != nil {
			return model.Task{}, fmt.Errorf("taskmachine: eventlog append on complete: %w", err)
		}
	}
	return t, nil
}
