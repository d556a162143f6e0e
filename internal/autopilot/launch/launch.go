// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package launch implements the two-phase workflow stage: Phase 1 (launch)
// creates sandboxed tasks for eligible `workflow` actions; Phase 2
// (monitor), run first each tick, watches in-flight tasks to completion
// and synthesizes `commit` actions.
package launch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/tombee/rover-autopilot/internal/autopilot"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
	"github.com/tombee/rover-autopilot/internal/autopilot/causal"
	"github.com/tombee/rover-autopilot/internal/autopilot/stage"
	"github.com/tombee/rover-autopilot/internal/autopilot/store"
	"github.com/tombee/rover-autopilot/internal/autopilot/traceindex"
)

// MaxRunningTasks is the concurrency cap from spec.md §4.6, measured
// against tasks in {IN_PROGRESS, ITERATING}.
const MaxRunningTasks = 3

// Options configures the workflow stage's launch behavior.
type Options struct {
	RepoPath        string
	WorktreeRoot    string
	AgentImage      string
	SparseExcludes  []string
	MaxRunningTasks int
}

// Stage is the workflow launcher and monitor.
type Stage struct {
	store        *store.Store
	index        *traceindex.Index
	tasks        adapters.TaskManager
	git          adapters.GitAdapter
	sandboxes    adapters.SandboxFactory
	opts         Options
	monitorGuard *stage.InProgressGuard
	logger       *slog.Logger
}

// New constructs the workflow stage.
func New(st *store.Store, idx *traceindex.Index, tasks adapters.TaskManager, git adapters.GitAdapter, sandboxes adapters.SandboxFactory, opts Options, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRunningTasks <= 0 {
		opts.MaxRunningTasks = MaxRunningTasks
	}
	return &Stage{
		store:        st,
		index:        idx,
		tasks:        tasks,
		git:          git,
		sandboxes:    sandboxes,
		opts:         opts,
		monitorGuard: stage.NewInProgressGuard(),
		logger:       logger.With("stage", "workflow"),
	}
}

// Name implements stage.Runner.
func (s *Stage) Name() string { return "workflow" }

// MaxParallel implements stage.Runner.
func (s *Stage) MaxParallel() int { return s.opts.MaxRunningTasks }

// Tick implements stage.Runner. Monitor runs before launch every tick, per
// spec.md §4.6.
func (s *Stage) Tick(ctx context.Context) error {
	if err := s.monitor(ctx); err != nil {
		s.logger.Error("monitor phase failed", "error", err)
	}
	if err := s.launch(ctx); err != nil {
		s.logger.Error("launch phase failed", "error", err)
	}
	return nil
}

// monitor watches every TaskMapping whose workflow step is still running,
// refreshing task status and synthesizing a `commit` action on any
// terminal state.
func (s *Stage) monitor(ctx context.Context) error {
	mappings, err := s.store.AllTaskMappings()
	if err != nil {
		return fmt.Errorf("loading task mappings: %w", err)
	}

	type entry struct {
		actionID string
		mapping  autopilot.TaskMapping
	}
	var eligible []entry
	for actionID, mapping := range mappings {
		if s.monitorGuard.TryClaim(actionID) {
			eligible = append(eligible, entry{actionID, mapping})
		}
	}

	stage.BoundedParallel(ctx, eligible, s.opts.MaxRunningTasks, func(ctx context.Context, e entry) {
		defer s.monitorGuard.Release(e.actionID)
		if err := s.monitorOne(ctx, e.actionID, e.mapping); err != nil {
			s.logger.Error("monitor update failed", "action_id", e.actionID, "error", err)
		}
	})
	return nil
}

func (s *Stage) monitorOne(ctx context.Context, actionID string, mapping autopilot.TaskMapping) error {
	steps := s.index.Steps(mapping.TraceID)
	var current *autopilot.ActionStep
	for i := range steps {
		if steps[i].ActionID == actionID {
			current = &steps[i]
			break
		}
	}
	if current == nil || current.Status != autopilot.SpanRunning {
		return nil
	}

	task, err := s.tasks.GetTask(ctx, mapping.TaskID)
	if err != nil {
		// Result file may not be written yet; retry next tick.
		return nil
	}

	switch task.Status {
	case autopilot.TaskCompleted:
		return s.completeWorkflow(mapping, actionID, task, "")
	case autopilot.TaskFailed:
		return s.completeWorkflow(mapping, actionID, task, task.Error)
	default:
		return nil
	}
}

func (s *Stage) completeWorkflow(mapping autopilot.TaskMapping, actionID string, task adapters.Task, failure string) error {
	span, err := causal.ResumeSpan(s.store, mapping.WorkflowSpanID)
	if err != nil {
		return fmt.Errorf("resume workflow span %s: %w", mapping.WorkflowSpanID, err)
	}

	meta := autopilot.Meta{"taskId": task.ID, "taskStatus": string(task.Status), "branchName": mapping.BranchName, "worktree": task.Workspace}
	var status autopilot.SpanStatus
	if failure != "" {
		status = autopilot.SpanFailed
		// taskError records the sandbox failure for the committer to
		// surface; it is distinct from commitError, which the committer
		// reserves for a git-commit itself failing (spec.md §4.7 step 2
		// vs. the commit-failure special case). Conflating the two made
		// every task-level failure short-circuit straight to a noop
		// terminal, bypassing the iterate/fail resolver path entirely.
		meta["taskError"] = failure
		if err := span.Fail("task failed: " + failure); err != nil {
			return err
		}
	} else {
		status = autopilot.SpanCompleted
		if err := span.Complete("task completed", nil); err != nil {
			return err
		}
	}

	commitAction, err := causal.ActionWriter(s.store, autopilot.ActionCommit, span.ID(), "", meta)
	if err != nil {
		return fmt.Errorf("write commit action: %w", err)
	}
	if err := causal.EnqueueAction(s.store, mapping.TraceID, commitAction, autopilot.StepWorkflow, "task "+string(task.Status)); err != nil {
		return fmt.Errorf("enqueue commit action: %w", err)
	}

	s.index.UpdateStepStatus(mapping.TraceID, actionID, status, "")
	s.index.AppendStep(mapping.TraceID, autopilot.ActionStep{
		ActionID:  commitAction.ID,
		Action:    commitAction.Action,
		Status:    autopilot.SpanRunning,
		Timestamp: commitAction.Timestamp,
	})
	return nil
}

// launch creates sandboxed tasks for eligible workflow actions, up to
// however many slots are free against MaxRunningTasks.
func (s *Stage) launch(ctx context.Context) error {
	runningTasks, err := s.tasks.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	inFlight := 0
	for _, t := range runningTasks {
		if t.Status == autopilot.TaskInProgress || t.Status == autopilot.TaskIterating {
			inFlight++
		}
	}
	available := s.opts.MaxRunningTasks - inFlight
	if available <= 0 {
		return nil
	}

	pending, err := s.store.GetPending(autopilot.ActionWorkflow)
	if err != nil {
		return fmt.Errorf("loading pending workflow actions: %w", err)
	}

	launched := 0
	for _, p := range pending {
		if launched >= available {
			break
		}

		if _, found, mErr := s.store.GetTaskMapping(p.ActionID); mErr != nil {
			s.logger.Error("failed to check existing task mapping", "action_id", p.ActionID, "error", mErr)
			continue
		} else if found {
			// A prior launchOne already recorded the mapping but crashed
			// before removing the pending action (SetTaskMapping precedes
			// RemovePending). The task is already running; drop the stale
			// pending entry instead of launching a second sandbox.
			if err := s.store.RemovePending(p.ActionID); err != nil {
				s.logger.Error("failed to remove already-launched pending action", "action_id", p.ActionID, "error", err)
			}
			continue
		}

		baseBranch, eligible, dependencyFailed, reason, err := s.resolveDependency(ctx, p)
		if err != nil {
			s.logger.Error("failed to resolve dependency", "action_id", p.ActionID, "error", err)
			continue
		}
		if dependencyFailed {
			if err := s.failDependent(p, reason); err != nil {
				s.logger.Error("failed to record dependency failure", "action_id", p.ActionID, "error", err)
			}
			continue
		}
		if !eligible {
			continue
		}

		if err := s.launchOne(ctx, p, baseBranch); err != nil {
			s.logger.Error("failed to launch workflow action", "action_id", p.ActionID, "error", err)
			continue
		}
		launched++
	}
	return nil
}

// resolveDependency implements the dependency-resolution rules of
// spec.md §4.6 Phase 1.
func (s *Stage) resolveDependency(ctx context.Context, p autopilot.PendingAction) (baseBranch string, eligible bool, failed bool, reason string, err error) {
	depID, _ := p.Meta["dependsOnActionId"].(string)
	if depID == "" {
		branch, branchErr := s.git.CurrentBranch(ctx, s.opts.RepoPath)
		if branchErr != nil {
			return "", false, false, "", branchErr
		}
		return branch, true, false, "", nil
	}

	mapping, found, mErr := s.store.GetTaskMapping(depID)
	if mErr != nil {
		return "", false, false, "", mErr
	}
	if !found {
		return "", false, false, "", nil // dependency has not launched yet; skip this tick
	}

	task, tErr := s.tasks.GetTask(ctx, mapping.TaskID)
	if tErr != nil {
		return "", false, false, "", nil
	}

	switch task.Status {
	case autopilot.TaskCompleted:
		return mapping.BranchName, true, false, "", nil
	case autopilot.TaskFailed:
		return "", false, true, "dependency failed", nil
	default:
		return "", false, false, "", nil
	}
}

func (s *Stage) failDependent(p autopilot.PendingAction, reason string) error {
	span, err := causal.SpanWriter(s.store, autopilot.StepWorkflow, &p.SpanID, p.Meta)
	if err != nil {
		return err
	}
	if err := span.Fail(reason); err != nil {
		return err
	}
	s.index.UpdateStepStatus(p.TraceID, p.ActionID, autopilot.SpanFailed, reason)
	return s.store.RemovePending(p.ActionID)
}

func (s *Stage) launchOne(ctx context.Context, p autopilot.PendingAction, baseBranch string) error {
	description, _ := p.Meta["description"].(string)
	if description == "" {
		description, _ = p.Meta["title"].(string)
	}

	task, err := s.tasks.CreateTask(ctx, description)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	branchName := fmt.Sprintf("rover/%s", task.ID)
	worktreePath := filepath.Join(s.opts.WorktreeRoot, task.ID)

	if err := s.git.CreateWorktree(ctx, worktreePath, branchName, baseBranch); err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}
	baseCommit, err := s.git.HeadCommit(ctx, worktreePath)
	if err != nil {
		return fmt.Errorf("read base commit: %w", err)
	}
	if len(s.opts.SparseExcludes) > 0 {
		if err := s.git.ApplySparseCheckout(ctx, worktreePath, s.opts.SparseExcludes); err != nil {
			return fmt.Errorf("apply sparse checkout: %w", err)
		}
	}

	if err := s.tasks.SetBaseCommit(ctx, task.ID, baseCommit); err != nil {
		return fmt.Errorf("set base commit: %w", err)
	}
	if err := s.tasks.SetWorkspace(ctx, task.ID, worktreePath); err != nil {
		return fmt.Errorf("set workspace: %w", err)
	}
	if err := s.tasks.SetAgentImage(ctx, task.ID, s.opts.AgentImage); err != nil {
		return fmt.Errorf("set agent image: %w", err)
	}

	handle, sandboxErr := s.sandboxes.CreateSandbox(ctx, task, adapters.SandboxOptions{AgentImage: s.opts.AgentImage, Workspace: worktreePath})
	var containerID string
	if sandboxErr == nil {
		containerID, sandboxErr = handle.CreateAndStart(ctx)
	}
	if sandboxErr != nil {
		// The sandbox failed to launch; surface the failure to the
		// monitor phase rather than losing it, per spec.md §4.6 step 5.
		if err := s.tasks.UpdateStatusFromIteration(ctx, task.ID, autopilot.TaskFailed, sandboxErr.Error()); err != nil {
			s.logger.Error("failed to mark task failed after sandbox error", "task_id", task.ID, "error", err)
		}
	} else {
		if err := s.tasks.SetContainerInfo(ctx, task.ID, containerID); err != nil {
			return fmt.Errorf("set container info: %w", err)
		}
		if err := s.tasks.MarkInProgress(ctx, task.ID); err != nil {
			return fmt.Errorf("mark task in progress: %w", err)
		}
	}

	workflowSpan, err := causal.SpanWriter(s.store, autopilot.StepWorkflow, &p.SpanID, autopilot.Meta{
		"taskId": task.ID, "branchName": branchName, "baseBranch": baseBranch,
	})
	if err != nil {
		return fmt.Errorf("open workflow span: %w", err)
	}

	if err := s.store.SetTaskMapping(p.ActionID, autopilot.TaskMapping{
		ActionID:       p.ActionID,
		TaskID:         task.ID,
		BranchName:     branchName,
		TraceID:        p.TraceID,
		WorkflowSpanID: workflowSpan.ID(),
	}); err != nil {
		return fmt.Errorf("record task mapping: %w", err)
	}

	s.index.UpdateStepStatus(p.TraceID, p.ActionID, autopilot.SpanRunning, "")

	return s.store.RemovePending(p.ActionID)
}
