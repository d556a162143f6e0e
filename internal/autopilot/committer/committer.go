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

// Package committer implements the committer stage: it turns a completed
// or failed sandbox task into a commit (or a recorded commit failure) and
// hands the trace to the resolver.
package committer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tombee/rover-autopilot/internal/autopilot"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
	"github.com/tombee/rover-autopilot/internal/autopilot/causal"
	"github.com/tombee/rover-autopilot/internal/autopilot/stage"
	"github.com/tombee/rover-autopilot/internal/autopilot/store"
	"github.com/tombee/rover-autopilot/internal/autopilot/traceindex"
)

// MaxParallelCommits bounds concurrent commit actions processed per tick.
const MaxParallelCommits = 3

// Options configures the committer stage.
type Options struct {
	// AttributionTrailer enables appending the attribution trailer to
	// commit messages, read from project config.
	AttributionTrailer bool

	// ConflictProbeFiles, when set, asks the AI agent for resolution
	// guidance on each conflicted path reported by a pre-commit rebase,
	// bounded in parallel. Disabled when a task has no upstream
	// dependency to rebase onto.
	ConflictProbeFiles bool
}

// Stage is the committer: it consumes `commit` pending actions.
type Stage struct {
	store  *store.Store
	index  *traceindex.Index
	tasks  adapters.TaskManager
	git    adapters.GitAdapter
	agent  adapters.AIAgent
	opts   Options
	guard  *stage.InProgressGuard
	logger *slog.Logger
}

// New constructs the committer stage.
func New(st *store.Store, idx *traceindex.Index, tasks adapters.TaskManager, git adapters.GitAdapter, agent adapters.AIAgent, opts Options, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		store:  st,
		index:  idx,
		tasks:  tasks,
		git:    git,
		agent:  agent,
		opts:   opts,
		guard:  stage.NewInProgressGuard(),
		logger: logger.With("stage", "committer"),
	}
}

// Name implements stage.Runner.
func (s *Stage) Name() string { return "committer" }

// MaxParallel implements stage.Runner.
func (s *Stage) MaxParallel() int { return MaxParallelCommits }

// Tick implements stage.Runner.
func (s *Stage) Tick(ctx context.Context) error {
	pending, err := s.store.GetPending(autopilot.ActionCommit)
	if err != nil {
		return fmt.Errorf("committer: loading pending actions: %w", err)
	}

	var eligible []autopilot.PendingAction
	for _, p := range pending {
		if s.guard.TryClaim(p.ActionID) {
			eligible = append(eligible, p)
		}
	}

	stage.BoundedParallel(ctx, eligible, s.MaxParallel(), func(ctx context.Context, p autopilot.PendingAction) {
		defer s.guard.Release(p.ActionID)
		if err := s.process(ctx, p); err != nil {
			s.logger.Error("failed to process commit action", "action_id", p.ActionID, "error", err)
		}
	})

	return nil
}

func (s *Stage) process(ctx context.Context, p autopilot.PendingAction) error {
	span, err := causal.SpanWriter(s.store, autopilot.StepCommit, &p.SpanID, p.Meta)
	if err != nil {
		return fmt.Errorf("open commit span: %w", err)
	}

	taskID, _ := p.Meta["taskId"].(string)
	taskStatus, _ := p.Meta["taskStatus"].(string)

	if autopilot.TaskStatus(taskStatus) != autopilot.TaskCompleted {
		reason := fmt.Sprintf("task status %s is not completed", taskStatus)
		if taskErr, ok := p.Meta["taskError"].(string); ok && taskErr != "" {
			reason = fmt.Sprintf("task failed: %s", taskErr)
		}
		// A task-level failure is not a commit failure: it must surface
		// as an ordinary failed step so the resolver's iterate/fail rules
		// see it, rather than the commitError short-circuit reserved for
		// a git commit itself failing.
		return s.finalizeTaskFailure(span, p, reason)
	}

	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		_ = span.ErrorOut("failed to load task: " + err.Error())
		return fmt.Errorf("load task %s: %w", taskID, err)
	}

	if s.opts.ConflictProbeFiles {
		if baseBranch, ok := p.Meta["baseBranch"].(string); ok && baseBranch != "" {
			s.probeConflicts(ctx, task.Workspace, baseBranch)
		}
	}

	message := s.commitMessage(ctx, p, task)

	if err := s.git.AddAndCommit(ctx, task.Workspace, message, s.opts.AttributionTrailer); err != nil {
		return s.finalizeCommitFailure(span, p, err.Error())
	}

	if err := span.Complete("committed", nil); err != nil {
		return fmt.Errorf("finalize commit span: %w", err)
	}

	return s.enqueueResolve(span, p, nil, autopilot.SpanCompleted, "committed")
}

// finalizeCommitFailure handles a genuine git-commit failure (e.g. "nothing
// to commit"): the resolver treats commitError as an unconditional,
// unretriable terminal noop (spec.md §4.7's commit-failure special case).
func (s *Stage) finalizeCommitFailure(span *causal.SpanHandle, p autopilot.PendingAction, reason string) error {
	if err := span.Fail("commit failed: " + reason); err != nil {
		return fmt.Errorf("finalize failed commit span: %w", err)
	}
	return s.enqueueResolve(span, p, autopilot.Meta{"commitError": reason}, autopilot.SpanFailed, reason)
}

// finalizeTaskFailure handles a sandbox task that never reached COMPLETED:
// there is nothing to commit, but the resolver still needs to see an
// ordinary failed step so its deterministic rules (and the AI iterate/fail
// fallback) can decide whether to retry.
func (s *Stage) finalizeTaskFailure(span *causal.SpanHandle, p autopilot.PendingAction, reason string) error {
	if err := span.Fail(reason); err != nil {
		return fmt.Errorf("finalize failed commit span: %w", err)
	}
	return s.enqueueResolve(span, p, nil, autopilot.SpanFailed, reason)
}

func (s *Stage) enqueueResolve(span *causal.SpanHandle, p autopilot.PendingAction, extraMeta autopilot.Meta, status autopilot.SpanStatus, summary string) error {
	meta := autopilot.Meta{}
	for k, v := range p.Meta {
		meta[k] = v
	}
	for k, v := range extraMeta {
		meta[k] = v
	}

	action, err := causal.ActionWriter(s.store, autopilot.ActionResolve, span.ID(), "", meta)
	if err != nil {
		return fmt.Errorf("write resolve action: %w", err)
	}
	if err := causal.EnqueueAction(s.store, p.TraceID, action, autopilot.StepCommit, summary); err != nil {
		return fmt.Errorf("enqueue resolve action: %w", err)
	}

	s.index.UpdateStepStatus(p.TraceID, p.ActionID, status, "")
	s.index.AppendStep(p.TraceID, autopilot.ActionStep{
		ActionID:  action.ID,
		Action:    action.Action,
		Status:    autopilot.SpanRunning,
		Timestamp: action.Timestamp,
	})

	return s.store.RemovePending(p.ActionID)
}

func (s *Stage) commitMessage(ctx context.Context, p autopilot.PendingAction, task adapters.Task) string {
	title, _ := p.Meta["title"].(string)
	if s.agent == nil {
		return fallbackMessage(title, task)
	}

	prompt := fmt.Sprintf(
		"Write a concise git commit message (subject line, optional body) summarizing this completed task.\n\nTitle: %s\nDescription: %v\n",
		title, p.Meta["description"],
	)
	msg, err := s.agent.Invoke(ctx, prompt, adapters.CompletionOptions{Cwd: task.Workspace})
	if err != nil || msg == "" {
		return fallbackMessage(title, task)
	}
	return msg
}

func fallbackMessage(title string, task adapters.Task) string {
	if title != "" {
		return title
	}
	return task.Description
}

// probeConflicts rebases the worktree onto baseBranch to surface conflicts
// early, asking the AI agent for resolution guidance on each conflicted
// file in parallel (recorded as a log line, not applied — the sandboxed
// agent, not the committer, owns file mutation). The rebase is always
// aborted afterward since the committer never leaves the worktree in a
// mid-rebase state.
func (s *Stage) probeConflicts(ctx context.Context, worktreePath, baseBranch string) {
	result, err := s.git.RebaseOnto(ctx, worktreePath, baseBranch)
	if err != nil || !result.Conflicted {
		return
	}

	stage.BoundedParallel(ctx, result.Conflicts, 4, func(ctx context.Context, file string) {
		blame, err := s.git.Blame(ctx, worktreePath, file)
		if err != nil {
			return
		}
		if s.agent == nil {
			return
		}
		if bounded, wasTruncated := truncateBlame(file, blame); wasTruncated {
			s.logger.Debug("truncated blame context for conflict probe", "file", file, "lines", strings.Count(blame, "\n")+1)
			blame = bounded
		}
		prompt := fmt.Sprintf("This file has a rebase conflict against %s. Blame context:\n%s\n\nDescribe how to resolve it.", baseBranch, blame)
		if _, err := s.agent.Invoke(ctx, prompt, adapters.CompletionOptions{Cwd: worktreePath}); err != nil {
			s.logger.Warn("conflict probe failed", "file", file, "error", err)
		}
	})

	if err := s.git.AbortRebase(ctx, worktreePath); err != nil {
		s.logger.Warn("failed to abort probe rebase", "worktree", worktreePath, "error", err)
	}
}
