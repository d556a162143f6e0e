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

// Package push implements the push stage: it pushes a trace's completed
// branch upstream and, unless the originating event is silent, hands the
// trace to the notify stage.
package push

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tombee/rover-autopilot/internal/autopilot"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
	"github.com/tombee/rover-autopilot/internal/autopilot/causal"
	"github.com/tombee/rover-autopilot/internal/autopilot/stage"
	"github.com/tombee/rover-autopilot/internal/autopilot/store"
)

// MaxParallelPushes bounds concurrent push actions processed per tick.
const MaxParallelPushes = 3

// silentEventTypes are root event types that never produce a notification,
// per spec.md §4.10.
var silentEventTypes = map[string]struct{}{
	"PushedRef": {},
}

// Stage is the push stage: it consumes `push` pending actions.
type Stage struct {
	store  *store.Store
	tasks  adapters.TaskManager
	git    adapters.GitAdapter
	guard  *stage.InProgressGuard
	logger *slog.Logger
}

// New constructs the push stage.
func New(st *store.Store, tasks adapters.TaskManager, git adapters.GitAdapter, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		store:  st,
		tasks:  tasks,
		git:    git,
		guard:  stage.NewInProgressGuard(),
		logger: logger.With("stage", "push"),
	}
}

// Name implements stage.Runner.
func (s *Stage) Name() string { return "push" }

// MaxParallel implements stage.Runner.
func (s *Stage) MaxParallel() int { return MaxParallelPushes }

// Tick implements stage.Runner.
func (s *Stage) Tick(ctx context.Context) error {
	pending, err := s.store.GetPending(autopilot.ActionPush)
	if err != nil {
		return fmt.Errorf("push: loading pending actions: %w", err)
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
			s.logger.Error("failed to process push action", "action_id", p.ActionID, "error", err)
		}
	})

	return nil
}

func (s *Stage) process(ctx context.Context, p autopilot.PendingAction) error {
	span, err := causal.SpanWriter(s.store, autopilot.StepPush, &p.SpanID, p.Meta)
	if err != nil {
		return fmt.Errorf("open push span: %w", err)
	}

	taskID, _ := p.Meta["taskId"].(string)
	branchName, _ := p.Meta["branchName"].(string)

	worktree := ""
	if taskID != "" {
		if task, err := s.tasks.GetTask(ctx, taskID); err == nil {
			worktree = task.Workspace
		}
	}
	if worktree == "" {
		if w, ok := p.Meta["worktree"].(string); ok {
			worktree = w
		}
	}

	if branchName == "" || worktree == "" {
		_ = span.Fail("missing branch or worktree for push")
		return s.enqueueNotify(span, p, autopilot.Meta{"pushError": "missing branch or worktree"})
	}

	if err := s.git.Push(ctx, worktree, branchName); err != nil {
		_ = span.Fail("push failed: " + err.Error())
		return s.enqueueNotify(span, p, autopilot.Meta{"pushError": err.Error()})
	}

	if err := span.Complete("pushed "+branchName, autopilot.Meta{"pushedBranch": branchName}); err != nil {
		return fmt.Errorf("finalize push span: %w", err)
	}

	return s.enqueueNotify(span, p, autopilot.Meta{"pushedBranch": branchName})
}

// enqueueNotify hands the trace to the notify stage, unless the root
// event's type is not notifiable, in which case the pending action is
// simply removed and the trace is silently terminal.
func (s *Stage) enqueueNotify(span *causal.SpanHandle, p autopilot.PendingAction, extraMeta autopilot.Meta) error {
	meta := autopilot.Meta{}
	for k, v := range p.Meta {
		meta[k] = v
	}
	for k, v := range extraMeta {
		meta[k] = v
	}

	if !s.notifiable(span.ID()) {
		finalStatus := span.Span().Status
		if err := causal.FinalizeTrace(s.store, p.TraceID, finalStatus, "silent event type, no notification"); err != nil {
			return fmt.Errorf("finalize trace for silent push: %w", err)
		}
		return s.store.RemovePending(p.ActionID)
	}

	action, err := causal.ActionWriter(s.store, autopilot.ActionNotify, span.ID(), "", meta)
	if err != nil {
		return fmt.Errorf("write notify action: %w", err)
	}
	if err := causal.EnqueueAction(s.store, p.TraceID, action, autopilot.StepPush, "notify"); err != nil {
		return fmt.Errorf("enqueue notify action: %w", err)
	}

	return s.store.RemovePending(p.ActionID)
}

// notifiable walks leafID's span chain back to the root and reports
// whether the root event's type warrants a notification.
func (s *Stage) notifiable(leafID string) bool {
	chain, err := s.store.GetSpanTrace(leafID)
	if err != nil || len(chain) == 0 {
		return false
	}
	root := chain[0]
	eventType, _ := root.Meta["type"].(string)
	if eventType == "" {
		return false
	}
	_, silent := silentEventTypes[eventType]
	return !silent
}
