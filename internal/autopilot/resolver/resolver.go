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

// Package resolver implements the resolver stage: it evaluates a trace's
// step list against a small set of deterministic rules and, failing
// those, asks the AI for an iterate-or-fail call.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/rover-autopilot/internal/autopilot"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
	"github.com/tombee/rover-autopilot/internal/autopilot/causal"
	"github.com/tombee/rover-autopilot/internal/autopilot/stage"
	"github.com/tombee/rover-autopilot/internal/autopilot/store"
	"github.com/tombee/rover-autopilot/internal/autopilot/traceindex"
)

// MaxParallelResolutions bounds concurrent resolve actions processed per
// tick, after per-trace dedup.
const MaxParallelResolutions = 3

// ruleEnv is the variable set the deterministic fast-path rules evaluate
// against; each rule is a small expr program over these fields so the
// rule set is data, not a hand-rolled if-chain.
type ruleEnv struct {
	AnyWorkflowPending bool
	AnyCommitPending   bool
	AllCommitsComplete bool
	AnyOtherFailed     bool
	AnyFailed          bool
	RetryCount         int
	MaxRetries         int
}

type rule struct {
	name     string
	program  *vm.Program
	decision autopilot.ResolveDecision
}

var rules = compileRules([]struct {
	name       string
	expression string
	decision   autopilot.ResolveDecision
}{
	{"wait_workflow", "AnyWorkflowPending", autopilot.ResolveWait},
	{"wait_commit", "AnyCommitPending", autopilot.ResolveWait},
	{"push_ready", "AllCommitsComplete && !AnyOtherFailed", autopilot.ResolvePush},
	{"retries_exhausted", "AnyFailed && RetryCount >= MaxRetries", autopilot.ResolveFail},
})

func compileRules(defs []struct {
	name       string
	expression string
	decision   autopilot.ResolveDecision
}) []rule {
	out := make([]rule, 0, len(defs))
	for _, d := range defs {
		program, err := expr.Compile(d.expression, expr.Env(ruleEnv{}))
		if err != nil {
			panic(fmt.Sprintf("resolver: invalid rule %q: %v", d.name, err))
		}
		out = append(out, rule{name: d.name, program: program, decision: d.decision})
	}
	return out
}

// evaluate runs the rule set in order and returns the first match, or ""
// if none matched (the ambiguous case the AI resolves).
func evaluate(env ruleEnv) autopilot.ResolveDecision {
	for _, r := range rules {
		out, err := expr.Run(r.program, env)
		if err != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return r.decision
		}
	}
	return ""
}

// aiDecision is the AI fallback's JSON response shape.
type aiDecision struct {
	Decision            string `json:"decision"`
	Reasoning           string `json:"reasoning"`
	IterateInstructions string `json:"iterate_instructions,omitempty"`
	FailReason          string `json:"fail_reason,omitempty"`
}

// Stage is the resolver: it consumes `resolve` pending actions.
type Stage struct {
	store  *store.Store
	index  *traceindex.Index
	tasks  adapters.TaskManager
	agent  adapters.AIAgent
	guard  *stage.InProgressGuard
	logger *slog.Logger
}

// New constructs the resolver stage.
func New(st *store.Store, idx *traceindex.Index, tasks adapters.TaskManager, agent adapters.AIAgent, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		store:  st,
		index:  idx,
		tasks:  tasks,
		agent:  agent,
		guard:  stage.NewInProgressGuard(),
		logger: logger.With("stage", "resolver"),
	}
}

// Name implements stage.Runner.
func (s *Stage) Name() string { return "resolver" }

// MaxParallel implements stage.Runner.
func (s *Stage) MaxParallel() int { return MaxParallelResolutions }

// Tick implements stage.Runner.
func (s *Stage) Tick(ctx context.Context) error {
	pending, err := s.store.GetPending(autopilot.ActionResolve)
	if err != nil {
		return fmt.Errorf("resolver: loading pending actions: %w", err)
	}

	kept := dedupByTrace(pending)
	for _, extra := range duplicatesOf(pending, kept) {
		if err := s.store.RemovePending(extra.ActionID); err != nil {
			s.logger.Error("failed to remove duplicate resolve action", "action_id", extra.ActionID, "error", err)
		}
	}

	var eligible []autopilot.PendingAction
	for _, p := range kept {
		if s.guard.TryClaim(p.ActionID) {
			eligible = append(eligible, p)
		}
	}

	stage.BoundedParallel(ctx, eligible, s.MaxParallel(), func(ctx context.Context, p autopilot.PendingAction) {
		defer s.guard.Release(p.ActionID)
		if err := s.process(ctx, p); err != nil {
			s.logger.Error("failed to resolve action", "action_id", p.ActionID, "error", err)
		}
	})

	return nil
}

// dedupByTrace keeps at most one PendingAction per TraceID.
func dedupByTrace(pending []autopilot.PendingAction) []autopilot.PendingAction {
	seen := map[string]bool{}
	var kept []autopilot.PendingAction
	for _, p := range pending {
		if seen[p.TraceID] {
			continue
		}
		seen[p.TraceID] = true
		kept = append(kept, p)
	}
	return kept
}

func duplicatesOf(all, kept []autopilot.PendingAction) []autopilot.PendingAction {
	keptIDs := map[string]bool{}
	for _, p := range kept {
		keptIDs[p.ActionID] = true
	}
	var dups []autopilot.PendingAction
	for _, p := range all {
		if !keptIDs[p.ActionID] {
			dups = append(dups, p)
		}
	}
	return dups
}

func (s *Stage) process(ctx context.Context, p autopilot.PendingAction) error {
	if commitErr, ok := p.Meta["commitError"]; ok && commitErr != "" {
		return s.noopCommitFailure(p, fmt.Sprintf("%v", commitErr))
	}

	steps := s.index.Steps(p.TraceID)
	retryCount := s.index.RetryCount(p.TraceID)
	env := buildEnv(steps, p.ActionID, retryCount)

	decision := evaluate(env)
	var reasoning, iterateInstructions, failReason string

	if decision == "" {
		ai, err := s.askAI(ctx, p, steps)
		if err != nil {
			s.logger.Error("resolver AI fallback failed, defaulting to iterate", "trace_id", p.TraceID, "error", err)
			decision = autopilot.ResolveIterate
			iterateInstructions = "Investigate the failure and retry with a more conservative approach."
		} else {
			switch ai.Decision {
			case string(autopilot.ResolveIterate):
				decision = autopilot.ResolveIterate
			case string(autopilot.ResolveFail):
				decision = autopilot.ResolveFail
			default:
				decision = autopilot.ResolveIterate
				ai.IterateInstructions = "Investigate the failure and retry with a more conservative approach."
			}
			reasoning = ai.Reasoning
			iterateInstructions = ai.IterateInstructions
			failReason = ai.FailReason
		}
	}

	switch decision {
	case autopilot.ResolveWait:
		return s.store.RemovePending(p.ActionID)
	case autopilot.ResolvePush:
		return s.doPush(p, reasoning)
	case autopilot.ResolveIterate:
		return s.doIterate(ctx, p, steps, iterateInstructions, reasoning)
	case autopilot.ResolveFail:
		return s.doFail(p, failReason, reasoning)
	default:
		return fmt.Errorf("unreachable resolve decision %q", decision)
	}
}

func buildEnv(steps []autopilot.ActionStep, excludeActionID string, retryCount int) ruleEnv {
	env := ruleEnv{RetryCount: retryCount, MaxRetries: autopilot.MaxRetries}
	anyCommitSeen := false
	for _, step := range steps {
		if step.ActionID == excludeActionID {
			continue
		}
		switch step.Action {
		case autopilot.ActionWorkflow:
			if step.Status == autopilot.SpanRunning {
				env.AnyWorkflowPending = true
			}
			if step.Status == autopilot.SpanFailed || step.Status == autopilot.SpanError {
				env.AnyFailed = true
				env.AnyOtherFailed = true
			}
		case autopilot.ActionCommit:
			anyCommitSeen = true
			if step.Status == autopilot.SpanRunning {
				env.AnyCommitPending = true
			}
			if step.Status == autopilot.SpanFailed || step.Status == autopilot.SpanError {
				env.AnyFailed = true
				env.AnyOtherFailed = true
			}
		default:
			if step.Status == autopilot.SpanFailed || step.Status == autopilot.SpanError {
				env.AnyFailed = true
				env.AnyOtherFailed = true
			}
		}
	}
	env.AllCommitsComplete = anyCommitSeen && !env.AnyCommitPending && !env.AnyWorkflowPending
	for _, step := range steps {
		if step.Action == autopilot.ActionCommit && step.Status != autopilot.SpanCompleted && step.Status != autopilot.SpanFailed && step.Status != autopilot.SpanError {
			env.AllCommitsComplete = false
		}
	}
	return env
}

func (s *Stage) askAI(ctx context.Context, p autopilot.PendingAction, steps []autopilot.ActionStep) (aiDecision, error) {
	if s.agent == nil {
		return aiDecision{}, fmt.Errorf("no AI agent configured")
	}
	stepsJSON, _ := json.Marshal(steps)
	prompt := fmt.Sprintf(
		"You are the resolver stage. A trace has ambiguous state: some steps failed and the deterministic rules "+
			"did not resolve it. Decide \"iterate\" or \"fail\". Respond with strict JSON: "+
			"{\"decision\": \"iterate\"|\"fail\", \"reasoning\": string, \"iterate_instructions\": string, \"fail_reason\": string}.\n\nSteps: %s",
		string(stepsJSON),
	)
	raw, err := s.agent.Invoke(ctx, prompt, adapters.CompletionOptions{JSON: true})
	if err != nil {
		return aiDecision{}, err
	}
	var dec aiDecision
	if err := json.Unmarshal([]byte(raw), &dec); err != nil {
		return aiDecision{}, err
	}
	return dec, nil
}

func (s *Stage) noopCommitFailure(p autopilot.PendingAction, reason string) error {
	span, err := causal.SpanWriter(s.store, autopilot.StepResolve, &p.SpanID, p.Meta)
	if err != nil {
		return fmt.Errorf("open resolve span: %w", err)
	}
	if err := span.Complete("commit failed: "+reason, autopilot.Meta{"terminalReason": "commit failed"}); err != nil {
		return fmt.Errorf("finalize noop resolve span: %w", err)
	}
	s.index.MarkPendingStepsFailed(p.TraceID)
	if err := causal.FinalizeTrace(s.store, p.TraceID, autopilot.SpanFailed, "commit failed: "+reason); err != nil {
		return fmt.Errorf("finalize trace for commit failure: %w", err)
	}
	return s.store.RemovePending(p.ActionID)
}

func (s *Stage) doPush(p autopilot.PendingAction, reasoning string) error {
	span, err := causal.SpanWriter(s.store, autopilot.StepResolve, &p.SpanID, p.Meta)
	if err != nil {
		return fmt.Errorf("open resolve span: %w", err)
	}
	if err := span.Complete("push", nil); err != nil {
		return fmt.Errorf("finalize resolve span: %w", err)
	}

	action, err := causal.ActionWriter(s.store, autopilot.ActionPush, span.ID(), reasoning, p.Meta)
	if err != nil {
		return fmt.Errorf("write push action: %w", err)
	}
	if err := causal.EnqueueAction(s.store, p.TraceID, action, autopilot.StepResolve, "push"); err != nil {
		return fmt.Errorf("enqueue push action: %w", err)
	}

	s.index.AppendStep(p.TraceID, autopilot.ActionStep{ActionID: action.ID, Action: action.Action, Status: autopilot.SpanRunning, Timestamp: action.Timestamp})
	return s.store.RemovePending(p.ActionID)
}

func (s *Stage) doFail(p autopilot.PendingAction, failReason, reasoning string) error {
	span, err := causal.SpanWriter(s.store, autopilot.StepResolve, &p.SpanID, p.Meta)
	if err != nil {
		return fmt.Errorf("open resolve span: %w", err)
	}
	reason := failReason
	if reason == "" {
		reason = "resolver decided fail"
	}
	if err := span.Fail(reason); err != nil {
		return fmt.Errorf("finalize failed resolve span: %w", err)
	}
	s.index.MarkPendingStepsFailed(p.TraceID)
	if err := causal.FinalizeTrace(s.store, p.TraceID, autopilot.SpanFailed, reason); err != nil {
		return fmt.Errorf("finalize trace for fail: %w", err)
	}
	return s.store.RemovePending(p.ActionID)
}

func (s *Stage) doIterate(ctx context.Context, p autopilot.PendingAction, steps []autopilot.ActionStep, instructions, reasoning string) error {
	failedActionID := findFailedStep(steps, autopilot.ActionWorkflow)
	if failedActionID == "" {
		failedActionID = findFailedStep(steps, autopilot.ActionCommit)
	}
	if failedActionID == "" {
		return fmt.Errorf("no failed workflow or commit step found to iterate")
	}

	mapping, found, err := s.store.GetTaskMapping(failedActionID)
	if !found {
		if err != nil {
			return fmt.Errorf("loading task mapping for %s: %w", failedActionID, err)
		}
		return fmt.Errorf("no task mapping found for failed action %s", failedActionID)
	}

	s.index.IncrementRetry(p.TraceID)

	if err := s.tasks.IncrementIteration(ctx, mapping.TaskID); err != nil {
		return fmt.Errorf("increment iteration: %w", err)
	}
	if err := s.tasks.MarkIterating(ctx, mapping.TaskID); err != nil {
		return fmt.Errorf("mark task iterating: %w", err)
	}

	span, err := causal.SpanWriter(s.store, autopilot.StepResolve, &p.SpanID, p.Meta)
	if err != nil {
		return fmt.Errorf("open resolve span: %w", err)
	}
	if err := span.Complete("iterate", nil); err != nil {
		return fmt.Errorf("finalize resolve span: %w", err)
	}

	originalAction, err := s.store.ReadAction(failedActionID)
	if err != nil {
		return fmt.Errorf("read original workflow action: %w", err)
	}
	meta := autopilot.Meta{}
	for k, v := range originalAction.Meta {
		meta[k] = v
	}
	meta["description"] = instructions

	newAction, err := causal.ActionWriter(s.store, autopilot.ActionWorkflow, span.ID(), reasoning, meta)
	if err != nil {
		return fmt.Errorf("write iterate workflow action: %w", err)
	}
	if err := causal.EnqueueAction(s.store, p.TraceID, newAction, autopilot.StepResolve, "iterate: "+instructions); err != nil {
		return fmt.Errorf("enqueue iterate workflow action: %w", err)
	}

	s.index.AppendStep(p.TraceID, autopilot.ActionStep{
		ActionID: newAction.ID, Action: newAction.Action, Status: autopilot.SpanRunning,
		Timestamp: newAction.Timestamp, RetryCount: s.index.RetryCount(p.TraceID),
	})

	return s.store.RemovePending(p.ActionID)
}

func findFailedStep(steps []autopilot.ActionStep, kind autopilot.ActionKind) string {
	for _, step := range steps {
		if step.Action == kind && (step.Status == autopilot.SpanFailed || step.Status == autopilot.SpanError) {
			return step.ActionID
		}
	}
	return ""
}
