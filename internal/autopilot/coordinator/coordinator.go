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

// Package coordinator implements the coordinator stage: the first AI
// decision point in a trace, turning a raw event into one of
// {plan, workflow, notify, noop}.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tombee/rover-autopilot/internal/autopilot"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
	"github.com/tombee/rover-autopilot/internal/autopilot/causal"
	"github.com/tombee/rover-autopilot/internal/autopilot/stage"
	"github.com/tombee/rover-autopilot/internal/autopilot/store"
	"github.com/tombee/rover-autopilot/internal/autopilot/traceindex"
)

// MaxParallelDecisions is maxParallel_coord from spec.md §4.4.
const MaxParallelDecisions = 3

// decision is the AI agent's JSON response shape.
type decision struct {
	Action     string         `json:"action"`
	Reasoning  string         `json:"reasoning"`
	Confidence float64        `json:"confidence"`
	Meta       autopilot.Meta `json:"meta"`
}

// Stage is the coordinator: it consumes `coordinate` pending actions.
type Stage struct {
	store  *store.Store
	index  *traceindex.Index
	agent  adapters.AIAgent
	guard  *stage.InProgressGuard
	logger *slog.Logger
}

// New constructs the coordinator stage.
func New(st *store.Store, idx *traceindex.Index, agent adapters.AIAgent, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		store:  st,
		index:  idx,
		agent:  agent,
		guard:  stage.NewInProgressGuard(),
		logger: logger.With("stage", "coordinator"),
	}
}

// Name implements stage.Runner.
func (s *Stage) Name() string { return "coordinator" }

// MaxParallel implements stage.Runner.
func (s *Stage) MaxParallel() int { return MaxParallelDecisions }

// Tick implements stage.Runner.
func (s *Stage) Tick(ctx context.Context) error {
	pending, err := s.store.GetPending(autopilot.ActionCoordinate)
	if err != nil {
		return fmt.Errorf("coordinator: loading pending actions: %w", err)
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
			s.logger.Error("failed to coordinate action", "action_id", p.ActionID, "error", err)
		}
	})

	return nil
}

func (s *Stage) process(ctx context.Context, p autopilot.PendingAction) error {
	span, err := causal.SpanWriter(s.store, autopilot.StepCoordinate, &p.SpanID, p.Meta)
	if err != nil {
		return fmt.Errorf("open coordinate span: %w", err)
	}

	prompt := buildPrompt(p)
	raw, err := s.agent.Invoke(ctx, prompt, adapters.CompletionOptions{JSON: true})
	if err != nil {
		_ = span.ErrorOut("AI invocation failed: " + err.Error())
		return fmt.Errorf("invoke AI agent: %w", err)
	}

	dec, err := parseDecision(raw)
	if err != nil {
		_ = span.ErrorOut("failed to parse AI decision: " + err.Error())
		return fmt.Errorf("parse AI decision: %w", err)
	}

	kind, meta := postProcess(dec)

	if err := span.Complete(fmt.Sprintf("decided %s", kind), nil); err != nil {
		return fmt.Errorf("finalize coordinate span: %w", err)
	}

	if kind == autopilot.ActionNoop {
		// noop has no consuming stage: GetPending is never called with
		// ActionNoop anywhere downstream, so enqueuing it would leak a
		// PendingAction the queue can never drain. Finalize the trace
		// here instead of handing off to a stage that doesn't exist.
		if err := causal.FinalizeTrace(s.store, p.TraceID, autopilot.SpanCompleted, "coordinator decided noop: "+dec.Reasoning); err != nil {
			return fmt.Errorf("finalize trace for noop: %w", err)
		}
		return s.store.RemovePending(p.ActionID)
	}

	action, err := causal.ActionWriter(s.store, kind, span.ID(), dec.Reasoning, meta)
	if err != nil {
		return fmt.Errorf("write %s action: %w", kind, err)
	}

	if err := causal.EnqueueAction(s.store, p.TraceID, action, autopilot.StepCoordinate, dec.Reasoning); err != nil {
		return fmt.Errorf("enqueue %s action: %w", kind, err)
	}

	s.index.AppendStep(p.TraceID, autopilot.ActionStep{
		ActionID:  action.ID,
		Action:    action.Action,
		Status:    autopilot.SpanRunning,
		Timestamp: action.Timestamp,
		Reasoning: dec.Reasoning,
	})

	return s.store.RemovePending(p.ActionID)
}

// postProcess applies the two redesigned rewrite rules from spec.md §4.4
// step 4: coordinate can never recurse into itself, and clarify degrades
// to a notify carrying the original intent in meta.
func postProcess(dec decision) (autopilot.ActionKind, autopilot.Meta) {
	meta := dec.Meta
	if meta == nil {
		meta = autopilot.Meta{}
	}
	meta["confidence"] = dec.Confidence

	switch autopilot.ActionKind(dec.Action) {
	case autopilot.ActionCoordinate:
		return autopilot.ActionNoop, meta
	case autopilot.ActionClarify:
		meta["originalAction"] = string(autopilot.ActionClarify)
		return autopilot.ActionNotify, meta
	case autopilot.ActionPlan, autopilot.ActionWorkflow, autopilot.ActionNotify, autopilot.ActionNoop:
		return autopilot.ActionKind(dec.Action), meta
	default:
		return autopilot.ActionNoop, meta
	}
}

func buildPrompt(p autopilot.PendingAction) string {
	payload, _ := json.Marshal(p.Meta)
	return fmt.Sprintf(
		"You are the coordinator stage of an autonomous software engineering pipeline. "+
			"Given the following event, decide one action from {plan, workflow, notify, noop, clarify}. "+
			"Respond with strict JSON: {\"action\": string, \"reasoning\": string, \"confidence\": number, \"meta\": object}.\n\nEvent: %s",
		string(payload),
	)
}

func parseDecision(raw string) (decision, error) {
	var dec decision
	if err := json.Unmarshal([]byte(raw), &dec); err != nil {
		return decision{}, err
	}
	if dec.Action == "" {
		return decision{}, fmt.Errorf("AI decision missing action field")
	}
	return dec, nil
}
