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

// Package planner implements the planner stage: it turns one `plan`
// action into one or more `workflow` actions, optionally chained by
// depends_on_action_id.
package planner

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

// MaxParallelPlans bounds concurrent plan actions processed per tick.
const MaxParallelPlans = 3

// planItem is one entry of the AI's structured plan, per spec.md §4.5. ID
// is a plan-local identifier the AI assigns so a later item can reference
// an earlier one through DependsOnActionID before either has a real
// action id.
type planItem struct {
	ID                 string         `json:"id"`
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	Workflow           string         `json:"workflow"`
	AcceptanceCriteria string         `json:"acceptance_criteria"`
	Context            autopilot.Meta `json:"context"`
	DependsOnActionID  string         `json:"depends_on_action_id,omitempty"`
}

// planResponse is the AI agent's raw JSON response shape.
type planResponse struct {
	Items []planItem `json:"items"`
}

// Stage is the planner: it consumes `plan` pending actions.
type Stage struct {
	store  *store.Store
	index  *traceindex.Index
	agent  adapters.AIAgent
	guard  *stage.InProgressGuard
	logger *slog.Logger
}

// New constructs the planner stage.
func New(st *store.Store, idx *traceindex.Index, agent adapters.AIAgent, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		store:  st,
		index:  idx,
		agent:  agent,
		guard:  stage.NewInProgressGuard(),
		logger: logger.With("stage", "planner"),
	}
}

// Name implements stage.Runner.
func (s *Stage) Name() string { return "planner" }

// MaxParallel implements stage.Runner.
func (s *Stage) MaxParallel() int { return MaxParallelPlans }

// Tick implements stage.Runner.
func (s *Stage) Tick(ctx context.Context) error {
	pending, err := s.store.GetPending(autopilot.ActionPlan)
	if err != nil {
		return fmt.Errorf("planner: loading pending actions: %w", err)
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
			s.logger.Error("failed to plan action", "action_id", p.ActionID, "error", err)
		}
	})

	return nil
}

func (s *Stage) process(ctx context.Context, p autopilot.PendingAction) error {
	span, err := causal.SpanWriter(s.store, autopilot.StepPlan, &p.SpanID, p.Meta)
	if err != nil {
		return fmt.Errorf("open plan span: %w", err)
	}

	raw, err := s.agent.Invoke(ctx, buildPrompt(p), adapters.CompletionOptions{JSON: true})
	if err != nil {
		_ = span.ErrorOut("AI invocation failed: " + err.Error())
		return fmt.Errorf("invoke AI agent: %w", err)
	}

	plan, err := parsePlan(raw)
	if err != nil {
		_ = span.ErrorOut("failed to parse AI plan: " + err.Error())
		return fmt.Errorf("parse AI plan: %w", err)
	}

	if err := span.Complete(fmt.Sprintf("planned %d workflow steps", len(plan.Items)), nil); err != nil {
		return fmt.Errorf("finalize plan span: %w", err)
	}

	localIDToActionID := make(map[string]string, len(plan.Items))

	for _, item := range plan.Items {
		// Only a sibling produced earlier in this same plan batch is a
		// valid dependency; a reference to an id this batch never
		// produced (forward reference, typo, or a stray id from another
		// trace) fails only this one workflow action, per the open
		// question's resolution — the rest of the plan still proceeds.
		var dependsOn string
		if item.DependsOnActionID != "" {
			resolved, ok := localIDToActionID[item.DependsOnActionID]
			if !ok {
				s.failInvalidDependency(p.TraceID, span.ID(), item)
				continue
			}
			dependsOn = resolved
		}

		meta := autopilot.Meta{
			"title":              item.Title,
			"description":        item.Description,
			"workflow":           item.Workflow,
			"acceptanceCriteria": item.AcceptanceCriteria,
			"context":            item.Context,
		}
		if dependsOn != "" {
			meta["dependsOnActionId"] = dependsOn
		}

		action, err := causal.ActionWriter(s.store, autopilot.ActionWorkflow, span.ID(), "", meta)
		if err != nil {
			return fmt.Errorf("write workflow action for %q: %w", item.Title, err)
		}
		if item.ID != "" {
			localIDToActionID[item.ID] = action.ID
		}

		if err := causal.EnqueueAction(s.store, p.TraceID, action, autopilot.StepPlan, item.Title); err != nil {
			return fmt.Errorf("enqueue workflow action for %q: %w", item.Title, err)
		}

		s.index.AppendStep(p.TraceID, autopilot.ActionStep{
			ActionID:  action.ID,
			Action:    action.Action,
			Status:    autopilot.SpanRunning,
			Timestamp: action.Timestamp,
		})
	}

	return s.store.RemovePending(p.ActionID)
}

// failInvalidDependency records an error span for a single plan item whose
// depends_on_action_id did not resolve within this plan batch, without
// aborting the rest of the plan.
func (s *Stage) failInvalidDependency(traceID, planSpanID string, item planItem) {
	errSpan, err := causal.SpanWriter(s.store, autopilot.StepPlan, &planSpanID, autopilot.Meta{"title": item.Title})
	if err != nil {
		s.logger.Error("failed to open invalid-dependency span", "title", item.Title, "error", err)
		return
	}
	reason := fmt.Sprintf("depends_on_action_id %q does not reference a sibling produced by this plan", item.DependsOnActionID)
	if err := errSpan.ErrorOut(reason); err != nil {
		s.logger.Error("failed to finalize invalid-dependency span", "title", item.Title, "error", err)
	}
	s.logger.Error("rejected plan item with unresolved dependency", "trace_id", traceID, "title", item.Title, "depends_on", item.DependsOnActionID)
}

func buildPrompt(p autopilot.PendingAction) string {
	payload, _ := json.Marshal(p.Meta)
	return fmt.Sprintf(
		"You are the planner stage. Break the following event into one or more workflow steps. "+
			"Assign each item a short unique \"id\" local to this plan. "+
			"Respond with strict JSON: {\"items\": [{\"id\": string, \"title\": string, \"description\": string, "+
			"\"workflow\": string, \"acceptance_criteria\": string, \"context\": object, "+
			"\"depends_on_action_id\": string (optional, must equal an earlier item's \\\"id\\\" in this same plan)}]}.\n\nEvent: %s",
		string(payload),
	)
}

func parsePlan(raw string) (planResponse, error) {
	var resp planResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return planResponse{}, err
	}
	if len(resp.Items) == 0 {
		return planResponse{}, fmt.Errorf("AI plan contained no items")
	}
	return resp, nil
}
