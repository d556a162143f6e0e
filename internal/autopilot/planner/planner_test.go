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

package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/rover-autopilot/internal/autopilot"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
	"github.com/tombee/rover-autopilot/internal/autopilot/causal"
	"github.com/tombee/rover-autopilot/internal/autopilot/store"
	"github.com/tombee/rover-autopilot/internal/autopilot/traceindex"
)

type fakeAgent struct {
	response string
	err      error
}

func (f *fakeAgent) Invoke(ctx context.Context, prompt string, opts adapters.CompletionOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(t.TempDir(), "proj", 0, 0)
	require.NoError(t, st.Ensure())
	return st
}

func enqueuePlan(t *testing.T, st *store.Store) autopilot.PendingAction {
	t.Helper()
	root, err := causal.SpanWriter(st, autopilot.StepEvent, nil, autopilot.Meta{"type": "IssueOpened"})
	require.NoError(t, err)
	action, err := causal.ActionWriter(st, autopilot.ActionPlan, root.ID(), "", autopilot.Meta{"type": "IssueOpened"})
	require.NoError(t, err)
	require.NoError(t, causal.EnqueueAction(st, root.ID(), action, autopilot.StepEvent, "plan it"))

	pending, err := st.GetPending(autopilot.ActionPlan)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	return pending[0]
}

func TestTickWritesWorkflowActionsWithDependency(t *testing.T) {
	st := newTestStore(t)
	p := enqueuePlan(t, st)

	agent := &fakeAgent{response: `{"items": [
		{"id": "a", "title": "Write tests", "description": "d1", "workflow": "swe"},
		{"id": "b", "title": "Fix bug", "description": "d2", "workflow": "swe", "depends_on_action_id": "a"}
	]}`}
	idx := traceindex.New()
	s := New(st, idx, agent, nil)

	require.NoError(t, s.Tick(context.Background()))

	remaining, err := st.GetPending(autopilot.ActionPlan)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	workflowPending, err := st.GetPending(autopilot.ActionWorkflow)
	require.NoError(t, err)
	require.Len(t, workflowPending, 2)

	var dependent autopilot.PendingAction
	for _, wp := range workflowPending {
		if wp.Meta["title"] == "Fix bug" {
			dependent = wp
		}
	}
	require.NotEmpty(t, dependent.ActionID)
	dependsOn, ok := dependent.Meta["dependsOnActionId"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, dependsOn)

	steps := idx.Steps(p.TraceID)
	assert.Len(t, steps, 2)
}

func TestUnresolvedDependencyFailsOnlyThatItem(t *testing.T) {
	st := newTestStore(t)
	enqueuePlan(t, st)

	agent := &fakeAgent{response: `{"items": [
		{"id": "a", "title": "Independent step", "description": "d1", "workflow": "swe"},
		{"id": "b", "title": "Bad dependency", "description": "d2", "workflow": "swe", "depends_on_action_id": "does-not-exist"}
	]}`}
	s := New(st, traceindex.New(), agent, nil)

	require.NoError(t, s.Tick(context.Background()))

	workflowPending, err := st.GetPending(autopilot.ActionWorkflow)
	require.NoError(t, err)
	require.Len(t, workflowPending, 1)
	assert.Equal(t, "Independent step", workflowPending[0].Meta["title"])
}

func TestAgentFailureLeavesPlanPending(t *testing.T) {
	st := newTestStore(t)
	p := enqueuePlan(t, st)

	agent := &fakeAgent{err: assertErr("provider unavailable")}
	s := New(st, traceindex.New(), agent, nil)

	require.NoError(t, s.Tick(context.Background()))

	remaining, err := st.GetPending(autopilot.ActionPlan)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, p.ActionID, remaining[0].ActionID)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
