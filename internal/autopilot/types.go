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

// Package autopilot implements the persistent multi-stage scheduling engine
// that drives an AI coding agent against a single project's git repository:
// event poller, coordinator, planner, workflow launcher, committer,
// resolver, push and notify stages, all sharing one on-disk store and one
// in-memory causal trace index.
package autopilot

import "time"

// StepKind names a causal span's position in the pipeline.
type StepKind string

const (
	StepEvent       StepKind = "event"
	StepCoordinate  StepKind = "coordinate"
	StepPlan        StepKind = "plan"
	StepWorkflow    StepKind = "workflow"
	StepCommit      StepKind = "commit"
	StepResolve     StepKind = "resolve"
	StepPush        StepKind = "push"
	StepNotify      StepKind = "notify"
)

// ActionKind names the durable intent an Action carries.
type ActionKind string

const (
	ActionCoordinate ActionKind = "coordinate"
	ActionPlan       ActionKind = "plan"
	ActionWorkflow   ActionKind = "workflow"
	ActionCommit     ActionKind = "commit"
	ActionResolve    ActionKind = "resolve"
	ActionPush       ActionKind = "push"
	ActionNotify     ActionKind = "notify"
	ActionNoop       ActionKind = "noop"
	ActionClarify    ActionKind = "clarify"
)

// SpanStatus is the lifecycle state of a Span.
type SpanStatus string

const (
	SpanRunning   SpanStatus = "running"
	SpanCompleted SpanStatus = "completed"
	SpanFailed    SpanStatus = "failed"
	SpanError     SpanStatus = "error"
)

// TaskStatus is the lifecycle state of an external sandbox task, as
// reported by the task manager adapter.
type TaskStatus string

const (
	TaskNew        TaskStatus = "NEW"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskIterating  TaskStatus = "ITERATING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskMerged     TaskStatus = "MERGED"
	TaskPushed     TaskStatus = "PUSHED"
)

// ResolveDecision is the outcome of the resolver stage's evaluation of a
// trace, whether reached deterministically or via AI fallback.
type ResolveDecision string

const (
	ResolveWait    ResolveDecision = "wait"
	ResolvePush    ResolveDecision = "push"
	ResolveIterate ResolveDecision = "iterate"
	ResolveFail    ResolveDecision = "fail"
)

// MaxRetries bounds how many times the resolver may choose to iterate a
// trace before it is forced to fail.
const MaxRetries = 3

// CursorTailSize bounds the number of processed event ids retained in the
// Cursor; it is a lossy, bounded approximation of "seen before," not a
// perfect set.
const CursorTailSize = 200

// Meta is an arbitrary, stage-specific JSON payload attached to spans and
// actions.
type Meta map[string]interface{}

// Event is an external activity ingested by the poller: an issue or pull
// request action, a review, a comment, or a push.
type Event struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Repo          string `json:"repo"`
	IssueNumber   int    `json:"issueNumber,omitempty"`
	PRNumber      int    `json:"prNumber,omitempty"`
	IsPullRequest bool   `json:"isPullRequest,omitempty"`
	Author        string `json:"author,omitempty"`
	Payload       Meta   `json:"payload,omitempty"`
}

// Span is an immutable causal node, finalized exactly once after creation.
type Span struct {
	ID        string     `json:"id"`
	Parent    *string    `json:"parent"`
	Step      StepKind   `json:"step"`
	Timestamp time.Time  `json:"timestamp"`
	Summary   string     `json:"summary"`
	Status    SpanStatus `json:"status"`
	Meta      Meta       `json:"meta,omitempty"`
	Completed *time.Time `json:"completed,omitempty"`
}

// Action is a durable intent to do work, produced by a span and consumed
// by exactly one stage.
type Action struct {
	ID        string     `json:"id"`
	Action    ActionKind `json:"action"`
	SpanID    string     `json:"spanId"`
	Timestamp time.Time  `json:"timestamp"`
	Meta      Meta       `json:"meta,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
}

// PendingAction is a durable queue entry referencing an Action that still
// needs a stage to process it.
type PendingAction struct {
	TraceID   string     `json:"traceId"`
	ActionID  string     `json:"actionId"`
	SpanID    string     `json:"spanId"`
	Action    ActionKind `json:"action"`
	Summary   string     `json:"summary"`
	CreatedAt time.Time  `json:"createdAt"`
	Meta      Meta       `json:"meta,omitempty"`
}

// TaskMapping records the external sandbox task launched for a workflow
// action, so the monitor and resolver can attribute task outcomes back to
// their trace.
type TaskMapping struct {
	ActionID       string `json:"actionId"`
	TaskID         string `json:"taskId"`
	BranchName     string `json:"branchName"`
	TraceID        string `json:"traceId"`
	WorkflowSpanID string `json:"workflowSpanId"`
}

// Cursor is the poller's dedup bookkeeping: a bounded tail of processed
// event ids.
type Cursor struct {
	ProcessedEventIDs []string  `json:"processedEventIds"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// State is the durable snapshot of everything the Store owns besides the
// cursor and the append-only log: the pending queue and task mappings.
type State struct {
	Version      int                    `json:"version"`
	Pending      []PendingAction        `json:"pending"`
	TaskMappings map[string]TaskMapping `json:"taskMappings"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// LogEntry is one line of the append-only diagnostic log. Replay is always
// driven by spans and actions, never by the log.
type LogEntry struct {
	Timestamp time.Time  `json:"ts"`
	TraceID   string     `json:"traceId"`
	SpanID    string     `json:"spanId"`
	ActionID  string     `json:"actionId,omitempty"`
	Step      StepKind   `json:"step"`
	Action    ActionKind `json:"action,omitempty"`
	Summary   string     `json:"summary"`
}

// ActionStep is the in-memory projection of one causal step inside a
// trace, as rendered by the trace index.
type ActionStep struct {
	ActionID   string     `json:"actionId"`
	Action     ActionKind `json:"action"`
	Status     SpanStatus `json:"status"`
	Timestamp  time.Time  `json:"timestamp"`
	Reasoning  string     `json:"reasoning,omitempty"`
	RetryCount int        `json:"retryCount,omitempty"`
}

// TraceSnapshot is an optional fast-restart projection of a trace's step
// list, persisted alongside the authoritative spans and actions.
type TraceSnapshot struct {
	TraceID    string       `json:"traceId"`
	Steps      []ActionStep `json:"steps"`
	RetryCount int          `json:"retryCount"`
}
