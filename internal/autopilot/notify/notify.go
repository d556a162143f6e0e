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

// Package notify implements the terminal notify stage: it composes a
// summary of a finished trace and posts it back to the code host, or
// decides the trace is silently terminal.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tombee/rover-autopilot/internal/autopilot"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
	"github.com/tombee/rover-autopilot/internal/autopilot/causal"
	"github.com/tombee/rover-autopilot/internal/autopilot/stage"
	"github.com/tombee/rover-autopilot/internal/autopilot/store"
	"github.com/tombee/rover-autopilot/internal/jq"
)

// MaxParallelNotifications bounds concurrent notify actions processed per
// tick.
const MaxParallelNotifications = 5

// MaxBodyLength is the soft ceiling applied before appending the
// truncation notice.
const MaxBodyLength = 60000

// HardCeiling is the absolute cap including the truncation notice, per
// spec.md §4.10.
const HardCeiling = 65536

const truncationNotice = "\n\n_...output truncated._"

// traceProjection is what the trace-summary jq expression runs against.
type traceProjection struct {
	EventType string           `json:"eventType"`
	Repo      string           `json:"repo"`
	Steps     []autopilot.Span `json:"steps"`
}

// stepsExpression projects each span down to the fields useful for a
// human-readable summary, trimming large/internal meta.
const stepsExpression = `.steps | map({step: .step, status: .status, summary: .summary})`

// Stage is the notify stage: it consumes `notify` pending actions.
type Stage struct {
	store   *store.Store
	agent   adapters.AIAgent
	hosting adapters.HostingAdapter
	jq      *jq.Executor
	guard   *stage.InProgressGuard
	logger  *slog.Logger
}

// New constructs the notify stage.
func New(st *store.Store, agent adapters.AIAgent, hosting adapters.HostingAdapter, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		store:   st,
		agent:   agent,
		hosting: hosting,
		jq:      jq.NewExecutor(0, 0),
		guard:   stage.NewInProgressGuard(),
		logger:  logger.With("stage", "notify"),
	}
}

// Name implements stage.Runner.
func (s *Stage) Name() string { return "notify" }

// MaxParallel implements stage.Runner.
func (s *Stage) MaxParallel() int { return MaxParallelNotifications }

// Tick implements stage.Runner.
func (s *Stage) Tick(ctx context.Context) error {
	pending, err := s.store.GetPending(autopilot.ActionNotify)
	if err != nil {
		return fmt.Errorf("notify: loading pending actions: %w", err)
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
			s.logger.Error("failed to process notify action", "action_id", p.ActionID, "error", err)
		}
	})

	return nil
}

func (s *Stage) process(ctx context.Context, p autopilot.PendingAction) error {
	span, err := causal.SpanWriter(s.store, autopilot.StepNotify, &p.SpanID, p.Meta)
	if err != nil {
		return fmt.Errorf("open notify span: %w", err)
	}

	chain, err := s.store.GetSpanTrace(p.SpanID)
	if err != nil {
		_ = span.ErrorOut("failed to read span trace: " + err.Error())
		if err := causal.FinalizeTrace(s.store, p.TraceID, autopilot.SpanError, "failed to read span trace"); err != nil {
			return fmt.Errorf("finalize trace for span-trace error: %w", err)
		}
		return s.store.RemovePending(p.ActionID)
	}
	root := chain[0]

	channel := routeChannel(root)
	if channel.kind == channelNone {
		if err := span.Complete("no notification channel for this trace", autopilot.Meta{"silent": true}); err != nil {
			return fmt.Errorf("finalize silent notify span: %w", err)
		}
		if err := causal.FinalizeTrace(s.store, p.TraceID, autopilot.SpanCompleted, "no notification channel for this trace"); err != nil {
			return fmt.Errorf("finalize trace for silent notify: %w", err)
		}
		return s.store.RemovePending(p.ActionID)
	}

	body := s.composeBody(ctx, root, chain)
	body = truncateBody(body)

	var postErr error
	switch channel.kind {
	case channelIssue:
		postErr = s.hosting.CommentIssue(ctx, channel.owner, channel.repo, channel.number, body)
	case channelPR:
		postErr = s.hosting.CommentPR(ctx, channel.owner, channel.repo, channel.number, body)
	}

	if postErr != nil {
		if err := span.Fail("failed to post notification: " + postErr.Error()); err != nil {
			return fmt.Errorf("finalize failed notify span: %w", err)
		}
		if err := causal.FinalizeTrace(s.store, p.TraceID, autopilot.SpanFailed, "failed to post notification: "+postErr.Error()); err != nil {
			return fmt.Errorf("finalize trace for failed notify: %w", err)
		}
		return s.store.RemovePending(p.ActionID)
	}

	if err := span.Complete("notification posted", nil); err != nil {
		return fmt.Errorf("finalize notify span: %w", err)
	}
	if err := causal.FinalizeTrace(s.store, p.TraceID, autopilot.SpanCompleted, "notification posted"); err != nil {
		return fmt.Errorf("finalize trace for notify: %w", err)
	}
	return s.store.RemovePending(p.ActionID)
}

type channelKind int

const (
	channelNone channelKind = iota
	channelIssue
	channelPR
)

type channel struct {
	kind   channelKind
	owner  string
	repo   string
	number int
}

// routeChannel decides where to post a notification by inspecting the
// root event span's meta, per spec.md §4.10.
func routeChannel(root autopilot.Span) channel {
	eventType, _ := root.Meta["type"].(string)
	repoFull, _ := root.Meta["repo"].(string)
	owner, repo := splitRepo(repoFull)

	issueNumber := metaInt(root.Meta, "issueNumber")
	prNumber := metaInt(root.Meta, "prNumber")
	isPR, _ := root.Meta["isPullRequest"].(bool)

	switch eventType {
	case "IssueOpened", "IssueClosed":
		if issueNumber > 0 {
			return channel{kind: channelIssue, owner: owner, repo: repo, number: issueNumber}
		}
	case "PullRequestOpened", "PullRequestClosed", "ReviewSubmitted", "ReviewComment":
		if prNumber > 0 {
			return channel{kind: channelPR, owner: owner, repo: repo, number: prNumber}
		}
	case "IssueComment", "CommentCreated":
		if isPR && prNumber > 0 {
			return channel{kind: channelPR, owner: owner, repo: repo, number: prNumber}
		}
		if issueNumber > 0 {
			return channel{kind: channelIssue, owner: owner, repo: repo, number: issueNumber}
		}
	}
	return channel{kind: channelNone}
}

func metaInt(meta autopilot.Meta, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func splitRepo(full string) (owner, repo string) {
	parts := strings.SplitN(full, "/", 2)
	if len(parts) != 2 {
		return "", full
	}
	return parts[0], parts[1]
}

// composeBody asks the AI agent for a summary of the trace, falling back
// to a span-summary concatenation and finally to a generic message.
func (s *Stage) composeBody(ctx context.Context, root autopilot.Span, chain []autopilot.Span) string {
	eventType, _ := root.Meta["type"].(string)
	repo, _ := root.Meta["repo"].(string)

	projected := any(chain)
	if raw, err := json.Marshal(traceProjection{EventType: eventType, Repo: repo, Steps: chain}); err == nil {
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err == nil {
			if result, jqErr := s.jq.Execute(ctx, stepsExpression, generic); jqErr == nil {
				projected = result
			} else {
				s.logger.Warn("trace projection failed, using full chain", "error", jqErr)
			}
		}
	}

	if s.agent != nil {
		projJSON, err := json.Marshal(projected)
		if err == nil {
			prompt := fmt.Sprintf(
				"Summarize this automated work for a GitHub comment. Be concise and reference what changed.\n\nEvent: %s on %s\nSteps: %s",
				eventType, repo, string(projJSON),
			)
			if body, err := s.agent.Invoke(ctx, prompt, adapters.CompletionOptions{Model: "small"}); err == nil && body != "" {
				return body
			}
		}
	}

	return fallbackSummary(chain)
}

func fallbackSummary(chain []autopilot.Span) string {
	var lines []string
	for _, span := range chain {
		if span.Summary == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", span.Step, span.Summary))
	}
	if len(lines) == 0 {
		return "Autopilot finished processing: " + traceSummary(chain)
	}
	return strings.Join(lines, "\n")
}

func traceSummary(chain []autopilot.Span) string {
	if len(chain) == 0 {
		return "no steps recorded"
	}
	last := chain[len(chain)-1]
	return fmt.Sprintf("%s (%s)", last.Step, last.Status)
}

// truncateBody enforces the soft ceiling and the hard ceiling of
// spec.md §4.10.
func truncateBody(body string) string {
	if len(body) <= MaxBodyLength {
		return body
	}
	truncated := body[:MaxBodyLength] + truncationNotice
	if len(truncated) > HardCeiling {
		truncated = truncated[:HardCeiling]
	}
	return truncated
}
