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

// Package poller implements the event poller stage: the only stage that
// talks to the external event source. Every trace begins with a root span
// this stage writes.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/rover-autopilot/internal/autopilot"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
	"github.com/tombee/rover-autopilot/internal/autopilot/causal"
	"github.com/tombee/rover-autopilot/internal/autopilot/store"
)

// relevantTypes are the event types the poller ingests; anything else is
// dropped during the filter step.
var relevantTypes = map[string]struct{}{
	"IssueOpened":       {},
	"IssueClosed":       {},
	"IssueComment":      {},
	"PullRequestOpened": {},
	"PullRequestClosed": {},
	"ReviewSubmitted":   {},
	"ReviewComment":     {},
	"CommentCreated":    {},
	"PushedRef":         {},
}

// FetchLimit is the "limit K, newest first" the spec leaves
// caller-supplied.
const FetchLimit = 50

// View is the poller's observability snapshot, per spec.md §4.3.
type View struct {
	Status            string
	Countdown         time.Duration
	LastFetchCount    int
	LastRelevantCount int
	LastNewCount      int
	LastError         error
}

// Stage is the event poller: fetch, filter, dedup, and fan each new event
// out into a root span + coordinate action + pending queue entry.
type Stage struct {
	store   *store.Store
	source  adapters.EventSource
	limiter *rate.Limiter
	logger  *slog.Logger

	mu   sync.Mutex
	view View
}

// New constructs a poller stage. ratePerSecond bounds how often the
// underlying EventSource is actually called, so a slow or quota-limited
// source degrades the poller's status view instead of being hammered
// every tick.
func New(st *store.Store, source adapters.EventSource, ratePerSecond float64, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	return &Stage{
		store:   st,
		source:  source,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		logger:  logger.With("stage", "poller"),
		view:    View{Status: "idle"},
	}
}

// Name implements stage.Runner.
func (s *Stage) Name() string { return "poller" }

// MaxParallel implements stage.Runner. The poller fetches once per tick;
// parallelism here bounds per-event enqueue fan-out, not fetch concurrency.
func (s *Stage) MaxParallel() int { return 8 }

// View returns the current observability snapshot.
func (s *Stage) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *Stage) setView(mutate func(*View)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.view)
}

// Tick implements stage.Runner.
func (s *Stage) Tick(ctx context.Context) error {
	reservation := s.limiter.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		s.setView(func(v *View) {
			v.Status = "rate_limited"
			v.Countdown = delay
		})
		reservation.Cancel()
		return nil
	}

	events, err := s.source.FetchEvents(ctx, FetchLimit)
	if err != nil {
		s.setView(func(v *View) {
			v.Status = "fetch_failed"
			v.LastError = err
		})
		return fmt.Errorf("poller: fetch events: %w", err)
	}

	relevant := make([]autopilot.Event, 0, len(events))
	for _, ev := range events {
		if _, ok := relevantTypes[ev.Type]; ok {
			relevant = append(relevant, ev)
		}
	}

	var fresh []autopilot.Event
	for _, ev := range relevant {
		processed, err := s.store.IsEventProcessed(ev.ID)
		if err != nil {
			return fmt.Errorf("poller: checking cursor for event %s: %w", ev.ID, err)
		}
		if !processed {
			fresh = append(fresh, ev)
		}
	}

	var enqueuedIDs []string
	var enqueueErr error
	var mu sync.Mutex

	var wg sync.WaitGroup
	sem := make(chan struct{}, s.MaxParallel())
	for _, ev := range fresh {
		wg.Add(1)
		sem <- struct{}{}
		go func(ev autopilot.Event) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.ingest(ctx, ev); err != nil {
				mu.Lock()
				enqueueErr = err
				mu.Unlock()
				s.logger.Error("failed to ingest event", "event_id", ev.ID, "error", err)
				return
			}
			mu.Lock()
			enqueuedIDs = append(enqueuedIDs, ev.ID)
			mu.Unlock()
		}(ev)
	}
	wg.Wait()

	if len(enqueuedIDs) > 0 {
		if err := s.store.MarkEventsProcessed(enqueuedIDs); err != nil {
			return fmt.Errorf("poller: marking events processed: %w", err)
		}
	}

	s.setView(func(v *View) {
		v.Status = "ok"
		v.Countdown = 0
		v.LastFetchCount = len(events)
		v.LastRelevantCount = len(relevant)
		v.LastNewCount = len(fresh)
		v.LastError = enqueueErr
	})

	return nil
}

// ingest creates the root span, the coordinate action, and enqueues the
// pending entry for a single new event. Events that fail here are not
// marked processed, so a subsequent poll retries them while they remain
// visible upstream.
func (s *Stage) ingest(ctx context.Context, ev autopilot.Event) error {
	meta := autopilot.Meta{
		"eventId":       ev.ID,
		"type":          ev.Type,
		"repo":          ev.Repo,
		"issueNumber":   ev.IssueNumber,
		"prNumber":      ev.PRNumber,
		"isPullRequest": ev.IsPullRequest,
		"author":        ev.Author,
	}
	for k, v := range ev.Payload {
		meta[k] = v
	}

	root, err := causal.SpanWriter(s.store, autopilot.StepEvent, nil, meta)
	if err != nil {
		return fmt.Errorf("write root span: %w", err)
	}

	action, err := causal.ActionWriter(s.store, autopilot.ActionCoordinate, root.ID(), "", meta)
	if err != nil {
		return fmt.Errorf("write coordinate action: %w", err)
	}

	summary := fmt.Sprintf("%s on %s", ev.Type, ev.Repo)
	if err := causal.EnqueueAction(s.store, root.ID(), action, autopilot.StepEvent, summary); err != nil {
		return fmt.Errorf("enqueue coordinate action: %w", err)
	}

	return nil
}
