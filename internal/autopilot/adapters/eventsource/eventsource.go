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

// Package eventsource implements adapters.EventSource against GitHub
// issues and pull requests, rate-limited so a slow or quota-limited
// upstream degrades the poller's own status instead of stalling it.
package eventsource

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/rover-autopilot/internal/autopilot"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
	"github.com/tombee/rover-autopilot/internal/controller/github"
)

// Source polls one repository's open issues and pull requests.
type Source struct {
	client      *github.Client
	owner, repo string
	limiter     *rate.Limiter
	since       time.Time
}

// New constructs a Source for owner/repo. ratePerSecond bounds how often
// FetchEvents is allowed to actually call out to GitHub; a burst of one
// keeps the poller's own tick cadence from exceeding it even if called
// more often than the limiter allows.
func New(client *github.Client, owner, repo string, ratePerSecond float64) *Source {
	return &Source{
		client:  client,
		owner:   owner,
		repo:    repo,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		since:   time.Now().Add(-time.Hour),
	}
}

// FetchEvents implements adapters.EventSource.
func (s *Source) FetchEvents(ctx context.Context, limit int) ([]autopilot.Event, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("eventsource: rate limit wait: %w", err)
	}

	activity, err := s.client.ListUpdatedIssues(ctx, s.owner, s.repo, s.since, limit)
	if err != nil {
		return nil, fmt.Errorf("eventsource: listing issues: %w", err)
	}

	events := make([]autopilot.Event, 0, len(activity))
	latest := s.since
	for _, item := range activity {
		// The issues listing does not say what changed, so every updated
		// item is reported as an opened event of its kind.
		eventType := "IssueOpened"
		if item.IsPullRequest {
			eventType = "PullRequestOpened"
		}
		ev := autopilot.Event{
			ID:            fmt.Sprintf("%s/%s#%d@%d", s.owner, s.repo, item.Number, item.UpdatedAt.Unix()),
			Type:          eventType,
			Repo:          s.owner + "/" + s.repo,
			IssueNumber:   item.Number,
			PRNumber:      item.Number,
			IsPullRequest: item.IsPullRequest,
			Author:        item.User.Login,
			Payload:       autopilot.Meta{"title": item.Title},
		}
		events = append(events, ev)
		if item.UpdatedAt.After(latest) {
			latest = item.UpdatedAt
		}
	}
	if latest.After(s.since) {
		s.since = latest.Add(time.Second)
	}
	return events, nil
}

var _ adapters.EventSource = (*Source)(nil)
