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

package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// IssueActivity is one open issue or pull request that has changed since
// a given time, along with the login that most recently touched it.
type IssueActivity struct {
	Number        int    `json:"number"`
	Title         string `json:"title"`
	IsPullRequest bool   `json:"-"`
	User          struct {
		Login string `json:"login"`
	} `json:"user"`
	UpdatedAt time.Time `json:"updated_at"`
	// PullRequest is non-nil when GitHub's issues endpoint reports this
	// item as a pull request; its presence, not its contents, is what
	// this adapter cares about.
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

// ListUpdatedIssues lists open issues and pull requests in owner/repo
// updated at or after since, newest first, the shape the event poller
// diffs against its own cursor.
func (c *Client) ListUpdatedIssues(ctx context.Context, owner, repo string, since time.Time, limit int) ([]IssueActivity, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues?state=open&sort=updated&direction=desc&per_page=%d&since=%s",
		c.baseURL, owner, repo, limit, since.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GitHub API error (status %d): %s", resp.StatusCode, string(body))
	}

	var items []IssueActivity
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	for i := range items {
		items[i].IsPullRequest = items[i].PullRequest != nil
	}
	return items, nil
}
