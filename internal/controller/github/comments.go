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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// commentRequest is the body of a GitHub issue/PR comment creation call.
// GitHub treats pull requests as issues for commenting purposes, so both
// CommentIssue and CommentPR post to the same endpoint.
type commentRequest struct {
	Body string `json:"body"`
}

// CommentIssue posts body as a new comment on issue number in owner/repo.
func (c *Client) CommentIssue(ctx context.Context, owner, repo string, number int, body string) error {
	return c.postComment(ctx, owner, repo, number, body)
}

// CommentPR posts body as a new comment on pull request number in
// owner/repo. GitHub's REST API exposes PR comments through the issues
// endpoint.
func (c *Client) CommentPR(ctx context.Context, owner, repo string, number int, body string) error {
	return c.postComment(ctx, owner, repo, number, body)
}

func (c *Client) postComment(ctx context.Context, owner, repo string, number int, body string) error {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", c.baseURL, owner, repo, number)

	payload, err := json.Marshal(commentRequest{Body: body})
	if err != nil {
		return fmt.Errorf("failed to marshal comment body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post comment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)

		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("issue or pull request not found: %s/%s#%d", owner, repo, number)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("access denied posting comment to %s/%s#%d (check token permissions)", owner, repo, number)
		case http.StatusTooManyRequests:
			return fmt.Errorf("GitHub API rate limit exceeded posting comment (try again later)")
		default:
			return fmt.Errorf("GitHub API error posting comment (status %d): %s", resp.StatusCode, string(respBody))
		}
	}

	return nil
}
