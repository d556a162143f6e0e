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

// Package hosting adapts the GitHub client to the autopilot's narrow
// HostingAdapter contract (comment issue|pr), and provides a GitHub App
// installation-token auth path as an alternative to a bare PAT.
package hosting

import (
	"context"

	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
	"github.com/tombee/rover-autopilot/internal/controller/github"
)

// Adapter wraps a github.Client as an adapters.HostingAdapter.
type Adapter struct {
	client *github.Client
}

// New wraps client.
func New(client *github.Client) *Adapter {
	return &Adapter{client: client}
}

// CommentIssue implements adapters.HostingAdapter.
func (a *Adapter) CommentIssue(ctx context.Context, owner, repo string, number int, body string) error {
	return a.client.CommentIssue(ctx, owner, repo, number, body)
}

// CommentPR implements adapters.HostingAdapter.
func (a *Adapter) CommentPR(ctx context.Context, owner, repo string, number int, body string) error {
	return a.client.CommentPR(ctx, owner, repo, number, body)
}

var _ adapters.HostingAdapter = (*Adapter)(nil)
