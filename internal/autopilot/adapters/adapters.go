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

// Package adapters declares the interfaces the autopilot core consumes
// from external collaborators it does not implement itself: the AI agent,
// the task manager, the git porcelain, the sandbox executor, the hosting
// adapter, and the event source. Concrete implementations live in this
// package's subpackages or are supplied by the embedding host.
package adapters

import (
	"context"

	"github.com/tombee/rover-autopilot/internal/autopilot"
)

// CompletionOptions configures one AI agent invocation.
type CompletionOptions struct {
	// JSON, when true, tells the caller to parse the result as JSON.
	JSON bool

	// Model selects a provider-specific model name or tier.
	Model string

	// Cwd is the working directory the agent should reason about, if
	// relevant (e.g. repository-aware prompting).
	Cwd string

	// SystemPrompt overrides the default system prompt for this call.
	SystemPrompt string
}

// AIAgent is the one contract the core uses to get AI-assisted decisions:
// a function from prompt and options to a text response.
type AIAgent interface {
	Invoke(ctx context.Context, prompt string, opts CompletionOptions) (string, error)
}

// Task is the external task manager's view of one sandboxed unit of work.
type Task struct {
	ID            string
	Description   string
	Status        autopilot.TaskStatus
	Iteration     int
	BranchName    string
	BaseCommit    string
	Workspace     string
	ContainerID   string
	AgentImage    string
	Error         string
}

// TaskManager is the external collaborator that owns sandbox task
// lifecycle and metadata persistence. The core only reads and transitions
// tasks through this interface; it never manages container runtimes
// itself.
type TaskManager interface {
	CreateTask(ctx context.Context, description string) (Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context) ([]Task, error)

	MarkInProgress(ctx context.Context, id string) error
	MarkIterating(ctx context.Context, id string) error
	IncrementIteration(ctx context.Context, id string) error
	SetBaseCommit(ctx context.Context, id, commit string) error
	SetWorkspace(ctx context.Context, id, path string) error
	SetContainerInfo(ctx context.Context, id, containerID string) error
	SetAgentImage(ctx context.Context, id, image string) error
	ResetToNew(ctx context.Context, id string) error
	UpdateStatusFromIteration(ctx context.Context, id string, status autopilot.TaskStatus, errMessage string) error
}

// RebaseResult reports the outcome of rebasing a branch onto a ref.
type RebaseResult struct {
	Conflicted bool
	Conflicts  []string // paths with conflicts
}

// GitAdapter is the file-level git porcelain the core drives: worktree
// creation, committing, rebasing, pushing, and sparse-checkout. It is a
// thin command wrapper over the host's git binary; the core never
// reimplements git internals.
type GitAdapter interface {
	CreateWorktree(ctx context.Context, path, branch, baseBranch string) error
	CurrentBranch(ctx context.Context, repoPath string) (string, error)
	HeadCommit(ctx context.Context, repoPath string) (string, error)
	AddAndCommit(ctx context.Context, worktreePath, message string, attributionTrailer bool) error
	Push(ctx context.Context, worktreePath, branch string) error
	RebaseOnto(ctx context.Context, worktreePath, ref string) (RebaseResult, error)
	ContinueRebase(ctx context.Context, worktreePath string) error
	AbortRebase(ctx context.Context, worktreePath string) error
	Blame(ctx context.Context, worktreePath, file string) (string, error)
	ApplySparseCheckout(ctx context.Context, worktreePath string, excludePatterns []string) error
}

// SandboxHandle is a started sandbox, returned by a SandboxFactory.
type SandboxHandle interface {
	CreateAndStart(ctx context.Context) (containerID string, err error)
}

// SandboxOptions configures how a task's sandbox container is launched.
type SandboxOptions struct {
	AgentImage string
	Workspace  string
}

// SandboxFactory is the opaque executor the workflow stage asks to run a
// task: given a task and options it returns a handle whose
// CreateAndStart launches the container and reports its id.
type SandboxFactory interface {
	CreateSandbox(ctx context.Context, task Task, opts SandboxOptions) (SandboxHandle, error)
}

// HostingAdapter posts comments back to the code-hosting platform. It is
// the only operation the core needs from the hosting surface.
type HostingAdapter interface {
	CommentIssue(ctx context.Context, owner, repo string, number int, body string) error
	CommentPR(ctx context.Context, owner, repo string, number int, body string) error
}

// EventSource is the external activity feed the poller consumes.
// Dedup against previously seen ids is the Store's responsibility, not
// the adapter's.
type EventSource interface {
	FetchEvents(ctx context.Context, limit int) ([]autopilot.Event, error)
}
