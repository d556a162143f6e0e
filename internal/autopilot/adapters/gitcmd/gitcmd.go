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

// Package gitcmd is a thin exec.Command wrapper over the host git binary,
// the concrete GitAdapter used by tests and by a single-host deployment.
// It never reimplements git porcelain; it only shells out to it.
package gitcmd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
)

// Adapter shells out to the git binary found on PATH.
type Adapter struct {
	// AttributionTrailer is appended to commit messages when the caller
	// requests attribution, per project config.
	AttributionTrailer string
}

// New constructs an Adapter with the default attribution trailer text.
func New() *Adapter {
	return &Adapter{AttributionTrailer: "Co-authored-by: rover-autopilot <autopilot@rover.dev>"}
}

func (a *Adapter) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// CreateWorktree implements adapters.GitAdapter.
func (a *Adapter) CreateWorktree(ctx context.Context, path, branch, baseBranch string) error {
	_, err := a.run(ctx, ".", "worktree", "add", "-b", branch, path, baseBranch)
	return err
}

// CurrentBranch implements adapters.GitAdapter.
func (a *Adapter) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	out, err := a.run(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	return strings.TrimSpace(out), err
}

// HeadCommit implements adapters.GitAdapter.
func (a *Adapter) HeadCommit(ctx context.Context, repoPath string) (string, error) {
	out, err := a.run(ctx, repoPath, "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

// AddAndCommit implements adapters.GitAdapter.
func (a *Adapter) AddAndCommit(ctx context.Context, worktreePath, message string, attributionTrailer bool) error {
	if _, err := a.run(ctx, worktreePath, "add", "-A"); err != nil {
		return err
	}
	if attributionTrailer && a.AttributionTrailer != "" {
		message = message + "\n\n" + a.AttributionTrailer
	}
	_, err := a.run(ctx, worktreePath, "commit", "-m", message)
	return err
}

// Push implements adapters.GitAdapter.
func (a *Adapter) Push(ctx context.Context, worktreePath, branch string) error {
	_, err := a.run(ctx, worktreePath, "push", "origin", branch)
	return err
}

// RebaseOnto implements adapters.GitAdapter.
func (a *Adapter) RebaseOnto(ctx context.Context, worktreePath, ref string) (adapters.RebaseResult, error) {
	_, err := a.run(ctx, worktreePath, "rebase", ref)
	if err == nil {
		return adapters.RebaseResult{}, nil
	}

	out, listErr := a.run(ctx, worktreePath, "diff", "--name-only", "--diff-filter=U")
	if listErr != nil {
		return adapters.RebaseResult{}, err
	}

	var conflicts []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			conflicts = append(conflicts, line)
		}
	}
	return adapters.RebaseResult{Conflicted: true, Conflicts: conflicts}, nil
}

// ContinueRebase implements adapters.GitAdapter.
func (a *Adapter) ContinueRebase(ctx context.Context, worktreePath string) error {
	_, err := a.run(ctx, worktreePath, "rebase", "--continue")
	return err
}

// AbortRebase implements adapters.GitAdapter.
func (a *Adapter) AbortRebase(ctx context.Context, worktreePath string) error {
	_, err := a.run(ctx, worktreePath, "rebase", "--abort")
	return err
}

// Blame implements adapters.GitAdapter.
func (a *Adapter) Blame(ctx context.Context, worktreePath, file string) (string, error) {
	return a.run(ctx, worktreePath, "blame", file)
}

// ApplySparseCheckout implements adapters.GitAdapter. excludePatterns are
// doublestar glob patterns; git's own sparse-checkout cone/non-cone
// pattern syntax is a superset of gitignore globs, so patterns are
// validated with doublestar before being written to the sparse-checkout
// file to catch malformed globs early rather than at a confusing git
// failure.
func (a *Adapter) ApplySparseCheckout(ctx context.Context, worktreePath string, excludePatterns []string) error {
	if len(excludePatterns) == 0 {
		return nil
	}

	for _, pattern := range excludePatterns {
		if _, err := doublestar.Match(pattern, "probe"); err != nil {
			return fmt.Errorf("invalid sparse-checkout exclude pattern %q: %w", pattern, err)
		}
	}

	if _, err := a.run(ctx, worktreePath, "sparse-checkout", "init", "--no-cone"); err != nil {
		return err
	}

	args := append([]string{"sparse-checkout", "set", "/*"}, negate(excludePatterns)...)
	_, err := a.run(ctx, worktreePath, args...)
	return err
}

// negate prefixes each pattern with "!" so it reads as a gitignore-style
// exclusion in the sparse-checkout pattern file.
func negate(patterns []string) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = "!" + p
	}
	return out
}

var _ adapters.GitAdapter = (*Adapter)(nil)
