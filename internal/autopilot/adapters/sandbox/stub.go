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

// Package sandbox provides SandboxFactory implementations. The core never
// manages container runtimes itself (a stated non-goal); these are thin
// clients against an opaque executor.
package sandbox

import (
	"context"

	"github.com/google/uuid"

	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
)

// Stub is a deterministic, in-memory SandboxFactory for tests: it never
// starts a real container, it just mints a container id.
type Stub struct{}

// NewStub constructs a Stub factory.
func NewStub() *Stub { return &Stub{} }

type stubHandle struct{}

// CreateAndStart implements adapters.SandboxHandle.
func (stubHandle) CreateAndStart(ctx context.Context) (string, error) {
	return "stub-" + uuid.NewString(), nil
}

// CreateSandbox implements adapters.SandboxFactory.
func (s *Stub) CreateSandbox(ctx context.Context, task adapters.Task, opts adapters.SandboxOptions) (adapters.SandboxHandle, error) {
	return stubHandle{}, nil
}

var _ adapters.SandboxFactory = (*Stub)(nil)
