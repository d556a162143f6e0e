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

// Package llmagent adapts internal/llm's ProviderAdapter to the
// autopilot's narrow AIAgent contract: invoke(prompt, options) -> string.
package llmagent

import (
	"context"
	"fmt"
	"strings"

	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
	internalllm "github.com/tombee/rover-autopilot/internal/llm"
	"github.com/tombee/rover-autopilot/internal/mcp"
)

// ContextTool names an MCP tool call the agent makes before every
// Invoke to fetch additional repo context (spec.md §4.4 step 2's
// "optional fetched context"), and how to shape that request from the
// prompt the coordinator/planner stage is about to send.
type ContextTool struct {
	Server    string
	Tool      string
	Arguments func(prompt string) map[string]interface{}
}

// Agent wraps a ProviderAdapter, translating the autopilot's
// CompletionOptions into the options map the adapter expects. An
// optional MCP manager and ContextTool let it prepend fetched context
// to the prompt instead of sending it to the provider unmodified.
type Agent struct {
	provider    *internalllm.ProviderAdapter
	mcpManager  mcp.MCPManagerProvider
	contextTool *ContextTool
}

// New wraps provider as an adapters.AIAgent.
func New(provider *internalllm.ProviderAdapter) *Agent {
	return &Agent{provider: provider}
}

// WithMCPContext enables the optional MCP tool-calling context-fetch
// path: before every Invoke, tool is called against manager's named
// server and its text content is prepended to the prompt. A fetch
// failure is logged-equivalent (returned as a prefixed comment in the
// prompt, not a hard error) so a misbehaving MCP server never blocks
// the agent from running at all.
func (a *Agent) WithMCPContext(manager mcp.MCPManagerProvider, tool ContextTool) *Agent {
	a.mcpManager = manager
	a.contextTool = &tool
	return a
}

// Invoke implements adapters.AIAgent.
func (a *Agent) Invoke(ctx context.Context, prompt string, opts adapters.CompletionOptions) (string, error) {
	prompt = a.withFetchedContext(ctx, prompt)

	options := map[string]interface{}{}
	if opts.Model != "" {
		options["model"] = opts.Model
	}
	if opts.SystemPrompt != "" {
		options["system"] = opts.SystemPrompt
	}
	return a.provider.Complete(ctx, prompt, options)
}

func (a *Agent) withFetchedContext(ctx context.Context, prompt string) string {
	if a.mcpManager == nil || a.contextTool == nil {
		return prompt
	}

	client, err := a.mcpManager.GetClient(a.contextTool.Server)
	if err != nil {
		return prompt
	}

	resp, err := client.CallTool(ctx, mcp.ToolCallRequest{
		Name:      a.contextTool.Tool,
		Arguments: a.contextTool.Arguments(prompt),
	})
	if err != nil || resp.IsError {
		return prompt
	}

	var fetched strings.Builder
	for _, item := range resp.Content {
		if item.Type == "text" && item.Text != "" {
			fetched.WriteString(item.Text)
			fetched.WriteByte('\n')
		}
	}
	if fetched.Len() == 0 {
		return prompt
	}

	return fmt.Sprintf("Additional context:\n%s\n---\n%s", fetched.String(), prompt)
}

var _ adapters.AIAgent = (*Agent)(nil)
