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

package metrics

import (
	"context"
	"time"

	"github.com/tombee/rover-autopilot/internal/autopilot/adapters"
)

// tracedAgent decorates an adapters.AIAgent with latency and outcome
// metrics, the way the teacher's TracedProvider wraps its own llm.Provider.
// adapters.AIAgent.Invoke doesn't surface token counts or cost, so those
// fields are recorded as zero here; only latency and status are real.
type tracedAgent struct {
	agent     adapters.AIAgent
	collector *Collector
	caller    string
}

// WrapAgent returns an adapters.AIAgent that records rover_agent_* metrics
// around every Invoke call before delegating to agent.
func WrapAgent(agent adapters.AIAgent, collector *Collector, caller string) adapters.AIAgent {
	if collector == nil {
		return agent
	}
	return &tracedAgent{agent: agent, collector: collector, caller: caller}
}

func (t *tracedAgent) Invoke(ctx context.Context, prompt string, opts adapters.CompletionOptions) (string, error) {
	start := time.Now()
	response, err := t.agent.Invoke(ctx, prompt, opts)
	status := "ok"
	if err != nil {
		status = "error"
	}
	t.collector.RecordAgentRequest(ctx, t.caller, status, 0, 0, 0, time.Since(start))
	return response, err
}
