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

// Command rover-autopilot runs the autonomous issue-to-PR loop: poll,
// plan, implement, commit and push, continuously. "run" is the daemon
// entrypoint; "status" and "secrets" are thin inspection/setup commands
// around the same on-disk state, not a TUI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rover-autopilot",
		Short: "Rover autopilot - autonomous issue-to-PR loop",
		Long: `rover-autopilot polls a GitHub repository for actionable issues,
plans and implements each one in an isolated sandbox, and pushes the
result as a pull request without a human in the loop for the happy path.

Run 'rover-autopilot run' to start the daemon.
Run 'rover-autopilot status' to inspect tasks the daemon has recorded.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newSecretsCommand())

	return cmd
}
