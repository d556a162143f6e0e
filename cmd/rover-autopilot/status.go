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

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/rover-autopilot/internal/autopilot/adapters/tasks"
	"github.com/tombee/rover-autopilot/internal/config"
)

func newStatusCommand() *cobra.Command {
	var (
		dataDir   string
		projectID string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded tasks from a (possibly running) daemon's state",
		Long: `status opens the same sqlite task store the daemon writes to and
prints a summary. It does not talk to a running process directly — the
daemon has no control socket — so this is safe to run concurrently with
"rover-autopilot run" and reflects whatever was last committed to disk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataDir == "" {
				cfg, err := config.LoadDefault()
				if err == nil {
					dataDir = cfg.Autopilot.DataDir
				}
			}
			if dataDir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("resolving home directory for default data-dir: %w", err)
				}
				dataDir = filepath.Join(home, ".local", "share", "rover")
			}

			store, err := tasks.Open(filepath.Join(dataDir, projectID, "tasks.db"))
			if err != nil {
				return fmt.Errorf("opening task store: %w", err)
			}
			defer store.Close()

			all, err := store.ListTasks(context.Background())
			if err != nil {
				return fmt.Errorf("listing tasks: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(all) == 0 {
				fmt.Fprintln(out, "no tasks recorded")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tITERATION\tBRANCH\tERROR")
			for _, t := range all {
				errCol := t.Error
				if errCol == "" {
					errCol = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", t.ID, t.Status, t.Iteration, t.BranchName, errCol)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Root of the on-disk project state tree")
	cmd.Flags().StringVar(&projectID, "project", "default", "Project id, namespaces state under data-dir")

	return cmd
}
