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
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tombee/rover-autopilot/internal/config"
)

func newSecretsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Store credentials the daemon resolves at startup",
		Long: `rover-autopilot's config accepts "env:NAME", "keychain:KEY" and
"file:KEY" credential references (see internal/config.ResolveCredential).
This command writes the keychain/file-backed forms; env vars are set
by the shell, not here.`,
	}

	cmd.AddCommand(newSecretsSetCommand())
	return cmd
}

func newSecretsSetCommand() *cobra.Command {
	var useFile bool

	cmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Store a credential under key",
		Long: `Store a credential under key, in the OS keychain by default or the
encrypted file store with --file (for headless hosts with no Secret
Service). The value is read from stdin if piped, otherwise prompted for
with echo disabled.

Examples:
  rover-autopilot secrets set github-token
  echo "$TOKEN" | rover-autopilot secrets set github-token
  rover-autopilot secrets set providers/anthropic/api_key --file`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value, err := readSecretValue()
			if err != nil {
				return fmt.Errorf("reading secret value: %w", err)
			}
			if value == "" {
				return fmt.Errorf("empty secret value")
			}

			if useFile {
				if err := config.StoreCredentialInFile(key, value); err != nil {
					return fmt.Errorf("storing %q in file secret store: %w", key, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %q (reference: file:%s)\n", key, key)
				return nil
			}

			if err := config.StoreCredential(key, value); err != nil {
				return fmt.Errorf("storing %q in keychain: %w", key, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %q (reference: keychain:%s)\n", key, key)
			return nil
		},
	}

	cmd.Flags().BoolVar(&useFile, "file", false, "Use the encrypted file store instead of the OS keychain")
	return cmd
}

// readSecretValue reads from stdin if it's a pipe, otherwise prompts
// interactively with input echo disabled.
func readSecretValue() (string, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}

	if (stat.Mode() & os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	fmt.Print("Enter secret value (hidden): ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bytePassword)), nil
}
