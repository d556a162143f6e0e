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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/rover-autopilot/internal/autopilot"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters/eventsource"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters/gitcmd"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters/hosting"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters/llmagent"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters/sandbox"
	"github.com/tombee/rover-autopilot/internal/autopilot/adapters/tasks"
	"github.com/tombee/rover-autopilot/internal/autopilot/committer"
	"github.com/tombee/rover-autopilot/internal/autopilot/launch"
	"github.com/tombee/rover-autopilot/internal/autopilot/runtime"
	"github.com/tombee/rover-autopilot/internal/config"
	"github.com/tombee/rover-autopilot/internal/controller/github"
	internalllm "github.com/tombee/rover-autopilot/internal/llm"
	"github.com/tombee/rover-autopilot/internal/log"
	"github.com/tombee/rover-autopilot/internal/tracing"
)

type runFlags struct {
	configPath    string
	dataDir       string
	projectID     string
	repoPath      string
	repoSlug      string
	githubToken   string
	providerName  string
	pollRate      float64
	metricsAddr   string
	attribution   bool
	sparseExclude []string
}

func newRunCommand() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the autopilot daemon and poll for work",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(f)
		},
	}

	registerRunFlags(cmd.Flags(), &f)

	return cmd
}

// registerRunFlags binds f's fields to flags, taking *pflag.FlagSet
// explicitly (rather than cmd.Flags()'s result inline) so sparse-exclude
// can use pflag's native StringSliceVar instead of a manual
// strings.Split on a single string flag.
func registerRunFlags(flags *pflag.FlagSet, f *runFlags) {
	flags.StringVarP(&f.configPath, "config", "c", "", "Path to config file (default: XDG config path)")
	flags.StringVar(&f.dataDir, "data-dir", "", "Root of the on-disk project state tree")
	flags.StringVar(&f.projectID, "project", "default", "Project id, namespaces state under data-dir")
	flags.StringVar(&f.repoPath, "repo", ".", "Path to the local git checkout the autopilot operates on")
	flags.StringVar(&f.repoSlug, "github-repo", "", "owner/repo to poll for issue and pull request activity")
	flags.StringVar(&f.githubToken, "github-token", "", "GitHub token (falls back to GITHUB_TOKEN env var)")
	flags.StringVar(&f.providerName, "provider", "", "Provider instance name from config.providers to use as the AI agent")
	flags.Float64Var(&f.pollRate, "poll-rate", 0.5, "Max event-source polls per second")
	flags.StringVar(&f.metricsAddr, "metrics-addr", ":9090", "Address to serve /metrics on; empty disables it")
	flags.BoolVar(&f.attribution, "attribution-trailer", true, "Append an attribution trailer to autopilot commits")
	flags.StringSliceVar(&f.sparseExclude, "sparse-exclude", nil, "doublestar globs excluded from task worktrees")
}

func runDaemon(f runFlags) error {
	levelVar := new(slog.LevelVar)
	logCfg := log.FromEnv()
	logCfg.LevelVar = levelVar
	logger := log.New(logCfg)
	slog.SetDefault(logger)

	if f.configPath == "" {
		defaultPath, err := config.ConfigPath()
		if err != nil {
			return fmt.Errorf("resolving default config path: %w", err)
		}
		f.configPath = defaultPath
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	watcher, err := autopilot.WatchConfig(f.configPath, logger, func(reloaded *config.Config) {
		levelVar.Set(log.ParseLevel(reloaded.Log.Level))
		logger.Info("applied reloaded log level", log.String("level", reloaded.Log.Level))
	})
	if err != nil {
		logger.Warn("config hot-reload disabled", log.Error(err))
	} else {
		defer watcher.Close()
	}

	if f.dataDir == "" {
		f.dataDir = cfg.Autopilot.DataDir
	}
	if f.dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory for default data-dir: %w", err)
		}
		f.dataDir = filepath.Join(home, ".local", "share", "rover")
	}

	if f.githubToken == "" {
		f.githubToken = os.Getenv("GITHUB_TOKEN")
	}

	ghClient := github.NewClient(github.Config{Token: f.githubToken})

	owner, repo, ok := strings.Cut(f.repoSlug, "/")
	if !ok {
		return fmt.Errorf("--github-repo must be in owner/repo form, got %q", f.repoSlug)
	}
	eventSource := eventsource.New(ghClient, owner, repo, f.pollRate)

	taskStore, err := tasks.Open(filepath.Join(f.dataDir, f.projectID, "tasks.db"))
	if err != nil {
		return fmt.Errorf("opening task store: %w", err)
	}
	defer taskStore.Close()

	agent, err := buildAgent(cfg, f.providerName)
	if err != nil {
		return fmt.Errorf("constructing AI agent: %w", err)
	}

	ap, err := runtime.New(runtime.Config{
		DataDir:     f.dataDir,
		ProjectID:   f.projectID,
		MaxLogBytes: cfg.Autopilot.LogRotateMaxBytes,
		LogKeep:     cfg.Autopilot.LogRotateKeep,

		EventSource: eventSource,
		TaskManager: taskStore,
		Git:         gitcmd.New(),
		Sandboxes:   sandbox.NewStub(),
		Hosting:     hosting.New(ghClient),
		Agent:       agent,

		Launch: launch.Options{
			RepoPath:        f.repoPath,
			WorktreeRoot:    filepath.Join(f.dataDir, f.projectID, "worktrees"),
			AgentImage:      "rover-autopilot/agent:latest",
			SparseExcludes:  f.sparseExclude,
			MaxRunningTasks: cfg.Autopilot.MaxConcurrentSandboxes,
		},
		Committer: committer.Options{
			AttributionTrailer: f.attribution,
			ConflictProbeFiles: true,
		},

		PollRatePerSecond: f.pollRate,
		Tracing:           tracing.Config{Enabled: true, ServiceName: "rover-autopilot", ServiceVersion: version},
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("constructing autopilot runtime: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ap.Start(ctx)
	logger.Info("rover-autopilot started", log.String("project", f.projectID), log.String("data_dir", f.dataDir))

	var metricsServer *http.Server
	if f.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", ap.MetricsHandler())
		metricsServer = &http.Server{Addr: f.metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", log.Error(err))
			}
		}()
		logger.Info("serving metrics", log.String("addr", f.metricsAddr))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", log.String("signal", sig.String()))

	cancel()
	ap.Stop(15 * time.Second)
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

// buildAgent resolves providerName (or the first configured provider, if
// none was given) through internal/llm's provider factory and wraps it as
// an adapters.AIAgent via the teacher's own ProviderAdapter.
func buildAgent(cfg *config.Config, providerName string) (*llmagent.Agent, error) {
	if providerName == "" {
		for name := range cfg.Providers {
			providerName = name
			break
		}
	}
	if providerName == "" {
		return nil, fmt.Errorf("no providers configured; set providers.<name> in config or pass --provider")
	}

	provider, err := internalllm.CreateProvider(cfg, providerName)
	if err != nil {
		return nil, fmt.Errorf("constructing provider %q: %w", providerName, err)
	}
	return llmagent.New(internalllm.NewProviderAdapter(provider)), nil
}
