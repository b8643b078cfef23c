/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main is the argus agent binary.
//
// Subcommands:
//
//	run          watch the configured repositories (default)
//	verify-audit walk the audit chain and report the first break
//	rotate-key   rotate the HMAC signing key
//	report       print the tracked-issue and audit tables
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chainguard.dev/argus/forge"
	"chainguard.dev/argus/notify"
	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

type config struct {
	StatePath string `env:"ARGUS_STATE, default=argus.db"`
	ReposFile string `env:"ARGUS_REPOS, default=repos.yaml"`
	LogLevel  string `env:"ARGUS_LOG_LEVEL, default=info"`

	// GitHub authentication: a token, or app credentials.
	GitHubToken       string `env:"GITHUB_TOKEN"`
	GitHubAppID       int64  `env:"GITHUB_APP_ID"`
	GitHubInstallID   int64  `env:"GITHUB_INSTALLATION_ID"`
	GitHubAppKeyPath  string `env:"GITHUB_APP_KEY_PATH"`
	SelfUser          string `env:"ARGUS_SELF_USER, required"`

	// LLM provider: anthropic or gemini.
	Provider     string `env:"ARGUS_LLM_PROVIDER, default=anthropic"`
	ClaudeModel  string `env:"ARGUS_CLAUDE_MODEL"`
	GeminiModel  string `env:"ARGUS_GEMINI_MODEL"`
	GeminiAPIKey string `env:"GEMINI_API_KEY"`

	MaxConcurrent int           `env:"ARGUS_MAX_CONCURRENT, default=3"`
	MaxIterations int           `env:"ARGUS_MAX_ITERATIONS, default=5"`
	BranchPrefix  string        `env:"ARGUS_BRANCH_PREFIX, default=argus/"`
	StuckDeadline time.Duration `env:"ARGUS_STUCK_DEADLINE, default=2h"`
	DryRun        bool          `env:"ARGUS_DRY_RUN, default=false"`

	MetricsPort int `env:"METRICS_PORT, default=2112"`

	NotifyEnabled bool `env:"ARGUS_NOTIFY, default=false"`
	SMTP          notify.SMTPConfig
}

// reposFile is the YAML shape of the watched-repository list.
type reposFile struct {
	DefaultPollIntervalMinutes int          `yaml:"default_poll_interval_minutes"`
	Repos                      []forge.Repo `yaml:"repos"`
}

func loadRepos(path string) ([]forge.Repo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading repos file: %w", err)
	}
	var rf reposFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing repos file: %w", err)
	}
	if len(rf.Repos) == 0 {
		return nil, fmt.Errorf("repos file %s lists no repositories", path)
	}

	fallback := 5 * time.Minute
	if rf.DefaultPollIntervalMinutes >= 1 {
		fallback = time.Duration(rf.DefaultPollIntervalMinutes) * time.Minute
	}
	for i := range rf.Repos {
		if rf.Repos[i].Platform == "" {
			rf.Repos[i].Platform = forge.PlatformGitHub
		}
		if rf.Repos[i].PollInterval <= 0 {
			rf.Repos[i].PollInterval = fallback
		}
	}
	return rf.Repos, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}

	command := "run"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "run":
		if err := runAgent(ctx, &cfg); err != nil && ctx.Err() == nil {
			clog.FatalContextf(ctx, "run failed: %v", err)
		}
	case "verify-audit":
		if err := verifyAudit(ctx, &cfg); err != nil {
			clog.FatalContextf(ctx, "audit verification failed: %v", err)
		}
	case "rotate-key":
		if err := rotateKey(ctx, &cfg); err != nil {
			clog.FatalContextf(ctx, "key rotation failed: %v", err)
		}
	case "report":
		if err := printReport(ctx, &cfg); err != nil {
			clog.FatalContextf(ctx, "report failed: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q; expected run, verify-audit, rotate-key, or report\n", command)
		os.Exit(2)
	}
}

// repoKeys renders the watched set for startup logging.
func repoKeys(repos []forge.Repo) string {
	keys := make([]string, 0, len(repos))
	for _, r := range repos {
		keys = append(keys, r.Key())
	}
	return strings.Join(keys, ", ")
}
