/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"chainguard.dev/argus/auditlog"
	"chainguard.dev/argus/forge"
	"chainguard.dev/argus/forge/githubforge"
	"chainguard.dev/argus/identity"
	"chainguard.dev/argus/llm"
	"chainguard.dev/argus/llm/claudellm"
	"chainguard.dev/argus/llm/geminillm"
	"chainguard.dev/argus/metrics"
	"chainguard.dev/argus/notify"
	"chainguard.dev/argus/pipeline"
	"chainguard.dev/argus/pipeline/analyzer"
	"chainguard.dev/argus/pipeline/comments"
	"chainguard.dev/argus/report"
	"chainguard.dev/argus/stamp"
	"chainguard.dev/argus/store/sqlitestore"
	"chainguard.dev/argus/threat"
	"chainguard.dev/argus/trust"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/genai"
)

// nonceSaveInterval bounds how much replay state a crash can lose.
const nonceSaveInterval = 5 * time.Minute

// core is the persistence and identity substrate shared by every
// subcommand.
type core struct {
	db     *sqlitestore.Store
	keys   *identity.Manager
	stamps *stamp.Manager
	audit  *auditlog.Log
}

// openCore opens the store and identity. create controls whether a
// missing signing key is generated; only run does that.
func openCore(ctx context.Context, cfg *config, create bool) (*core, error) {
	db, err := sqlitestore.Open(ctx, cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	keys, err := identity.Open(ctx, db, db, create)
	if err != nil {
		db.Close()
		if errors.Is(err, identity.ErrNoKey) {
			return nil, fmt.Errorf("no identity at %s; start the agent with `argus run` first: %w", cfg.StatePath, err)
		}
		return nil, fmt.Errorf("opening identity: %w", err)
	}

	nonces := stamp.NewNonceRegistry()
	if err := nonces.Load(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading nonce registry: %w", err)
	}

	audit, err := auditlog.Open(ctx, db, keys)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	return &core{
		db:     db,
		keys:   keys,
		stamps: stamp.NewManager(keys, nonces),
		audit:  audit,
	}, nil
}

// newLLM builds the configured model client.
func newLLM(ctx context.Context, cfg *config) (llm.Interface, error) {
	switch cfg.Provider {
	case "anthropic":
		var opts []claudellm.Option
		if cfg.ClaudeModel != "" {
			opts = append(opts, claudellm.WithModel(cfg.ClaudeModel))
		}
		// The SDK reads ANTHROPIC_API_KEY from the environment.
		return claudellm.New(anthropic.NewClient(), opts...)
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.GeminiAPIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("creating gemini client: %w", err)
		}
		var opts []geminillm.Option
		if cfg.GeminiModel != "" {
			opts = append(opts, geminillm.WithModel(cfg.GeminiModel))
		}
		return geminillm.New(client, opts...)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}

// newForge builds the GitHub client from whichever credential is
// configured.
func newForge(ctx context.Context, cfg *config) (forge.Interface, error) {
	if cfg.GitHubToken != "" {
		return githubforge.NewWithToken(ctx, cfg.GitHubToken)
	}
	if cfg.GitHubAppID != 0 {
		return githubforge.NewWithApp(cfg.GitHubAppID, cfg.GitHubInstallID, cfg.GitHubAppKeyPath)
	}
	return nil, errors.New("either GITHUB_TOKEN or GITHUB_APP_ID credentials are required")
}

func runAgent(ctx context.Context, cfg *config) error {
	log := clog.FromContext(ctx)

	repos, err := loadRepos(cfg.ReposFile)
	if err != nil {
		return err
	}

	c, err := openCore(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer c.db.Close()

	if c.keys.RotationRecommended() {
		log.With("age", c.keys.KeyAge().String()).
			Warn("Signing key is past the recommended service age; run `argus rotate-key`")
	}

	client, err := newLLM(ctx, cfg)
	if err != nil {
		return err
	}

	gh, err := newForge(ctx, cfg)
	if err != nil {
		return err
	}
	if scopes, err := gh.ValidateTokenScopes(ctx); err != nil {
		log.With("error", err).Warn("Token scope introspection failed")
	} else {
		log.With("scopes", scopes).Info("Forge credential validated")
	}
	if cfg.DryRun {
		log.Warn("Dry-run enabled: all forge writes are suppressed")
		gh = forge.DryRun(gh)
	}

	// Moderation counts recorded by the comment handler feed the trust
	// resolver through the ledger decorator.
	ledger := comments.NewLedger(c.db)
	fg := comments.WithLedger(gh, ledger)

	resolver := trust.NewResolver(fg)
	classifier := threat.NewClassifier(client)
	handler := comments.New(fg, classifier, resolver, c.stamps, c.audit, ledger, cfg.SelfUser)
	scorer := analyzer.New(fg, client, resolver, c.stamps)

	orch := pipeline.New(pipeline.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxIterations: cfg.MaxIterations,
		BranchPrefix:  cfg.BranchPrefix,
		StuckDeadline: cfg.StuckDeadline,
		SelfUser:      cfg.SelfUser,
	}, pipeline.Deps{
		Forge:    fg,
		Client:   client,
		KV:       c.db,
		Stamps:   c.stamps,
		Audit:    c.audit,
		Notifier: newNotifier(ctx, cfg),
		Metrics:  metrics.NewPipeline("chainguard.dev/argus"),
		Comments: handler,
		Analyzer: scorer,
	})

	go serveMetrics(ctx, cfg.MetricsPort)
	go persistNonces(ctx, c)

	log.With("instance", c.keys.ShortID()).With("repos", repoKeys(repos)).Info("Starting agent")
	err = orch.Run(ctx, repos)

	// Flush replay state before exit regardless of how the run ended.
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := c.stamps.Nonces().Save(saveCtx, c.db); serr != nil {
		log.With("error", serr).Error("Failed to persist nonce registry on shutdown")
	}
	dumpActivity(orch)
	return err
}

func newNotifier(ctx context.Context, cfg *config) notify.Notifier {
	notifiers := notify.Multi{notify.LogNotifier{}}
	if cfg.NotifyEnabled {
		smtp, err := notify.NewSMTP(cfg.SMTP)
		if err != nil {
			clog.FromContext(ctx).With("error", err).Warn("SMTP notifier misconfigured, logging only")
		} else {
			notifiers = append(notifiers, smtp)
		}
	}
	return notifiers
}

// serveMetrics exposes the Prometheus scrape endpoint.
func serveMetrics(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		clog.FromContext(ctx).With("error", err).Error("Metrics server failed")
	}
}

// persistNonces periodically prunes and saves the nonce registry.
func persistNonces(ctx context.Context, c *core) {
	ticker := time.NewTicker(nonceSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.stamps.Nonces().Prune(time.Now())
			if err := c.stamps.Nonces().Save(ctx, c.db); err != nil {
				clog.FromContext(ctx).With("error", err).Warn("Failed to persist nonce registry")
			}
		}
	}
}

// dumpActivity prints the session's activity feed on shutdown.
func dumpActivity(orch *pipeline.Orchestrator) {
	entries := orch.Activity().Recent(50)
	if len(entries) == 0 {
		return
	}
	report.Activity(os.Stdout, entries)
}

func verifyAudit(ctx context.Context, cfg *config) error {
	c, err := openCore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer c.db.Close()

	res, err := c.audit.Verify(ctx)
	if err != nil {
		if res != nil {
			fmt.Printf("audit chain BROKEN at entry %s: %s (%d entries walked)\n",
				res.BrokenAt, res.Reason, res.Entries)
		}
		return err
	}
	fmt.Printf("audit chain intact: %d entries verified\n", res.Entries)
	return nil
}

func rotateKey(ctx context.Context, cfg *config) error {
	c, err := openCore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer c.db.Close()

	if err := c.keys.Rotate(ctx); err != nil {
		return err
	}
	if _, err := c.audit.Append(ctx, auditlog.Record{
		Action:   auditlog.ActionKeyRotation,
		Decision: "rotated",
		Details:  "operator-initiated key rotation",
	}); err != nil {
		return fmt.Errorf("auditing rotation: %w", err)
	}
	fmt.Println("signing key rotated; previous key retained for verification grace")
	return nil
}

func printReport(ctx context.Context, cfg *config) error {
	c, err := openCore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer c.db.Close()

	repos, err := loadRepos(cfg.ReposFile)
	if err != nil {
		return err
	}

	fmt.Printf("# Argus report — instance %s\n\n", c.keys.ShortID())
	for _, repo := range repos {
		issues, err := pipeline.LoadTrackedIssues(ctx, c.db, repo)
		if err != nil {
			return err
		}
		fmt.Printf("\n# %s\n\n", repo.Key())
		if err := report.Issues(os.Stdout, issues); err != nil {
			return err
		}
	}
	fmt.Println()
	return report.Audit(ctx, os.Stdout, c.audit, 50)
}
