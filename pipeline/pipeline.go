/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package pipeline is the orchestrator: it polls watched repositories,
// drives each tracked issue through the evaluation/coding/PR state
// machine, sweeps PR comments for moderation and acknowledgment, and
// audits every consequential step. The agent opens pull requests; it
// never merges them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chainguard.dev/argus/auditlog"
	"chainguard.dev/argus/forge"
	"chainguard.dev/argus/llm"
	"chainguard.dev/argus/metrics"
	"chainguard.dev/argus/notify"
	"chainguard.dev/argus/pipeline/analyzer"
	"chainguard.dev/argus/pipeline/chaindetect"
	"chainguard.dev/argus/pipeline/coder"
	"chainguard.dev/argus/pipeline/comments"
	"chainguard.dev/argus/pipeline/editdetect"
	"chainguard.dev/argus/pipeline/evaluator"
	"chainguard.dev/argus/pipeline/investigator"
	"chainguard.dev/argus/stamp"
	"chainguard.dev/argus/store"
	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxConcurrent bounds simultaneously active issue flows.
	DefaultMaxConcurrent = 3
	// DefaultPollInterval is used when a repo descriptor does not set one.
	DefaultPollInterval = 5 * time.Minute
	// DefaultBranchPrefix prefixes work branches.
	DefaultBranchPrefix = "argus/"
	// bootstrapWindow is how far back the first poll of a repo reaches.
	bootstrapWindow = 24 * time.Hour
	// DefaultStuckDeadline is the watchdog cutoff for issues lingering in
	// a non-terminal working state.
	DefaultStuckDeadline = 2 * time.Hour

	// LabelLowConfidenceOverride marks rejections flipped to approval.
	LabelLowConfidenceOverride = "argus:low-confidence-override"

	// lowConfidenceCutoff is the rejection-override threshold.
	lowConfidenceCutoff = 0.7
)

// ErrStopped is returned from Run after an emergency stop.
var ErrStopped = errors.New("emergency stop")

// Config tunes the orchestrator.
type Config struct {
	MaxConcurrent int
	MaxIterations int
	BranchPrefix  string
	StuckDeadline time.Duration
	// SelfUser is the agent's forge login, used for the last-word rule
	// and self-comment skipping.
	SelfUser string
}

func (c *Config) defaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = coder.DefaultMaxIterations
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if c.StuckDeadline <= 0 {
		c.StuckDeadline = DefaultStuckDeadline
	}
}

// Orchestrator wires the whole pipeline together.
type Orchestrator struct {
	cfg     Config
	forge   forge.Interface
	stamps  *stamp.Manager
	audit   *auditlog.Log
	notify  notify.Notifier
	metrics *metrics.Pipeline

	tracker      *tracker
	evaluator    *evaluator.Evaluator
	investigator *investigator.Investigator
	coder        *coder.Coder
	editdetect   *editdetect.Detector
	analyzer     *analyzer.Analyzer
	comments     *comments.Handler
	chains       *chaindetect.Detector
	acks         *chaindetect.AckLimiter
	activity     *ActivityLog

	// prSweep tracks the last PR-comment sweep per repo; only comments
	// newer than this are examined.
	sweepMu sync.Mutex
	prSweep map[string]time.Time

	stop chan struct{}
}

// Deps collects the orchestrator's collaborators. The forge should
// already be wrapped for dry-run and ledger merging as configured.
type Deps struct {
	Forge    forge.Interface
	Client   llm.Interface
	KV       store.KV
	Stamps   *stamp.Manager
	Audit    *auditlog.Log
	Notifier notify.Notifier
	Metrics  *metrics.Pipeline
	Comments *comments.Handler
	Analyzer *analyzer.Analyzer
}

// New assembles an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg.defaults()
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Orchestrator{
		cfg:          cfg,
		forge:        deps.Forge,
		stamps:       deps.Stamps,
		audit:        deps.Audit,
		notify:       notifier,
		metrics:      deps.Metrics,
		tracker:      &tracker{kv: deps.KV},
		evaluator:    evaluator.New(deps.Forge, deps.Client),
		investigator: investigator.New(deps.Forge, deps.Client),
		coder:        coder.New(deps.Forge, deps.Client, deps.Audit, cfg.MaxIterations),
		editdetect:   editdetect.New(deps.Forge, deps.Audit),
		analyzer:     deps.Analyzer,
		comments:     deps.Comments,
		chains:       chaindetect.New(deps.Forge),
		acks:         chaindetect.DefaultAckLimiter(),
		activity:     NewActivityLog(),
		prSweep:      make(map[string]time.Time),
		stop:         make(chan struct{}),
	}
}

// Activity exposes the recent-events feed.
func (o *Orchestrator) Activity() *ActivityLog { return o.activity }

// EmergencyStop halts all polling. Side effects already committed to the
// forge stay in place; nothing is rolled back.
func (o *Orchestrator) EmergencyStop(ctx context.Context) {
	select {
	case <-o.stop:
		return
	default:
		close(o.stop)
	}
	if _, err := o.audit.Append(ctx, auditlog.Record{
		Action:   auditlog.ActionEmergencyStop,
		Decision: "stopped",
		Details:  "operator emergency stop",
	}); err != nil {
		clog.FromContext(ctx).With("error", err).Error("Failed to audit emergency stop")
	}
}

// Run polls each repo on its own schedule until the context is cancelled
// or an emergency stop fires. The first tick is immediate.
func (o *Orchestrator) Run(ctx context.Context, repos []forge.Repo) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, repo := range repos {
		group.Go(func() error {
			return o.runRepo(ctx, repo)
		})
	}
	return group.Wait()
}

func (o *Orchestrator) runRepo(ctx context.Context, repo forge.Repo) error {
	log := clog.FromContext(ctx).With("repo", repo.Key())
	ctx = clog.WithLogger(ctx, log)

	interval := repo.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	for {
		o.tick(ctx, repo)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stop:
			log.Info("Emergency stop, halting repo loop")
			return ErrStopped
		case <-time.After(interval):
		}
	}
}

// tick is one scheduler round: poll, drain one pending issue, sweep PR
// comments, and run the watchdog. Errors are logged, never fatal to the
// loop.
func (o *Orchestrator) tick(ctx context.Context, repo forge.Repo) {
	log := clog.FromContext(ctx)

	if n, err := o.Poll(ctx, repo); err != nil {
		log.With("error", err).Error("Poll failed")
		o.activity.Add(MarkerError, repo.Key(), "poll failed: %v", err)
	} else if n > 0 {
		o.activity.Add(MarkerPoll, repo.Key(), "enqueued %d new issues", n)
	}

	if err := o.ProcessNext(ctx, repo); err != nil {
		log.With("error", err).Error("Issue processing failed")
	}

	if err := o.PollPRComments(ctx, repo); err != nil {
		log.With("error", err).Error("PR comment sweep failed")
	}

	if err := o.watchdog(ctx, repo); err != nil {
		log.With("error", err).Error("Watchdog sweep failed")
	}
}

// Poll enqueues issues updated since the last poll (24 h bootstrap),
// skipping already-tracked issues and those where the agent already has
// the last word.
func (o *Orchestrator) Poll(ctx context.Context, repo forge.Repo) (int, error) {
	log := clog.FromContext(ctx)

	since, err := o.tracker.lastPoll(ctx, repo)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	if since.IsZero() {
		since = now.Add(-bootstrapWindow)
	}

	issues, err := o.forge.ListIssuesUpdatedSince(ctx, repo, since)
	if err != nil {
		return 0, fmt.Errorf("listing updated issues: %w", err)
	}

	enqueued := 0
	for i := range issues {
		issue := &issues[i]
		if issue.State != "open" {
			continue
		}
		tracked, err := o.tracker.load(ctx, repo, issue.Number)
		if err != nil {
			return enqueued, err
		}
		if tracked != nil {
			continue
		}
		if skip, err := o.hasLastWord(ctx, repo, issue.Number); err != nil {
			log.With("issue", issue.Number).With("error", err).Warn("Last-word check failed, enqueueing anyway")
		} else if skip {
			log.With("issue", issue.Number).Info("Already answered, skipping")
			continue
		}

		ti := &TrackedIssue{
			Repo:     repo.Key(),
			Number:   issue.Number,
			Title:    issue.Title,
			URL:      issue.URL,
			State:    StatePending,
			BodyHash: editdetect.BodyHash(issue.Body),
			MaxIter:  o.cfg.MaxIterations,
		}
		if err := o.tracker.save(ctx, repo, ti); err != nil {
			return enqueued, err
		}
		enqueued++
	}

	if err := o.tracker.setLastPoll(ctx, repo, now); err != nil {
		return enqueued, err
	}
	if _, err := o.audit.Append(ctx, auditlog.Record{
		Action:   auditlog.ActionPollRepos,
		Repo:     repo.Key(),
		Decision: fmt.Sprintf("%d enqueued", enqueued),
		Details:  fmt.Sprintf("%d issues updated since %s", len(issues), since.Format(time.RFC3339)),
	}); err != nil {
		return enqueued, fmt.Errorf("auditing poll: %w", err)
	}
	return enqueued, nil
}

// hasLastWord reports whether the newest comment on the issue carries a
// valid stamp from this instance.
func (o *Orchestrator) hasLastWord(ctx context.Context, repo forge.Repo, number int) (bool, error) {
	cs, err := o.forge.ListIssueComments(ctx, repo, number)
	if err != nil {
		return false, err
	}
	if len(cs) == 0 {
		return false, nil
	}
	last := cs[len(cs)-1]
	v := o.stamps.Verify(last.Body, last.ID)
	return v.Valid && v.IsOurInstance, nil
}

// ProcessNext drains one pending issue if a concurrency slot is free.
func (o *Orchestrator) ProcessNext(ctx context.Context, repo forge.Repo) error {
	tracked, err := o.tracker.list(ctx, repo)
	if err != nil {
		return err
	}

	active := 0
	var next *TrackedIssue
	for _, ti := range tracked {
		if ti.State.Active() {
			active++
		}
		if ti.State == StatePending && (next == nil || ti.Number < next.Number) {
			next = ti
		}
	}
	if next == nil {
		return nil
	}
	if active >= o.cfg.MaxConcurrent {
		clog.FromContext(ctx).With("active", active).Info("Concurrency slots full, deferring pending issue")
		return nil
	}
	return o.Process(ctx, repo, next)
}

// watchdog transitions issues stuck in a working state past the deadline.
func (o *Orchestrator) watchdog(ctx context.Context, repo forge.Repo) error {
	tracked, err := o.tracker.list(ctx, repo)
	if err != nil {
		return err
	}
	for _, ti := range tracked {
		if !ti.State.Active() || ti.EnteredWork.IsZero() {
			continue
		}
		if time.Since(ti.EnteredWork) < o.cfg.StuckDeadline {
			continue
		}
		clog.FromContext(ctx).With("issue", ti.Number).With("state", string(ti.State)).
			Warn("Watchdog deadline exceeded, marking stuck")
		ti.LastError = fmt.Sprintf("watchdog: stuck in %s beyond %s", ti.State, o.cfg.StuckDeadline)
		if err := o.transition(ctx, repo, ti, StateStuck); err != nil {
			return err
		}
	}
	return nil
}

// transition moves an issue to a new state, enforcing the edge set, and
// persists it.
func (o *Orchestrator) transition(ctx context.Context, repo forge.Repo, ti *TrackedIssue, to State) error {
	if !CanTransition(ti.State, to) {
		return fmt.Errorf("illegal transition %s -> %s for issue #%d", ti.State, to, ti.Number)
	}
	ti.State = to
	if to.Active() && ti.EnteredWork.IsZero() {
		ti.EnteredWork = time.Now().UTC()
	}
	if to.Terminal() {
		ti.EnteredWork = time.Time{}
	}
	if o.metrics != nil {
		o.metrics.RecordTransition(ctx, repo.Key(), string(to))
	}
	return o.tracker.save(ctx, repo, ti)
}
