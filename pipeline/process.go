/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chainguard.dev/argus/auditlog"
	"chainguard.dev/argus/forge"
	"chainguard.dev/argus/llm"
	"chainguard.dev/argus/notify"
	"chainguard.dev/argus/pipeline/coder"
	"chainguard.dev/argus/pipeline/editdetect"
	"github.com/chainguard-dev/clog"
)

// errReevaluate signals that an issue edit after PR open requires another
// pass through the state machine.
var errReevaluate = errors.New("issue edited, re-evaluation required")

// Process executes the full state machine for one tracked issue. Errors
// mark the issue stuck with the error text; state is never corrupted and
// the issue can be resumed by operator command.
func (o *Orchestrator) Process(ctx context.Context, repo forge.Repo, ti *TrackedIssue) error {
	log := clog.FromContext(ctx).With("issue", ti.Number)
	ctx = clog.WithLogger(ctx, log)

	for {
		issue, err := o.forge.GetIssue(ctx, repo, ti.Number)
		if err != nil {
			return o.fail(ctx, repo, ti, fmt.Errorf("fetching issue: %w", err))
		}
		ti.BodyHash = editdetect.BodyHash(issue.Body)
		if err := o.tracker.save(ctx, repo, ti); err != nil {
			return o.fail(ctx, repo, ti, err)
		}

		if err := o.evaluate(ctx, repo, ti, issue); err != nil {
			return o.fail(ctx, repo, ti, err)
		}
		if ti.State.Terminal() {
			return nil
		}

		if err := o.branch(ctx, repo, ti); err != nil {
			return o.fail(ctx, repo, ti, err)
		}

		if err := o.code(ctx, repo, ti, issue); err != nil {
			return o.fail(ctx, repo, ti, err)
		}
		if ti.State.Terminal() {
			return nil
		}

		err = o.analyze(ctx, repo, ti, issue)
		if errors.Is(err, errReevaluate) {
			log.Warn("Issue edited after PR opened, re-entering evaluation")
			continue
		}
		if err != nil {
			return o.fail(ctx, repo, ti, err)
		}
		return nil
	}
}

// fail transitions to stuck, recording the error.
func (o *Orchestrator) fail(ctx context.Context, repo forge.Repo, ti *TrackedIssue, cause error) error {
	clog.FromContext(ctx).With("error", cause).With("state", string(ti.State)).Error("Issue processing failed")
	o.activity.Add(MarkerError, repo.Key(), "issue #%d stuck: %v", ti.Number, cause)

	ti.LastError = cause.Error()
	if err := o.transition(ctx, repo, ti, StateStuck); err != nil {
		return errors.Join(cause, err)
	}
	if err := o.notify.Notify(ctx, notify.Event{
		Kind:    notify.KindPipelineError,
		Repo:    repo.Key(),
		Subject: fmt.Sprintf("issue #%d stuck", ti.Number),
		Body:    cause.Error(),
	}); err != nil {
		clog.FromContext(ctx).With("error", err).Warn("Failed to notify pipeline error")
	}
	return cause
}

// evaluate runs the evaluator, applies the low-confidence override,
// labels the issue, and posts the stamped verdict.
func (o *Orchestrator) evaluate(ctx context.Context, repo forge.Repo, ti *TrackedIssue, issue *forge.Issue) error {
	log := clog.FromContext(ctx)

	if err := o.transition(ctx, repo, ti, StateEvaluating); err != nil {
		return err
	}
	o.activity.Add(MarkerEvaluate, repo.Key(), "evaluating issue #%d", ti.Number)

	eval, err := o.evaluator.Evaluate(ctx, repo, issue)
	if err != nil {
		return fmt.Errorf("evaluating issue: %w", err)
	}

	// Missing a valid issue is worse than investigating a marginal one:
	// an uncertain rejection becomes an approval flagged for review.
	overridden := false
	if !eval.Merit && eval.Confidence < lowConfidenceCutoff {
		eval.Merit = true
		eval.Reasoning = "[low-confidence rejection overridden] " + eval.Reasoning
		overridden = true
	}
	ti.Evaluation = eval

	if _, err := o.audit.Append(ctx, auditlog.Record{
		Action:       auditlog.ActionEvaluateIssue,
		Repo:         repo.Key(),
		Target:       fmt.Sprintf("issue-%d", ti.Number),
		InputHash:    ti.BodyHash,
		Decision:     fmt.Sprintf("merit=%t confidence=%.2f", eval.Merit, eval.Confidence),
		LLMCallCount: 1,
		Details:      fmt.Sprintf("severity=%s category=%s overridden=%t", eval.Severity, eval.Category, overridden),
	}); err != nil {
		return fmt.Errorf("auditing evaluation: %w", err)
	}

	labels := eval.SuggestedLabels
	if overridden {
		labels = append(labels, LabelLowConfidenceOverride)
	}
	for _, label := range labels {
		if err := o.forge.AddLabel(ctx, repo, ti.Number, label); err != nil {
			log.With("label", label).With("error", err).Warn("Failed to add label")
		}
	}

	verdict := fmt.Sprintf(
		"**Evaluation**: %s (confidence %.2f, severity %s)\n\n%s",
		meritWord(eval.Merit), eval.Confidence, eval.Severity, eval.Reasoning)
	if _, err := o.forge.AddIssueComment(ctx, repo, ti.Number,
		o.stamps.Apply(verdict, repo.Key(), string(auditlog.ActionEvaluateIssue))); err != nil {
		log.With("error", err).Warn("Failed to post evaluation comment")
	}

	if err := o.notify.Notify(ctx, notify.Event{
		Kind:    notify.KindEvaluation,
		Repo:    repo.Key(),
		Subject: fmt.Sprintf("issue #%d evaluated: %s", ti.Number, meritWord(eval.Merit)),
		Body:    eval.Reasoning,
	}); err != nil {
		log.With("error", err).Warn("Failed to notify evaluation")
	}

	if !eval.Merit {
		return o.transition(ctx, repo, ti, StateRejected)
	}
	return o.transition(ctx, repo, ti, StateApproved)
}

func meritWord(merit bool) string {
	if merit {
		return "has merit"
	}
	return "no merit"
}

// branch creates the work branch off the default branch. On re-entry
// the existing branch is reused.
func (o *Orchestrator) branch(ctx context.Context, repo forge.Repo, ti *TrackedIssue) error {
	if err := o.transition(ctx, repo, ti, StateBranching); err != nil {
		return err
	}
	if ti.Branch != "" {
		return nil
	}

	base, err := o.forge.GetDefaultBranch(ctx, repo)
	if err != nil {
		return fmt.Errorf("resolving default branch: %w", err)
	}
	branch := fmt.Sprintf("%sissue-%d", o.cfg.BranchPrefix, ti.Number)
	if err := o.forge.CreateBranchFrom(ctx, repo, base, branch); err != nil {
		return fmt.Errorf("creating branch %s: %w", branch, err)
	}
	ti.Branch = branch

	if _, err := o.audit.Append(ctx, auditlog.Record{
		Action:   auditlog.ActionCreateBranch,
		Repo:     repo.Key(),
		Target:   fmt.Sprintf("issue-%d", ti.Number),
		Decision: branch,
		Details:  fmt.Sprintf("branched from %s", base),
	}); err != nil {
		return fmt.Errorf("auditing branch creation: %w", err)
	}
	return o.tracker.save(ctx, repo, ti)
}

// code investigates, runs the coding loop, and opens the PR on a passing
// build.
func (o *Orchestrator) code(ctx context.Context, repo forge.Repo, ti *TrackedIssue, issue *forge.Issue) error {
	log := clog.FromContext(ctx)

	// The evaluated text must still match what is being fixed.
	edit, err := o.editdetect.Check(ctx, repo, ti.Number, ti.BodyHash, string(ti.State))
	if err != nil {
		return fmt.Errorf("edit check: %w", err)
	}
	if edit.Detected {
		log.With("action", string(edit.Action)).Warn("Issue body changed before coding, flagging")
		ti.LastError = "issue body edited after evaluation"
		return o.transition(ctx, repo, ti, StateFlagged)
	}

	report, err := o.investigator.Investigate(ctx, repo, issue, ti.Evaluation)
	if err != nil {
		return fmt.Errorf("investigating: %w", err)
	}
	if _, err := o.audit.Append(ctx, auditlog.Record{
		Action:       auditlog.ActionInvestigate,
		Repo:         repo.Key(),
		Target:       fmt.Sprintf("issue-%d", ti.Number),
		Decision:     fmt.Sprintf("%d suggested changes", len(report.SuggestedChanges)),
		LLMCallCount: 1,
		Details:      fmt.Sprintf("confidence=%.2f", report.Confidence),
	}); err != nil {
		return fmt.Errorf("auditing investigation: %w", err)
	}

	if err := o.transition(ctx, repo, ti, StateCoding); err != nil {
		return err
	}
	o.activity.Add(MarkerCode, repo.Key(), "coding issue #%d on %s", ti.Number, ti.Branch)

	outcome, err := o.coder.Run(ctx, repo, issue, ti.Branch, ti.Evaluation, report)
	if outcome != nil {
		ti.CodingRuns = append(ti.CodingRuns, outcome.Iterations...)
		ti.Iterations = len(ti.CodingRuns)
	}
	if err != nil {
		return fmt.Errorf("coding: %w", err)
	}

	if err := o.transition(ctx, repo, ti, StateWaitingCI); err != nil {
		return err
	}
	o.activity.Add(MarkerCI, repo.Key(), "issue #%d passed CI after %d iterations", ti.Number, ti.Iterations)

	return o.openPR(ctx, repo, ti, issue)
}

// openPR creates the pull request with a stamped body. On re-entry the
// existing PR gets an updated body instead.
func (o *Orchestrator) openPR(ctx context.Context, repo forge.Repo, ti *TrackedIssue, issue *forge.Issue) error {
	title := fmt.Sprintf("Fix #%d: %s", ti.Number, issue.Title)
	var body strings.Builder
	fmt.Fprintf(&body, "Fixes #%d.\n\n%s\n", ti.Number, ti.Evaluation.Reasoning)
	if last := lastIteration(ti.CodingRuns); last != nil && last.SelfReview != "" {
		fmt.Fprintf(&body, "\n### Self review\n\n%s\n", last.SelfReview)
	}
	body.WriteString("\nThis change was produced automatically; a human must review and merge it.\n")
	stamped := o.stamps.Apply(body.String(), repo.Key(), string(auditlog.ActionCreatePR))

	if ti.PRNumber != 0 {
		if err := o.forge.UpdatePRBody(ctx, repo, ti.PRNumber, stamped); err != nil {
			return fmt.Errorf("updating PR body: %w", err)
		}
		return o.transition(ctx, repo, ti, StatePROpen)
	}

	base, err := o.forge.GetDefaultBranch(ctx, repo)
	if err != nil {
		return fmt.Errorf("resolving default branch: %w", err)
	}
	pr, err := o.forge.CreatePullRequest(ctx, repo, ti.Branch, base, title, stamped)
	if err != nil {
		return fmt.Errorf("creating PR: %w", err)
	}
	ti.PRNumber = pr.Number
	ti.PRURL = pr.URL

	if _, err := o.audit.Append(ctx, auditlog.Record{
		Action:   auditlog.ActionCreatePR,
		Repo:     repo.Key(),
		Target:   fmt.Sprintf("issue-%d", ti.Number),
		Decision: fmt.Sprintf("pr-%d", pr.Number),
		Details:  title,
	}); err != nil {
		return fmt.Errorf("auditing PR creation: %w", err)
	}
	o.activity.Add(MarkerPR, repo.Key(), "opened PR #%d for issue #%d", pr.Number, ti.Number)

	if err := o.notify.Notify(ctx, notify.Event{
		Kind:    notify.KindPRCreated,
		Repo:    repo.Key(),
		Subject: fmt.Sprintf("PR #%d opened for issue #%d", pr.Number, ti.Number),
		Body:    pr.URL,
	}); err != nil {
		clog.FromContext(ctx).With("error", err).Warn("Failed to notify PR creation")
	}

	return o.transition(ctx, repo, ti, StatePROpen)
}

// analyze scores competing PRs and posts a synthesis plan when the
// trigger fires.
func (o *Orchestrator) analyze(ctx context.Context, repo forge.Repo, ti *TrackedIssue, issue *forge.Issue) error {
	log := clog.FromContext(ctx)

	// An edit at this point re-enters evaluation.
	edit, err := o.editdetect.Check(ctx, repo, ti.Number, ti.BodyHash, string(ti.State))
	if err != nil {
		return fmt.Errorf("edit check: %w", err)
	}
	if edit.Detected && edit.Action == editdetect.ActionReevaluate {
		return errReevaluate
	}

	if err := o.transition(ctx, repo, ti, StateAnalyzingCompeting); err != nil {
		return err
	}

	analysis, err := o.analyzer.Analyze(ctx, repo, issue, ti.PRNumber)
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) || errors.Is(err, llm.ErrCanaryMissing) {
			log.With("error", err).Warn("Competing-PR analysis unavailable, finishing without it")
			return o.transition(ctx, repo, ti, StateDone)
		}
		return fmt.Errorf("analyzing competing PRs: %w", err)
	}

	if _, err := o.audit.Append(ctx, auditlog.Record{
		Action:       auditlog.ActionAnalyzePRs,
		Repo:         repo.Key(),
		Target:       fmt.Sprintf("issue-%d", ti.Number),
		Decision:     fmt.Sprintf("synthesize=%t", analysis.Synthesize),
		LLMCallCount: len(analysis.Competitors) + 1,
		Details:      analysis.Reason,
	}); err != nil {
		return fmt.Errorf("auditing analysis: %w", err)
	}

	if err := o.notify.Notify(ctx, notify.Event{
		Kind:    notify.KindCompetingPRs,
		Repo:    repo.Key(),
		Subject: fmt.Sprintf("issue #%d: %d competing PRs analyzed", ti.Number, len(analysis.Competitors)),
		Body:    analysis.Reason,
	}); err != nil {
		log.With("error", err).Warn("Failed to notify analysis")
	}

	if analysis.Synthesize && analysis.Plan != nil {
		if err := o.transition(ctx, repo, ti, StateSynthesizing); err != nil {
			return err
		}
		plan := analysis.Plan.Render()
		if _, err := o.forge.AddIssueComment(ctx, repo, ti.Number,
			o.stamps.Apply(plan, repo.Key(), string(auditlog.ActionSynthesize))); err != nil {
			return fmt.Errorf("posting synthesis plan: %w", err)
		}
		if _, err := o.audit.Append(ctx, auditlog.Record{
			Action:     auditlog.ActionSynthesize,
			Repo:       repo.Key(),
			Target:     fmt.Sprintf("issue-%d", ti.Number),
			OutputHash: auditlog.HashContent(plan),
			Decision:   fmt.Sprintf("%d sources, %d conflicts", len(analysis.Plan.Sources), len(analysis.Plan.Conflicts)),
		}); err != nil {
			return fmt.Errorf("auditing synthesis: %w", err)
		}
	}

	o.activity.Add(MarkerDone, repo.Key(), "issue #%d complete", ti.Number)
	return o.transition(ctx, repo, ti, StateDone)
}

func lastIteration(iters []coder.Iteration) *coder.Iteration {
	if len(iters) == 0 {
		return nil
	}
	return &iters[len(iters)-1]
}
