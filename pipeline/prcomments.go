/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chainguard.dev/argus/auditlog"
	"chainguard.dev/argus/forge"
	"chainguard.dev/argus/pipeline/chaindetect"
	"chainguard.dev/argus/pipeline/comments"
	"chainguard.dev/argus/threat"
	"github.com/chainguard-dev/clog"
)

// PollPRComments sweeps open PRs for new external comments: each is
// moderated, and substantive clean feedback is acknowledged under the
// loop detector's veto and the acknowledgment rate limit.
func (o *Orchestrator) PollPRComments(ctx context.Context, repo forge.Repo) error {
	log := clog.FromContext(ctx)

	prs, err := o.forge.ListOpenPullRequests(ctx, repo)
	if err != nil {
		return fmt.Errorf("listing open PRs: %w", err)
	}

	o.sweepMu.Lock()
	since := o.prSweep[repo.Key()]
	o.prSweep[repo.Key()] = time.Now().UTC()
	o.sweepMu.Unlock()

	for _, pr := range prs {
		if chaindetect.IsWIP(pr) {
			continue
		}
		if err := o.sweepPR(ctx, repo, prs, pr, since); err != nil {
			log.With("pr", pr.Number).With("error", err).Warn("PR sweep failed")
		}
	}
	return nil
}

func (o *Orchestrator) sweepPR(ctx context.Context, repo forge.Repo, all []forge.PullRequest, pr forge.PullRequest, since time.Time) error {
	conversation, err := o.forge.ListPRConversationComments(ctx, repo, pr.Number)
	if err != nil {
		return fmt.Errorf("listing conversation comments: %w", err)
	}
	reviews, err := o.forge.ListPRReviewComments(ctx, repo, pr.Number)
	if err != nil {
		return fmt.Errorf("listing review comments: %w", err)
	}

	fresh := make([]forge.Comment, 0, len(conversation)+len(reviews))
	for _, c := range conversation {
		if c.CreatedAt.After(since) {
			fresh = append(fresh, c)
		}
	}
	for _, rc := range reviews {
		if rc.CreatedAt.After(since) {
			fresh = append(fresh, rc.Comment)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	target := comments.Target{Number: pr.Number, IsPR: true}
	needsAck := false
	for _, c := range fresh {
		out, err := o.comments.Handle(ctx, repo, target, c)
		if err != nil {
			return fmt.Errorf("moderating comment %d: %w", c.ID, err)
		}
		if out.Skipped {
			continue
		}
		if out.Assessment.Classification != threat.Clean {
			o.activity.Add(MarkerThreat, repo.Key(), "threat on PR #%d comment by %s: %s",
				pr.Number, c.User, out.Assessment.ThreatType)
			continue
		}
		needsAck = true
	}
	if !needsAck {
		return nil
	}

	return o.acknowledge(ctx, repo, all, pr)
}

// acknowledge posts a stamped acknowledgment on the PR, subject to the
// chain detector's verdict and the per-PR rate limit.
func (o *Orchestrator) acknowledge(ctx context.Context, repo forge.Repo, all []forge.PullRequest, pr forge.PullRequest) error {
	log := clog.FromContext(ctx).With("pr", pr.Number)

	dec, err := o.chains.Assess(ctx, repo, all, pr.Number)
	if err != nil {
		return fmt.Errorf("assessing chain: %w", err)
	}
	if dec.Disengage {
		return o.disengage(ctx, repo, pr, dec)
	}
	if !dec.Engage {
		log.With("reason", dec.Reason).Info("Chain detector vetoed acknowledgment")
		return nil
	}

	if !o.acks.Allow(repo, pr.Number) {
		log.Info("Acknowledgment rate limit reached for PR")
		return nil
	}

	body := "Thanks for the feedback — reviewing it now. Substantive points will be folded into the next iteration."
	if _, err := o.forge.AddPRComment(ctx, repo, pr.Number,
		o.stamps.Apply(body, repo.Key(), string(auditlog.ActionAcknowledge))); err != nil {
		return fmt.Errorf("posting acknowledgment: %w", err)
	}
	o.activity.Add(MarkerComment, repo.Key(), "acknowledged feedback on PR #%d", pr.Number)

	if _, err := o.audit.Append(ctx, auditlog.Record{
		Action:   auditlog.ActionAcknowledge,
		Repo:     repo.Key(),
		Target:   fmt.Sprintf("pr-%d", pr.Number),
		Decision: "acknowledged",
	}); err != nil {
		return fmt.Errorf("auditing acknowledgment: %w", err)
	}
	return nil
}

// disengage posts the one final stamped loop-detected comment for the
// chain.
func (o *Orchestrator) disengage(ctx context.Context, repo forge.Repo, pr forge.PullRequest, dec *chaindetect.Decision) error {
	var body strings.Builder
	body.WriteString("Automation loop detected; disengaging from this PR chain.\n\n")
	fmt.Fprintf(&body, "Chain: %s (depth %d)\nReason: %s\n", dec.Trace, dec.Depth, dec.Reason)
	body.WriteString("\nA human should take over from here.\n")

	if _, err := o.forge.AddPRComment(ctx, repo, pr.Number,
		o.stamps.Apply(body.String(), repo.Key(), string(auditlog.ActionLoopDetected))); err != nil {
		return fmt.Errorf("posting loop-detected comment: %w", err)
	}
	o.activity.Add(MarkerLoop, repo.Key(), "disengaged from PR #%d chain: %s", pr.Number, dec.Reason)

	if _, err := o.audit.Append(ctx, auditlog.Record{
		Action:   auditlog.ActionLoopDetected,
		Repo:     repo.Key(),
		Target:   fmt.Sprintf("pr-%d", pr.Number),
		Decision: "disengaged",
		Details:  fmt.Sprintf("%s: %s", dec.Reason, dec.Trace),
	}); err != nil {
		return fmt.Errorf("auditing disengagement: %w", err)
	}
	return nil
}
