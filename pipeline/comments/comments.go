/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package comments moderates incoming issue and PR comments. Each new
// comment is sanitized, classified for threats, and compared against the
// author's trust-scaled thresholds; the handler then executes the chosen
// moderation actions against the forge and audits every decision.
package comments

import (
	"context"
	"fmt"
	"strings"

	"chainguard.dev/argus/auditlog"
	"chainguard.dev/argus/forge"
	"chainguard.dev/argus/sanitize"
	"chainguard.dev/argus/stamp"
	"chainguard.dev/argus/threat"
	"chainguard.dev/argus/trust"
	"github.com/chainguard-dev/clog"
)

// ActionType is one moderation action.
type ActionType string

const (
	ActionNone     ActionType = "none"
	ActionFlag     ActionType = "flag"
	ActionDelete   ActionType = "delete"
	ActionBlock    ActionType = "block"
	ActionReport   ActionType = "report"
	ActionUpdatePR ActionType = "update_pr"
)

// Target locates the commented artifact.
type Target struct {
	// Number is the issue or PR number the comment belongs to.
	Number int
	// IsPR selects the update_pr action when a threat is found.
	IsPR bool
}

// Outcome reports what the handler decided and executed.
type Outcome struct {
	Skipped    bool
	SkipReason string
	Assessment threat.Assessment
	Profile    *trust.Profile
	Actions    []ActionType
	// Executed lists the actions that succeeded; moderation continues
	// past individual forge failures.
	Executed []ActionType
}

// Handler moderates comments.
type Handler struct {
	forge      forge.Interface
	classifier *threat.Classifier
	trust      *trust.Resolver
	stamps     *stamp.Manager
	audit      *auditlog.Log
	ledger     *Ledger

	// selfUser is the agent's own forge login; its comments are never
	// moderated.
	selfUser string
}

// New wires a handler.
func New(f forge.Interface, classifier *threat.Classifier, resolver *trust.Resolver, stamps *stamp.Manager, audit *auditlog.Log, ledger *Ledger, selfUser string) *Handler {
	return &Handler{
		forge:      f,
		classifier: classifier,
		trust:      resolver,
		stamps:     stamps,
		audit:      audit,
		ledger:     ledger,
		selfUser:   selfUser,
	}
}

// skip reports whether the comment is noise the handler should never
// touch: our own output, another automation's stamped output, or a bot
// account.
func (h *Handler) skip(c forge.Comment) (bool, string) {
	if c.User == h.selfUser {
		return true, "own comment"
	}
	if strings.HasSuffix(c.User, "[bot]") {
		return true, "bot account"
	}
	if stamp.HasStamp(c.Body) {
		return true, "stamped automation output"
	}
	return false, ""
}

// Handle moderates one comment.
func (h *Handler) Handle(ctx context.Context, repo forge.Repo, target Target, c forge.Comment) (*Outcome, error) {
	log := clog.FromContext(ctx).With("repo", repo.Key()).With("comment", c.ID).With("user", c.User)

	if skip, reason := h.skip(c); skip {
		return &Outcome{Skipped: true, SkipReason: reason}, nil
	}

	san := sanitize.Sanitize(c.Body)
	assessment := h.classifier.Classify(ctx, c.Body, san)

	profile, err := h.trust.Resolve(ctx, repo, c.User)
	if err != nil {
		return nil, fmt.Errorf("resolving trust for %s: %w", c.User, err)
	}

	out := &Outcome{Assessment: assessment, Profile: profile}
	out.Actions = decide(assessment, profile, target)

	if assessment.Classification != threat.Clean {
		if _, err := h.audit.Append(ctx, auditlog.Record{
			Action:    auditlog.ActionThreatDetected,
			Repo:      repo.Key(),
			Target:    fmt.Sprintf("comment-%d", c.ID),
			InputHash: auditlog.HashContent(c.Body),
			Decision:  string(assessment.Classification),
			Details: fmt.Sprintf("type=%s confidence=%.2f user=%s tier=%s",
				assessment.ThreatType, assessment.Confidence, c.User, profile.Tier),
		}); err != nil {
			return nil, fmt.Errorf("auditing threat detection: %w", err)
		}
	}

	for _, action := range out.Actions {
		if action == ActionNone {
			continue
		}
		if err := h.execute(ctx, repo, target, c, action, assessment); err != nil {
			log.With("action", action).With("error", err).Warn("Moderation action failed")
			continue
		}
		out.Executed = append(out.Executed, action)
	}

	if len(out.Executed) > 0 {
		h.trust.Invalidate(repo, c.User)
		if _, err := h.audit.Append(ctx, auditlog.Record{
			Action:    auditlog.ActionModerate,
			Repo:      repo.Key(),
			Target:    fmt.Sprintf("comment-%d", c.ID),
			InputHash: auditlog.HashContent(c.Body),
			Decision:  joinActions(out.Executed),
			Details:   fmt.Sprintf("user=%s confidence=%.2f", c.User, assessment.Confidence),
		}); err != nil {
			return nil, fmt.Errorf("auditing moderation: %w", err)
		}
	}
	return out, nil
}

// decide selects the action set by comparing threat confidence to the
// author's thresholds. The bounds are inclusive. Owners bypass
// moderation entirely.
func decide(a threat.Assessment, p *trust.Profile, target Target) []ActionType {
	if p.Immune() || a.Classification == threat.Clean {
		return []ActionType{ActionNone}
	}
	t := p.Thresholds()
	if a.Confidence < t.Flag {
		return []ActionType{ActionNone}
	}

	actions := []ActionType{ActionFlag}
	if target.IsPR {
		actions = append(actions, ActionUpdatePR)
	}
	if a.Confidence >= t.Block {
		actions = append(actions, ActionDelete, ActionBlock)
	}
	if a.Confidence >= t.Report {
		actions = append(actions, ActionReport)
	}
	return actions
}

func (h *Handler) execute(ctx context.Context, repo forge.Repo, target Target, c forge.Comment, action ActionType, a threat.Assessment) error {
	switch action {
	case ActionFlag:
		return h.ledger.RecordFlag(ctx, repo, c.User)
	case ActionDelete:
		return h.forge.DeleteComment(ctx, repo, c.ID)
	case ActionBlock:
		if err := h.forge.BlockUser(ctx, repo, c.User); err != nil {
			return err
		}
		return h.ledger.RecordBlock(ctx, repo, c.User)
	case ActionReport:
		return h.forge.ReportUser(ctx, repo, c.User,
			fmt.Sprintf("%s (confidence %.2f)", a.ThreatType, a.Confidence))
	case ActionUpdatePR:
		return h.appendPRWarning(ctx, repo, target, c, a)
	default:
		return fmt.Errorf("unknown moderation action %q", action)
	}
}

// appendPRWarning adds a stamped security note to the PR body so human
// reviewers see that a hostile comment targeted this PR.
func (h *Handler) appendPRWarning(ctx context.Context, repo forge.Repo, target Target, c forge.Comment, a threat.Assessment) error {
	pr, err := h.forge.GetPullRequest(ctx, repo, target.Number)
	if err != nil {
		return fmt.Errorf("fetching PR #%d: %w", target.Number, err)
	}
	note := fmt.Sprintf(
		"\n\n> ⚠️ A comment by @%s on this PR was classified as %s (%s). It has not been incorporated into this change.",
		c.User, a.Classification, a.ThreatType)
	if strings.Contains(pr.Body, note) {
		return nil
	}
	// PR bodies are stamped at open; strip the old footer before appending
	// so the updated body carries exactly one stamp.
	content := pr.Body
	if prefix, _, ok := stamp.Extract(pr.Body); ok {
		content = prefix
	}
	body := h.stamps.Apply(content+note, repo.Key(), string(auditlog.ActionModerate))
	return h.forge.UpdatePRBody(ctx, repo, target.Number, body)
}

func joinActions(actions []ActionType) string {
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		parts = append(parts, string(a))
	}
	return strings.Join(parts, ",")
}
