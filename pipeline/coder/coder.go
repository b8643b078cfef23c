/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package coder generates code for an approved issue and iterates it
// against CI. Every proposed file set passes output validation before a
// single byte is pushed; validation failures are looped back to the model
// as synthetic CI logs.
package coder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chainguard.dev/argus/auditlog"
	"chainguard.dev/argus/forge"
	"chainguard.dev/argus/llm"
	"chainguard.dev/argus/pipeline/evaluator"
	"chainguard.dev/argus/pipeline/investigator"
	"chainguard.dev/argus/validate"
	"github.com/chainguard-dev/clog"
)

const (
	// DefaultMaxIterations is the iteration budget.
	DefaultMaxIterations = 5

	// ciPollInterval and ciDeadline bound the CI wait loop.
	ciPollInterval = 30 * time.Second
	ciDeadline     = 10 * time.Minute
	// ciAppearDeadline is how long we wait for any check to appear before
	// concluding the repository has no CI.
	ciAppearDeadline = 2 * time.Minute

	// maxFailingChecks caps how many failing checks contribute log text.
	maxFailingChecks = 3

	// maxSnippetChars truncates existing-code snippets in prompts.
	maxSnippetChars = 5000
)

// CIResult is the outcome of one CI wait.
type CIResult string

const (
	CIPending CIResult = "pending"
	CIPassing CIResult = "passing"
	CIFailing CIResult = "failing"
)

// noCILog is reported when no checks or statuses ever appear.
const noCILog = "no CI configured"

// ErrBudgetExhausted is returned when the iteration cap is reached
// without a passing build.
var ErrBudgetExhausted = errors.New("coding iteration budget exhausted")

// changeSet is the model's reply schema.
type changeSet struct {
	Files         []validate.File `json:"files"`
	CommitMessage string          `json:"commit_message"`
	Reasoning     string          `json:"reasoning"`
	SelfReview    string          `json:"self_review"`
}

// Iteration records one coding round. Append-only within an issue.
type Iteration struct {
	Index         int
	FilesChanged  []string
	CommitMessage string
	Reasoning     string
	SelfReview    string
	CIResult      CIResult
	CILog         string
	Blocked       bool
}

// Outcome is the final result of a coding run.
type Outcome struct {
	Iterations []Iteration
	Passed     bool
}

// Coder drives the loop.
type Coder struct {
	forge         forge.Interface
	client        llm.Interface
	audit         *auditlog.Log
	maxIterations int
}

// New wires a coder. maxIterations <= 0 selects the default budget.
func New(f forge.Interface, client llm.Interface, audit *auditlog.Log, maxIterations int) *Coder {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Coder{forge: f, client: client, audit: audit, maxIterations: maxIterations}
}

// Run iterates code generation on branch until CI passes or the budget is
// exhausted. It returns the outcome alongside ErrBudgetExhausted when all
// iterations were spent.
func (c *Coder) Run(ctx context.Context, repo forge.Repo, issue *forge.Issue, branch string, eval *evaluator.Evaluation, report *investigator.Report) (*Outcome, error) {
	if c.client == nil {
		return nil, llm.ErrUnavailable
	}
	log := clog.FromContext(ctx)
	outcome := &Outcome{}

	prevCILog := ""
	var prevFiles []string

	for index := 0; index < c.maxIterations; index++ {
		iter := Iteration{Index: index}

		cs, err := c.generate(ctx, repo, issue, eval, report, index, prevCILog, prevFiles)
		if err != nil {
			return outcome, fmt.Errorf("iteration %d: %w", index, err)
		}
		iter.CommitMessage = cs.CommitMessage
		iter.Reasoning = cs.Reasoning
		iter.SelfReview = cs.SelfReview
		for _, f := range cs.Files {
			iter.FilesChanged = append(iter.FilesChanged, f.Path)
		}

		// The validator is the sole guard on outbound writes.
		result := validate.Check(cs.Files)
		if !result.Valid {
			iter.Blocked = true
			iter.CIResult = CIFailing
			iter.CILog = result.ErrorText()
			outcome.Iterations = append(outcome.Iterations, iter)

			c.auditIteration(ctx, repo, issue, iter, "BLOCKED")
			log.With("iteration", index).With("errors", len(result.Issues)).
				Warn("Output validation blocked push, feeding errors back")

			prevCILog = "Output validation rejected the change set:\n" + result.ErrorText()
			prevFiles = iter.FilesChanged
			continue
		}

		for _, f := range cs.Files {
			message := fmt.Sprintf("%s (%s)", cs.CommitMessage, f.Path)
			if err := c.forge.CreateOrUpdateFile(ctx, repo, branch, f.Path, f.Content, message); err != nil {
				return outcome, fmt.Errorf("pushing %s: %w", f.Path, err)
			}
		}
		c.auditIteration(ctx, repo, issue, iter, "PUSHED")

		ciResult, ciLog := c.waitForCI(ctx, repo, branch)
		iter.CIResult = ciResult
		iter.CILog = ciLog
		outcome.Iterations = append(outcome.Iterations, iter)

		if _, err := c.audit.Append(ctx, auditlog.Record{
			Action:   auditlog.ActionCICheck,
			Repo:     repo.Key(),
			Target:   fmt.Sprintf("issue-%d", issue.Number),
			Decision: string(ciResult),
			Details:  firstLine(ciLog),
		}); err != nil {
			return outcome, fmt.Errorf("auditing CI result: %w", err)
		}

		if ciResult == CIPassing {
			outcome.Passed = true
			return outcome, nil
		}

		log.With("iteration", index).With("ci", string(ciResult)).Info("CI failing, iterating")
		prevCILog = ciLog
		prevFiles = iter.FilesChanged
	}

	return outcome, ErrBudgetExhausted
}

// generate builds the iteration prompt and parses the model's change set.
func (c *Coder) generate(ctx context.Context, repo forge.Repo, issue *forge.Issue, eval *evaluator.Evaluation, report *investigator.Report, index int, prevCILog string, prevFiles []string) (*changeSet, error) {
	frame := llm.NewFrame()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Issue #%d: %s\n\nEvaluation:\n%s\n\nApproach:\n%s\n",
		issue.Number, issue.Title, eval.Reasoning, eval.ProposedApproach)

	if report != nil && len(report.SuggestedChanges) > 0 {
		sb.WriteString("\nSuggested changes:\n")
		for _, sc := range report.SuggestedChanges {
			fmt.Fprintf(&sb, "- %s %s: %s\n", sc.Kind, sc.Path, sc.Description)
		}
	}

	if snippets := c.existingCode(ctx, repo, eval, report); snippets != "" {
		sb.WriteString("\nExisting code:\n")
		sb.WriteString(frame.Wrap(snippets))
		sb.WriteString("\n")
	}

	if index > 0 {
		sb.WriteString("\nThe previous iteration did not pass CI. Fix what the CI reported.\n")
		sb.WriteString("\nPrevious CI log:\n")
		sb.WriteString(frame.Wrap(prevCILog))
		fmt.Fprintf(&sb, "\n\nPrevious change set: %s\n", strings.Join(prevFiles, ", "))
	}

	system := frame.Instructions() + "\n\n" +
		"You write a minimal, correct fix for the issue described. Reply with one JSON object: " +
		`{"files": [{"path": "", "content": ""}], "commit_message": "", "reasoning": "", "self_review": ""}. ` +
		"Never touch CI configuration, lockfiles, or credential files."

	response, err := llm.Complete(ctx, c.client, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: sb.String()},
	})
	if err != nil {
		return nil, fmt.Errorf("code generation: %w", err)
	}
	if !frame.CheckCanary(response) {
		return nil, llm.ErrCanaryMissing
	}

	cs, err := llm.ExtractFirstJSON[changeSet](response)
	if err != nil {
		return nil, fmt.Errorf("parsing change set: %w", err)
	}
	if len(cs.Files) == 0 {
		return nil, errors.New("model proposed no files")
	}
	if cs.CommitMessage == "" {
		cs.CommitMessage = fmt.Sprintf("Fix issue #%d", issue.Number)
	}
	return &cs, nil
}

// existingCode gathers current content of the files the plan touches.
func (c *Coder) existingCode(ctx context.Context, repo forge.Repo, eval *evaluator.Evaluation, report *investigator.Report) string {
	branch, err := c.forge.GetDefaultBranch(ctx, repo)
	if err != nil {
		return ""
	}
	paths := eval.AffectedFiles
	if report != nil {
		for _, sc := range report.SuggestedChanges {
			paths = append(paths, sc.Path)
		}
	}
	seen := map[string]bool{}
	var sb strings.Builder
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		content, err := c.forge.GetFileContent(ctx, repo, branch, p)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", p, truncate(content, maxSnippetChars))
	}
	return sb.String()
}

// waitForCI polls checks and statuses until an overall conclusion.
func (c *Coder) waitForCI(ctx context.Context, repo forge.Repo, ref string) (CIResult, string) {
	log := clog.FromContext(ctx)
	start := time.Now()
	deadline := start.Add(ciDeadline)

	for {
		checks, cerr := c.forge.GetCheckRuns(ctx, repo, ref)
		statuses, serr := c.forge.GetCombinedStatus(ctx, repo, ref)
		if cerr != nil || serr != nil {
			log.With("check_error", cerr).With("status_error", serr).Warn("CI poll failed")
		}

		if len(checks) == 0 && len(statuses) == 0 {
			if time.Since(start) >= ciAppearDeadline {
				return CIPassing, noCILog
			}
		} else {
			switch result := conclude(checks, statuses); result {
			case CIPassing:
				return CIPassing, "all checks passed"
			case CIFailing:
				return CIFailing, c.failureLog(ctx, repo, checks)
			}
		}

		if time.Now().After(deadline) {
			return CIFailing, "CI deadline exceeded with checks still pending"
		}
		select {
		case <-ctx.Done():
			return CIFailing, "cancelled while waiting for CI"
		case <-time.After(ciPollInterval):
		}
	}
}

// conclude folds check runs and statuses into an overall result: passing
// when every check run is completed without failure and no status is
// pending, failure, or error.
func conclude(checks []forge.CheckRun, statuses []forge.CommitStatus) CIResult {
	for _, check := range checks {
		switch {
		case check.Status != "completed":
			return CIPending
		case check.Conclusion == "failure" || check.Conclusion == "timed_out" || check.Conclusion == "cancelled":
			return CIFailing
		}
	}
	for _, status := range statuses {
		switch status.State {
		case "pending":
			return CIPending
		case "failure", "error":
			return CIFailing
		}
	}
	return CIPassing
}

// failureLog captures annotations from up to maxFailingChecks failing
// checks.
func (c *Coder) failureLog(ctx context.Context, repo forge.Repo, checks []forge.CheckRun) string {
	var sb strings.Builder
	captured := 0
	for _, check := range checks {
		if check.Conclusion != "failure" && check.Conclusion != "timed_out" && check.Conclusion != "cancelled" {
			continue
		}
		if captured == maxFailingChecks {
			break
		}
		captured++
		fmt.Fprintf(&sb, "Check %q concluded %s\n", check.Name, check.Conclusion)
		annotations, err := c.forge.GetCheckRunAnnotations(ctx, repo, check.ID)
		if err != nil {
			clog.FromContext(ctx).With("check", check.Name).With("error", err).Warn("Failed to fetch annotations")
			continue
		}
		for _, a := range annotations {
			fmt.Fprintf(&sb, "  %s:%d [%s] %s\n", a.Path, a.StartLine, a.Level, a.Message)
		}
	}
	if sb.Len() == 0 {
		sb.WriteString("CI failed without annotations")
	}
	return sb.String()
}

func (c *Coder) auditIteration(ctx context.Context, repo forge.Repo, issue *forge.Issue, iter Iteration, decision string) {
	if _, err := c.audit.Append(ctx, auditlog.Record{
		Action:       auditlog.ActionPushCode,
		Repo:         repo.Key(),
		Target:       fmt.Sprintf("issue-%d", issue.Number),
		OutputHash:   auditlog.HashContent(strings.Join(iter.FilesChanged, "\n")),
		Decision:     decision,
		LLMCallCount: 1,
		Details:      fmt.Sprintf("iteration %d: %d files", iter.Index, len(iter.FilesChanged)),
	}); err != nil {
		clog.FromContext(ctx).With("error", err).Error("Failed to audit coding iteration")
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
