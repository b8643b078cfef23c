/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package investigator deepens an approved evaluation into a concrete
// change plan: it fetches the affected files, runs targeted code
// searches, and asks the model to synthesize suggested changes.
package investigator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"chainguard.dev/argus/forge"
	"chainguard.dev/argus/llm"
	"chainguard.dev/argus/pipeline/evaluator"
	"chainguard.dev/argus/sanitize"
	"github.com/chainguard-dev/clog"
)

const (
	// MaxFiles caps how many affected files are fetched.
	MaxFiles = 10
	// MaxSearches caps the derived code searches.
	MaxSearches = 5
	// MaxFileChars truncates each fetched file.
	MaxFileChars = 5000

	// fallbackConfidence is used when no model is available.
	fallbackConfidence = 0.3
)

// SuggestedChange is one planned modification.
type SuggestedChange struct {
	Path        string `json:"path"`
	Kind        string `json:"kind"` // modify, create, delete
	Description string `json:"description"`
}

// Report is the structured investigation outcome.
type Report struct {
	SuggestedChanges []SuggestedChange `json:"suggested_changes"`
	Dependencies     []string          `json:"dependencies"`
	Confidence       float64           `json:"confidence"`
	Notes            string            `json:"notes"`
}

// Investigator runs the investigation.
type Investigator struct {
	forge  forge.Interface
	client llm.Interface
}

// New wires an investigator.
func New(f forge.Interface, client llm.Interface) *Investigator {
	return &Investigator{forge: f, client: client}
}

var identifierRe = regexp.MustCompile(`\b[A-Z][A-Za-z0-9_]{2,}\b`)

// searchTerms derives code-search queries from capitalized identifiers in
// the proposed approach plus salient keywords from the reasoning.
func searchTerms(eval *evaluator.Evaluation) []string {
	seen := map[string]bool{}
	var terms []string
	add := func(term string) {
		if term == "" || seen[term] || len(terms) >= MaxSearches {
			return
		}
		seen[term] = true
		terms = append(terms, term)
	}

	for _, ident := range identifierRe.FindAllString(eval.ProposedApproach, -1) {
		add(ident)
	}
	for _, word := range strings.Fields(eval.Reasoning) {
		word = strings.Trim(word, ".,;:()\"'`")
		if len(word) >= 6 && strings.ToLower(word) == word {
			add(word)
		}
	}
	return terms
}

// Investigate produces a report for an approved evaluation. Without a
// model it falls back to surfacing the affected files as modifications.
func (i *Investigator) Investigate(ctx context.Context, repo forge.Repo, issue *forge.Issue, eval *evaluator.Evaluation) (*Report, error) {
	log := clog.FromContext(ctx)

	branch, err := i.forge.GetDefaultBranch(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("resolving default branch: %w", err)
	}

	var repoCtx strings.Builder
	files := eval.AffectedFiles
	if len(files) > MaxFiles {
		files = files[:MaxFiles]
	}
	for _, p := range files {
		content, err := i.forge.GetFileContent(ctx, repo, branch, p)
		if err != nil {
			log.With("path", p).With("error", err).Warn("Failed to fetch affected file")
			continue
		}
		fmt.Fprintf(&repoCtx, "\n--- %s ---\n%s\n", p, truncate(content, MaxFileChars))
	}

	for _, term := range searchTerms(eval) {
		matches, err := i.forge.SearchCode(ctx, repo, term)
		if err != nil {
			log.With("term", term).With("error", err).Warn("Code search failed")
			continue
		}
		if len(matches) > 0 {
			fmt.Fprintf(&repoCtx, "\nSearch %q matched: %s\n", term, strings.Join(matches, ", "))
		}
	}

	if i.client == nil {
		return heuristicReport(eval), nil
	}

	frame := llm.NewFrame()
	system := frame.Instructions() + "\n\n" +
		"You are planning a code change for an approved issue. Using the evaluation and the " +
		"repository context, reply with one JSON object: " +
		`{"suggested_changes": [{"path": "", "kind": "modify|create|delete", "description": ""}], ` +
		`"dependencies": [], "confidence": 0.0-1.0, "notes": ""}`

	response, err := llm.Complete(ctx, i.client, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: fmt.Sprintf(
			"Evaluation:\nreasoning: %s\napproach: %s\n\nRepository context:\n%s\n\nIssue:\n%s",
			eval.Reasoning, eval.ProposedApproach, repoCtx.String(),
			frame.Wrap(sanitize.Sanitize(issue.Title+"\n"+issue.Body).Sanitized))},
	})
	if err != nil {
		log.With("error", err).Warn("Investigation model call failed, using heuristic report")
		return heuristicReport(eval), nil
	}
	if !frame.CheckCanary(response) {
		log.Warn("Investigation response missing canary, using heuristic report")
		return heuristicReport(eval), nil
	}

	report, err := llm.ExtractFirstJSON[Report](response)
	if err != nil {
		log.With("error", err).Warn("Unparseable investigation report, using heuristic report")
		return heuristicReport(eval), nil
	}
	if report.Confidence < 0 {
		report.Confidence = 0
	}
	if report.Confidence > 1 {
		report.Confidence = 1
	}
	return &report, nil
}

// heuristicReport surfaces the evaluation's affected files as plain
// modifications.
func heuristicReport(eval *evaluator.Evaluation) *Report {
	r := &Report{Confidence: fallbackConfidence, Notes: "heuristic fallback: no model synthesis"}
	for _, p := range eval.AffectedFiles {
		r.SuggestedChanges = append(r.SuggestedChanges, SuggestedChange{
			Path:        p,
			Kind:        "modify",
			Description: "identified by evaluation as affected",
		})
	}
	return r
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
