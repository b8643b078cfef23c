/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package analyzer scores pull requests that compete with ours for the
// same issue, and plans a synthesis when a competitor is clearly ahead
// or the field collectively contributes things ours lacks. Plans are
// posted for humans; nothing is ever merged.
package analyzer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"chainguard.dev/argus/forge"
	"chainguard.dev/argus/llm"
	"chainguard.dev/argus/sanitize"
	"chainguard.dev/argus/stamp"
	"chainguard.dev/argus/trust"
	"github.com/chainguard-dev/clog"
)

// Composite score weights.
const (
	weightCorrectness    = 0.30
	weightCompleteness   = 0.20
	weightCodeQuality    = 0.20
	weightTestCoverage   = 0.15
	weightMinimalness    = 0.15
	failingCIPenalty     = 0.2
	trustBonusFactor     = 0.05
	synthesisScoreMargin = 0.15
	synthesisMinUnique   = 3
)

// maxPatchChars truncates each competitor's diff in the scoring prompt.
const maxPatchChars = 6000

// Dimensions are the per-axis scores in [0,1].
type Dimensions struct {
	Correctness         float64 `json:"correctness"`
	Completeness        float64 `json:"completeness"`
	CodeQuality         float64 `json:"code_quality"`
	TestCoverage        float64 `json:"test_coverage"`
	MinimalInvasiveness float64 `json:"minimal_invasiveness"`
}

// Score is one PR's full assessment.
type Score struct {
	PR         forge.PullRequest
	Dimensions Dimensions
	// UniqueContributions are strengths this PR has that ours lacks.
	UniqueContributions []string
	CIFailing           bool
	TrustScore          float64
	Composite           float64
	// OtherArgus marks a PR stamped by a different instance of this
	// agent.
	OtherArgus bool
}

// Conflict is an overlapping-change collision between two source PRs.
type Conflict struct {
	PRA, PRB int
	Path     string
}

// SynthesisPlan describes how to combine the best parts of the field.
type SynthesisPlan struct {
	// Sources are PR numbers ordered by composite score, best first.
	Sources []int
	// Strengths maps each source PR to the contributions to take from it.
	Strengths map[int][]string
	// ProjectedScore estimates the combined result.
	ProjectedScore float64
	Conflicts      []Conflict
}

// Analysis is the full outcome for one issue.
type Analysis struct {
	OurScore    *Score
	Competitors []Score
	// Synthesize is set when the synthesis trigger fired.
	Synthesize bool
	Reason     string
	Plan       *SynthesisPlan
}

// Analyzer scores and plans.
type Analyzer struct {
	forge  forge.Interface
	client llm.Interface
	trust  *trust.Resolver
	stamps *stamp.Manager
}

// New wires an analyzer.
func New(f forge.Interface, client llm.Interface, resolver *trust.Resolver, stamps *stamp.Manager) *Analyzer {
	return &Analyzer{forge: f, client: client, trust: resolver, stamps: stamps}
}

// CompetingPRs lists open PRs referencing the issue, split into ours and
// the rest. Ours is identified by its number.
func (a *Analyzer) CompetingPRs(ctx context.Context, repo forge.Repo, issueNumber, ourPR int) (ours *forge.PullRequest, competitors []forge.PullRequest, err error) {
	prs, err := a.forge.ListPullRequestsForIssue(ctx, repo, issueNumber)
	if err != nil {
		return nil, nil, fmt.Errorf("listing PRs for issue #%d: %w", issueNumber, err)
	}
	for i := range prs {
		if prs[i].Number == ourPR {
			ours = &prs[i]
			continue
		}
		competitors = append(competitors, prs[i])
	}
	return ours, competitors, nil
}

// Analyze scores our PR and every competitor, then decides whether to
// synthesize.
func (a *Analyzer) Analyze(ctx context.Context, repo forge.Repo, issue *forge.Issue, ourPR int) (*Analysis, error) {
	log := clog.FromContext(ctx).With("repo", repo.Key()).With("issue", issue.Number)

	ours, competitors, err := a.CompetingPRs(ctx, repo, issue.Number, ourPR)
	if err != nil {
		return nil, err
	}

	analysis := &Analysis{}
	if ours != nil {
		score, err := a.scorePR(ctx, repo, issue, *ours, true)
		if err != nil {
			return nil, fmt.Errorf("scoring our PR #%d: %w", ours.Number, err)
		}
		analysis.OurScore = score
	}

	for _, pr := range competitors {
		score, err := a.scorePR(ctx, repo, issue, pr, false)
		if err != nil {
			log.With("pr", pr.Number).With("error", err).Warn("Failed to score competitor, skipping")
			continue
		}
		analysis.Competitors = append(analysis.Competitors, *score)
	}

	a.decide(analysis)
	if analysis.Synthesize {
		plan, err := a.plan(ctx, repo, analysis)
		if err != nil {
			return nil, fmt.Errorf("planning synthesis: %w", err)
		}
		analysis.Plan = plan
	}
	return analysis, nil
}

// scoreVerdict is the model's reply schema for one PR.
type scoreVerdict struct {
	Dimensions
	UniqueContributions []string `json:"unique_contributions"`
}

func (a *Analyzer) scorePR(ctx context.Context, repo forge.Repo, issue *forge.Issue, pr forge.PullRequest, isOurs bool) (*Score, error) {
	score := &Score{PR: pr}

	// A stamp from another instance tags other-Argus PRs; moderation and
	// scoring still apply to them like any competitor.
	if !isOurs {
		if _, s, ok := stamp.Extract(pr.Body); ok {
			v := a.stamps.Verify(pr.Body, 0)
			score.OtherArgus = !v.IsOurInstance && s != nil
		}
	}

	files, err := a.forge.ListPRFiles(ctx, repo, pr.Number)
	if err != nil {
		return nil, fmt.Errorf("listing files for PR #%d: %w", pr.Number, err)
	}

	checks, err := a.forge.GetCheckRuns(ctx, repo, pr.HeadSHA)
	if err != nil {
		return nil, fmt.Errorf("fetching checks for PR #%d: %w", pr.Number, err)
	}
	for _, c := range checks {
		if c.Status == "completed" && c.Conclusion != "success" && c.Conclusion != "neutral" && c.Conclusion != "skipped" {
			score.CIFailing = true
			break
		}
	}

	profile, err := a.trust.Resolve(ctx, repo, pr.User)
	if err != nil {
		return nil, fmt.Errorf("resolving trust for %s: %w", pr.User, err)
	}
	score.TrustScore = profile.EffectiveScore

	verdict, err := a.scoreWithModel(ctx, issue, pr, files)
	if err != nil {
		return nil, err
	}
	score.Dimensions = clampDimensions(verdict.Dimensions)
	score.UniqueContributions = verdict.UniqueContributions

	score.Composite = composite(score.Dimensions, score.CIFailing, score.TrustScore)
	return score, nil
}

func (a *Analyzer) scoreWithModel(ctx context.Context, issue *forge.Issue, pr forge.PullRequest, files []forge.PRFile) (*scoreVerdict, error) {
	frame := llm.NewFrame()
	system := frame.Instructions() + "\n\n" +
		"You are reviewing a pull request that claims to fix an issue. Score it on five axes, " +
		"each 0.0-1.0, and list strengths unique to this PR. Reply with exactly one JSON object: " +
		`{"correctness": 0.0, "completeness": 0.0, "code_quality": 0.0, "test_coverage": 0.0, ` +
		`"minimal_invasiveness": 0.0, "unique_contributions": []}`

	var diff strings.Builder
	for _, f := range files {
		fmt.Fprintf(&diff, "\n--- %s (%s, +%d -%d) ---\n%s\n", f.Path, f.Status, f.Additions, f.Deletions, f.Patch)
		if diff.Len() > maxPatchChars {
			diff.WriteString("\n[diff truncated]\n")
			break
		}
	}

	user := fmt.Sprintf("Issue:\n%s\n\nPR title and description:\n%s\n\nDiff:\n%s",
		frame.Wrap(sanitize.Sanitize(issue.Title+"\n"+issue.Body).Sanitized),
		frame.Wrap(sanitize.Sanitize(pr.Title+"\n"+pr.Body).Sanitized),
		diff.String())

	response, err := llm.Complete(ctx, a.client, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	})
	if err != nil {
		return nil, fmt.Errorf("scoring PR #%d: %w", pr.Number, err)
	}
	if !frame.CheckCanary(response) {
		return nil, fmt.Errorf("scoring PR #%d: %w", pr.Number, llm.ErrCanaryMissing)
	}
	verdict, err := llm.ExtractFirstJSON[scoreVerdict](response)
	if err != nil {
		return nil, fmt.Errorf("parsing score for PR #%d: %w", pr.Number, err)
	}
	return &verdict, nil
}

func composite(d Dimensions, ciFailing bool, trustScore float64) float64 {
	score := weightCorrectness*d.Correctness +
		weightCompleteness*d.Completeness +
		weightCodeQuality*d.CodeQuality +
		weightTestCoverage*d.TestCoverage +
		weightMinimalness*d.MinimalInvasiveness
	if ciFailing {
		score -= failingCIPenalty
	}
	score += trustBonusFactor * trustScore
	return score
}

func clampDimensions(d Dimensions) Dimensions {
	clamp := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	return Dimensions{
		Correctness:         clamp(d.Correctness),
		Completeness:        clamp(d.Completeness),
		CodeQuality:         clamp(d.CodeQuality),
		TestCoverage:        clamp(d.TestCoverage),
		MinimalInvasiveness: clamp(d.MinimalInvasiveness),
	}
}

// decide fires the synthesis trigger: best competitor ahead by the
// margin, or enough unique contributions across the field.
func (a *Analyzer) decide(analysis *Analysis) {
	if len(analysis.Competitors) == 0 {
		return
	}

	ourScore := 0.0
	if analysis.OurScore != nil {
		ourScore = analysis.OurScore.Composite
	}

	best := analysis.Competitors[0]
	for _, c := range analysis.Competitors[1:] {
		if c.Composite > best.Composite {
			best = c
		}
	}

	unique := map[string]bool{}
	for _, c := range analysis.Competitors {
		for _, contribution := range c.UniqueContributions {
			unique[strings.ToLower(strings.TrimSpace(contribution))] = true
		}
	}

	switch {
	case best.Composite-ourScore >= synthesisScoreMargin:
		analysis.Synthesize = true
		analysis.Reason = fmt.Sprintf("PR #%d outscores ours by %.2f", best.PR.Number, best.Composite-ourScore)
	case len(unique) >= synthesisMinUnique:
		analysis.Synthesize = true
		analysis.Reason = fmt.Sprintf("competitors contribute %d unique strengths", len(unique))
	}
}

// plan orders sources by score, assigns each its strengths, projects the
// combined score, and detects overlapping-change conflicts.
func (a *Analyzer) plan(ctx context.Context, repo forge.Repo, analysis *Analysis) (*SynthesisPlan, error) {
	sources := make([]Score, 0, len(analysis.Competitors)+1)
	if analysis.OurScore != nil {
		sources = append(sources, *analysis.OurScore)
	}
	sources = append(sources, analysis.Competitors...)
	sort.Slice(sources, func(i, j int) bool { return sources[i].Composite > sources[j].Composite })

	plan := &SynthesisPlan{Strengths: make(map[int][]string)}
	projected := 0.0
	for i, s := range sources {
		plan.Sources = append(plan.Sources, s.PR.Number)
		plan.Strengths[s.PR.Number] = s.UniqueContributions
		if i == 0 {
			projected = s.Composite
		} else {
			// Each additional source contributes diminishing value.
			projected += 0.05 * float64(len(s.UniqueContributions))
		}
	}
	if projected > 1 {
		projected = 1
	}
	plan.ProjectedScore = projected

	conflicts, err := a.detectConflicts(ctx, repo, plan.Sources)
	if err != nil {
		return nil, err
	}
	plan.Conflicts = conflicts
	return plan, nil
}

// Render formats the plan as a markdown comment body (unstamped; the
// caller stamps it).
func (p *SynthesisPlan) Render() string {
	var b strings.Builder
	b.WriteString("## Synthesis plan\n\nCombining the strongest parts of the competing PRs, best first:\n")
	for _, n := range p.Sources {
		fmt.Fprintf(&b, "\n- #%d", n)
		for _, s := range p.Strengths[n] {
			fmt.Fprintf(&b, "\n  - %s", s)
		}
	}
	fmt.Fprintf(&b, "\n\nProjected composite score: %.2f\n", p.ProjectedScore)
	if len(p.Conflicts) > 0 {
		b.WriteString("\nConflicts requiring manual resolution:\n")
		for _, c := range p.Conflicts {
			fmt.Fprintf(&b, "- #%d and #%d both modify `%s`\n", c.PRA, c.PRB, c.Path)
		}
	}
	b.WriteString("\nNo merge will be performed; this plan is advisory.\n")
	return b.String()
}
