/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package evaluator renders a merit verdict for an issue through a
// bounded multi-turn LLM dialogue. The model may request repository files
// with a READ_FILES directive before committing to a verdict; all
// untrusted text is framed under the canary/boundary protocol.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chainguard.dev/argus/forge"
	"chainguard.dev/argus/llm"
	"chainguard.dev/argus/sanitize"
	"github.com/chainguard-dev/clog"
	"github.com/invopop/jsonschema"
)

const (
	// MaxTurns bounds the exploration loop.
	MaxTurns = 5
	// MaxFilesPerTurn caps a single READ_FILES directive.
	MaxFilesPerTurn = 10
	// MaxFileChars truncates each fetched file.
	MaxFileChars = 8000

	directivePrefix = "READ_FILES:"
)

// Labels attached on fail-open outcomes.
const (
	LabelParseFailure  = "argus:parse-failure"
	LabelNeedsReview   = "argus:needs-review"
	LabelCanaryFailure = "argus:canary-failure"
)

// Severity and category enumerations.
var (
	Severities = []string{"critical", "high", "medium", "low", "trivial"}
	Categories = []string{"bug", "feature", "improvement", "docs", "question", "duplicate", "invalid"}
)

// Evaluation is the verdict. Immutable once stored.
type Evaluation struct {
	Merit            bool     `json:"merit"`
	Confidence       float64  `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Reasoning        string   `json:"reasoning"`
	ProposedApproach string   `json:"proposed_approach"`
	AffectedFiles    []string `json:"affected_files"`
	SuggestedLabels  []string `json:"suggested_labels"`
	Severity         string   `json:"severity" jsonschema:"enum=critical,enum=high,enum=medium,enum=low,enum=trivial"`
	Category         string   `json:"category" jsonschema:"enum=bug,enum=feature,enum=improvement,enum=docs,enum=question,enum=duplicate,enum=invalid"`
	DuplicateOf      int      `json:"duplicate_of,omitempty"`
}

// manifestFiles are the well-known files included in the initial snapshot.
var manifestFiles = []string{
	"README.md", "package.json", "go.mod", "Cargo.toml",
	"pyproject.toml", "requirements.txt", "pom.xml", "Makefile",
}

// Evaluator drives the dialogue.
type Evaluator struct {
	forge  forge.Interface
	client llm.Interface
}

// New wires an evaluator.
func New(f forge.Interface, client llm.Interface) *Evaluator {
	return &Evaluator{forge: f, client: client}
}

// responseSchema is the JSON schema the model is asked to follow,
// reflected once from the Evaluation type.
var responseSchema = func() string {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	data, err := json.Marshal(reflector.Reflect(&Evaluation{}))
	if err != nil {
		panic(fmt.Sprintf("reflecting evaluation schema: %v", err))
	}
	return string(data)
}()

// Evaluate renders a verdict for the issue. It returns llm.ErrUnavailable
// when no model is configured.
func (e *Evaluator) Evaluate(ctx context.Context, repo forge.Repo, issue *forge.Issue) (*Evaluation, error) {
	if e.client == nil {
		return nil, llm.ErrUnavailable
	}
	log := clog.FromContext(ctx)

	snapshot, err := e.snapshot(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("building repository snapshot: %w", err)
	}

	frame := llm.NewFrame()
	title := sanitize.Sanitize(issue.Title)
	body := sanitize.Sanitize(issue.Body)

	system := frame.Instructions() + "\n\n" +
		"You evaluate issues reported against a software repository. Default to merit=true: " +
		"merit=false is reserved for clearly invalid, spam, or nonsensical reports. " +
		"You may reply with a line of the form\n" +
		"  READ_FILES: path/one, path/two\n" +
		"to request up to " + fmt.Sprint(MaxFilesPerTurn) + " files before deciding. " +
		"When you are ready, reply with a single JSON object matching this schema:\n" + responseSchema

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: snapshot + "\n\nIssue under evaluation:\n" +
			frame.Wrap("Title: "+title.Sanitized+"\n\n"+body.Sanitized)},
	}

	for turn := 0; turn < MaxTurns; turn++ {
		response, err := llm.Complete(ctx, e.client, messages)
		if err != nil {
			if errors.Is(err, llm.ErrUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("evaluation turn %d: %w", turn, err)
		}

		if paths, ok := parseDirective(response); ok && turn < MaxTurns-1 {
			log.With("turn", turn).With("files", len(paths)).Info("Evaluator requested files")
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: response},
				llm.Message{Role: llm.RoleUser, Content: e.fetchFiles(ctx, repo, paths)})
			continue
		}

		if !frame.CheckCanary(response) {
			log.Warn("Evaluator response missing canary, failing open to human triage")
			return failOpen(0.3, "canary missing from evaluation response", LabelCanaryFailure), nil
		}

		verdict, err := llm.ExtractFirstJSON[Evaluation](response)
		if err != nil {
			log.With("error", err).Warn("Unparseable evaluation, failing open to human triage")
			return failOpen(0.25, "evaluation response could not be parsed", LabelParseFailure, LabelNeedsReview), nil
		}
		normalize(&verdict)
		return &verdict, nil
	}

	// The model spent every turn exploring without rendering a verdict.
	return failOpen(0.25, "evaluation turn budget exhausted without a verdict", LabelNeedsReview), nil
}

// failOpen is the safe default: surface the issue for human triage rather
// than silently dropping a possibly valid report.
func failOpen(confidence float64, reasoning string, labels ...string) *Evaluation {
	return &Evaluation{
		Merit:           true,
		Confidence:      confidence,
		Reasoning:       reasoning,
		Severity:        "medium",
		Category:        "bug",
		SuggestedLabels: labels,
	}
}

func normalize(e *Evaluation) {
	if e.Confidence < 0 {
		e.Confidence = 0
	}
	if e.Confidence > 1 {
		e.Confidence = 1
	}
	if !contains(Severities, e.Severity) {
		e.Severity = "medium"
	}
	if !contains(Categories, e.Category) {
		e.Category = "bug"
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// parseDirective extracts a READ_FILES request, capped at
// MaxFilesPerTurn paths.
func parseDirective(response string) ([]string, bool) {
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, directivePrefix)
		if !ok {
			continue
		}
		var paths []string
		for _, p := range strings.Split(rest, ",") {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
			if len(paths) == MaxFilesPerTurn {
				break
			}
		}
		if len(paths) > 0 {
			return paths, true
		}
	}
	return nil, false
}

// snapshot assembles the initial repository context: README, well-known
// manifests, and a compact whole-tree listing.
func (e *Evaluator) snapshot(ctx context.Context, repo forge.Repo) (string, error) {
	branch, err := e.forge.GetDefaultBranch(ctx, repo)
	if err != nil {
		return "", fmt.Errorf("resolving default branch: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("Repository: " + repo.FullName() + "\n")

	for _, name := range manifestFiles {
		content, err := e.forge.GetFileContent(ctx, repo, branch, name)
		if err != nil || content == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", name, truncate(content, MaxFileChars))
	}

	if tree, err := e.forge.ListTree(ctx, repo, branch, "", true); err != nil {
		clog.FromContext(ctx).With("error", err).Warn("Failed to list repository tree")
	} else {
		sb.WriteString("\n--- file tree ---\n")
		sb.WriteString(strings.Join(tree, "\n"))
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

func (e *Evaluator) fetchFiles(ctx context.Context, repo forge.Repo, paths []string) string {
	log := clog.FromContext(ctx)
	branch, err := e.forge.GetDefaultBranch(ctx, repo)
	if err != nil {
		return "Could not resolve the default branch; decide from what you have."
	}

	var sb strings.Builder
	sb.WriteString("Requested files:\n")
	for _, p := range paths {
		content, err := e.forge.GetFileContent(ctx, repo, branch, p)
		if err != nil {
			log.With("path", p).With("error", err).Warn("Failed to fetch requested file")
			fmt.Fprintf(&sb, "\n--- %s ---\n(unavailable)\n", p)
			continue
		}
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", p, truncate(content, MaxFileChars))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
