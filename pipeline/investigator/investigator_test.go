/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package investigator_test

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"chainguard.dev/argus/forge"
	"chainguard.dev/argus/llm"
	"chainguard.dev/argus/pipeline/evaluator"
	"chainguard.dev/argus/pipeline/investigator"
)

var repo = forge.Repo{Platform: forge.PlatformGitHub, Owner: "octo", Name: "widgets"}

type fakeForge struct {
	forge.Interface
	files    map[string]string
	searches []string
}

func (f *fakeForge) GetDefaultBranch(context.Context, forge.Repo) (string, error) {
	return "main", nil
}

func (f *fakeForge) GetFileContent(_ context.Context, _ forge.Repo, _, path string) (string, error) {
	return f.files[path], nil
}

func (f *fakeForge) SearchCode(_ context.Context, _ forge.Repo, query string) ([]string, error) {
	f.searches = append(f.searches, query)
	return []string{"internal/parser/parser.go"}, nil
}

var canaryRe = regexp.MustCompile(`include the token ([0-9a-f]{16}) verbatim`)

type scriptedModel struct {
	reply   string
	prompts []string
}

func (m *scriptedModel) Send(_ context.Context, messages []llm.Message) (<-chan string, error) {
	m.prompts = append(m.prompts, messages[len(messages)-1].Content)
	reply := m.reply
	if match := canaryRe.FindStringSubmatch(messages[0].Content); match != nil {
		reply = match[1] + "\n" + reply
	}
	ch := make(chan string, 1)
	ch <- reply
	close(ch)
	return ch, nil
}

var eval = &evaluator.Evaluation{
	Reasoning:        "the parser mishandles empty input causing a panic downstream",
	ProposedApproach: "guard ParseInput against nil before calling Tokenize",
	AffectedFiles:    []string{"internal/parser/parser.go"},
}

var issue = &forge.Issue{Number: 7, Title: "parser crash", Body: "panic on empty input"}

func TestInvestigateWithModel(t *testing.T) {
	f := &fakeForge{files: map[string]string{"internal/parser/parser.go": "package parser"}}
	model := &scriptedModel{reply: `{
		"suggested_changes": [{"path": "internal/parser/parser.go", "kind": "modify", "description": "nil guard"}],
		"dependencies": [],
		"confidence": 0.85,
		"notes": "small change"
	}`}

	report, err := investigator.New(f, model).Investigate(context.Background(), repo, issue, eval)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.SuggestedChanges) != 1 || report.SuggestedChanges[0].Kind != "modify" {
		t.Errorf("SuggestedChanges = %+v", report.SuggestedChanges)
	}
	if report.Confidence != 0.85 {
		t.Errorf("Confidence = %v", report.Confidence)
	}

	// Capitalized identifiers from the approach drive code searches.
	joined := strings.Join(f.searches, " ")
	if !strings.Contains(joined, "ParseInput") || !strings.Contains(joined, "Tokenize") {
		t.Errorf("searches = %v", f.searches)
	}

	// The prompt carries the fetched file and the search results.
	prompt := model.prompts[0]
	for _, want := range []string{"--- internal/parser/parser.go ---", "package parser", `Search "ParseInput" matched`} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestInvestigateClampsConfidence(t *testing.T) {
	f := &fakeForge{}
	model := &scriptedModel{reply: `{"suggested_changes": [], "confidence": 4.2}`}

	report, err := investigator.New(f, model).Investigate(context.Background(), repo, issue, eval)
	if err != nil {
		t.Fatal(err)
	}
	if report.Confidence != 1 {
		t.Errorf("Confidence = %v, want clamped to 1", report.Confidence)
	}
}

func TestInvestigateUnparseableFallsBack(t *testing.T) {
	f := &fakeForge{}
	model := &scriptedModel{reply: "I cannot answer in JSON today."}

	report, err := investigator.New(f, model).Investigate(context.Background(), repo, issue, eval)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.SuggestedChanges) != 1 || report.SuggestedChanges[0].Path != "internal/parser/parser.go" {
		t.Errorf("fallback changes = %+v", report.SuggestedChanges)
	}
	if report.Confidence >= 0.5 {
		t.Errorf("fallback confidence = %v, want low", report.Confidence)
	}
}

func TestInvestigateNoModel(t *testing.T) {
	f := &fakeForge{}
	report, err := investigator.New(f, nil).Investigate(context.Background(), repo, issue, eval)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.SuggestedChanges) != 1 {
		t.Errorf("heuristic changes = %+v", report.SuggestedChanges)
	}
	if !strings.Contains(report.Notes, "heuristic") {
		t.Errorf("Notes = %q", report.Notes)
	}
}
