/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package chaindetect_test

import (
	"context"
	"testing"
	"time"

	"chainguard.dev/argus/forge"
	"chainguard.dev/argus/pipeline/chaindetect"
)

var repo = forge.Repo{Platform: forge.PlatformGitHub, Owner: "octo", Name: "widgets"}

func pr(number int, head, base, body string) forge.PullRequest {
	return forge.PullRequest{Number: number, HeadRef: head, BaseRef: base, Body: body, Title: "change"}
}

func TestBuildGraphBaseBranchLinkage(t *testing.T) {
	prs := []forge.PullRequest{
		pr(1, "feature-a", "main", ""),
		pr(2, "feature-b", "feature-a", ""),
		pr(3, "feature-c", "feature-b", ""),
	}
	nodes := chaindetect.BuildGraph(prs)

	for i, want := range []int{0, 1, 2} {
		if nodes[i].Depth != want {
			t.Errorf("node %d depth = %d, want %d", i, nodes[i].Depth, want)
		}
	}
	if got := chaindetect.Trace(nodes, chaindetect.ChainOf(nodes, 2)); got != "#1 -> #2 -> #3" {
		t.Errorf("Trace = %q", got)
	}
}

func TestBuildGraphBranchNaming(t *testing.T) {
	prs := []forge.PullRequest{
		pr(10, "argus/issue-4", "main", ""),
		pr(11, "sub-pr-10-fixup", "main", ""),
	}
	nodes := chaindetect.BuildGraph(prs)
	if nodes[1].Depth != 1 {
		t.Errorf("child depth = %d, want 1", nodes[1].Depth)
	}
	if len(nodes[1].Parents) != 1 || nodes[1].Parents[0] != 0 {
		t.Errorf("parents = %v", nodes[1].Parents)
	}
}

func TestBuildGraphBodyReference(t *testing.T) {
	prs := []forge.PullRequest{
		pr(5, "a", "main", ""),
		pr(8, "b", "main", "Follows up on #5 with more tests."),
	}
	nodes := chaindetect.BuildGraph(prs)
	if nodes[1].Depth != 1 {
		t.Errorf("depth = %d, want 1", nodes[1].Depth)
	}

	// Forward references never create edges.
	prs = []forge.PullRequest{
		pr(5, "a", "main", "see #8"),
		pr(8, "b", "main", ""),
	}
	nodes = chaindetect.BuildGraph(prs)
	if len(nodes[0].Parents) != 0 {
		t.Errorf("forward reference created edge: %v", nodes[0].Parents)
	}
}

func TestBuildGraphCycle(t *testing.T) {
	// Mutual base/head linkage forms a cycle; both nodes exceed the depth
	// cap and are marked for disengagement.
	prs := []forge.PullRequest{
		pr(1, "a", "b", ""),
		pr(2, "b", "a", ""),
	}
	nodes := chaindetect.BuildGraph(prs)
	for i := range nodes {
		if nodes[i].Depth != chaindetect.MaxChainDepth+1 {
			t.Errorf("cycle node %d depth = %d, want %d", i, nodes[i].Depth, chaindetect.MaxChainDepth+1)
		}
	}
}

type fakeForge struct {
	forge.Interface
	reviews map[int][]string
}

func (f *fakeForge) ListPRReviewComments(_ context.Context, _ forge.Repo, prNumber int) ([]forge.ReviewComment, error) {
	var comments []forge.ReviewComment
	for _, body := range f.reviews[prNumber] {
		comments = append(comments, forge.ReviewComment{Comment: forge.Comment{Body: body}})
	}
	return comments, nil
}

func chainPRs(n int) []forge.PullRequest {
	prs := make([]forge.PullRequest, 0, n)
	base := "main"
	for i := 1; i <= n; i++ {
		head := string(rune('a' + i - 1))
		prs = append(prs, pr(i, head, base, ""))
		base = head
	}
	return prs
}

func TestAssessEngagesShallow(t *testing.T) {
	d := chaindetect.New(&fakeForge{})
	dec, err := d.Assess(context.Background(), repo, chainPRs(2), 2)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Engage || dec.Disengage {
		t.Errorf("Decision = %+v, want engage", dec)
	}
	if dec.Depth != 1 {
		t.Errorf("Depth = %d, want 1", dec.Depth)
	}
}

func TestAssessDisengagesBeyondDepthCap(t *testing.T) {
	d := chaindetect.New(&fakeForge{})
	dec, err := d.Assess(context.Background(), repo, chainPRs(5), 5)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Engage || !dec.Disengage {
		t.Fatalf("Decision = %+v, want disengage", dec)
	}
	if dec.Trace != "#1 -> #2 -> #3 -> #4 -> #5" {
		t.Errorf("Trace = %q", dec.Trace)
	}

	// Disengagement is final for the chain: the second assessment neither
	// engages nor asks to disengage again.
	dec, err = d.Assess(context.Background(), repo, chainPRs(5), 5)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Engage || dec.Disengage {
		t.Errorf("second Decision = %+v, want silent skip", dec)
	}
}

func TestAssessFeedbackRepetition(t *testing.T) {
	review := "Please handle the nil case in the parser before merging."
	f := &fakeForge{reviews: map[int][]string{
		1: {review},
		2: {review},
		3: {review},
	}}
	d := chaindetect.New(f)

	dec, err := d.Assess(context.Background(), repo, chainPRs(3), 3)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Disengage {
		t.Fatalf("Decision = %+v, want disengage on repeated feedback", dec)
	}
}

func TestAssessDistinctFeedbackEngages(t *testing.T) {
	f := &fakeForge{reviews: map[int][]string{
		1: {"Handle the nil case."},
		2: {"Add a regression test."},
		3: {"Rename the helper for clarity."},
	}}
	d := chaindetect.New(f)

	dec, err := d.Assess(context.Background(), repo, chainPRs(3), 3)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Engage {
		t.Errorf("Decision = %+v, want engage", dec)
	}
}

func TestAssessIgnoresCodeInFeedback(t *testing.T) {
	// The same code block with different prose is not repetition.
	f := &fakeForge{reviews: map[int][]string{
		1: {"Fix this:\n```go\nreturn nil\n```"},
		2: {"Different remark entirely.\n```go\nreturn nil\n```"},
		3: {"A third unrelated point.\n```go\nreturn nil\n```"},
	}}
	d := chaindetect.New(f)

	dec, err := d.Assess(context.Background(), repo, chainPRs(3), 3)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Engage {
		t.Errorf("Decision = %+v, want engage", dec)
	}
}

func TestAssessUnknownPR(t *testing.T) {
	d := chaindetect.New(&fakeForge{})
	dec, err := d.Assess(context.Background(), repo, chainPRs(2), 99)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Engage {
		t.Errorf("Decision = %+v, want engage for untracked PR", dec)
	}
}

func TestIsWIP(t *testing.T) {
	tests := []struct {
		pr   forge.PullRequest
		want bool
	}{
		{forge.PullRequest{Title: "[WIP] parser fix"}, true},
		{forge.PullRequest{Title: "WIP: parser fix"}, true},
		{forge.PullRequest{Title: "Draft: parser fix"}, true},
		{forge.PullRequest{Title: "[Draft] parser fix"}, true},
		{forge.PullRequest{Title: "parser fix 🚧"}, true},
		{forge.PullRequest{Title: "parser fix", Draft: true}, true},
		{forge.PullRequest{Title: "parser fix"}, false},
		{forge.PullRequest{Title: "fix wip handling"}, false},
	}

	for _, test := range tests {
		if got := chaindetect.IsWIP(test.pr); got != test.want {
			t.Errorf("IsWIP(%q, draft=%v) = %v, want %v", test.pr.Title, test.pr.Draft, got, test.want)
		}
	}
}

func TestAckLimiter(t *testing.T) {
	l := chaindetect.NewAckLimiter(2, time.Hour)

	if !l.Allow(repo, 7) || !l.Allow(repo, 7) {
		t.Fatal("first two acks denied")
	}
	if l.Allow(repo, 7) {
		t.Error("third ack within window allowed")
	}
	// Budgets are per PR.
	if !l.Allow(repo, 8) {
		t.Error("unrelated PR denied")
	}
}
