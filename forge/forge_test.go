/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package forge_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"chainguard.dev/argus/forge"
)

var repo = forge.Repo{Platform: forge.PlatformGitHub, Owner: "octo", Name: "widgets"}

func TestRepoKeys(t *testing.T) {
	if got := repo.Key(); got != "github:octo/widgets" {
		t.Errorf("Key = %q", got)
	}
	if got := repo.FullName(); got != "octo/widgets" {
		t.Errorf("FullName = %q", got)
	}
}

func TestCanonicalRole(t *testing.T) {
	tests := []struct {
		native string
		want   forge.Role
	}{
		{"owner", forge.RoleOwner},
		{"admin", forge.RoleAdmin},
		{"maintain", forge.RoleMaintainer},
		{"maintainer", forge.RoleMaintainer},
		{"write", forge.RoleWrite},
		{"push", forge.RoleWrite},
		{"developer", forge.RoleWrite},
		{"triage", forge.RoleTriage},
		{"read", forge.RoleRead},
		{"pull", forge.RoleRead},
		{"reporter", forge.RoleRead},
		{"guest", forge.RoleRead},
		{"", forge.RoleNone},
		{"something-new", forge.RoleNone},
	}

	for _, test := range tests {
		if got := forge.CanonicalRole(test.native); got != test.want {
			t.Errorf("CanonicalRole(%q) = %q, want %q", test.native, got, test.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	wrapped := fmt.Errorf("listing issues: %w", forge.ErrTransient)
	if !forge.IsTransient(wrapped) {
		t.Error("wrapped sentinel not recognized")
	}
	if forge.IsTransient(errors.New("permanent")) {
		t.Error("unrelated error reported transient")
	}
}

// writeRecorder fails loudly if any write reaches the inner forge.
type writeRecorder struct {
	forge.Interface
	t *testing.T
}

func (w *writeRecorder) GetIssue(_ context.Context, _ forge.Repo, number int) (*forge.Issue, error) {
	return &forge.Issue{Number: number, Title: "real issue"}, nil
}

func (w *writeRecorder) AddIssueComment(context.Context, forge.Repo, int, string) (*forge.Comment, error) {
	w.t.Fatal("write reached inner forge")
	return nil, nil
}

func (w *writeRecorder) CreatePullRequest(context.Context, forge.Repo, string, string, string, string) (*forge.PullRequest, error) {
	w.t.Fatal("write reached inner forge")
	return nil, nil
}

func (w *writeRecorder) BlockUser(context.Context, forge.Repo, string) error {
	w.t.Fatal("write reached inner forge")
	return nil
}

func TestDryRunSuppressesWrites(t *testing.T) {
	ctx := context.Background()
	d := forge.DryRun(&writeRecorder{t: t})

	c, err := d.AddIssueComment(ctx, repo, 7, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if c.ID >= 0 {
		t.Errorf("synthetic comment ID = %d, want negative", c.ID)
	}

	pr, err := d.CreatePullRequest(ctx, repo, "argus/issue-7", "main", "fix", "body")
	if err != nil {
		t.Fatal(err)
	}
	if pr.Number >= 0 || pr.State != "open" || pr.HeadRef != "argus/issue-7" {
		t.Errorf("synthetic PR = %+v", pr)
	}

	if err := d.BlockUser(ctx, repo, "attacker"); err != nil {
		t.Fatal(err)
	}
	if err := d.CreateOrUpdateFile(ctx, repo, "argus/issue-7", "parser.go", "content", "msg"); err != nil {
		t.Fatal(err)
	}
}

func TestDryRunPassesReadsThrough(t *testing.T) {
	d := forge.DryRun(&writeRecorder{t: t})
	issue, err := d.GetIssue(context.Background(), repo, 7)
	if err != nil {
		t.Fatal(err)
	}
	if issue.Title != "real issue" {
		t.Errorf("read did not pass through: %+v", issue)
	}
}
