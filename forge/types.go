/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package forge

import (
	"fmt"
	"time"
)

// Platform identifies a forge implementation.
type Platform string

const (
	PlatformGitHub Platform = "github"
	PlatformGitLab Platform = "gitlab"
)

// Repo describes a repository the agent watches.
type Repo struct {
	Platform     Platform      `yaml:"platform"`
	Owner        string        `yaml:"owner"`
	Name         string        `yaml:"name"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Key returns the stable identity "platform:owner/name" used to key
// per-repo state.
func (r Repo) Key() string {
	return fmt.Sprintf("%s:%s/%s", r.Platform, r.Owner, r.Name)
}

// FullName returns "owner/name".
func (r Repo) FullName() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

// Issue is a forge issue snapshot.
type Issue struct {
	Number    int
	Title     string
	Body      string
	URL       string
	User      string
	State     string
	Labels    []string
	UpdatedAt time.Time
}

// Comment is an issue or PR conversation comment.
type Comment struct {
	ID        int64
	User      string
	Body      string
	CreatedAt time.Time
}

// ReviewComment is a PR review comment anchored to a diff position.
type ReviewComment struct {
	Comment
	Path        string
	Line        int
	Side        string
	DiffHunk    string
	InReplyToID int64
}

// PullRequest is a forge pull/merge request snapshot.
type PullRequest struct {
	Number    int
	Title     string
	Body      string
	URL       string
	User      string
	State     string
	Draft     bool
	HeadRef   string
	BaseRef   string
	HeadSHA   string
	CreatedAt time.Time
}

// PRFile is one file changed by a pull request, with its unified diff patch.
type PRFile struct {
	Path      string
	Status    string
	Patch     string
	Additions int
	Deletions int
}

// CheckRun is a CI check run attached to a commit.
type CheckRun struct {
	ID         int64
	Name       string
	Status     string
	Conclusion string
}

// CheckAnnotation is one annotation produced by a failing check run.
type CheckAnnotation struct {
	Path      string
	StartLine int
	Level     string
	Message   string
}

// CommitStatus is a legacy commit status context.
type CommitStatus struct {
	Context string
	State   string
}

// Role is the canonical repository role. Every forge implementation must
// map its native role strings onto this set.
type Role string

const (
	RoleOwner      Role = "owner"
	RoleAdmin      Role = "admin"
	RoleMaintainer Role = "maintainer"
	RoleWrite      Role = "write"
	RoleTriage     Role = "triage"
	RoleRead       Role = "read"
	RoleNone       Role = "none"
)

// UserHistory summarizes a user's track record in a repository, used by
// the trust resolver's history modifier.
type UserHistory struct {
	MergedPRs         int
	ClosedValidIssues int
	TotalComments     int
	PriorFlags        int
	PriorBlocks       int
}
