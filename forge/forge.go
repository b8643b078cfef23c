/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package forge defines the port through which the agent core talks to a
// source-code hosting platform. The core never touches a platform's
// transport directly; concrete implementations live in subpackages
// (e.g. githubforge).
package forge

import (
	"context"
	"errors"
	"time"
)

// ErrTransient marks forge errors that are worth retrying with backoff.
// Implementations wrap rate-limit and 5xx responses with this sentinel.
var ErrTransient = errors.New("transient forge error")

// IsTransient reports whether err is a retryable forge error.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Interface is the full forge port. Implementations must be safe for
// concurrent use.
type Interface interface {
	Issues
	PullRequests
	Content
	CI
	Users
	Moderation

	// SearchCode runs a code search scoped to the repository and returns
	// matching file paths.
	SearchCode(ctx context.Context, repo Repo, query string) ([]string, error)

	// ValidateTokenScopes introspects the credential the client holds and
	// returns the granted scopes.
	ValidateTokenScopes(ctx context.Context) ([]string, error)
}

// Issues covers issue reads, labels and comments.
type Issues interface {
	ListIssuesUpdatedSince(ctx context.Context, repo Repo, since time.Time) ([]Issue, error)
	GetIssue(ctx context.Context, repo Repo, number int) (*Issue, error)
	ListIssueComments(ctx context.Context, repo Repo, number int) ([]Comment, error)
	ListIssueCommentsSince(ctx context.Context, repo Repo, number int, since time.Time) ([]Comment, error)
	AddLabel(ctx context.Context, repo Repo, number int, label string) error
	RemoveLabel(ctx context.Context, repo Repo, number int, label string) error
	AddIssueComment(ctx context.Context, repo Repo, number int, body string) (*Comment, error)
	UpdateIssueBody(ctx context.Context, repo Repo, number int, body string) error
	ListRepoLabels(ctx context.Context, repo Repo) ([]string, error)
}

// PullRequests covers PR reads and writes.
type PullRequests interface {
	ListOpenPullRequests(ctx context.Context, repo Repo) ([]PullRequest, error)
	ListPullRequestsForIssue(ctx context.Context, repo Repo, issueNumber int) ([]PullRequest, error)
	GetPullRequest(ctx context.Context, repo Repo, number int) (*PullRequest, error)
	ListPRConversationComments(ctx context.Context, repo Repo, number int) ([]Comment, error)
	ListPRReviewComments(ctx context.Context, repo Repo, number int) ([]ReviewComment, error)
	ListPRFiles(ctx context.Context, repo Repo, number int) ([]PRFile, error)
	CreatePullRequest(ctx context.Context, repo Repo, head, base, title, body string) (*PullRequest, error)
	AddPRComment(ctx context.Context, repo Repo, number int, body string) (*Comment, error)
	UpdatePRBody(ctx context.Context, repo Repo, number int, body string) error
}

// Content covers branch and file access.
type Content interface {
	GetDefaultBranch(ctx context.Context, repo Repo) (string, error)
	CreateBranchFrom(ctx context.Context, repo Repo, base, name string) error
	GetFileContent(ctx context.Context, repo Repo, branch, path string) (string, error)
	CreateOrUpdateFile(ctx context.Context, repo Repo, branch, path, content, message string) error
	ListTree(ctx context.Context, repo Repo, branch, path string, recursive bool) ([]string, error)
}

// CI covers check runs and commit statuses.
type CI interface {
	GetCombinedStatus(ctx context.Context, repo Repo, ref string) ([]CommitStatus, error)
	GetCheckRuns(ctx context.Context, repo Repo, ref string) ([]CheckRun, error)
	GetCheckRunAnnotations(ctx context.Context, repo Repo, checkRunID int64) ([]CheckAnnotation, error)
}

// Users covers identity lookups feeding the trust resolver.
type Users interface {
	GetRepoRole(ctx context.Context, repo Repo, user string) (Role, error)
	GetUserHistory(ctx context.Context, repo Repo, user string) (*UserHistory, error)
}

// Moderation covers the comment handler's enforcement actions.
type Moderation interface {
	DeleteComment(ctx context.Context, repo Repo, commentID int64) error
	BlockUser(ctx context.Context, repo Repo, user string) error
	UnblockUser(ctx context.Context, repo Repo, user string) error
	// ReportUser is advisory on platforms without a report primitive;
	// implementations may log and return nil.
	ReportUser(ctx context.Context, repo Repo, user, reason string) error
}

// CanonicalRole maps a platform's native role/permission string to the
// canonical Role set.
func CanonicalRole(native string) Role {
	switch native {
	case "owner":
		return RoleOwner
	case "admin":
		return RoleAdmin
	case "maintain", "maintainer":
		return RoleMaintainer
	case "write", "push", "developer":
		return RoleWrite
	case "triage":
		return RoleTriage
	case "read", "pull", "reporter", "guest":
		return RoleRead
	default:
		return RoleNone
	}
}
