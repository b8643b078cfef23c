/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package forge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/chainguard-dev/clog"
)

// DryRun wraps a forge so that every write operation is logged and
// suppressed while reads pass through unchanged. Synthetic results are
// returned where callers expect created objects, so the pipeline can run
// end to end without touching the platform.
func DryRun(inner Interface) Interface {
	return &dryRun{Interface: inner}
}

type dryRun struct {
	Interface
	fakeID atomic.Int64
}

func (d *dryRun) skip(ctx context.Context, op string, kv ...any) {
	clog.FromContext(ctx).With(kv...).With("op", op).Info("dry-run: suppressing forge write")
}

func (d *dryRun) AddLabel(ctx context.Context, repo Repo, number int, label string) error {
	d.skip(ctx, "add_label", "repo", repo.Key(), "issue", number, "label", label)
	return nil
}

func (d *dryRun) RemoveLabel(ctx context.Context, repo Repo, number int, label string) error {
	d.skip(ctx, "remove_label", "repo", repo.Key(), "issue", number, "label", label)
	return nil
}

func (d *dryRun) AddIssueComment(ctx context.Context, repo Repo, number int, body string) (*Comment, error) {
	d.skip(ctx, "add_issue_comment", "repo", repo.Key(), "issue", number, "bytes", len(body))
	return &Comment{ID: -d.fakeID.Add(1), Body: body, CreatedAt: time.Now().UTC()}, nil
}

func (d *dryRun) UpdateIssueBody(ctx context.Context, repo Repo, number int, _ string) error {
	d.skip(ctx, "update_issue_body", "repo", repo.Key(), "issue", number)
	return nil
}

func (d *dryRun) CreatePullRequest(ctx context.Context, repo Repo, head, base, title, body string) (*PullRequest, error) {
	d.skip(ctx, "create_pull_request", "repo", repo.Key(), "head", head, "base", base)
	n := int(d.fakeID.Add(1))
	return &PullRequest{
		Number:    -n,
		Title:     title,
		Body:      body,
		State:     "open",
		HeadRef:   head,
		BaseRef:   base,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (d *dryRun) AddPRComment(ctx context.Context, repo Repo, number int, body string) (*Comment, error) {
	d.skip(ctx, "add_pr_comment", "repo", repo.Key(), "pr", number, "bytes", len(body))
	return &Comment{ID: -d.fakeID.Add(1), Body: body, CreatedAt: time.Now().UTC()}, nil
}

func (d *dryRun) UpdatePRBody(ctx context.Context, repo Repo, number int, _ string) error {
	d.skip(ctx, "update_pr_body", "repo", repo.Key(), "pr", number)
	return nil
}

func (d *dryRun) CreateBranchFrom(ctx context.Context, repo Repo, base, name string) error {
	d.skip(ctx, "create_branch", "repo", repo.Key(), "base", base, "branch", name)
	return nil
}

func (d *dryRun) CreateOrUpdateFile(ctx context.Context, repo Repo, branch, path, _, _ string) error {
	d.skip(ctx, "create_or_update_file", "repo", repo.Key(), "branch", branch, "path", path)
	return nil
}

func (d *dryRun) DeleteComment(ctx context.Context, repo Repo, commentID int64) error {
	d.skip(ctx, "delete_comment", "repo", repo.Key(), "comment", commentID)
	return nil
}

func (d *dryRun) BlockUser(ctx context.Context, repo Repo, user string) error {
	d.skip(ctx, "block_user", "repo", repo.Key(), "user", user)
	return nil
}

func (d *dryRun) UnblockUser(ctx context.Context, repo Repo, user string) error {
	d.skip(ctx, "unblock_user", "repo", repo.Key(), "user", user)
	return nil
}

func (d *dryRun) ReportUser(ctx context.Context, repo Repo, user, reason string) error {
	d.skip(ctx, "report_user", "repo", repo.Key(), "user", user, "reason", reason)
	return nil
}
