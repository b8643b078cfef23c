/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubforge

import (
	"context"
	"errors"
	"fmt"

	"chainguard.dev/argus/forge"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
)

// GetRepoRole maps GitHub's permission level onto the canonical role
// set. Repository owners are detected directly from the repo record.
func (c *Client) GetRepoRole(ctx context.Context, repo forge.Repo, user string) (forge.Role, error) {
	r, _, err := c.gh.Repositories.Get(ctx, repo.Owner, repo.Name)
	if err != nil {
		return forge.RoleNone, wrap("fetching repository", err)
	}
	if r.GetOwner().GetLogin() == user {
		return forge.RoleOwner, nil
	}

	level, _, err := c.gh.Repositories.GetPermissionLevel(ctx, repo.Owner, repo.Name, user)
	if err != nil {
		// Users with no association 404 here; that is an answer, not an
		// error.
		var ghe *github.ErrorResponse
		if errors.As(err, &ghe) && ghe.Response != nil && ghe.Response.StatusCode == 404 {
			return forge.RoleNone, nil
		}
		return forge.RoleNone, wrap("fetching permission level", err)
	}
	return forge.CanonicalRole(level.GetPermission()), nil
}

// GetUserHistory summarizes the user's track record via the search API.
// Prior flags and blocks come from the agent's own ledger, not from
// here.
func (c *Client) GetUserHistory(ctx context.Context, repo forge.Repo, user string) (*forge.UserHistory, error) {
	log := clog.FromContext(ctx)
	h := &forge.UserHistory{}

	count := func(query string) int {
		result, _, err := c.gh.Search.Issues(ctx, query, &github.SearchOptions{
			ListOptions: github.ListOptions{PerPage: 1},
		})
		if err != nil {
			log.With("query", query).With("error", err).Warn("History search failed")
			return 0
		}
		return result.GetTotal()
	}

	scope := fmt.Sprintf("repo:%s author:%s", repo.FullName(), user)
	h.MergedPRs = count(scope + " is:pr is:merged")
	h.ClosedValidIssues = count(scope + " is:issue is:closed")
	h.TotalComments = count(fmt.Sprintf("repo:%s commenter:%s", repo.FullName(), user))
	return h, nil
}

// DeleteComment removes an issue or PR conversation comment.
func (c *Client) DeleteComment(ctx context.Context, repo forge.Repo, commentID int64) error {
	_, err := c.gh.Issues.DeleteComment(ctx, repo.Owner, repo.Name, commentID)
	return wrap("deleting comment", err)
}

// BlockUser blocks a user at the organization level when the repo owner
// is an org, otherwise for the authenticated user.
func (c *Client) BlockUser(ctx context.Context, repo forge.Repo, user string) error {
	if _, err := c.gh.Organizations.BlockUser(ctx, repo.Owner, user); err == nil {
		return nil
	}
	_, err := c.gh.Users.BlockUser(ctx, user)
	return wrap("blocking user", err)
}

// UnblockUser reverses BlockUser.
func (c *Client) UnblockUser(ctx context.Context, repo forge.Repo, user string) error {
	if _, err := c.gh.Organizations.UnblockUser(ctx, repo.Owner, user); err == nil {
		return nil
	}
	_, err := c.gh.Users.UnblockUser(ctx, user)
	return wrap("unblocking user", err)
}

// ReportUser is advisory: GitHub has no report API, so the request is
// logged for the operator to act on.
func (c *Client) ReportUser(ctx context.Context, repo forge.Repo, user, reason string) error {
	clog.FromContext(ctx).
		With("repo", repo.Key()).
		With("user", user).
		With("reason", reason).
		Warn("Report requested; GitHub exposes no report API, flag the account manually")
	return nil
}
