/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubforge

import (
	"context"
	"strings"
	"time"

	"chainguard.dev/argus/forge"
	"github.com/google/go-github/v84/github"
)

func toIssue(gi *github.Issue) forge.Issue {
	labels := make([]string, 0, len(gi.Labels))
	for _, l := range gi.Labels {
		labels = append(labels, l.GetName())
	}
	return forge.Issue{
		Number:    gi.GetNumber(),
		Title:     gi.GetTitle(),
		Body:      gi.GetBody(),
		URL:       gi.GetHTMLURL(),
		User:      gi.GetUser().GetLogin(),
		State:     gi.GetState(),
		Labels:    labels,
		UpdatedAt: gi.GetUpdatedAt().Time,
	}
}

func toComment(gc *github.IssueComment) forge.Comment {
	return forge.Comment{
		ID:        gc.GetID(),
		User:      gc.GetUser().GetLogin(),
		Body:      gc.GetBody(),
		CreatedAt: gc.GetCreatedAt().Time,
	}
}

// ListIssuesUpdatedSince returns open issues (not PRs) updated after
// since.
func (c *Client) ListIssuesUpdatedSince(ctx context.Context, repo forge.Repo, since time.Time) ([]forge.Issue, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		Since:       since,
		Sort:        "updated",
		Direction:   "asc",
		ListOptions: github.ListOptions{PerPage: defaultPageSize},
	}
	var issues []forge.Issue
	for {
		page, resp, err := c.gh.Issues.ListByRepo(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, wrap("listing issues", err)
		}
		for _, gi := range page {
			if gi.IsPullRequest() {
				continue
			}
			issues = append(issues, toIssue(gi))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}
	return issues, nil
}

// GetIssue fetches one issue.
func (c *Client) GetIssue(ctx context.Context, repo forge.Repo, number int) (*forge.Issue, error) {
	gi, _, err := c.gh.Issues.Get(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return nil, wrap("fetching issue", err)
	}
	issue := toIssue(gi)
	return &issue, nil
}

// ListIssueComments returns all comments, oldest first.
func (c *Client) ListIssueComments(ctx context.Context, repo forge.Repo, number int) ([]forge.Comment, error) {
	return c.listComments(ctx, repo, number, nil)
}

// ListIssueCommentsSince returns comments created after since.
func (c *Client) ListIssueCommentsSince(ctx context.Context, repo forge.Repo, number int, since time.Time) ([]forge.Comment, error) {
	return c.listComments(ctx, repo, number, &since)
}

func (c *Client) listComments(ctx context.Context, repo forge.Repo, number int, since *time.Time) ([]forge.Comment, error) {
	opts := &github.IssueListCommentsOptions{
		Sort:        github.Ptr("created"),
		Direction:   github.Ptr("asc"),
		Since:       since,
		ListOptions: github.ListOptions{PerPage: defaultPageSize},
	}
	var comments []forge.Comment
	for {
		page, resp, err := c.gh.Issues.ListComments(ctx, repo.Owner, repo.Name, number, opts)
		if err != nil {
			return nil, wrap("listing comments", err)
		}
		for _, gc := range page {
			comments = append(comments, toComment(gc))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return comments, nil
}

// AddLabel attaches a label to the issue.
func (c *Client) AddLabel(ctx context.Context, repo forge.Repo, number int, label string) error {
	_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, repo.Owner, repo.Name, number, []string{label})
	return wrap("adding label", err)
}

// RemoveLabel detaches a label from the issue.
func (c *Client) RemoveLabel(ctx context.Context, repo forge.Repo, number int, label string) error {
	_, err := c.gh.Issues.RemoveLabelForIssue(ctx, repo.Owner, repo.Name, number, label)
	return wrap("removing label", err)
}

// AddIssueComment posts a comment on the issue.
func (c *Client) AddIssueComment(ctx context.Context, repo forge.Repo, number int, body string) (*forge.Comment, error) {
	gc, _, err := c.gh.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, &github.IssueComment{
		Body: github.Ptr(body),
	})
	if err != nil {
		return nil, wrap("posting comment", err)
	}
	comment := toComment(gc)
	return &comment, nil
}

// UpdateIssueBody replaces the issue body.
func (c *Client) UpdateIssueBody(ctx context.Context, repo forge.Repo, number int, body string) error {
	_, _, err := c.gh.Issues.Edit(ctx, repo.Owner, repo.Name, number, &github.IssueRequest{
		Body: github.Ptr(body),
	})
	return wrap("updating issue body", err)
}

// ListRepoLabels returns the repository's label names.
func (c *Client) ListRepoLabels(ctx context.Context, repo forge.Repo) ([]string, error) {
	opts := &github.ListOptions{PerPage: defaultPageSize}
	var labels []string
	for {
		page, resp, err := c.gh.Issues.ListLabels(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, wrap("listing labels", err)
		}
		for _, l := range page {
			labels = append(labels, l.GetName())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return labels, nil
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
