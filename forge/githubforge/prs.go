/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubforge

import (
	"context"
	"fmt"
	"regexp"

	"chainguard.dev/argus/forge"
	"github.com/google/go-github/v84/github"
)

func toPR(gp *github.PullRequest) forge.PullRequest {
	return forge.PullRequest{
		Number:    gp.GetNumber(),
		Title:     gp.GetTitle(),
		Body:      gp.GetBody(),
		URL:       gp.GetHTMLURL(),
		User:      gp.GetUser().GetLogin(),
		State:     gp.GetState(),
		Draft:     gp.GetDraft(),
		HeadRef:   gp.GetHead().GetRef(),
		BaseRef:   gp.GetBase().GetRef(),
		HeadSHA:   gp.GetHead().GetSHA(),
		CreatedAt: gp.GetCreatedAt().Time,
	}
}

// ListOpenPullRequests returns every open PR.
func (c *Client) ListOpenPullRequests(ctx context.Context, repo forge.Repo) ([]forge.PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: defaultPageSize},
	}
	var prs []forge.PullRequest
	for {
		page, resp, err := c.gh.PullRequests.List(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, wrap("listing open PRs", err)
		}
		for _, gp := range page {
			prs = append(prs, toPR(gp))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return prs, nil
}

// ListPullRequestsForIssue returns open PRs whose title or body
// references the issue number.
func (c *Client) ListPullRequestsForIssue(ctx context.Context, repo forge.Repo, issueNumber int) ([]forge.PullRequest, error) {
	prs, err := c.ListOpenPullRequests(ctx, repo)
	if err != nil {
		return nil, err
	}
	ref := regexp.MustCompile(fmt.Sprintf(`#%d\b`, issueNumber))
	var matched []forge.PullRequest
	for _, pr := range prs {
		if ref.MatchString(pr.Title) || ref.MatchString(pr.Body) {
			matched = append(matched, pr)
		}
	}
	return matched, nil
}

// GetPullRequest fetches one PR.
func (c *Client) GetPullRequest(ctx context.Context, repo forge.Repo, number int) (*forge.PullRequest, error) {
	gp, _, err := c.gh.PullRequests.Get(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return nil, wrap("fetching PR", err)
	}
	pr := toPR(gp)
	return &pr, nil
}

// ListPRConversationComments returns the PR's issue-style comments.
func (c *Client) ListPRConversationComments(ctx context.Context, repo forge.Repo, number int) ([]forge.Comment, error) {
	return c.listComments(ctx, repo, number, nil)
}

// ListPRReviewComments returns diff-anchored review comments.
func (c *Client) ListPRReviewComments(ctx context.Context, repo forge.Repo, number int) ([]forge.ReviewComment, error) {
	opts := &github.PullRequestListCommentsOptions{
		Sort:        "created",
		Direction:   "asc",
		ListOptions: github.ListOptions{PerPage: defaultPageSize},
	}
	var comments []forge.ReviewComment
	for {
		page, resp, err := c.gh.PullRequests.ListComments(ctx, repo.Owner, repo.Name, number, opts)
		if err != nil {
			return nil, wrap("listing review comments", err)
		}
		for _, rc := range page {
			comments = append(comments, forge.ReviewComment{
				Comment: forge.Comment{
					ID:        rc.GetID(),
					User:      rc.GetUser().GetLogin(),
					Body:      rc.GetBody(),
					CreatedAt: rc.GetCreatedAt().Time,
				},
				Path:        rc.GetPath(),
				Line:        rc.GetLine(),
				Side:        rc.GetSide(),
				DiffHunk:    rc.GetDiffHunk(),
				InReplyToID: rc.GetInReplyTo(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return comments, nil
}

// ListPRFiles returns the PR's changed files with patches.
func (c *Client) ListPRFiles(ctx context.Context, repo forge.Repo, number int) ([]forge.PRFile, error) {
	opts := &github.ListOptions{PerPage: defaultPageSize}
	var files []forge.PRFile
	for {
		page, resp, err := c.gh.PullRequests.ListFiles(ctx, repo.Owner, repo.Name, number, opts)
		if err != nil {
			return nil, wrap("listing PR files", err)
		}
		for _, f := range page {
			files = append(files, forge.PRFile{
				Path:      f.GetFilename(),
				Status:    f.GetStatus(),
				Patch:     f.GetPatch(),
				Additions: f.GetAdditions(),
				Deletions: f.GetDeletions(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return files, nil
}

// CreatePullRequest opens a PR from head into base.
func (c *Client) CreatePullRequest(ctx context.Context, repo forge.Repo, head, base, title, body string) (*forge.PullRequest, error) {
	gp, _, err := c.gh.PullRequests.Create(ctx, repo.Owner, repo.Name, &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
		Body:  github.Ptr(body),
	})
	if err != nil {
		return nil, wrap("creating PR", err)
	}
	pr := toPR(gp)
	return &pr, nil
}

// AddPRComment posts a conversation comment on the PR.
func (c *Client) AddPRComment(ctx context.Context, repo forge.Repo, number int, body string) (*forge.Comment, error) {
	return c.AddIssueComment(ctx, repo, number, body)
}

// UpdatePRBody replaces the PR description.
func (c *Client) UpdatePRBody(ctx context.Context, repo forge.Repo, number int, body string) error {
	_, _, err := c.gh.PullRequests.Edit(ctx, repo.Owner, repo.Name, number, &github.PullRequest{
		Body: github.Ptr(body),
	})
	return wrap("updating PR body", err)
}
