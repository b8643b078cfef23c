/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubforge

import (
	"context"

	"chainguard.dev/argus/forge"
	"github.com/google/go-github/v84/github"
)

// GetCombinedStatus returns the legacy commit status contexts for ref.
func (c *Client) GetCombinedStatus(ctx context.Context, repo forge.Repo, ref string) ([]forge.CommitStatus, error) {
	combined, _, err := c.gh.Repositories.GetCombinedStatus(ctx, repo.Owner, repo.Name, ref,
		&github.ListOptions{PerPage: defaultPageSize})
	if err != nil {
		return nil, wrap("fetching combined status", err)
	}
	statuses := make([]forge.CommitStatus, 0, len(combined.Statuses))
	for _, s := range combined.Statuses {
		statuses = append(statuses, forge.CommitStatus{
			Context: s.GetContext(),
			State:   s.GetState(),
		})
	}
	return statuses, nil
}

// GetCheckRuns returns the check runs for ref.
func (c *Client) GetCheckRuns(ctx context.Context, repo forge.Repo, ref string) ([]forge.CheckRun, error) {
	opts := &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: defaultPageSize},
	}
	var checks []forge.CheckRun
	for {
		results, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, repo.Owner, repo.Name, ref, opts)
		if err != nil {
			return nil, wrap("listing check runs", err)
		}
		for _, run := range results.CheckRuns {
			checks = append(checks, forge.CheckRun{
				ID:         run.GetID(),
				Name:       run.GetName(),
				Status:     run.GetStatus(),
				Conclusion: run.GetConclusion(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return checks, nil
}

// GetCheckRunAnnotations returns a failing check's annotations.
func (c *Client) GetCheckRunAnnotations(ctx context.Context, repo forge.Repo, checkRunID int64) ([]forge.CheckAnnotation, error) {
	opts := &github.ListOptions{PerPage: defaultPageSize}
	var annotations []forge.CheckAnnotation
	for {
		page, resp, err := c.gh.Checks.ListCheckRunAnnotations(ctx, repo.Owner, repo.Name, checkRunID, opts)
		if err != nil {
			return nil, wrap("listing check annotations", err)
		}
		for _, a := range page {
			annotations = append(annotations, forge.CheckAnnotation{
				Path:      a.GetPath(),
				StartLine: a.GetStartLine(),
				Level:     a.GetAnnotationLevel(),
				Message:   a.GetMessage(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return annotations, nil
}
