/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package githubforge implements the forge port against the GitHub REST
// API. Authentication is either a personal access token or a GitHub App
// installation.
package githubforge

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"chainguard.dev/argus/forge"
	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"
)

// defaultPageSize is used for all list calls.
const defaultPageSize = 100

// Client implements forge.Interface for GitHub.
type Client struct {
	gh *github.Client
}

var _ forge.Interface = (*Client)(nil)

// NewWithToken builds a client from a personal access token.
func NewWithToken(ctx context.Context, token string) (*Client, error) {
	if token == "" {
		return nil, errors.New("github token is required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &Client{gh: github.NewClient(oauth2.NewClient(ctx, ts))}, nil
}

// NewWithApp builds a client from GitHub App installation credentials.
func NewWithApp(appID, installationID int64, privateKeyPath string) (*Client, error) {
	transport, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, appID, installationID, privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading app credentials: %w", err)
	}
	return &Client{gh: github.NewClient(&http.Client{Transport: transport})}, nil
}

// wrap classifies GitHub errors, marking rate limits and server errors
// transient so the orchestrator retries them.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var rate *github.RateLimitError
	var abuse *github.AbuseRateLimitError
	var ghe *github.ErrorResponse
	switch {
	case errors.As(err, &rate), errors.As(err, &abuse):
		return fmt.Errorf("%s: %w: %w", op, forge.ErrTransient, err)
	case errors.As(err, &ghe) && ghe.Response != nil && ghe.Response.StatusCode >= 500:
		return fmt.Errorf("%s: %w: %w", op, forge.ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ValidateTokenScopes introspects the credential via the scopes header
// GitHub attaches to every authenticated response.
func (c *Client) ValidateTokenScopes(ctx context.Context) ([]string, error) {
	_, resp, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return nil, wrap("introspecting token", err)
	}
	header := resp.Header.Get("X-OAuth-Scopes")
	if header == "" {
		// App installation tokens carry no scopes header.
		return nil, nil
	}
	var scopes []string
	for _, s := range splitAndTrim(header, ",") {
		if s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes, nil
}

// SearchCode runs a code search scoped to the repository.
func (c *Client) SearchCode(ctx context.Context, repo forge.Repo, query string) ([]string, error) {
	q := fmt.Sprintf("%s repo:%s", query, repo.FullName())
	result, _, err := c.gh.Search.Code(ctx, q, &github.SearchOptions{
		ListOptions: github.ListOptions{PerPage: defaultPageSize},
	})
	if err != nil {
		return nil, wrap("searching code", err)
	}
	seen := map[string]bool{}
	var paths []string
	for _, r := range result.CodeResults {
		p := r.GetPath()
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths, nil
}
