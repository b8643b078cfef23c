/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubforge

import (
	"context"
	"fmt"
	"strings"

	"chainguard.dev/argus/forge"
	"github.com/google/go-github/v84/github"
)

// GetDefaultBranch resolves the repository's default branch.
func (c *Client) GetDefaultBranch(ctx context.Context, repo forge.Repo) (string, error) {
	r, _, err := c.gh.Repositories.Get(ctx, repo.Owner, repo.Name)
	if err != nil {
		return "", wrap("fetching repository", err)
	}
	return r.GetDefaultBranch(), nil
}

// CreateBranchFrom creates a new branch at base's head. An existing
// branch with the same name is left alone.
func (c *Client) CreateBranchFrom(ctx context.Context, repo forge.Repo, base, name string) error {
	if ref, _, err := c.gh.Git.GetRef(ctx, repo.Owner, repo.Name, "refs/heads/"+name); err == nil && ref != nil {
		return nil
	}

	baseRef, _, err := c.gh.Git.GetRef(ctx, repo.Owner, repo.Name, "refs/heads/"+base)
	if err != nil {
		return wrap("resolving base branch", err)
	}
	_, _, err = c.gh.Git.CreateRef(ctx, repo.Owner, repo.Name, github.CreateRef{
		Ref: "refs/heads/" + name,
		SHA: baseRef.Object.GetSHA(),
	})
	return wrap("creating branch", err)
}

// GetFileContent fetches a file's decoded content at branch.
func (c *Client) GetFileContent(ctx context.Context, repo forge.Repo, branch, path string) (string, error) {
	file, _, _, err := c.gh.Repositories.GetContents(ctx, repo.Owner, repo.Name, path,
		&github.RepositoryContentGetOptions{Ref: branch})
	if err != nil {
		return "", wrap("fetching file content", err)
	}
	if file == nil {
		return "", fmt.Errorf("%s is not a file", path)
	}
	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", path, err)
	}
	return content, nil
}

// CreateOrUpdateFile writes a file on branch with the given commit
// message.
func (c *Client) CreateOrUpdateFile(ctx context.Context, repo forge.Repo, branch, path, content, message string) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(message),
		Content: []byte(content),
		Branch:  github.Ptr(branch),
	}

	existing, _, _, err := c.gh.Repositories.GetContents(ctx, repo.Owner, repo.Name, path,
		&github.RepositoryContentGetOptions{Ref: branch})
	if err == nil && existing != nil {
		opts.SHA = existing.SHA
		_, _, err = c.gh.Repositories.UpdateFile(ctx, repo.Owner, repo.Name, path, opts)
		return wrap("updating file", err)
	}

	_, _, err = c.gh.Repositories.CreateFile(ctx, repo.Owner, repo.Name, path, opts)
	return wrap("creating file", err)
}

// ListTree returns the file paths under path at branch.
func (c *Client) ListTree(ctx context.Context, repo forge.Repo, branch, path string, recursive bool) ([]string, error) {
	tree, _, err := c.gh.Git.GetTree(ctx, repo.Owner, repo.Name, branch, recursive)
	if err != nil {
		return nil, wrap("listing tree", err)
	}
	prefix := strings.TrimSuffix(path, "/")
	var paths []string
	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" {
			continue
		}
		p := entry.GetPath()
		if prefix != "" && !strings.HasPrefix(p, prefix+"/") {
			continue
		}
		paths = append(paths, p)
	}
	return paths, nil
}
