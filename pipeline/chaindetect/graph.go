/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package chaindetect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"chainguard.dev/argus/forge"
)

// MaxChainDepth is the deepest PR chain the agent will engage with.
const MaxChainDepth = 3

// Node is one open PR in the chain graph. Parents and Children are
// indices into the node slice.
type Node struct {
	PR       forge.PullRequest
	Parents  []int
	Children []int
	Depth    int
}

var (
	branchParentRe = regexp.MustCompile(`(?:sub-pr-|pr[-/])(\d+)`)
	bodyRefRe      = regexp.MustCompile(`#(\d+)`)
)

// BuildGraph infers the follow-up graph over open PRs from three
// signals: base-branch to head-branch linkage, parent-naming branch
// patterns, and in-body #N references to older open PRs.
func BuildGraph(prs []forge.PullRequest) []Node {
	nodes := make([]Node, len(prs))
	byNumber := make(map[int]int, len(prs))
	byHead := make(map[string]int, len(prs))
	for i, pr := range prs {
		nodes[i].PR = pr
		byNumber[pr.Number] = i
		byHead[pr.HeadRef] = i
	}

	addEdge := func(child, parent int) {
		if child == parent {
			return
		}
		for _, p := range nodes[child].Parents {
			if p == parent {
				return
			}
		}
		nodes[child].Parents = append(nodes[child].Parents, parent)
		nodes[parent].Children = append(nodes[parent].Children, child)
	}

	for i, pr := range prs {
		// Signal 1: the PR's base branch is another PR's head branch.
		if parent, ok := byHead[pr.BaseRef]; ok {
			addEdge(i, parent)
		}

		// Signal 2: the branch name encodes a parent PR number.
		if m := branchParentRe.FindStringSubmatch(pr.HeadRef); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				if parent, ok := byNumber[n]; ok {
					addEdge(i, parent)
				}
			}
		}

		// Signal 3: the body references an older open PR.
		for _, m := range bodyRefRe.FindAllStringSubmatch(pr.Body, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil || n >= pr.Number {
				continue
			}
			if parent, ok := byNumber[n]; ok {
				addEdge(i, parent)
			}
		}
	}

	computeDepths(nodes)
	return nodes
}

// computeDepths BFSes from roots (nodes with no parents). Nodes left
// unreachable belong to cycles and get MaxChainDepth+1, which marks them
// for disengagement.
func computeDepths(nodes []Node) {
	const unvisited = -1
	for i := range nodes {
		nodes[i].Depth = unvisited
	}

	var queue []int
	for i := range nodes {
		if len(nodes[i].Parents) == 0 {
			nodes[i].Depth = 0
			queue = append(queue, i)
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range nodes[cur].Children {
			if nodes[child].Depth == unvisited {
				nodes[child].Depth = nodes[cur].Depth + 1
				queue = append(queue, child)
			}
		}
	}

	for i := range nodes {
		if nodes[i].Depth == unvisited {
			nodes[i].Depth = MaxChainDepth + 1
		}
	}
}

// ChainOf walks ancestors from the node at index, returning the chain
// root-first (following the first parent at each step; secondary parents
// do not change depth semantics).
func ChainOf(nodes []Node, index int) []int {
	var rev []int
	seen := map[int]bool{}
	for cur := index; !seen[cur]; {
		seen[cur] = true
		rev = append(rev, cur)
		if len(nodes[cur].Parents) == 0 {
			break
		}
		cur = nodes[cur].Parents[0]
	}
	chain := make([]int, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		chain = append(chain, rev[i])
	}
	return chain
}

// Trace renders a chain as "#1 -> #2 -> #3" for the disengagement
// comment.
func Trace(nodes []Node, chain []int) string {
	parts := make([]string, 0, len(chain))
	for _, i := range chain {
		parts = append(parts, fmt.Sprintf("#%d", nodes[i].PR.Number))
	}
	return strings.Join(parts, " -> ")
}
