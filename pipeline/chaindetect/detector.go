/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package chaindetect prevents runaway acknowledgment loops between
// automated agents. It builds a follow-up graph over open PRs, bounds
// engagement depth, detects repeated feedback across a chain, and rate
// limits acknowledgments per PR.
package chaindetect

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"chainguard.dev/argus/forge"
	"github.com/chainguard-dev/clog"
)

const (
	// phrasePrefixLen is how much of each review comment feeds the
	// repetition heuristic.
	phrasePrefixLen = 120
	// overlapThreshold is the Jaccard similarity above which two
	// adjacent PRs' feedback is considered repeated.
	overlapThreshold = 0.5
	// minRepeatedPairs is how many consecutive overlapping pairs signal
	// a loop.
	minRepeatedPairs = 2
	// minChainForHeuristic is the shortest chain the repetition
	// heuristic applies to.
	minChainForHeuristic = 3
)

// Decision is the detector's verdict for one PR.
type Decision struct {
	Engage bool
	// Disengage means post one final loop-detected comment and never
	// acknowledge this chain again.
	Disengage bool
	Reason    string
	// Trace is the chain rendering for the disengagement comment.
	Trace string
	Depth  int
}

// Detector holds per-session disengagement state.
type Detector struct {
	forge forge.Interface

	mu         sync.Mutex
	disengaged map[string]bool // keyed by chain root "repo#number"
}

// New wires a detector.
func New(f forge.Interface) *Detector {
	return &Detector{forge: f, disengaged: make(map[string]bool)}
}

func chainKey(repo forge.Repo, nodes []Node, chain []int) string {
	root := nodes[chain[0]].PR.Number
	return fmt.Sprintf("%s#%d", repo.Key(), root)
}

// Assess decides whether to engage with pr given the current set of open
// PRs. Disengagement is final for the chain within this session.
func (d *Detector) Assess(ctx context.Context, repo forge.Repo, prs []forge.PullRequest, prNumber int) (*Decision, error) {
	nodes := BuildGraph(prs)
	index := -1
	for i := range nodes {
		if nodes[i].PR.Number == prNumber {
			index = i
			break
		}
	}
	if index < 0 {
		return &Decision{Engage: true}, nil
	}

	node := nodes[index]
	chain := ChainOf(nodes, index)
	key := chainKey(repo, nodes, chain)
	dec := &Decision{Depth: node.Depth, Trace: Trace(nodes, chain)}

	d.mu.Lock()
	already := d.disengaged[key]
	d.mu.Unlock()
	if already {
		dec.Reason = "chain already disengaged this session"
		return dec, nil
	}

	if node.Depth > MaxChainDepth {
		d.markDisengaged(key)
		dec.Disengage = true
		dec.Reason = fmt.Sprintf("chain depth %d exceeds maximum %d", node.Depth, MaxChainDepth)
		return dec, nil
	}

	if len(chain) >= minChainForHeuristic && node.Depth >= 2 {
		repeated, err := d.feedbackRepetition(ctx, repo, nodes, chain)
		if err != nil {
			clog.FromContext(ctx).With("error", err).Warn("Feedback repetition check failed, engaging cautiously")
		} else if repeated {
			d.markDisengaged(key)
			dec.Disengage = true
			dec.Reason = "repeated feedback across consecutive chain links"
			return dec, nil
		}
	}

	dec.Engage = true
	if node.Depth == MaxChainDepth {
		dec.Reason = fmt.Sprintf("engaging at maximum chain depth %d", MaxChainDepth)
	}
	return dec, nil
}

func (d *Detector) markDisengaged(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disengaged[key] = true
}

var (
	codeBlockRe  = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe = regexp.MustCompile("`[^`]*`")
)

// phraseSet collects the normalized prefixes of a PR's external review
// comments.
func (d *Detector) phraseSet(ctx context.Context, repo forge.Repo, prNumber int) (map[string]bool, error) {
	comments, err := d.forge.ListPRReviewComments(ctx, repo, prNumber)
	if err != nil {
		return nil, fmt.Errorf("listing review comments for #%d: %w", prNumber, err)
	}
	set := make(map[string]bool, len(comments))
	for _, c := range comments {
		body := codeBlockRe.ReplaceAllString(c.Body, "")
		body = inlineCodeRe.ReplaceAllString(body, "")
		body = strings.ToLower(strings.TrimSpace(body))
		if body == "" {
			continue
		}
		if len(body) > phrasePrefixLen {
			body = body[:phrasePrefixLen]
		}
		set[body] = true
	}
	return set, nil
}

// feedbackRepetition computes pairwise Jaccard overlap between adjacent
// chain links' phrase sets; enough consecutive overlapping pairs means
// reviewers (or bots) are saying the same thing down the chain.
func (d *Detector) feedbackRepetition(ctx context.Context, repo forge.Repo, nodes []Node, chain []int) (bool, error) {
	sets := make([]map[string]bool, len(chain))
	for i, idx := range chain {
		set, err := d.phraseSet(ctx, repo, nodes[idx].PR.Number)
		if err != nil {
			return false, err
		}
		sets[i] = set
	}

	consecutive := 0
	for i := 0; i+1 < len(sets); i++ {
		if jaccard(sets[i], sets[i+1]) > overlapThreshold {
			consecutive++
			if consecutive >= minRepeatedPairs {
				return true, nil
			}
		} else {
			consecutive = 0
		}
	}
	return false, nil
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// wipMarkers are title prefixes that flag work-in-progress PRs.
var wipMarkers = []string{"[WIP]", "WIP:", "Draft:", "[Draft]"}

// IsWIP reports whether a PR should be skipped as work in progress.
func IsWIP(pr forge.PullRequest) bool {
	if pr.Draft {
		return true
	}
	for _, marker := range wipMarkers {
		if strings.HasPrefix(pr.Title, marker) {
			return true
		}
	}
	return strings.Contains(pr.Title, "🚧")
}

// AckLimiter caps acknowledgments per PR within a sliding window. It is
// the complementary safety net to chain detection.
type AckLimiter struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	acks  map[string][]time.Time
	clock func() time.Time
}

// NewAckLimiter returns a limiter allowing limit acks per window per PR.
func NewAckLimiter(limit int, window time.Duration) *AckLimiter {
	return &AckLimiter{
		limit:  limit,
		window: window,
		acks:   make(map[string][]time.Time),
		clock:  time.Now,
	}
}

// DefaultAckLimiter allows 3 acknowledgments per PR per 2 hours.
func DefaultAckLimiter() *AckLimiter {
	return NewAckLimiter(3, 2*time.Hour)
}

// Allow records an acknowledgment attempt and reports whether it is
// within the budget.
func (l *AckLimiter) Allow(repo forge.Repo, prNumber int) bool {
	key := fmt.Sprintf("%s#%d", repo.Key(), prNumber)
	now := l.clock()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.acks[key][:0]
	for _, t := range l.acks[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= l.limit {
		l.acks[key] = recent
		return false
	}
	l.acks[key] = append(recent, now)
	return true
}
