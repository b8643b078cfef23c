/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chainguard.dev/argus/forge"
	"chainguard.dev/argus/pipeline/coder"
	"chainguard.dev/argus/pipeline/evaluator"
	"chainguard.dev/argus/store"
)

// State is an issue's position in the pipeline.
type State string

const (
	StatePending            State = "pending"
	StateEvaluating         State = "evaluating"
	StateRejected           State = "rejected"
	StateApproved           State = "approved"
	StateBranching          State = "branching"
	StateCoding             State = "coding"
	StateWaitingCI          State = "waiting-ci"
	StateIterating          State = "iterating"
	StatePROpen             State = "pr-open"
	StateAnalyzingCompeting State = "analyzing-competing"
	StateSynthesizing       State = "synthesizing"
	StateDone               State = "done"

	// Terminal failure states.
	StateStuck   State = "stuck"
	StateFlagged State = "flagged"
	StateSkipped State = "skipped"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateDone, StateStuck, StateFlagged, StateSkipped:
		return true
	}
	return false
}

// Active reports whether the issue occupies a concurrency slot.
func (s State) Active() bool {
	return s != StatePending && !s.Terminal()
}

// transitions is the forward edge set. stuck and flagged are reachable
// from anywhere and are not listed.
var transitions = map[State][]State{
	StatePending:            {StateEvaluating, StateSkipped},
	StateEvaluating:         {StateRejected, StateApproved},
	StateApproved:           {StateBranching},
	StateBranching:          {StateCoding},
	StateCoding:             {StateWaitingCI, StateIterating},
	StateWaitingCI:          {StateIterating, StatePROpen, StateCoding},
	StateIterating:          {StateCoding, StatePROpen},
	StatePROpen:             {StateAnalyzingCompeting, StateEvaluating}, // re-entry on edit
	StateAnalyzingCompeting: {StateSynthesizing, StateDone},
	StateSynthesizing:       {StateDone},
}

// CanTransition reports whether from → to is a legal edge. Every state
// may jump to stuck (unrecoverable error) or flagged (edit halt).
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateStuck || to == StateFlagged {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TrackedIssue is the orchestrator's per-issue record, retained
// indefinitely for idempotence and skip logic.
type TrackedIssue struct {
	Repo        string                `json:"repo"`
	Number      int                   `json:"number"`
	Title       string                `json:"title"`
	URL         string                `json:"url"`
	State       State                 `json:"state"`
	BodyHash    string                `json:"body_hash"`
	Branch      string                `json:"branch,omitempty"`
	PRNumber    int                   `json:"pr_number,omitempty"`
	PRURL       string                `json:"pr_url,omitempty"`
	Iterations  int                   `json:"iterations"`
	MaxIter     int                   `json:"max_iterations"`
	Evaluation  *evaluator.Evaluation `json:"evaluation,omitempty"`
	CodingRuns  []coder.Iteration     `json:"coding_runs,omitempty"`
	LastError   string                `json:"last_error,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
	EnteredWork time.Time             `json:"entered_work,omitempty"`
}

const (
	issuePrefix    = "issues/"
	lastPollPrefix = "poll/last/"
)

// issueKey keys a tracked issue in the store.
func issueKey(repo forge.Repo, number int) string {
	return fmt.Sprintf("%s%s#%d", issuePrefix, repo.Key(), number)
}

// tracker persists tracked issues. All mutation goes through the
// orchestrator, so there is no locking here.
type tracker struct {
	kv store.KV
}

func (t *tracker) load(ctx context.Context, repo forge.Repo, number int) (*TrackedIssue, error) {
	raw, ok, err := t.kv.Get(ctx, issueKey(repo, number))
	if err != nil {
		return nil, fmt.Errorf("loading tracked issue: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var ti TrackedIssue
	if err := json.Unmarshal([]byte(raw), &ti); err != nil {
		return nil, fmt.Errorf("parsing tracked issue: %w", err)
	}
	return &ti, nil
}

func (t *tracker) save(ctx context.Context, repo forge.Repo, ti *TrackedIssue) error {
	ti.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(ti)
	if err != nil {
		return fmt.Errorf("serializing tracked issue: %w", err)
	}
	if err := t.kv.Set(ctx, issueKey(repo, ti.Number), string(data)); err != nil {
		return fmt.Errorf("storing tracked issue: %w", err)
	}
	return nil
}

// list returns every tracked issue for repo.
func (t *tracker) list(ctx context.Context, repo forge.Repo) ([]*TrackedIssue, error) {
	keys, err := t.kv.List(ctx, issuePrefix+repo.Key()+"#")
	if err != nil {
		return nil, fmt.Errorf("listing tracked issues: %w", err)
	}
	issues := make([]*TrackedIssue, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := t.kv.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var ti TrackedIssue
		if err := json.Unmarshal([]byte(raw), &ti); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", key, err)
		}
		issues = append(issues, &ti)
	}
	return issues, nil
}

// LoadTrackedIssues reads every tracked issue for repo from the store.
// It is used by offline tooling (reports) as well as the orchestrator.
func LoadTrackedIssues(ctx context.Context, kv store.KV, repo forge.Repo) ([]*TrackedIssue, error) {
	t := &tracker{kv: kv}
	return t.list(ctx, repo)
}

func (t *tracker) lastPoll(ctx context.Context, repo forge.Repo) (time.Time, error) {
	raw, ok, err := t.kv.Get(ctx, lastPollPrefix+repo.Key())
	if err != nil || !ok {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing last poll timestamp %q: %w", raw, err)
	}
	return ts, nil
}

func (t *tracker) setLastPoll(ctx context.Context, repo forge.Repo, ts time.Time) error {
	return t.kv.Set(ctx, lastPollPrefix+repo.Key(), ts.UTC().Format(time.RFC3339))
}
