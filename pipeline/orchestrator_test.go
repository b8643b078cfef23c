/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chainguard.dev/argus/auditlog"
	"chainguard.dev/argus/forge"
	"chainguard.dev/argus/identity"
	"chainguard.dev/argus/pipeline/editdetect"
	"chainguard.dev/argus/stamp"
)

var orchRepo = forge.Repo{Platform: forge.PlatformGitHub, Owner: "octo", Name: "widgets"}

type orchStore struct {
	kv map[string]string
	sv map[string]string
}

func newOrchStore() *orchStore {
	return &orchStore{kv: map[string]string{}, sv: map[string]string{}}
}

func (m *orchStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.kv[key]
	return v, ok, nil
}
func (m *orchStore) Set(_ context.Context, key, value string) error { m.kv[key] = value; return nil }
func (m *orchStore) Delete(_ context.Context, key string) error     { delete(m.kv, key); return nil }
func (m *orchStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range m.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
func (m *orchStore) GetSecret(_ context.Context, key string) (string, bool, error) {
	v, ok := m.sv[key]
	return v, ok, nil
}
func (m *orchStore) SetSecret(_ context.Context, key, value string) error {
	m.sv[key] = value
	return nil
}
func (m *orchStore) DeleteSecret(_ context.Context, key string) error {
	delete(m.sv, key)
	return nil
}

// orchForge covers the read surface the scheduler touches; anything else
// panics via the embedded nil interface.
type orchForge struct {
	forge.Interface
	issues   []forge.Issue
	comments map[int][]forge.Comment
}

func (f *orchForge) ListIssuesUpdatedSince(context.Context, forge.Repo, time.Time) ([]forge.Issue, error) {
	return f.issues, nil
}

func (f *orchForge) ListIssueComments(_ context.Context, _ forge.Repo, number int) ([]forge.Comment, error) {
	return f.comments[number], nil
}

func (f *orchForge) ListOpenPullRequests(context.Context, forge.Repo) ([]forge.PullRequest, error) {
	return nil, nil
}

func newOrchestrator(t *testing.T, cfg Config, f forge.Interface) *Orchestrator {
	t.Helper()
	ctx := context.Background()
	st := newOrchStore()
	keys, err := identity.Open(ctx, st, st, true)
	if err != nil {
		t.Fatal(err)
	}
	audit, err := auditlog.Open(ctx, st, keys)
	if err != nil {
		t.Fatal(err)
	}
	return New(cfg, Deps{
		Forge:  f,
		KV:     st,
		Stamps: stamp.NewManager(keys, stamp.NewNonceRegistry()),
		Audit:  audit,
	})
}

func TestPollEnqueuesNewIssues(t *testing.T) {
	ctx := context.Background()
	f := &orchForge{comments: map[int][]forge.Comment{}}
	o := newOrchestrator(t, Config{SelfUser: "argus-agent"}, f)

	// The agent already has the last word on issue 3.
	stamped := o.stamps.Apply("done, see the linked PR", orchRepo.Key(), "comment")
	f.comments[3] = []forge.Comment{
		{ID: 31, User: "alice", Body: "any update?"},
		{ID: 32, User: "argus-agent", Body: stamped},
	}
	f.issues = []forge.Issue{
		{Number: 1, Title: "parser crash", Body: "panic on empty input", State: "open"},
		{Number: 2, Title: "already closed", State: "closed"},
		{Number: 3, Title: "answered", Body: "stale", State: "open"},
		{Number: 4, Title: "already tracked", State: "open"},
	}
	if err := o.tracker.save(ctx, orchRepo, &TrackedIssue{
		Repo: orchRepo.Key(), Number: 4, State: StateEvaluating,
	}); err != nil {
		t.Fatal(err)
	}

	n, err := o.Poll(ctx, orchRepo)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("enqueued = %d, want 1", n)
	}

	ti, err := o.tracker.load(ctx, orchRepo, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ti == nil || ti.State != StatePending {
		t.Fatalf("issue 1 = %+v, want pending", ti)
	}
	if ti.BodyHash != editdetect.BodyHash("panic on empty input") {
		t.Errorf("BodyHash = %q", ti.BodyHash)
	}
	for _, skipped := range []int{2, 3} {
		if got, err := o.tracker.load(ctx, orchRepo, skipped); err != nil || got != nil {
			t.Errorf("issue %d tracked = %+v, err %v; want untracked", skipped, got, err)
		}
	}

	entries, err := o.audit.Entries(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Action != auditlog.ActionPollRepos || entries[0].Decision != "1 enqueued" {
		t.Errorf("audit tail = %+v", entries)
	}

	// Everything handled; a re-poll enqueues nothing new.
	if n, err := o.Poll(ctx, orchRepo); err != nil || n != 0 {
		t.Errorf("second Poll = %d, %v; want 0", n, err)
	}
}

func TestHasLastWordRejectsForeignAndPlainComments(t *testing.T) {
	ctx := context.Background()
	f := &orchForge{comments: map[int][]forge.Comment{}}
	o := newOrchestrator(t, Config{SelfUser: "argus-agent"}, f)

	// Another instance's stamp is not our last word.
	other := newOrchestrator(t, Config{SelfUser: "argus-agent"}, f)
	f.comments[7] = []forge.Comment{{ID: 71, Body: other.stamps.Apply("handled", orchRepo.Key(), "comment")}}
	if got, err := o.hasLastWord(ctx, orchRepo, 7); err != nil || got {
		t.Errorf("foreign stamp hasLastWord = %v, %v", got, err)
	}

	// A newer unstamped human comment supersedes our stamp.
	f.comments[8] = []forge.Comment{
		{ID: 81, Body: o.stamps.Apply("handled", orchRepo.Key(), "comment")},
		{ID: 82, User: "alice", Body: "it still crashes"},
	}
	if got, err := o.hasLastWord(ctx, orchRepo, 8); err != nil || got {
		t.Errorf("superseded stamp hasLastWord = %v, %v", got, err)
	}
}

func TestProcessNextDefersWhenSlotsFull(t *testing.T) {
	ctx := context.Background()
	// Embedded nil forge: any forge call would panic, proving the
	// scheduler defers without starting work.
	o := newOrchestrator(t, Config{MaxConcurrent: 2}, &orchForge{})

	for _, ti := range []*TrackedIssue{
		{Repo: orchRepo.Key(), Number: 1, State: StateCoding},
		{Repo: orchRepo.Key(), Number: 2, State: StateEvaluating},
		{Repo: orchRepo.Key(), Number: 3, State: StatePending},
	} {
		if err := o.tracker.save(ctx, orchRepo, ti); err != nil {
			t.Fatal(err)
		}
	}

	if err := o.ProcessNext(ctx, orchRepo); err != nil {
		t.Fatal(err)
	}
	ti, err := o.tracker.load(ctx, orchRepo, 3)
	if err != nil {
		t.Fatal(err)
	}
	if ti.State != StatePending {
		t.Errorf("deferred issue state = %s, want pending", ti.State)
	}
}

func TestWatchdogMarksStuck(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, Config{}, &orchForge{})

	for _, ti := range []*TrackedIssue{
		{Repo: orchRepo.Key(), Number: 1, State: StateCoding, EnteredWork: time.Now().UTC().Add(-3 * time.Hour)},
		{Repo: orchRepo.Key(), Number: 2, State: StateCoding, EnteredWork: time.Now().UTC().Add(-10 * time.Minute)},
		{Repo: orchRepo.Key(), Number: 3, State: StateDone},
	} {
		if err := o.tracker.save(ctx, orchRepo, ti); err != nil {
			t.Fatal(err)
		}
	}

	if err := o.watchdog(ctx, orchRepo); err != nil {
		t.Fatal(err)
	}

	stuck, err := o.tracker.load(ctx, orchRepo, 1)
	if err != nil {
		t.Fatal(err)
	}
	if stuck.State != StateStuck {
		t.Errorf("issue 1 state = %s, want stuck", stuck.State)
	}
	if !strings.Contains(stuck.LastError, "watchdog") {
		t.Errorf("LastError = %q", stuck.LastError)
	}
	if !stuck.EnteredWork.IsZero() {
		t.Error("terminal issue retains EnteredWork")
	}

	fresh, err := o.tracker.load(ctx, orchRepo, 2)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.State != StateCoding {
		t.Errorf("issue 2 state = %s, want coding", fresh.State)
	}
}

func TestRunStopsOnEmergencyStop(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, Config{}, &orchForge{comments: map[int][]forge.Comment{}})

	o.EmergencyStop(ctx)
	// Idempotent: a second stop neither panics nor re-audits.
	o.EmergencyStop(ctx)

	entries, err := o.audit.Entries(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	stops := 0
	for _, e := range entries {
		if e.Action == auditlog.ActionEmergencyStop {
			stops++
		}
	}
	if stops != 1 {
		t.Errorf("emergency_stop audit entries = %d, want 1", stops)
	}

	err = o.Run(ctx, []forge.Repo{orchRepo})
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Run = %v, want ErrStopped", err)
	}
}
