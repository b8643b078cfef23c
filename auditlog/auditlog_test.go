/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package auditlog_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"

	"chainguard.dev/argus/auditlog"
	"chainguard.dev/argus/identity"
)

type memStore struct {
	kv map[string]string
	sv map[string]string
}

func newMemStore() *memStore {
	return &memStore{kv: map[string]string{}, sv: map[string]string{}}
}

func (m *memStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key, value string) error {
	m.kv[key] = value
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	delete(m.kv, key)
	return nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range m.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memStore) GetSecret(_ context.Context, key string) (string, bool, error) {
	v, ok := m.sv[key]
	return v, ok, nil
}

func (m *memStore) SetSecret(_ context.Context, key, value string) error {
	m.sv[key] = value
	return nil
}

func (m *memStore) DeleteSecret(_ context.Context, key string) error {
	delete(m.sv, key)
	return nil
}

func newLog(t *testing.T) (*auditlog.Log, *memStore, *identity.Manager) {
	t.Helper()
	ctx := context.Background()
	st := newMemStore()
	keys, err := identity.Open(ctx, st, st, true)
	if err != nil {
		t.Fatal(err)
	}
	log, err := auditlog.Open(ctx, st, keys)
	if err != nil {
		t.Fatal(err)
	}
	return log, st, keys
}

func TestAppendAndVerify(t *testing.T) {
	ctx := context.Background()
	log, _, _ := newLog(t)

	first, err := log.Append(ctx, auditlog.Record{
		Action:   auditlog.ActionPollRepos,
		Repo:     "octo/widgets",
		Decision: "2 new issues",
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != "00000000" {
		t.Errorf("first ID = %q, want 00000000", first.ID)
	}
	if first.PrevHash != auditlog.GenesisHash {
		t.Errorf("first PrevHash = %q, want genesis", first.PrevHash)
	}

	second, err := log.Append(ctx, auditlog.Record{
		Action:       auditlog.ActionEvaluateIssue,
		Repo:         "octo/widgets",
		Target:       "issues/4",
		Decision:     "approved",
		LLMCallCount: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != "00000001" {
		t.Errorf("second ID = %q, want 00000001", second.ID)
	}
	if second.PrevHash == auditlog.GenesisHash || second.PrevHash == "" {
		t.Errorf("second PrevHash = %q, want hash of first entry", second.PrevHash)
	}

	res, err := log.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Entries != 2 || res.BrokenAt != "" {
		t.Errorf("Verify = %+v, want 2 intact entries", res)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	log, st, _ := newLog(t)

	for i := 0; i < 3; i++ {
		if _, err := log.Append(ctx, auditlog.Record{
			Action: auditlog.ActionComment,
			Repo:   "octo/widgets",
		}); err != nil {
			t.Fatal(err)
		}
	}

	// Rewrite the middle entry's decision directly in the store.
	key := "audit/entry/00000001"
	raw, ok, _ := st.Get(ctx, key)
	if !ok {
		t.Fatalf("missing %s", key)
	}
	var e auditlog.Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatal(err)
	}
	e.Decision = "forged"
	forged, _ := json.Marshal(e)
	st.Set(ctx, key, string(forged))

	res, err := log.Verify(ctx)
	if !errors.Is(err, auditlog.ErrChainBroken) {
		t.Fatalf("Verify error = %v, want ErrChainBroken", err)
	}
	if res.BrokenAt != "00000001" {
		t.Errorf("BrokenAt = %q, want 00000001", res.BrokenAt)
	}

	// A broken log refuses further appends.
	if _, err := log.Append(ctx, auditlog.Record{Action: auditlog.ActionComment}); !errors.Is(err, auditlog.ErrChainBroken) {
		t.Errorf("Append after break = %v, want ErrChainBroken", err)
	}
}

func TestChainSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	keys, err := identity.Open(ctx, st, st, true)
	if err != nil {
		t.Fatal(err)
	}

	log, err := auditlog.Open(ctx, st, keys)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append(ctx, auditlog.Record{Action: auditlog.ActionCreatePR, Repo: "octo/widgets"}); err != nil {
		t.Fatal(err)
	}

	reopened, err := auditlog.Open(ctx, st, keys)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reopened.Append(ctx, auditlog.Record{Action: auditlog.ActionComment, Repo: "octo/widgets"}); err != nil {
		t.Fatal(err)
	}
	res, err := reopened.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Entries != 2 {
		t.Errorf("Entries = %d, want 2", res.Entries)
	}
}

func TestEntriesLimit(t *testing.T) {
	ctx := context.Background()
	log, _, _ := newLog(t)

	for i := 0; i < 5; i++ {
		if _, err := log.Append(ctx, auditlog.Record{Action: auditlog.ActionComment}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := log.Entries(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	// The most recent entries, oldest first.
	if entries[0].ID != "00000003" || entries[1].ID != "00000004" {
		t.Errorf("IDs = %s, %s; want 00000003, 00000004", entries[0].ID, entries[1].ID)
	}
}

func TestVerifySurvivesKeyRotation(t *testing.T) {
	ctx := context.Background()
	log, _, keys := newLog(t)

	if _, err := log.Append(ctx, auditlog.Record{Action: auditlog.ActionComment}); err != nil {
		t.Fatal(err)
	}
	if err := keys.Rotate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append(ctx, auditlog.Record{Action: auditlog.ActionKeyRotation, Decision: "rotated"}); err != nil {
		t.Fatal(err)
	}

	// Entries signed before rotation verify via the grace key.
	res, err := log.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Entries != 2 {
		t.Errorf("Entries = %d, want 2", res.Entries)
	}
}
