/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package stamp_test

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"chainguard.dev/argus/identity"
	"chainguard.dev/argus/stamp"
)

// memStore is an in-memory store.KV and store.Secrets for tests.
type memStore struct {
	mu sync.Mutex
	kv map[string]string
	sv map[string]string
}

func newMemStore() *memStore {
	return &memStore{kv: map[string]string{}, sv: map[string]string{}}
}

func (m *memStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.sv[key]
	return v, ok, nil
}

func (m *memStore) SetSecret(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sv[key] = value
	return nil
}

func (m *memStore) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sv, key)
	return nil
}

func newManager(t *testing.T) *stamp.Manager {
	t.Helper()
	keys, err := identity.Open(context.Background(), newMemStore(), newMemStore(), true)
	if err != nil {
		t.Fatal(err)
	}
	return stamp.NewManager(keys, stamp.NewNonceRegistry())
}

func TestApplyAndVerify(t *testing.T) {
	m := newManager(t)

	artifact := m.Apply("LGTM, opening a fix.", "octo/widgets", "comment")
	if !strings.Contains(artifact, "<sub>🔏 Argus v1 · ") {
		t.Fatalf("missing footer: %q", artifact)
	}
	if !stamp.HasStamp(artifact) {
		t.Fatal("HasStamp = false")
	}

	v := m.Verify(artifact, 101)
	if !v.Valid {
		t.Fatalf("Verify = %+v, want valid", v)
	}
	if !v.IsOurInstance {
		t.Error("IsOurInstance = false")
	}

	// Re-verifying against the same comment ID is not a replay.
	if v := m.Verify(artifact, 101); !v.Valid {
		t.Errorf("re-verify = %+v, want valid", v)
	}
}

func TestVerifyTampered(t *testing.T) {
	m := newManager(t)
	artifact := m.Apply("The fix is in #12.", "octo/widgets", "comment")

	tampered := strings.Replace(artifact, "#12", "#13", 1)
	v := m.Verify(tampered, 0)
	if v.Valid {
		t.Fatal("tampered artifact verified")
	}
	if !v.Tampered {
		t.Errorf("Verify = %+v, want Tampered", v)
	}
}

func TestVerifyReplay(t *testing.T) {
	m := newManager(t)
	artifact := m.Apply("ack", "octo/widgets", "comment")

	if v := m.Verify(artifact, 7); !v.Valid {
		t.Fatalf("first verify = %+v", v)
	}
	// The same stamp pasted into a different comment is a replay.
	v := m.Verify(artifact, 8)
	if v.Valid || !v.Replayed {
		t.Errorf("Verify = %+v, want Replayed", v)
	}
}

func TestVerifyForeignInstance(t *testing.T) {
	ours := newManager(t)
	theirs := newManager(t)

	artifact := theirs.Apply("competing fix", "octo/widgets", "comment")
	v := ours.Verify(artifact, 0)
	if v.Valid {
		t.Fatal("foreign stamp verified as ours")
	}
	if v.IsOurInstance {
		t.Error("IsOurInstance = true for foreign stamp")
	}
	if v.Stamp == nil {
		t.Fatal("foreign stamp not parsed")
	}
}

func TestVerifyUnstamped(t *testing.T) {
	m := newManager(t)
	for _, artifact := range []string{
		"no stamp here",
		"prose\n\n---\nbut the footer is not a stamp",
	} {
		v := m.Verify(artifact, 0)
		if v.Valid || v.Stamp != nil {
			t.Errorf("Verify(%q) = %+v, want empty", artifact, v)
		}
	}
}

func TestExtractRoundTrip(t *testing.T) {
	m := newManager(t)
	content := "body text\n\nwith paragraphs"
	artifact := m.Apply(content, "octo/widgets", "pr_body")

	got, s, ok := stamp.Extract(artifact)
	if !ok {
		t.Fatal("Extract failed")
	}
	if got != content {
		t.Errorf("content = %q, want %q", got, content)
	}
	if s.Version != stamp.Version {
		t.Errorf("Version = %q, want %q", s.Version, stamp.Version)
	}
	if len(s.Nonce) != 16 {
		t.Errorf("Nonce = %q, want 16 hex chars", s.Nonce)
	}
}

func TestNonceRegistry(t *testing.T) {
	r := stamp.NewNonceRegistry()
	now := time.Now().UTC()

	r.Register(stamp.NonceEntry{Nonce: "aaaa", Timestamp: now})
	r.Register(stamp.NonceEntry{Nonce: "bbbb", Timestamp: now.Add(-60 * 24 * time.Hour)})
	if got := r.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}

	// Unbound nonces never count as replayed.
	if r.CheckReplay("aaaa", 5) {
		t.Error("unbound nonce reported as replay")
	}
	r.Bind("aaaa", 5)
	if r.CheckReplay("aaaa", 5) {
		t.Error("same comment reported as replay")
	}
	if !r.CheckReplay("aaaa", 6) {
		t.Error("cross-comment reuse not reported")
	}
	// First binding wins.
	r.Bind("aaaa", 6)
	if r.CheckReplay("aaaa", 5) {
		t.Error("rebinding displaced the original comment ID")
	}

	if removed := r.Prune(now); removed != 1 {
		t.Errorf("Prune = %d, want 1", removed)
	}
	if got := r.Len(); got != 1 {
		t.Errorf("Len after prune = %d, want 1", got)
	}
}

func TestNonceRegistryPersistence(t *testing.T) {
	ctx := context.Background()
	kv := newMemStore()

	r := stamp.NewNonceRegistry()
	r.Register(stamp.NonceEntry{Nonce: "cafe0000cafe0000", Repo: "octo/widgets", Action: "comment"})
	r.Bind("cafe0000cafe0000", 42)
	if err := r.Save(ctx, kv); err != nil {
		t.Fatal(err)
	}

	restored := stamp.NewNonceRegistry()
	if err := restored.Load(ctx, kv); err != nil {
		t.Fatal(err)
	}
	if got := restored.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
	if !restored.CheckReplay("cafe0000cafe0000", 43) {
		t.Error("binding lost across save/load")
	}
}

func TestLoadEmptyStore(t *testing.T) {
	r := stamp.NewNonceRegistry()
	if err := r.Load(context.Background(), newMemStore()); err != nil {
		t.Fatal(err)
	}
	if got := r.Len(); got != 0 {
		t.Errorf("Len = %d, want 0", got)
	}
}
