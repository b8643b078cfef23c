/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package identity_test

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

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

func TestOpenRequiresKey(t *testing.T) {
	_, err := identity.Open(context.Background(), newMemStore(), newMemStore(), false)
	if !errors.Is(err, identity.ErrNoKey) {
		t.Fatalf("Open(create=false) = %v, want ErrNoKey", err)
	}
}

func TestOpenCreatesStableIdentity(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()

	m1, err := identity.Open(ctx, st, st, true)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(m1.InstanceID()); got != 16 {
		t.Fatalf("InstanceID length = %d, want 16", got)
	}
	if m1.ShortID() != m1.InstanceID()[:8] {
		t.Errorf("ShortID = %q, want prefix of %q", m1.ShortID(), m1.InstanceID())
	}

	// A second open against the same store sees the same identity.
	m2, err := identity.Open(ctx, st, st, false)
	if err != nil {
		t.Fatal(err)
	}
	if m1.InstanceID() != m2.InstanceID() {
		t.Errorf("instance IDs differ: %q vs %q", m1.InstanceID(), m2.InstanceID())
	}
	sig := m1.Sign([]byte("payload"))
	if !m2.Verify([]byte("payload"), sig) {
		t.Error("signature from first open fails against second open")
	}
}

func TestSignVerify(t *testing.T) {
	m, err := identity.Open(context.Background(), newMemStore(), newMemStore(), true)
	if err != nil {
		t.Fatal(err)
	}

	sig := m.Sign([]byte("hello"))
	if !m.Verify([]byte("hello"), sig) {
		t.Error("valid signature rejected")
	}
	if m.Verify([]byte("hell0"), sig) {
		t.Error("signature verified over different payload")
	}
	if m.Verify([]byte("hello"), "not-hex") {
		t.Error("malformed signature accepted")
	}
}

func TestRotateGrace(t *testing.T) {
	ctx := context.Background()
	m, err := identity.Open(ctx, newMemStore(), newMemStore(), true)
	if err != nil {
		t.Fatal(err)
	}

	oldSig := m.Sign([]byte("stamped before rotation"))
	if err := m.Rotate(ctx); err != nil {
		t.Fatal(err)
	}

	// Pre-rotation signatures verify through the grace key.
	if !m.Verify([]byte("stamped before rotation"), oldSig) {
		t.Error("pre-rotation signature rejected after rotate")
	}
	newSig := m.Sign([]byte("stamped before rotation"))
	if newSig == oldSig {
		t.Error("rotation did not change the signing key")
	}
	if !m.Verify([]byte("stamped before rotation"), newSig) {
		t.Error("post-rotation signature rejected")
	}
}

func TestRotationRecommended(t *testing.T) {
	m, err := identity.Open(context.Background(), newMemStore(), newMemStore(), true)
	if err != nil {
		t.Fatal(err)
	}
	// A freshly created key is well under the recommended service age.
	if m.RotationRecommended() {
		t.Error("fresh key flagged for rotation")
	}
	if age := m.KeyAge(); age < 0 || age > identity.RotateRecommendedAfter {
		t.Errorf("KeyAge = %v", age)
	}
}
