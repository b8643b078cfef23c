/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package identity manages the agent's cryptographic identity: a stable
// per-instance ID and the HMAC-SHA256 signing key (with one-deep rotation
// history) used to sign stamps and audit entries.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"chainguard.dev/argus/store"
	"github.com/chainguard-dev/clog"
)

const (
	instanceIDKey = "identity/instance-id"
	keyCreatedKey = "identity/key-created-at"

	signingKeySecret  = "identity/signing-key"
	previousKeySecret = "identity/previous-key"

	keyBytes = 32
)

// ErrNoKey is returned when no signing key exists and creation was not
// requested. The agent refuses to run without a cryptographic identity.
var ErrNoKey = errors.New("no signing key present")

// RotateRecommendedAfter is the key age past which Rotate is recommended.
const RotateRecommendedAfter = 90 * 24 * time.Hour

// Manager owns the instance ID and signing keys. Keys are read-mostly;
// Rotate takes the write lock.
type Manager struct {
	kv      store.KV
	secrets store.Secrets

	mu         sync.RWMutex
	instanceID string
	current    []byte
	previous   []byte
	createdAt  time.Time
}

// Open loads (or, when create is true, initializes) the identity from the
// stores. It returns ErrNoKey when no key exists and create is false.
func Open(ctx context.Context, kv store.KV, secrets store.Secrets, create bool) (*Manager, error) {
	m := &Manager{kv: kv, secrets: secrets}

	id, ok, err := kv.Get(ctx, instanceIDKey)
	if err != nil {
		return nil, fmt.Errorf("loading instance id: %w", err)
	}
	if !ok {
		if !create {
			return nil, ErrNoKey
		}
		id = randomHex(8)
		if err := kv.Set(ctx, instanceIDKey, id); err != nil {
			return nil, fmt.Errorf("storing instance id: %w", err)
		}
		clog.FromContext(ctx).With("instance_id", id).Info("Created new instance identity")
	}
	m.instanceID = id

	cur, ok, err := secrets.GetSecret(ctx, signingKeySecret)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	if !ok {
		if !create {
			return nil, ErrNoKey
		}
		key := make([]byte, keyBytes)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
		cur = hex.EncodeToString(key)
		if err := secrets.SetSecret(ctx, signingKeySecret, cur); err != nil {
			return nil, fmt.Errorf("storing signing key: %w", err)
		}
		if err := kv.Set(ctx, keyCreatedKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return nil, fmt.Errorf("storing key metadata: %w", err)
		}
	}
	m.current, err = hex.DecodeString(cur)
	if err != nil {
		return nil, fmt.Errorf("decoding signing key: %w", err)
	}

	if prev, ok, err := secrets.GetSecret(ctx, previousKeySecret); err != nil {
		return nil, fmt.Errorf("loading previous key: %w", err)
	} else if ok {
		if m.previous, err = hex.DecodeString(prev); err != nil {
			return nil, fmt.Errorf("decoding previous key: %w", err)
		}
	}

	if created, ok, err := kv.Get(ctx, keyCreatedKey); err == nil && ok {
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			m.createdAt = t
		}
	}

	return m, nil
}

// InstanceID returns the stable 64-bit hex instance identifier.
func (m *Manager) InstanceID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instanceID
}

// ShortID returns the first 8 hex characters of the instance ID, as used
// in the stamp footer.
func (m *Manager) ShortID() string {
	return m.InstanceID()[:8]
}

// Sign computes the HMAC-SHA256 of payload with the current key.
func (m *Manager) Sign(payload []byte) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mac := hmac.New(sha256.New, m.current)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against the current key and, during the
// rotation grace window, the previous key.
func (m *Manager) Verify(payload []byte, signature string) bool {
	m.mu.RLock()
	keys := [][]byte{m.current}
	if m.previous != nil {
		keys = append(keys, m.previous)
	}
	m.mu.RUnlock()

	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	for _, key := range keys {
		mac := hmac.New(sha256.New, key)
		mac.Write(payload)
		if hmac.Equal(mac.Sum(nil), want) {
			return true
		}
	}
	return false
}

// Rotate generates a fresh signing key, moving the current key into the
// grace slot so existing stamps still verify.
func (m *Manager) Rotate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := make([]byte, keyBytes)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}

	if err := m.secrets.SetSecret(ctx, previousKeySecret, hex.EncodeToString(m.current)); err != nil {
		return fmt.Errorf("storing previous key: %w", err)
	}
	if err := m.secrets.SetSecret(ctx, signingKeySecret, hex.EncodeToString(key)); err != nil {
		return fmt.Errorf("storing signing key: %w", err)
	}
	now := time.Now().UTC()
	if err := m.kv.Set(ctx, keyCreatedKey, now.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("storing key metadata: %w", err)
	}

	m.previous = m.current
	m.current = key
	m.createdAt = now
	clog.FromContext(ctx).Info("Rotated signing key; previous key retained for verification grace")
	return nil
}

// KeyAge returns how long the current key has been in service, or zero if
// the creation time is unknown.
func (m *Manager) KeyAge() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.createdAt.IsZero() {
		return 0
	}
	return time.Since(m.createdAt)
}

// RotationRecommended reports whether the current key is past the
// recommended service age.
func (m *Manager) RotationRecommended() bool {
	age := m.KeyAge()
	return age > 0 && age > RotateRecommendedAfter
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}
