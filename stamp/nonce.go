/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package stamp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const nonceRegistryKey = "stamp/nonce-registry"

// DefaultNonceRetention is how long nonce entries are kept before pruning.
const DefaultNonceRetention = 30 * 24 * time.Hour

// NonceEntry records a nonce and the artifact it was first bound to.
type NonceEntry struct {
	Nonce     string    `json:"nonce"`
	Timestamp time.Time `json:"timestamp"`
	Repo      string    `json:"repo"`
	CommentID int64     `json:"comment_id"`
	Action    string    `json:"action"`
}

// NonceRegistry tracks issued nonces to detect stamp replay. A nonce
// never validates against two distinct comment IDs.
type NonceRegistry struct {
	mu        sync.RWMutex
	entries   map[string]NonceEntry
	retention time.Duration
}

// NewNonceRegistry returns an empty registry with the default retention.
func NewNonceRegistry() *NonceRegistry {
	return &NonceRegistry{
		entries:   make(map[string]NonceEntry),
		retention: DefaultNonceRetention,
	}
}

// NewNonce mints a fresh 64-bit hex nonce.
func NewNonce() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}

// Register binds a nonce to the artifact it was emitted on.
func (r *NonceRegistry) Register(entry NonceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	r.entries[entry.Nonce] = entry
}

// CheckReplay reports whether nonce has already been bound to a comment ID
// other than commentID. Re-verifying the same stamp against the same
// comment is not a replay.
func (r *NonceRegistry) CheckReplay(nonce string, commentID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[nonce]
	if !ok {
		return false
	}
	return entry.CommentID != 0 && commentID != 0 && entry.CommentID != commentID
}

// Bind records the comment ID a verified nonce was observed on, if it was
// not already bound.
func (r *NonceRegistry) Bind(nonce string, commentID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[nonce]
	if !ok {
		entry = NonceEntry{Nonce: nonce, Timestamp: time.Now().UTC()}
	}
	if entry.CommentID == 0 {
		entry.CommentID = commentID
		r.entries[nonce] = entry
	}
}

// Len returns the number of tracked nonces.
func (r *NonceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Prune drops entries older than the retention window and returns how
// many were removed.
func (r *NonceRegistry) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-r.retention)
	removed := 0
	for nonce, entry := range r.entries {
		if entry.Timestamp.Before(cutoff) {
			delete(r.entries, nonce)
			removed++
		}
	}
	return removed
}

// Save serializes the registry into the key/value store.
func (r *NonceRegistry) Save(ctx context.Context, kv kvStore) error {
	r.mu.RLock()
	entries := make([]NonceEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshaling nonce registry: %w", err)
	}
	return kv.Set(ctx, nonceRegistryKey, string(data))
}

// Load restores the registry from the key/value store. A missing record
// leaves the registry empty.
func (r *NonceRegistry) Load(ctx context.Context, kv kvStore) error {
	raw, ok, err := kv.Get(ctx, nonceRegistryKey)
	if err != nil {
		return fmt.Errorf("loading nonce registry: %w", err)
	}
	if !ok {
		return nil
	}
	var entries []NonceEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return fmt.Errorf("unmarshaling nonce registry: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.entries[e.Nonce] = e
	}
	return nil
}

// kvStore is the narrow slice of store.KV the registry needs; it keeps
// this package free of a store dependency cycle in tests.
type kvStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}
