/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package store defines the persistence ports used by the agent core.
//
// The core keeps only a small amount of durable state: the instance
// identity, signing-key metadata, the audit counter and entries, and the
// serialized nonce registry. Everything else is reconstructed from the
// forge on startup.
package store

import "context"

// KV is a memento-style key/value store for non-secret agent state.
type KV interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores the value under key, overwriting any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix, in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Secrets stores sensitive material (the HMAC signing key and, during
// rotation, the previous key) separately from ordinary state.
type Secrets interface {
	GetSecret(ctx context.Context, key string) (string, bool, error)
	SetSecret(ctx context.Context, key, value string) error
	DeleteSecret(ctx context.Context, key string) error
}
