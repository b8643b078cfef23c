/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package comments

import (
	"context"
	"fmt"
	"strconv"

	"chainguard.dev/argus/forge"
	"chainguard.dev/argus/store"
)

const (
	flagPrefix  = "moderation/flags/"
	blockPrefix = "moderation/blocks/"
)

// Ledger persists per-user moderation counts. Forges do not expose our
// past flags and blocks, so the trust resolver's history modifier is fed
// from here instead.
type Ledger struct {
	kv store.KV
}

// NewLedger wires a ledger to the store.
func NewLedger(kv store.KV) *Ledger {
	return &Ledger{kv: kv}
}

func userKey(prefix string, repo forge.Repo, user string) string {
	return fmt.Sprintf("%s%s#%s", prefix, repo.Key(), user)
}

func (l *Ledger) increment(ctx context.Context, key string) error {
	n := 0
	if raw, ok, err := l.kv.Get(ctx, key); err != nil {
		return fmt.Errorf("loading moderation count: %w", err)
	} else if ok {
		if parsed, err := strconv.Atoi(raw); err == nil {
			n = parsed
		}
	}
	if err := l.kv.Set(ctx, key, strconv.Itoa(n+1)); err != nil {
		return fmt.Errorf("storing moderation count: %w", err)
	}
	return nil
}

func (l *Ledger) count(ctx context.Context, key string) (int, error) {
	raw, ok, err := l.kv.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("loading moderation count: %w", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing moderation count %q: %w", raw, err)
	}
	return n, nil
}

// RecordFlag increments the flag count for user in repo.
func (l *Ledger) RecordFlag(ctx context.Context, repo forge.Repo, user string) error {
	return l.increment(ctx, userKey(flagPrefix, repo, user))
}

// RecordBlock increments the block count for user in repo.
func (l *Ledger) RecordBlock(ctx context.Context, repo forge.Repo, user string) error {
	return l.increment(ctx, userKey(blockPrefix, repo, user))
}

// Counts returns the recorded (flags, blocks) for user in repo.
func (l *Ledger) Counts(ctx context.Context, repo forge.Repo, user string) (flags, blocks int, err error) {
	if flags, err = l.count(ctx, userKey(flagPrefix, repo, user)); err != nil {
		return 0, 0, err
	}
	if blocks, err = l.count(ctx, userKey(blockPrefix, repo, user)); err != nil {
		return 0, 0, err
	}
	return flags, blocks, nil
}

// ledgerForge decorates a forge so user histories include the ledger's
// moderation counts.
type ledgerForge struct {
	forge.Interface
	ledger *Ledger
}

// WithLedger returns a forge whose GetUserHistory merges in the ledger's
// flag and block counts. Wrap the forge with this before handing it to
// the trust resolver.
func WithLedger(inner forge.Interface, ledger *Ledger) forge.Interface {
	return &ledgerForge{Interface: inner, ledger: ledger}
}

func (f *ledgerForge) GetUserHistory(ctx context.Context, repo forge.Repo, user string) (*forge.UserHistory, error) {
	h, err := f.Interface.GetUserHistory(ctx, repo, user)
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = &forge.UserHistory{}
	}
	flags, blocks, err := f.ledger.Counts(ctx, repo, user)
	if err != nil {
		return nil, fmt.Errorf("merging moderation counts: %w", err)
	}
	h.PriorFlags += flags
	h.PriorBlocks += blocks
	return h, nil
}
