/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package auditlog is the append-only, hash-chained, HMAC-signed record of
// every consequential action the agent takes. Each entry links to the
// SHA-256 of its predecessor's serialized form, so any tampering breaks
// the chain at a detectable point.
package auditlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"chainguard.dev/argus/identity"
	"chainguard.dev/argus/store"
)

const (
	counterKey  = "audit/counter"
	lastHashKey = "audit/last-hash"
	entryPrefix = "audit/entry/"
)

// GenesisHash is the previous-entry hash of the first entry.
var GenesisHash = strings.Repeat("0", 64)

// ErrChainBroken is returned by Verify when the chain does not validate.
// It is fatal: no further appends should occur until an operator
// intervenes.
var ErrChainBroken = errors.New("audit chain broken")

// Action identifies the kind of audited action.
type Action string

const (
	ActionPollRepos        Action = "poll_repos"
	ActionEvaluateIssue    Action = "evaluate_issue"
	ActionInvestigate      Action = "investigate"
	ActionCreateBranch     Action = "create_branch"
	ActionPushCode         Action = "push_code"
	ActionCICheck          Action = "ci_check"
	ActionCreatePR         Action = "create_pr"
	ActionComment          Action = "comment"
	ActionModerate         Action = "moderate"
	ActionDetectEdit       Action = "detect_edit"
	ActionAnalyzePRs       Action = "analyze_prs"
	ActionSynthesize       Action = "synthesize"
	ActionLoopDetected     Action = "loop_detected"
	ActionAcknowledge      Action = "acknowledge"
	ActionKeyRotation      Action = "key_rotation"
	ActionThreatDetected   Action = "threat_detected"
	ActionValidateOutput   Action = "validate_output"
	ActionEmergencyStop    Action = "emergency_stop"
)

// Entry is one audit record. Serialized form (deterministic JSON field
// order) is what the chain hash covers.
type Entry struct {
	ID           string `json:"id"`
	Timestamp    string `json:"timestamp"`
	Action       Action `json:"action"`
	Repo         string `json:"repo"`
	Target       string `json:"target"`
	InputHash    string `json:"input_hash"`
	OutputHash   string `json:"output_hash"`
	Decision     string `json:"decision"`
	LLMCallCount int    `json:"llm_call_count"`
	Details      string `json:"details"`
	PrevHash     string `json:"previous_entry_hash"`
	Signature    string `json:"signature"`
}

// Record is the caller-facing shape of an append; the log fills in the
// ID, timestamp, chain link and signature.
type Record struct {
	Action       Action
	Repo         string
	Target       string
	InputHash    string
	OutputHash   string
	Decision     string
	LLMCallCount int
	Details      string
}

// Log is the append-only audit log. The counter and last-entry hash are
// the only cross-call mutable state; both live behind the mutex.
type Log struct {
	kv   store.KV
	keys *identity.Manager

	mu       sync.Mutex
	counter  uint64
	lastHash string
	broken   bool
}

// Open loads the counter and chain tail from the store.
func Open(ctx context.Context, kv store.KV, keys *identity.Manager) (*Log, error) {
	l := &Log{kv: kv, keys: keys, lastHash: GenesisHash}

	if raw, ok, err := kv.Get(ctx, counterKey); err != nil {
		return nil, fmt.Errorf("loading audit counter: %w", err)
	} else if ok {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing audit counter %q: %w", raw, err)
		}
		l.counter = n
	}

	if raw, ok, err := kv.Get(ctx, lastHashKey); err != nil {
		return nil, fmt.Errorf("loading audit tail: %w", err)
	} else if ok {
		l.lastHash = raw
	}

	return l, nil
}

// serialize renders the entry's canonical form; the chain hash of entry N
// is SHA-256 of this string.
func serialize(e Entry) string {
	data, err := json.Marshal(e)
	if err != nil {
		// Entry is a flat struct of strings and ints; Marshal cannot fail.
		panic(fmt.Sprintf("serializing audit entry: %v", err))
	}
	return string(data)
}

func entryHash(e Entry) string {
	sum := sha256.Sum256([]byte(serialize(e)))
	return hex.EncodeToString(sum[:])
}

// signaturePayload concatenates the signed fields.
func signaturePayload(e Entry) []byte {
	return []byte(strings.Join([]string{
		e.ID, e.Timestamp, string(e.Action), e.Repo, e.Target,
		e.InputHash, e.OutputHash, e.Decision, e.PrevHash,
	}, "|"))
}

// Append signs and stores a new entry, linking it to the chain tail.
// Appends are serialized; interleaving would break the chain invariant.
func (l *Log) Append(ctx context.Context, rec Record) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.broken {
		return nil, ErrChainBroken
	}

	e := Entry{
		ID:           fmt.Sprintf("%08d", l.counter),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Action:       rec.Action,
		Repo:         rec.Repo,
		Target:       rec.Target,
		InputHash:    rec.InputHash,
		OutputHash:   rec.OutputHash,
		Decision:     rec.Decision,
		LLMCallCount: rec.LLMCallCount,
		Details:      rec.Details,
		PrevHash:     l.lastHash,
	}
	e.Signature = l.keys.Sign(signaturePayload(e))

	if err := l.kv.Set(ctx, entryPrefix+e.ID, serialize(e)); err != nil {
		return nil, fmt.Errorf("storing audit entry: %w", err)
	}
	next := l.counter + 1
	if err := l.kv.Set(ctx, counterKey, strconv.FormatUint(next, 10)); err != nil {
		return nil, fmt.Errorf("storing audit counter: %w", err)
	}
	hash := entryHash(e)
	if err := l.kv.Set(ctx, lastHashKey, hash); err != nil {
		return nil, fmt.Errorf("storing audit tail: %w", err)
	}

	l.counter = next
	l.lastHash = hash
	return &e, nil
}

// Entries returns up to limit of the most recent entries, oldest first.
// limit <= 0 returns everything.
func (l *Log) Entries(ctx context.Context, limit int) ([]Entry, error) {
	keys, err := l.kv.List(ctx, entryPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := l.kv.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("loading audit entry %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("parsing audit entry %s: %w", key, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// VerifyResult reports the outcome of a full chain walk.
type VerifyResult struct {
	Entries int
	// BrokenAt is the ID of the first entry that failed verification, or
	// empty when the chain is intact.
	BrokenAt string
	// Reason describes the first failure.
	Reason string
}

// Verify walks the chain from genesis, re-deriving each expected previous
// hash and checking every signature against the verification keys. On
// failure it marks the log broken so no further appends occur.
func (l *Log) Verify(ctx context.Context) (*VerifyResult, error) {
	entries, err := l.Entries(ctx, 0)
	if err != nil {
		return nil, err
	}

	res := &VerifyResult{Entries: len(entries)}
	prev := GenesisHash
	for _, e := range entries {
		if e.PrevHash != prev {
			res.BrokenAt, res.Reason = e.ID, "chain link mismatch"
			break
		}
		if !l.keys.Verify(signaturePayload(e), e.Signature) {
			res.BrokenAt, res.Reason = e.ID, "signature invalid"
			break
		}
		prev = entryHash(e)
	}

	if res.BrokenAt != "" {
		l.mu.Lock()
		l.broken = true
		l.mu.Unlock()
		return res, fmt.Errorf("%w at entry %s: %s", ErrChainBroken, res.BrokenAt, res.Reason)
	}
	return res, nil
}

// HashContent is a convenience for producing input/output hashes.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
