/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package stamp emits and verifies the tamper-evident footer the agent
// appends to every artifact it writes to a forge. A stamp binds the
// instance identity, a timestamp, an anti-replay nonce, and an HMAC
// signature over the content hash.
package stamp

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"chainguard.dev/argus/identity"
)

// Version is the stamp format version advertised in the footer.
const Version = "1"

// Delimiter separates artifact content from the stamp footer.
const Delimiter = "\n\n---\n"

// MaxClockSkew is how far in the future a stamp timestamp may be before
// verification rejects it.
const MaxClockSkew = 60 * time.Second

// footerRe parses the wire format:
//
//	<sub>🔏 Argus v1 · <code>deadbeef</code> · 2026-01-02T15:04:05Z · <code>sig:<nonce>:<signature></code></sub>
var footerRe = regexp.MustCompile(
	`<sub>🔏 Argus v([0-9A-Za-z.\-]+) · <code>([0-9a-f]{8})</code> · ([0-9TZ:+.\-]+) · <code>sig:([0-9a-f]{16}):([0-9a-f]{64})</code></sub>`)

// Stamp is the parsed footer record.
type Stamp struct {
	InstanceID  string
	Version     string
	Timestamp   time.Time
	Nonce       string
	ContentHash string
	Signature   string
}

// Verification is the outcome of verifying a stamped artifact.
type Verification struct {
	Valid         bool
	IsOurInstance bool
	Tampered      bool
	Replayed      bool
	Future        bool
	Stamp         *Stamp
}

// Manager generates and verifies stamps for one instance identity.
type Manager struct {
	keys   *identity.Manager
	nonces *NonceRegistry
}

// NewManager wires a stamp manager to the identity and nonce registry.
func NewManager(keys *identity.Manager, nonces *NonceRegistry) *Manager {
	return &Manager{keys: keys, nonces: nonces}
}

// Nonces exposes the registry for persistence and pruning.
func (m *Manager) Nonces() *NonceRegistry { return m.nonces }

// signaturePayload is the exact byte sequence the HMAC covers.
func signaturePayload(instanceID, timestamp, nonce, contentHash string) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s", instanceID, timestamp, nonce, contentHash))
}

// Generate produces a stamp over content and the rendered footer line.
func (m *Manager) Generate(content string, repo string, action string) (Stamp, string) {
	nonce := NewNonce()
	now := time.Now().UTC().Truncate(time.Second)
	ts := now.Format(time.RFC3339)
	sum := sha256.Sum256([]byte(content))
	contentHash := hex.EncodeToString(sum[:])

	s := Stamp{
		InstanceID:  m.keys.InstanceID(),
		Version:     Version,
		Timestamp:   now,
		Nonce:       nonce,
		ContentHash: contentHash,
		Signature:   m.keys.Sign(signaturePayload(m.keys.InstanceID(), ts, nonce, contentHash)),
	}
	m.nonces.Register(NonceEntry{Nonce: nonce, Timestamp: now, Repo: repo, Action: action})

	footer := fmt.Sprintf("<sub>🔏 Argus v%s · <code>%s</code> · %s · <code>sig:%s:%s</code></sub>",
		Version, m.keys.ShortID(), ts, nonce, s.Signature)
	return s, footer
}

// Apply appends a stamp footer to content and returns the stamped
// artifact. Every artifact carries exactly one stamp.
func (m *Manager) Apply(content, repo, action string) string {
	_, footer := m.Generate(content, repo, action)
	return content + Delimiter + footer
}

// Extract splits a stamped artifact into its content prefix and parsed
// footer. It returns false when no well-formed stamp is present.
func Extract(artifact string) (content string, s *Stamp, ok bool) {
	idx := strings.LastIndex(artifact, Delimiter)
	if idx < 0 {
		return "", nil, false
	}
	match := footerRe.FindStringSubmatch(artifact[idx+len(Delimiter):])
	if match == nil {
		return "", nil, false
	}
	ts, err := time.Parse(time.RFC3339, match[3])
	if err != nil {
		return "", nil, false
	}
	return artifact[:idx], &Stamp{
		Version:     match[1],
		InstanceID:  match[2], // short ID; full ID is not on the wire
		Timestamp:   ts,
		Nonce:       match[4],
		Signature:   match[5],
		ContentHash: "", // recomputed during verification
	}, true
}

// HasStamp reports whether the artifact carries a parseable stamp footer.
func HasStamp(artifact string) bool {
	_, _, ok := Extract(artifact)
	return ok
}

// Verify checks an artifact's stamp. commentID binds the nonce for replay
// detection; pass 0 when the artifact has no comment identity yet.
func (m *Manager) Verify(artifact string, commentID int64) Verification {
	content, s, ok := Extract(artifact)
	if !ok {
		return Verification{}
	}
	v := Verification{Stamp: s}

	v.IsOurInstance = s.InstanceID == m.keys.ShortID()
	if !v.IsOurInstance {
		// Another instance's signature cannot be checked without its key;
		// the stamp still identifies the emitter for tagging purposes.
		return v
	}

	if s.Timestamp.After(time.Now().Add(MaxClockSkew)) {
		v.Future = true
		return v
	}

	sum := sha256.Sum256([]byte(content))
	contentHash := hex.EncodeToString(sum[:])
	s.ContentHash = contentHash

	payload := signaturePayload(m.keys.InstanceID(), s.Timestamp.UTC().Format(time.RFC3339), s.Nonce, contentHash)
	if !m.keys.Verify(payload, s.Signature) {
		v.Tampered = true
		return v
	}

	if m.nonces.CheckReplay(s.Nonce, commentID) {
		v.Replayed = true
		return v
	}
	if commentID != 0 {
		m.nonces.Bind(s.Nonce, commentID)
	}

	v.Valid = true
	return v
}
