/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package editdetect catches issue bodies that change after evaluation.
// An edit mid-coding halts the pipeline (the evaluated text no longer
// matches what is being fixed); an edit after the PR opened triggers
// re-evaluation.
package editdetect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"chainguard.dev/argus/auditlog"
	"chainguard.dev/argus/forge"
)

// Action is the response to a detected edit.
type Action string

const (
	ActionNone       Action = "none"
	ActionHalt       Action = "halt"
	ActionReevaluate Action = "reevaluate"
)

// Result reports an edit check.
type Result struct {
	Detected     bool
	Action       Action
	StoredHash   string
	ObservedHash string
}

// Detector compares live issue bodies against evaluation-time hashes.
type Detector struct {
	forge forge.Interface
	audit *auditlog.Log
}

// New wires a detector.
func New(f forge.Interface, audit *auditlog.Log) *Detector {
	return &Detector{forge: f, audit: audit}
}

// BodyHash returns the SHA-256 of an issue body.
func BodyHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// Check refetches the issue and compares its body hash against the hash
// captured at evaluation time. state is the issue's current pipeline
// state name; it selects halt for coding/iterating and reevaluate
// otherwise.
func (d *Detector) Check(ctx context.Context, repo forge.Repo, issueNumber int, storedHash, state string) (*Result, error) {
	issue, err := d.forge.GetIssue(ctx, repo, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("refetching issue: %w", err)
	}

	res := &Result{
		StoredHash:   storedHash,
		ObservedHash: BodyHash(issue.Body),
		Action:       ActionNone,
	}
	if res.ObservedHash == storedHash {
		return res, nil
	}

	res.Detected = true
	switch state {
	case "coding", "iterating":
		res.Action = ActionHalt
	default:
		res.Action = ActionReevaluate
	}

	if _, err := d.audit.Append(ctx, auditlog.Record{
		Action:     auditlog.ActionDetectEdit,
		Repo:       repo.Key(),
		Target:     fmt.Sprintf("issue-%d", issueNumber),
		InputHash:  storedHash,
		OutputHash: res.ObservedHash,
		Decision:   string(res.Action),
		Details:    fmt.Sprintf("issue body changed while in state %q", state),
	}); err != nil {
		return nil, fmt.Errorf("auditing edit detection: %w", err)
	}
	return res, nil
}
