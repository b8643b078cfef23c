/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package notify delivers operator-facing event notifications. The agent
// acts autonomously; notifications are how a human stays in the loop on
// evaluations, opened PRs, threats, and pipeline errors.
package notify

import (
	"context"

	"github.com/chainguard-dev/clog"
)

// Kind classifies a notification.
type Kind string

const (
	KindEvaluation    Kind = "evaluation"
	KindPRCreated     Kind = "pr_created"
	KindThreat        Kind = "threat_detected"
	KindCompetingPRs  Kind = "competing_prs_analyzed"
	KindPipelineError Kind = "pipeline_error"
)

// Event is one notification.
type Event struct {
	Kind    Kind
	Repo    string
	Subject string
	Body    string
}

// Notifier delivers events. Implementations must not block the pipeline
// on slow transports longer than the context allows.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// LogNotifier writes events to the context logger. It is the default
// when no transport is configured.
type LogNotifier struct{}

// Notify logs the event.
func (LogNotifier) Notify(ctx context.Context, e Event) error {
	clog.FromContext(ctx).
		With("kind", string(e.Kind)).
		With("repo", e.Repo).
		With("subject", e.Subject).
		Info("Notification")
	return nil
}

// Multi fans an event out to several notifiers; the first error wins but
// all notifiers run.
type Multi []Notifier

// Notify delivers to every notifier.
func (m Multi) Notify(ctx context.Context, e Event) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
