/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// activityCapacity bounds the in-memory activity ring.
const activityCapacity = 500

// ActivityEntry is one line of the human-readable activity feed.
type ActivityEntry struct {
	Time    time.Time
	Marker  string
	Repo    string
	Message string
}

// Activity markers. One emoji per event family keeps the feed scannable.
const (
	MarkerPoll     = "🔍"
	MarkerEvaluate = "⚖️"
	MarkerCode     = "🔨"
	MarkerCI       = "🏗️"
	MarkerPR       = "🔀"
	MarkerComment  = "💬"
	MarkerThreat   = "🛡️"
	MarkerLoop     = "🔁"
	MarkerError    = "❌"
	MarkerDone     = "✅"
)

// ActivityLog is a bounded ring of recent events.
type ActivityLog struct {
	mu      sync.Mutex
	entries []ActivityEntry
	next    int
	full    bool
}

// NewActivityLog returns an empty log.
func NewActivityLog() *ActivityLog {
	return &ActivityLog{entries: make([]ActivityEntry, activityCapacity)}
}

// Add records an event, evicting the oldest once full.
func (a *ActivityLog) Add(marker, repo, format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[a.next] = ActivityEntry{
		Time:    time.Now().UTC(),
		Marker:  marker,
		Repo:    repo,
		Message: fmt.Sprintf(format, args...),
	}
	a.next = (a.next + 1) % len(a.entries)
	if a.next == 0 {
		a.full = true
	}
}

// Recent returns up to n entries, newest first.
func (a *ActivityLog) Recent(n int) []ActivityEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.next
	if a.full {
		size = len(a.entries)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]ActivityEntry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (a.next - i + len(a.entries)) % len(a.entries)
		out = append(out, a.entries[idx])
	}
	return out
}
