/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package report renders operator-facing markdown summaries: the tracked
// issues per repository, the recent activity feed, and the tail of the
// audit log.
package report

import (
	"context"
	"fmt"
	"io"
	"unicode/utf8"

	"chainguard.dev/argus/auditlog"
	"chainguard.dev/argus/pipeline"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
)

// newTable creates a markdown table writer with consistent formatting.
func newTable(headers []string, w io.Writer) *tablewriter.Table {
	cfg := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			Formatting: tw.CellFormatting{AutoFormat: tw.Off},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		MaxWidth: 120,
		Behavior: tw.Behavior{TrimSpace: tw.Off},
	}
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(cfg),
		tablewriter.WithHeader(headers),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{
				Left:   tw.On,
				Top:    tw.Off,
				Right:  tw.On,
				Bottom: tw.Off,
			},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
}

// Issues renders the tracked-issue table.
func Issues(w io.Writer, issues []*pipeline.TrackedIssue) error {
	fmt.Fprintf(w, "## Tracked issues (%d)\n\n", len(issues))
	if len(issues) == 0 {
		return nil
	}

	table := newTable([]string{"Issue", "Title", "State", "PR", "Iterations", "Last error"}, w)
	for _, ti := range issues {
		pr := ""
		if ti.PRNumber != 0 {
			pr = fmt.Sprintf("#%d", ti.PRNumber)
		}
		table.Append([]string{
			fmt.Sprintf("#%d", ti.Number),
			truncate(ti.Title, 60),
			string(ti.State),
			pr,
			fmt.Sprint(ti.Iterations),
			truncate(ti.LastError, 60),
		})
	}
	return table.Render()
}

// Activity renders the recent activity feed, newest first.
func Activity(w io.Writer, entries []pipeline.ActivityEntry) error {
	fmt.Fprintf(w, "## Recent activity (%d)\n\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(w, "- %s %s `%s` %s\n",
			e.Time.Format("2006-01-02 15:04:05"), e.Marker, e.Repo, e.Message)
	}
	return nil
}

// Audit renders the last limit audit entries.
func Audit(ctx context.Context, w io.Writer, log *auditlog.Log, limit int) error {
	entries, err := log.Entries(ctx, limit)
	if err != nil {
		return fmt.Errorf("loading audit entries: %w", err)
	}

	fmt.Fprintf(w, "## Audit log tail (%d entries)\n\n", len(entries))
	if len(entries) == 0 {
		return nil
	}

	table := newTable([]string{"ID", "Time", "Action", "Repo", "Target", "Decision"}, w)
	for _, e := range entries {
		table.Append([]string{
			e.ID,
			e.Timestamp,
			string(e.Action),
			e.Repo,
			e.Target,
			truncate(e.Decision, 40),
		})
	}
	return table.Render()
}

// truncate shortens s to at most n runes, ellipsized on a rune boundary.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
