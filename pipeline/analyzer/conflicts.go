/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package analyzer

import (
	"context"
	"fmt"

	"chainguard.dev/argus/forge"
	"github.com/chainguard-dev/clog"
	"github.com/waigani/diffparser"
)

// lineRange is a half-open touched region of one file, in new-file
// coordinates.
type lineRange struct {
	start, end int
}

// touchedRanges parses a PR's file patches into per-path line ranges.
func touchedRanges(files []forge.PRFile) (map[string][]lineRange, error) {
	ranges := make(map[string][]lineRange)
	for _, f := range files {
		if f.Patch == "" {
			// Binary or oversized file; treat the whole file as touched.
			ranges[f.Path] = append(ranges[f.Path], lineRange{start: 0, end: 1 << 30})
			continue
		}
		// Forge patches are bare hunks; synthesize the header diffparser
		// expects.
		full := fmt.Sprintf("diff --git a/%s b/%s\n--- a/%s\n+++ b/%s\n%s",
			f.Path, f.Path, f.Path, f.Path, f.Patch)
		diff, err := diffparser.Parse(full)
		if err != nil {
			return nil, fmt.Errorf("parsing patch for %s: %w", f.Path, err)
		}
		for _, df := range diff.Files {
			for _, h := range df.Hunks {
				ranges[f.Path] = append(ranges[f.Path], lineRange{
					start: h.NewRange.Start,
					end:   h.NewRange.Start + h.NewRange.Length,
				})
			}
		}
	}
	return ranges, nil
}

func overlaps(a, b []lineRange) bool {
	for _, ra := range a {
		for _, rb := range b {
			if ra.start < rb.end && rb.start < ra.end {
				return true
			}
		}
	}
	return false
}

// detectConflicts finds pairs of source PRs whose changes overlap on the
// same file region.
func (a *Analyzer) detectConflicts(ctx context.Context, repo forge.Repo, sources []int) ([]Conflict, error) {
	log := clog.FromContext(ctx)

	perPR := make(map[int]map[string][]lineRange, len(sources))
	for _, n := range sources {
		files, err := a.forge.ListPRFiles(ctx, repo, n)
		if err != nil {
			return nil, fmt.Errorf("listing files for PR #%d: %w", n, err)
		}
		ranges, err := touchedRanges(files)
		if err != nil {
			log.With("pr", n).With("error", err).Warn("Unparseable patch, assuming whole-file conflicts")
			ranges = map[string][]lineRange{}
			for _, f := range files {
				ranges[f.Path] = []lineRange{{start: 0, end: 1 << 30}}
			}
		}
		perPR[n] = ranges
	}

	var conflicts []Conflict
	for i := 0; i < len(sources); i++ {
		for j := i + 1; j < len(sources); j++ {
			na, nb := sources[i], sources[j]
			for path, ra := range perPR[na] {
				if rb, ok := perPR[nb][path]; ok && overlaps(ra, rb) {
					conflicts = append(conflicts, Conflict{PRA: na, PRB: nb, Path: path})
				}
			}
		}
	}
	return conflicts, nil
}
