/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package trust_test

import (
	"context"
	"math"
	"testing"

	"chainguard.dev/argus/forge"
	"chainguard.dev/argus/trust"
)

// fakeForge stubs the two lookups the resolver performs. The embedded
// interface panics on anything else.
type fakeForge struct {
	forge.Interface
	roles     map[string]forge.Role
	histories map[string]*forge.UserHistory
	roleCalls int
}

func (f *fakeForge) GetRepoRole(_ context.Context, _ forge.Repo, user string) (forge.Role, error) {
	f.roleCalls++
	return f.roles[user], nil
}

func (f *fakeForge) GetUserHistory(_ context.Context, _ forge.Repo, user string) (*forge.UserHistory, error) {
	return f.histories[user], nil
}

var testRepo = forge.Repo{Platform: forge.PlatformGitHub, Owner: "octo", Name: "widgets"}

func TestResolveTiers(t *testing.T) {
	tests := []struct {
		role      forge.Role
		wantTier  trust.Tier
		wantScore float64
	}{
		{forge.RoleOwner, trust.TierOwner, 1.0},
		{forge.RoleAdmin, trust.TierOwner, 1.0},
		{forge.RoleMaintainer, trust.TierMaintainer, 0.85},
		{forge.RoleWrite, trust.TierReviewer, 0.75},
		{forge.RoleTriage, trust.TierContributor, 0.50},
		{forge.RoleRead, trust.TierParticipant, 0.30},
		{forge.RoleNone, trust.TierUnknown, 0.00},
	}

	for _, test := range tests {
		t.Run(string(test.wantTier), func(t *testing.T) {
			f := &fakeForge{roles: map[string]forge.Role{"alice": test.role}}
			p, err := trust.NewResolver(f).Resolve(context.Background(), testRepo, "alice")
			if err != nil {
				t.Fatal(err)
			}
			if p.Tier != test.wantTier {
				t.Errorf("Tier = %q, want %q", p.Tier, test.wantTier)
			}
			if p.BaseScore != test.wantScore {
				t.Errorf("BaseScore = %v, want %v", p.BaseScore, test.wantScore)
			}
			if p.EffectiveScore != test.wantScore {
				t.Errorf("EffectiveScore = %v, want %v (no history)", p.EffectiveScore, test.wantScore)
			}
		})
	}
}

func TestHistoryModifier(t *testing.T) {
	tests := []struct {
		name    string
		history forge.UserHistory
		want    float64
	}{{
		name: "empty history",
		want: 0,
	}, {
		name:    "merged PRs capped",
		history: forge.UserHistory{MergedPRs: 50},
		want:    0.1,
	}, {
		name:    "valid issues capped",
		history: forge.UserHistory{ClosedValidIssues: 20},
		want:    0.05,
	}, {
		name:    "comment volume mid band",
		history: forge.UserHistory{TotalComments: 25},
		want:    0.025,
	}, {
		name:    "comment volume high band",
		history: forge.UserHistory{TotalComments: 150},
		want:    0.05,
	}, {
		name:    "positive modifier capped at 0.2",
		history: forge.UserHistory{MergedPRs: 50, ClosedValidIssues: 20, TotalComments: 150},
		want:    0.2,
	}, {
		name:    "flags subtract",
		history: forge.UserHistory{PriorFlags: 2},
		want:    -0.1,
	}, {
		name:    "blocks dominate",
		history: forge.UserHistory{PriorBlocks: 3},
		want:    -0.3,
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := &fakeForge{
				roles:     map[string]forge.Role{"bob": forge.RoleWrite},
				histories: map[string]*forge.UserHistory{"bob": &test.history},
			}
			p, err := trust.NewResolver(f).Resolve(context.Background(), testRepo, "bob")
			if err != nil {
				t.Fatal(err)
			}
			if math.Abs(p.HistoryModifier-test.want) > 1e-9 {
				t.Errorf("HistoryModifier = %v, want %v", p.HistoryModifier, test.want)
			}
			if want := math.Max(0, math.Min(1, 0.75+test.want)); math.Abs(p.EffectiveScore-want) > 1e-9 {
				t.Errorf("EffectiveScore = %v, want %v", p.EffectiveScore, want)
			}
		})
	}
}

func TestCompute(t *testing.T) {
	tests := []struct {
		score      float64
		wantFlag   float64
		wantBlock  float64
		infReport  bool
		wantReport float64
	}{
		{score: 0, wantFlag: 0.5, wantBlock: 0.8, wantReport: 0.95},
		{score: 0.5, wantFlag: 0.65, wantBlock: 0.895, wantReport: 0.95},
		{score: 0.75, wantFlag: 0.725, wantBlock: 0.9425, infReport: true},
		{score: 1.0, wantFlag: 0.8, wantBlock: 0.99, infReport: true},
	}

	for _, test := range tests {
		th := trust.Compute(test.score)
		if math.Abs(th.Flag-test.wantFlag) > 1e-9 {
			t.Errorf("Compute(%v).Flag = %v, want %v", test.score, th.Flag, test.wantFlag)
		}
		if math.Abs(th.Block-test.wantBlock) > 1e-9 {
			t.Errorf("Compute(%v).Block = %v, want %v", test.score, th.Block, test.wantBlock)
		}
		if test.infReport {
			if !math.IsInf(th.Report, 1) {
				t.Errorf("Compute(%v).Report = %v, want +Inf", test.score, th.Report)
			}
		} else if math.Abs(th.Report-test.wantReport) > 1e-9 {
			t.Errorf("Compute(%v).Report = %v, want %v", test.score, th.Report, test.wantReport)
		}
	}
}

func TestImmunity(t *testing.T) {
	f := &fakeForge{roles: map[string]forge.Role{
		"owner":      forge.RoleOwner,
		"maintainer": forge.RoleMaintainer,
	}}
	r := trust.NewResolver(f)
	ctx := context.Background()

	owner, err := r.Resolve(ctx, testRepo, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if !owner.Immune() {
		t.Error("owner not immune")
	}

	maintainer, err := r.Resolve(ctx, testRepo, "maintainer")
	if err != nil {
		t.Fatal(err)
	}
	if maintainer.Immune() {
		t.Error("maintainer immune")
	}
}

func TestResolveCaches(t *testing.T) {
	f := &fakeForge{roles: map[string]forge.Role{"alice": forge.RoleWrite}}
	r := trust.NewResolver(f)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, testRepo, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve(ctx, testRepo, "alice"); err != nil {
		t.Fatal(err)
	}
	if f.roleCalls != 1 {
		t.Errorf("roleCalls = %d, want 1 (second resolve cached)", f.roleCalls)
	}

	r.Invalidate(testRepo, "alice")
	if _, err := r.Resolve(ctx, testRepo, "alice"); err != nil {
		t.Fatal(err)
	}
	if f.roleCalls != 2 {
		t.Errorf("roleCalls = %d, want 2 after invalidation", f.roleCalls)
	}
}
