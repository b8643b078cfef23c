/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package trust maps forge roles and user history onto a graduated trust
// score, and derives the moderation thresholds that scale with it.
// Owners are immune to moderation: the owner account is the one used to
// exercise the system.
package trust

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"chainguard.dev/argus/forge"
	"github.com/chainguard-dev/clog"
)

// Tier is the graduated identity bucket.
type Tier string

const (
	TierOwner       Tier = "owner"
	TierMaintainer  Tier = "maintainer"
	TierReviewer    Tier = "reviewer"
	TierContributor Tier = "contributor"
	TierParticipant Tier = "participant"
	TierUnknown     Tier = "unknown"
)

// CacheTTL bounds how long a resolved profile is reused.
const CacheTTL = 10 * time.Minute

// Profile is a resolved trust profile.
type Profile struct {
	Username        string
	Tier            Tier
	BaseScore       float64
	HistoryModifier float64
	EffectiveScore  float64
	History         forge.UserHistory
	LastUpdated     time.Time
}

// Thresholds are moderation confidence cutoffs derived from trust.
// A moderation action fires when the threat confidence meets or exceeds
// the corresponding threshold (the bounds are inclusive).
type Thresholds struct {
	Flag   float64
	Block  float64
	Report float64
}

// Compute derives thresholds from an effective trust score.
func Compute(score float64) Thresholds {
	t := Thresholds{
		Flag:  0.5 + 0.3*score,
		Block: 0.8 + 0.19*score,
	}
	if score >= 0.75 {
		t.Report = math.Inf(1)
	} else {
		t.Report = 0.95
	}
	return t
}

// tierFor maps a canonical forge role to a tier and base score.
func tierFor(role forge.Role) (Tier, float64) {
	switch role {
	case forge.RoleOwner, forge.RoleAdmin:
		return TierOwner, 1.0
	case forge.RoleMaintainer:
		return TierMaintainer, 0.85
	case forge.RoleWrite:
		return TierReviewer, 0.75
	case forge.RoleTriage:
		return TierContributor, 0.50
	case forge.RoleRead:
		return TierParticipant, 0.30
	default:
		return TierUnknown, 0.00
	}
}

// historyModifier computes the additive modifier in [-0.3, +0.2].
func historyModifier(h forge.UserHistory) float64 {
	mod := 0.0
	mod += math.Min(0.02*float64(h.MergedPRs), 0.1)
	mod += math.Min(0.01*float64(h.ClosedValidIssues), 0.05)
	switch {
	case h.TotalComments >= 100:
		mod += 0.05
	case h.TotalComments >= 20:
		mod += 0.025
	}
	mod -= math.Min(0.05*float64(h.PriorFlags), 0.15)
	mod -= math.Min(0.15*float64(h.PriorBlocks), 0.3)
	return math.Max(-0.3, math.Min(0.2, mod))
}

// Resolver resolves and caches trust profiles per (repo, user).
type Resolver struct {
	forge forge.Interface
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cached
}

type cached struct {
	profile Profile
	expires time.Time
}

// NewResolver wires a resolver to a forge.
func NewResolver(f forge.Interface) *Resolver {
	return &Resolver{forge: f, ttl: CacheTTL, cache: make(map[string]cached)}
}

func cacheKey(repo forge.Repo, user string) string {
	return fmt.Sprintf("%s#%s", repo.Key(), user)
}

// Resolve returns the trust profile for user in repo, from cache when
// fresh.
func (r *Resolver) Resolve(ctx context.Context, repo forge.Repo, user string) (*Profile, error) {
	key := cacheKey(repo, user)
	r.mu.RLock()
	if c, ok := r.cache[key]; ok && time.Now().Before(c.expires) {
		r.mu.RUnlock()
		p := c.profile
		return &p, nil
	}
	r.mu.RUnlock()

	role, err := r.forge.GetRepoRole(ctx, repo, user)
	if err != nil {
		return nil, fmt.Errorf("resolving role for %s: %w", user, err)
	}
	history := forge.UserHistory{}
	if h, err := r.forge.GetUserHistory(ctx, repo, user); err != nil {
		clog.FromContext(ctx).With("user", user).With("error", err).
			Warn("Failed to fetch user history, scoring on role alone")
	} else if h != nil {
		history = *h
	}

	tier, base := tierFor(role)
	mod := historyModifier(history)
	p := Profile{
		Username:        user,
		Tier:            tier,
		BaseScore:       base,
		HistoryModifier: mod,
		EffectiveScore:  math.Max(0, math.Min(1, base+mod)),
		History:         history,
		LastUpdated:     time.Now().UTC(),
	}

	r.mu.Lock()
	r.cache[key] = cached{profile: p, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return &p, nil
}

// Invalidate drops the cached profile for user in repo.
func (r *Resolver) Invalidate(repo forge.Repo, user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, cacheKey(repo, user))
}

// Immune reports whether the profile bypasses moderation entirely.
func (p *Profile) Immune() bool {
	return p.Tier == TierOwner
}

// Thresholds returns the moderation thresholds for this profile.
func (p *Profile) Thresholds() Thresholds {
	return Compute(p.EffectiveScore)
}
