// Package matcher proposes a target -> source column mapping from two
// ordered lists of column names.
//
// Matching runs in three tiers. Each tier only considers targets and sources
// that earlier tiers left unused:
//
//  1. exact: the target name appears verbatim among the sources
//  2. rule: the target has an alias entry and a source is one of its aliases
//  3. fuzzy: the best case-insensitive similarity ratio above Threshold
//
// Targets left unmatched are omitted; callers supply defaults for them.
package matcher

import (
	"strings"

	"github.com/airframesio/table-importer/cmd/mapping"
)

// Threshold is the similarity a fuzzy candidate must strictly exceed.
const Threshold = 0.70

// Tier names the stage that produced a match.
type Tier string

const (
	TierExact Tier = "exact"
	TierRule  Tier = "rule"
	TierFuzzy Tier = "fuzzy"
)

// Proposal is one proposed pair with the tier that produced it.
type Proposal struct {
	Target string  `json:"target"`
	Source string  `json:"source"`
	Tier   Tier    `json:"tier"`
	Ratio  float64 `json:"ratio"`
}

// Match returns the proposed mapping for targets, ordered by target position.
func Match(sources, targets []string) mapping.FieldMapping {
	var m mapping.FieldMapping
	for _, match := range MatchDetailed(sources, targets) {
		// Tiers never reuse a name, so Add cannot fail here.
		_ = m.Add(match.Target, match.Source)
	}
	return m
}

// MatchDetailed is Match with per-pair tier and similarity information.
func MatchDetailed(sources, targets []string) []Proposal {
	usedSources := make(map[string]struct{}, len(sources))
	found := make(map[string]Proposal, len(targets))

	sourceSet := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		sourceSet[s] = struct{}{}
	}

	claim := func(m Proposal) {
		found[m.Target] = m
		usedSources[m.Source] = struct{}{}
	}
	unused := func(s string) bool {
		_, used := usedSources[s]
		return !used
	}
	pending := func(t string) bool {
		_, done := found[t]
		return !done
	}

	for _, target := range targets {
		if !pending(target) {
			continue
		}
		if _, ok := sourceSet[target]; ok && unused(target) {
			claim(Proposal{Target: target, Source: target, Tier: TierExact, Ratio: 1})
		}
	}

	for _, target := range targets {
		if !pending(target) {
			continue
		}
		aliases, ok := aliasesFor(target)
		if !ok {
			continue
		}
		for _, source := range sources {
			if !unused(source) {
				continue
			}
			if _, ok := aliases[source]; ok {
				claim(Proposal{Target: target, Source: source, Tier: TierRule, Ratio: Ratio(target, source)})
				break
			}
		}
	}

	for _, target := range targets {
		if !pending(target) {
			continue
		}
		lowered := strings.ToLower(target)

		best, bestRatio := "", 0.0
		for _, source := range sources {
			if !unused(source) {
				continue
			}
			ratio := Ratio(lowered, strings.ToLower(source))
			if ratio > Threshold && ratio > bestRatio {
				best, bestRatio = source, ratio
			}
		}
		if best != "" {
			claim(Proposal{Target: target, Source: best, Tier: TierFuzzy, Ratio: bestRatio})
		}
	}

	out := make([]Proposal, 0, len(found))
	for _, target := range targets {
		if m, ok := found[target]; ok {
			out = append(out, m)
			delete(found, target)
		}
	}
	return out
}
