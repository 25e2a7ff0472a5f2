package matrix

import (
	"sort"
	"strings"
)

// Enumerate expands a definition into its cells in canonical order: by variant
// (family, then parameter set compared numerically where both are numbers),
// then platform, then profile.
//
// Every reference is checked before any cell is produced; an unknown variant,
// platform or profile is a ConfigurationError. The result depends only on the
// definition's content, never on declaration order.
func Enumerate(def Definition) ([]Cell, error) {
	variants, err := indexVariants(def.Variants)
	if err != nil {
		return nil, err
	}
	platforms, err := indexPlatforms(def.Platforms)
	if err != nil {
		return nil, err
	}
	profiles, err := indexProfiles(def.Profiles)
	if err != nil {
		return nil, err
	}
	for id := range def.Rules {
		if _, ok := variants[id]; !ok {
			return nil, unknownf("verification rule for unknown algorithm %q", id)
		}
	}

	selVariants, err := selectKeys("algorithm", def.Selection.Variants, variants)
	if err != nil {
		return nil, err
	}
	selPlatforms, err := selectKeys("platform", def.Selection.Platforms, platforms)
	if err != nil {
		return nil, err
	}
	selProfiles, err := selectKeys("profile", def.Selection.Profiles, profiles)
	if err != nil {
		return nil, err
	}
	for i, x := range def.Selection.Exclude {
		if x.Variant == "" && x.Platform == "" && x.Profile == "" {
			return nil, Configurationf("exclude[%d] matches every cell", i)
		}
		if _, ok := variants[x.Variant]; x.Variant != "" && !ok {
			return nil, unknownf("exclude[%d]: unknown algorithm %q", i, x.Variant)
		}
		if _, ok := platforms[x.Platform]; x.Platform != "" && !ok {
			return nil, unknownf("exclude[%d]: unknown platform %q", i, x.Platform)
		}
		if _, ok := profiles[x.Profile]; x.Profile != "" && !ok {
			return nil, unknownf("exclude[%d]: unknown profile %q", i, x.Profile)
		}
	}

	vs := make([]AlgorithmVariant, 0, len(selVariants))
	for _, id := range selVariants {
		vs = append(vs, variants[id])
	}
	sort.Slice(vs, func(i, j int) bool { return lessVariant(vs[i], vs[j]) })

	ps := make([]Platform, 0, len(selPlatforms))
	for _, id := range selPlatforms {
		ps = append(ps, platforms[id])
	}
	sort.Slice(ps, func(i, j int) bool { return naturalLess(ps[i].ID, ps[j].ID) })

	bs := make([]BuildProfile, 0, len(selProfiles))
	for _, name := range selProfiles {
		bs = append(bs, profiles[name])
	}
	sort.Slice(bs, func(i, j int) bool { return naturalLess(bs[i].Name, bs[j].Name) })

	cells := make([]Cell, 0, len(vs)*len(ps)*len(bs))
	seenIDs := make(map[string]string, cap(cells))
	for _, v := range vs {
		rule, ok := def.Rules[v.ID()]
		if !ok {
			rule = VerificationRule{Name: v.ID()}
		}
		if rule.Name == "" {
			rule.Name = v.ID()
		}
		for _, p := range ps {
			for _, b := range bs {
				c := Cell{Variant: v, Platform: p, Profile: b}
				if excluded(def.Selection.Exclude, c) {
					continue
				}
				r := rule
				r.Checksum = rule.ChecksumFor(p.ID, b.Name)
				r.Pinned = nil
				c.Rule = r

				id := c.ID()
				if prev, dup := seenIDs[id]; dup {
					return nil, duplicatef("cells %s and %s share the id %q", prev, c, id)
				}
				seenIDs[id] = c.String()
				c.Index = len(cells)
				cells = append(cells, c)
			}
		}
	}
	return cells, nil
}

func excluded(xs []Exclusion, c Cell) bool {
	for _, x := range xs {
		if x.matches(c) {
			return true
		}
	}
	return false
}

func indexVariants(in []AlgorithmVariant) (map[string]AlgorithmVariant, error) {
	if len(in) == 0 {
		return nil, Configurationf("no algorithms defined")
	}
	out := make(map[string]AlgorithmVariant, len(in))
	for i, v := range in {
		if strings.TrimSpace(v.Family) == "" {
			return nil, Configurationf("algorithms[%d]: family is required", i)
		}
		if v.Kind != KindKEM && v.Kind != KindSignature {
			return nil, Configurationf("algorithm %q: invalid kind %q", v.ID(), v.Kind)
		}
		if _, dup := out[v.ID()]; dup {
			return nil, duplicatef("algorithm %q defined twice", v.ID())
		}
		out[v.ID()] = v
	}
	return out, nil
}

func indexPlatforms(in []Platform) (map[string]Platform, error) {
	if len(in) == 0 {
		return nil, Configurationf("no platforms defined")
	}
	out := make(map[string]Platform, len(in))
	for i, p := range in {
		if strings.TrimSpace(p.ID) == "" {
			return nil, Configurationf("platforms[%d]: id is required", i)
		}
		if _, dup := out[p.ID]; dup {
			return nil, duplicatef("platform %q defined twice", p.ID)
		}
		p.Capabilities = sortedCopy(p.Capabilities)
		out[p.ID] = p
	}
	return out, nil
}

func indexProfiles(in []BuildProfile) (map[string]BuildProfile, error) {
	if len(in) == 0 {
		return nil, Configurationf("no build profiles defined")
	}
	out := make(map[string]BuildProfile, len(in))
	for i, b := range in {
		if strings.TrimSpace(b.Name) == "" {
			return nil, Configurationf("profiles[%d]: name is required", i)
		}
		if _, dup := out[b.Name]; dup {
			return nil, duplicatef("profile %q defined twice", b.Name)
		}
		out[b.Name] = b
	}
	return out, nil
}

// selectKeys resolves a selection list against the defined keys. An empty list
// selects every key; repeated entries collapse because the matrix is a set.
func selectKeys[T any](what string, selection []string, defined map[string]T) ([]string, error) {
	if len(selection) == 0 {
		keys := make([]string, 0, len(defined))
		for k := range defined {
			keys = append(keys, k)
		}
		return keys, nil
	}
	seen := make(map[string]bool, len(selection))
	keys := make([]string, 0, len(selection))
	for _, k := range selection {
		if _, ok := defined[k]; !ok {
			return nil, unknownf("matrix selects unknown %s %q", what, k)
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys, nil
}

func lessVariant(a, b AlgorithmVariant) bool {
	if a.Family != b.Family {
		return naturalLess(a.Family, b.Family)
	}
	return naturalLess(a.ParameterSet, b.ParameterSet)
}

// naturalLess orders strings so that embedded decimal runs compare by value:
// "512" < "768" < "1024", "mldsa44" < "mldsa65". Ties fall back to byte order
// so the ordering stays total.
func naturalLess(a, b string) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := a[i], b[j]
		if isDigit(ca) && isDigit(cb) {
			si := i
			for i < len(a) && isDigit(a[i]) {
				i++
			}
			sj := j
			for j < len(b) && isDigit(b[j]) {
				j++
			}
			na := strings.TrimLeft(a[si:i], "0")
			nb := strings.TrimLeft(b[sj:j], "0")
			if len(na) != len(nb) {
				return len(na) < len(nb)
			}
			if na != nb {
				return na < nb
			}
			continue
		}
		if ca != cb {
			return ca < cb
		}
		i++
		j++
	}
	if len(a)-i != len(b)-j {
		return len(a)-i < len(b)-j
	}
	return a < b
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
