package matrix

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is the operation family of an algorithm variant.
type Kind string

const (
	KindKEM       Kind = "KEM"
	KindSignature Kind = "SIGNATURE"
)

// ParseKind accepts the spellings used in configuration files.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "KEM":
		return KindKEM, nil
	case "SIGNATURE", "SIG", "SIGN":
		return KindSignature, nil
	default:
		return "", Configurationf("unknown operation kind %q (want KEM or SIGNATURE)", s)
	}
}

// AlgorithmVariant is one parameter set of one algorithm family,
// e.g. ml-kem / 768.
type AlgorithmVariant struct {
	Family       string
	ParameterSet string
	Kind         Kind
}

// ID is the stable variant identifier used in cell ids, vector directories and
// reports ("ml-kem-768").
func (v AlgorithmVariant) ID() string {
	if v.ParameterSet == "" {
		return v.Family
	}
	return v.Family + "-" + v.ParameterSet
}

func (v AlgorithmVariant) String() string { return v.ID() }

// Platform is a target triple or runtime identifier with its capability flags
// and the external tools its builds require.
type Platform struct {
	ID           string
	Capabilities []string
	Tools        []string
}

// Has reports whether the platform declares the capability flag.
func (p Platform) Has(capability string) bool {
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// BuildProfile is a named optimization configuration and the flag string handed
// to the toolchain.
type BuildProfile struct {
	Name  string
	Flags string
}

// PinnedChecksum narrows a reference checksum to one platform and, optionally,
// one profile. Empty fields match anything.
type PinnedChecksum struct {
	Platform string
	Profile  string
	Digest   string
}

// VerificationRule is the versioned heuristic the verifier applies to a
// variant's artifacts. MinSize is a plausibility threshold, not a proof of
// correctness.
type VerificationRule struct {
	Name       string
	Version    int
	MinSize    int64
	Companions []string

	// Checksum is the default reference digest ("sha256:<hex>", "sha3-256:<hex>"
	// or "blake3:<hex>"). Pinned entries take precedence when they match.
	Checksum string
	Pinned   []PinnedChecksum
}

// ChecksumFor resolves the most specific reference digest for a platform and
// profile. An empty result means no checksum check is configured.
func (r VerificationRule) ChecksumFor(platform, profile string) string {
	best := -1
	digest := ""
	for _, p := range r.Pinned {
		if p.Platform != "" && p.Platform != platform {
			continue
		}
		if p.Profile != "" && p.Profile != profile {
			continue
		}
		score := 0
		if p.Platform != "" {
			score += 2
		}
		if p.Profile != "" {
			score++
		}
		if score > best {
			best = score
			digest = p.Digest
		}
	}
	if best >= 0 {
		return digest
	}
	return r.Checksum
}

// Label renders "name@vN" for reports.
func (r VerificationRule) Label() string {
	return fmt.Sprintf("%s@v%d", r.Name, r.Version)
}

// Cell is the unit of work: one variant built for one platform with one
// profile. Cells are values; the orchestrator tracks their state separately.
type Cell struct {
	// Index is the cell's position in canonical enumeration order.
	Index int

	Variant  AlgorithmVariant
	Platform Platform
	Profile  BuildProfile

	// Rule is the variant's verification rule with the checksum already
	// resolved for this platform and profile.
	Rule VerificationRule
}

// ID returns a filesystem-safe identifier, unique within a run.
func (c Cell) ID() string {
	return sanitizeID(c.Variant.ID()) + "__" + sanitizeID(c.Platform.ID) + "__" + sanitizeID(c.Profile.Name)
}

func (c Cell) String() string {
	return fmt.Sprintf("%s/%s/%s", c.Variant.ID(), c.Platform.ID, c.Profile.Name)
}

// Definition is the fully-parsed matrix description Enumerate works from.
type Definition struct {
	Variants  []AlgorithmVariant
	Platforms []Platform
	Profiles  []BuildProfile

	// Rules are keyed by variant id. A variant without a rule gets a zero
	// rule (no size threshold, no companions).
	Rules map[string]VerificationRule

	Selection Selection
}

// Selection restricts enumeration. Empty lists select everything.
type Selection struct {
	Variants  []string
	Platforms []string
	Profiles  []string
	Exclude   []Exclusion
}

// Exclusion removes every cell matching all of its non-empty fields.
type Exclusion struct {
	Variant  string
	Platform string
	Profile  string
}

func (x Exclusion) matches(c Cell) bool {
	if x.Variant != "" && x.Variant != c.Variant.ID() {
		return false
	}
	if x.Platform != "" && x.Platform != c.Platform.ID {
		return false
	}
	if x.Profile != "" && x.Profile != c.Profile.Name {
		return false
	}
	return true
}

func sanitizeID(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
