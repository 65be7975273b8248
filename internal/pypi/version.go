package pypi

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/quay/claircore/pkg/pep440"
)

// Version wraps a parsed PEP 440 version, giving the filter chain
// ordering and pre-release classification without duplicating PEP 440's
// considerable edge-case surface (epochs, post-releases, dev releases,
// local version labels) by hand.
type Version struct {
	raw    string
	parsed pep440.Version
}

// ParseVersion parses a release's version string.
func ParseVersion(s string) (Version, error) {
	v, err := pep440.Parse(s)
	if err != nil {
		return Version{}, errors.Wrapf(err, "parse version %q", s)
	}
	return Version{raw: s, parsed: v}, nil
}

// String returns the original, unnormalized version string.
func (v Version) String() string { return v.raw }

// IsPreRelease reports whether the version is a pre-release or
// development release per PEP 440.
func (v Version) IsPreRelease() bool {
	if v.parsed.Pre.Label != "" || v.parsed.Dev != 0 {
		return true
	}
	// A dev segment numbered 0 ("1.0.dev0") leaves Dev at zero, so the
	// public part of the raw string is checked for a dev marker as well.
	public, _, _ := strings.Cut(strings.ToLower(v.raw), "+")
	return strings.Contains(public, "dev")
}

// Compare orders v against other: negative if v < other, zero if equal,
// positive if v > other.
func (v Version) Compare(other Version) int {
	return v.parsed.Compare(&other.parsed)
}

// Specifier wraps a PEP 440 comma-separated version specifier set, e.g.
// ">=1.0,<2.0".
type Specifier struct {
	raw    string
	parsed pep440.Range
}

// ParseSpecifier parses a comma-separated PEP 440 specifier set.
// Wildcard and arbitrary-equality (===) specifiers are not supported, as
// in the upstream pep440 package this wraps.
func ParseSpecifier(s string) (Specifier, error) {
	r, err := pep440.ParseRange(s)
	if err != nil {
		return Specifier{}, errors.Wrapf(err, "parse specifier %q", s)
	}
	return Specifier{raw: s, parsed: r}, nil
}

// Matches reports whether v satisfies the specifier set.
func (s Specifier) Matches(v Version) bool {
	return s.parsed.Match(&v.parsed)
}

// String returns the original specifier text.
func (s Specifier) String() string { return s.raw }

// SortDescending sorts versions from newest to oldest, used by the
// latest-N release filter. Ties (equal parsed version) fall back to
// lexicographic order on the raw string for determinism.
func SortDescending(versions []Version) {
	sort.Slice(versions, func(i, j int) bool {
		if c := versions[i].Compare(versions[j]); c != 0 {
			return c > 0
		}
		return strings.Compare(versions[i].raw, versions[j].raw) > 0
	})
}
