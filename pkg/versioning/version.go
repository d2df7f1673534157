// Package versioning implements the MAJOR.MINOR.PATCH[-PRE][+BUILD]
// version scheme contracts carry (spec §3), on top of
// github.com/Masterminds/semver/v3.
package versioning

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version is the wire representation of a contract's version field.
// Components are kept non-negative per spec §3/§6.
type Version struct {
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	Patch      int    `json:"patch"`
	Prerelease string `json:"prerelease,omitempty"`
	Build      string `json:"build,omitempty"`
}

// Zero is the default version assigned to a freshly inserted contract.
func Zero() Version {
	return Version{Major: 1, Minor: 0, Patch: 0}
}

// String returns the canonical MAJOR.MINOR.PATCH[-PRE][+BUILD] form.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}

// Parse parses a version string, rejecting negative or malformed input.
func Parse(version string) (*Version, error) {
	sv, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("invalid-version: %q: %w", version, err)
	}
	return &Version{
		Major:      int(sv.Major()),
		Minor:      int(sv.Minor()),
		Patch:      int(sv.Patch()),
		Prerelease: sv.Prerelease(),
		Build:      sv.Metadata(),
	}, nil
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// other, using SemVer 2.0.0 precedence (build metadata never affects
// ordering).
func (v Version) Compare(other Version) int {
	sv, err1 := semver.NewVersion(v.String())
	so, err2 := semver.NewVersion(other.String())
	if err1 != nil || err2 != nil {
		return compareTriple(v, other)
	}
	return sv.Compare(so)
}

func compareTriple(a, b Version) int {
	switch {
	case a.Major != b.Major:
		return compareInt(a.Major, b.Major)
	case a.Minor != b.Minor:
		return compareInt(a.Minor, b.Minor)
	case a.Patch != b.Patch:
		return compareInt(a.Patch, b.Patch)
	default:
		return strings.Compare(a.Prerelease, b.Prerelease)
	}
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IsCompatible reports whether other shares v's major version.
func (v Version) IsCompatible(other Version) bool {
	return v.Major == other.Major
}

// IncrementMajor returns a new version with major incremented and
// minor/patch reset.
func (v Version) IncrementMajor() Version {
	return Version{Major: v.Major + 1}
}

// IncrementMinor returns a new version with minor incremented and patch
// reset.
func (v Version) IncrementMinor() Version {
	return Version{Major: v.Major, Minor: v.Minor + 1}
}

// IncrementPatch returns a new version with patch incremented.
func (v Version) IncrementPatch() Version {
	return Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch + 1}
}
