// Package version parses and compares release version strings.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version and Commit identify the running build. Set via -ldflags at
// release time; "dev" builds never self-update.
var (
	Version = "dev"
	Commit  = ""
)

// Semver is a parsed version.
type Semver struct {
	Major, Minor, Patch int
	Prerelease          string
}

// Parse reads "1.2.3", "v1.2.3" or "1.2.3-beta.1".
func Parse(s string) (Semver, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "v")
	if raw == "" {
		return Semver{}, fmt.Errorf("empty version")
	}

	core := raw
	var v Semver
	if idx := strings.IndexByte(raw, '-'); idx >= 0 {
		core = raw[:idx]
		v.Prerelease = raw[idx+1:]
		if v.Prerelease == "" {
			return Semver{}, fmt.Errorf("invalid version %q: empty prerelease", s)
		}
	}

	parts := strings.Split(core, ".")
	if len(parts) > 3 {
		return Semver{}, fmt.Errorf("invalid version %q", s)
	}
	nums := [3]int{}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Semver{}, fmt.Errorf("invalid version %q", s)
		}
		nums[i] = n
	}
	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]
	return v, nil
}

// IsPrerelease reports whether the version carries a prerelease tag.
func (v Semver) IsPrerelease() bool {
	return v.Prerelease != ""
}

func (v Semver) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	return s
}

// Compare returns 1 when a > b, -1 when a < b, 0 when equal. A
// prerelease sorts before its release ("1.2.0-beta.1" < "1.2.0").
func Compare(a, b Semver) int {
	pairs := [][2]int{
		{a.Major, b.Major},
		{a.Minor, b.Minor},
		{a.Patch, b.Patch},
	}
	for _, p := range pairs {
		if p[0] > p[1] {
			return 1
		}
		if p[0] < p[1] {
			return -1
		}
	}

	switch {
	case a.Prerelease == b.Prerelease:
		return 0
	case a.Prerelease == "":
		return 1
	case b.Prerelease == "":
		return -1
	default:
		return strings.Compare(a.Prerelease, b.Prerelease)
	}
}

// IsNewer reports whether candidate is strictly newer than current.
// A "dev" or unparseable current version never accepts updates.
func IsNewer(current, candidate string) bool {
	if current == "dev" || current == "" {
		return false
	}
	cur, err := Parse(current)
	if err != nil {
		return false
	}
	cand, err := Parse(candidate)
	if err != nil {
		return false
	}
	return Compare(cand, cur) > 0
}
