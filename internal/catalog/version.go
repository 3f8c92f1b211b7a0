package catalog

import (
	"sort"

	"github.com/Masterminds/semver/v3"
)

// pickLatest chooses the newest package among installed versions of one name.
//
// Versions are parsed leniently as semver ("1.0" and "1.2.3" both work). If
// every candidate parses, the semver maximum wins. If any candidate fails to
// parse (or has no version at all), the whole set falls back to lexical order
// over the raw strings. Either way, ties break toward the higher package id.
func pickLatest(packages []*Package) *Package {
	if len(packages) == 1 {
		return packages[0]
	}

	parsed := make([]*semver.Version, len(packages))
	semverOK := true
	for i, p := range packages {
		if p.Version == nil {
			semverOK = false
			break
		}
		v, err := semver.NewVersion(*p.Version)
		if err != nil {
			semverOK = false
			break
		}
		parsed[i] = v
	}

	// Sort a copy: callers may care about the original order
	ordered := make([]int, len(packages))
	for i := range ordered {
		ordered[i] = i
	}

	if semverOK {
		sort.Slice(ordered, func(a, b int) bool {
			i, j := ordered[a], ordered[b]
			if c := parsed[i].Compare(parsed[j]); c != 0 {
				return c > 0
			}
			return packages[i].ID > packages[j].ID
		})
	} else {
		sort.Slice(ordered, func(a, b int) bool {
			i, j := ordered[a], ordered[b]
			vi, vj := rawVersion(packages[i]), rawVersion(packages[j])
			if vi != vj {
				return vi > vj
			}
			return packages[i].ID > packages[j].ID
		})
	}

	return packages[ordered[0]]
}

func rawVersion(p *Package) string {
	if p.Version == nil {
		return ""
	}
	return *p.Version
}
