package profile

import (
	"fmt"
	"sort"
)

// MatcherKind tags the variant of a Matcher.
type MatcherKind int

// Matcher variants. The numeric order is the canonical serialization order.
const (
	// MatchRemote globs a normalized remote URL. '*' crosses '/'.
	MatchRemote MatcherKind = iota

	// MatchPath globs the canonical working path. '**' crosses segments.
	MatchPath

	// MatchDir globs the repository directory name.
	MatchDir

	// MatchConfig compares an ambient configuration value for equality.
	MatchConfig
)

// String returns the document key of the variant.
func (k MatcherKind) String() string {
	switch k {
	case MatchRemote:
		return "remote"
	case MatchPath:
		return "path"
	case MatchDir:
		return "dir"
	case MatchConfig:
		return "config"
	default:
		return fmt.Sprintf("matcher(%d)", int(k))
	}
}

// Cost orders clauses for evaluation, cheapest first. Ambient config lookups
// go to the VCS tool and always run last.
func (k MatcherKind) Cost() int {
	switch k {
	case MatchDir:
		return 0
	case MatchPath:
		return 1
	case MatchRemote:
		return 2
	default:
		return 3
	}
}

// IsGlob reports whether the variant carries a glob pattern.
func (k MatcherKind) IsGlob() bool {
	return k == MatchRemote || k == MatchPath || k == MatchDir
}

// Matcher is a single clause of a MatchRule. Pattern is set for the glob
// variants, Key and Value for MatchConfig.
type Matcher struct {
	Kind    MatcherKind
	Pattern string
	Key     string
	Value   string
}

// RemoteGlob builds a remote-URL clause.
func RemoteGlob(pattern string) Matcher { return Matcher{Kind: MatchRemote, Pattern: pattern} }

// PathGlob builds a working-path clause.
func PathGlob(pattern string) Matcher { return Matcher{Kind: MatchPath, Pattern: pattern} }

// DirGlob builds a directory-name clause.
func DirGlob(pattern string) Matcher { return Matcher{Kind: MatchDir, Pattern: pattern} }

// ConfigEquals builds an ambient config equality clause.
func ConfigEquals(key, value string) Matcher {
	return Matcher{Kind: MatchConfig, Key: key, Value: value}
}

func (m Matcher) String() string {
	if m.Kind == MatchConfig {
		return fmt.Sprintf("config %s=%s", m.Key, m.Value)
	}
	return fmt.Sprintf("%s %s", m.Kind, m.Pattern)
}

// MatchRule is a conjunction of matchers with a priority; higher wins.
type MatchRule struct {
	Priority int       `json:"priority"`
	Matchers []Matcher `json:"matchers"`
}

// Clone returns a copy that shares nothing with r.
func (r MatchRule) Clone() MatchRule {
	out := MatchRule{Priority: r.Priority}
	if r.Matchers != nil {
		out.Matchers = append([]Matcher(nil), r.Matchers...)
	}
	return out
}

// SortMatchers puts matchers in canonical order: remote, path, dir, then
// config clauses by key and value.
func SortMatchers(ms []Matcher) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Kind != ms[j].Kind {
			return ms[i].Kind < ms[j].Kind
		}
		if ms[i].Key != ms[j].Key {
			return ms[i].Key < ms[j].Key
		}
		if ms[i].Pattern != ms[j].Pattern {
			return ms[i].Pattern < ms[j].Pattern
		}
		return ms[i].Value < ms[j].Value
	})
}

// ByCost returns a copy of ms ordered cheapest first.
func ByCost(ms []Matcher) []Matcher {
	out := append([]Matcher(nil), ms...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Kind.Cost() < out[j].Kind.Cost()
	})
	return out
}
