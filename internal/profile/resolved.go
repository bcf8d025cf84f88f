package profile

import (
	"encoding/json"
	"sort"
	"strings"
)

// Resolved is a fragment merged with its ancestor chain. It is never
// persisted.
type Resolved struct {
	// ID is the leaf fragment that was resolved.
	ID string `json:"id"`

	// Chain lists the fragments root to leaf.
	Chain []string `json:"chain"`

	// Sections is the flattened configuration.
	Sections map[string]Section `json:"sections"`

	// Rules is the leaf-most non-empty rule list in the chain.
	Rules []MatchRule `json:"rules,omitempty"`

	// Provenance maps a dotted field path to the fragment that set it.
	Provenance map[string]string `json:"provenance"`
}

// Get returns the value at a dotted path such as "identity.email". Keys may
// themselves contain dots, so "gitconfig.user.name" finds the key
// "user.name" as well as a nested table "user" holding "name".
func (r *Resolved) Get(path string) (any, bool) {
	section, rest, ok := strings.Cut(path, ".")
	if !ok {
		return nil, false
	}
	s, ok := r.Sections[section]
	if !ok {
		return nil, false
	}
	return lookup(s, rest)
}

// lookup prefers the longest key matching a prefix of path.
func lookup(table map[string]any, path string) (any, bool) {
	if v, ok := table[path]; ok {
		return v, true
	}
	for i := len(path) - 1; i > 0; i-- {
		if path[i] != '.' {
			continue
		}
		inner, ok := table[path[:i]].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := lookup(inner, path[i+1:]); ok {
			return v, true
		}
	}
	return nil, false
}

// GetString returns the string at path.
func (r *Resolved) GetString(path string) (string, bool) {
	v, ok := r.Get(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Source returns the fragment that supplied the value at path.
func (r *Resolved) Source(path string) string {
	return r.Provenance[path]
}

// Fields returns every provenance path in sorted order.
func (r *Resolved) Fields() []string {
	out := make([]string, 0, len(r.Provenance))
	for p := range r.Provenance {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// AsFragment views the resolved configuration as a standalone fragment with
// no parent, for validation.
func (r *Resolved) AsFragment() *Fragment {
	return &Fragment{
		ID:       r.ID,
		Sections: r.Sections,
		Rules:    r.Rules,
	}
}

// JSON returns a deterministic encoding; map keys are sorted.
func (r *Resolved) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// MarshalJSON encodes matchers by their document keys.
func (m Matcher) MarshalJSON() ([]byte, error) {
	if m.Kind == MatchConfig {
		return json.Marshal(map[string]string{"kind": m.Kind.String(), "key": m.Key, "value": m.Value})
	}
	return json.Marshal(map[string]string{"kind": m.Kind.String(), "pattern": m.Pattern})
}
