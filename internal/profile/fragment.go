package profile

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	// MaxIDLength bounds fragment identifiers.
	MaxIDLength = 64

	// DefaultMaxDepth is the longest extends chain the resolver accepts.
	DefaultMaxDepth = 5
)

// idPattern allows alphanumeric, dots, hyphens and underscores.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// reservedIDs cannot be used as fragment identifiers. They collide with
// command words of the front-end.
var reservedIDs = map[string]bool{
	"auto":    true,
	"current": true,
	"default": true,
	"none":    true,
}

// Well-known section names.
const (
	SectionMeta        = "meta"
	SectionIdentity    = "identity"
	SectionSigning     = "signing"
	SectionSSH         = "ssh"
	SectionCredentials = "credentials"
	SectionGitConfig   = "gitconfig"
)

// Section is a mapping of field name to value. Values are string, int64,
// float64, bool, []any or map[string]any after normalization. A float64 is
// never integral: whole numbers are int64 regardless of how they were
// written.
type Section map[string]any

// Fragment is the unit of storage.
type Fragment struct {
	// ID is the unique, stable identifier. It is also the file name.
	ID string

	// Extends names the parent fragment, if any.
	Extends string

	// Sections holds the configuration, keyed by section name.
	Sections map[string]Section

	// Rules are evaluated by the detector. Only fragments with rules are
	// eligible for auto-detection.
	Rules []MatchRule
}

// CheckID reports why id is not a usable identifier, or nil.
func CheckID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("identifier is empty")
	case len(id) > MaxIDLength:
		return fmt.Errorf("identifier is longer than %d characters", MaxIDLength)
	case !idPattern.MatchString(id):
		return fmt.Errorf("identifier %q must start with a letter or digit and contain only letters, digits, '.', '-' or '_'", id)
	case reservedIDs[strings.ToLower(id)]:
		return fmt.Errorf("identifier %q is reserved", id)
	}
	return nil
}

// IsReserved reports whether id is a reserved name.
func IsReserved(id string) bool {
	return reservedIDs[strings.ToLower(id)]
}

// Field returns the value at section.key.
func (f *Fragment) Field(section, key string) (any, bool) {
	s, ok := f.Sections[section]
	if !ok {
		return nil, false
	}
	v, ok := s[key]
	return v, ok
}

// String returns the string value at section.key; ok is false when the field
// is absent or not a string.
func (f *Fragment) String(section, key string) (string, bool) {
	v, ok := f.Field(section, key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IsAbstract reports whether the fragment is marked base-only.
func (f *Fragment) IsAbstract() bool {
	v, ok := f.Field(SectionMeta, "abstract")
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// HasRules reports whether the fragment is eligible for detection.
func (f *Fragment) HasRules() bool {
	return len(f.Rules) > 0
}

// Clone returns a deep copy.
func (f *Fragment) Clone() *Fragment {
	if f == nil {
		return nil
	}
	out := &Fragment{
		ID:       f.ID,
		Extends:  f.Extends,
		Sections: CloneSections(f.Sections),
	}
	if f.Rules != nil {
		out.Rules = make([]MatchRule, len(f.Rules))
		for i, r := range f.Rules {
			out.Rules[i] = r.Clone()
		}
	}
	return out
}

// CloneSections deep-copies a section map.
func CloneSections(in map[string]Section) map[string]Section {
	if in == nil {
		return nil
	}
	out := make(map[string]Section, len(in))
	for name, s := range in {
		cp := make(Section, len(s))
		for k, v := range s {
			cp[k] = CloneValue(v)
		}
		out[name] = cp
	}
	return out
}

// CloneValue deep-copies a section value.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, inner := range val {
			cp[k] = CloneValue(inner)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, inner := range val {
			cp[i] = CloneValue(inner)
		}
		return cp
	default:
		return val
	}
}

// Normalize returns a canonical deep copy of f: values are converted to the
// canonical kinds, an absent section map becomes empty, empty rule lists
// become nil and matchers are put in canonical order.
func Normalize(f *Fragment) (*Fragment, error) {
	out := &Fragment{
		ID:       f.ID,
		Extends:  f.Extends,
		Sections: make(map[string]Section, len(f.Sections)),
	}
	for name, s := range f.Sections {
		cp := make(Section, len(s))
		for k, v := range s {
			nv, err := NormalizeValue(v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", name, k, err)
			}
			cp[k] = nv
		}
		out.Sections[name] = cp
	}
	if len(f.Rules) > 0 {
		out.Rules = make([]MatchRule, len(f.Rules))
		for i, r := range f.Rules {
			rule := r.Clone()
			SortMatchers(rule.Matchers)
			out.Rules[i] = rule
		}
	}
	return out, nil
}

// NormalizeValue converts a decoded value to its canonical kind.
func NormalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case string, bool, int64:
		return val, nil
	case float64:
		return canonicalFloat(val), nil
	case float32:
		return canonicalFloat(float64(val)), nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint:
		return uintToInt64(uint64(val))
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		return uintToInt64(val)
	case interface{ Int64() (int64, error) }:
		// json.Number
		if n, err := val.Int64(); err == nil {
			return n, nil
		}
		if f, ok := val.(interface{ Float64() (float64, error) }); ok {
			n, err := f.Float64()
			if err != nil {
				return nil, err
			}
			return canonicalFloat(n), nil
		}
		return nil, fmt.Errorf("unsupported number %v", val)
	case time.Time:
		return val.Format(time.RFC3339Nano), nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			nv, err := NormalizeValue(inner)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = nv
		}
		return out, nil
	case Section:
		return NormalizeValue(map[string]any(val))
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			nv, err := NormalizeValue(inner)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ks, err)
			}
			out[ks] = nv
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(val))
		for i, inner := range val {
			nv, err := NormalizeValue(inner)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			nv, err := NormalizeValue(inner)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = nv
		}
		return out, nil
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("null values are not supported")
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// canonicalFloat turns integral floats into int64. YAML and JSON write 2.0
// as 2, so keeping the float kind would not survive a round-trip.
func canonicalFloat(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}

func uintToInt64(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("integer %d overflows int64", u)
	}
	return int64(u), nil
}

// SectionNames returns the fragment's section names in sorted order.
func (f *Fragment) SectionNames() []string {
	names := make([]string, 0, len(f.Sections))
	for name := range f.Sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
