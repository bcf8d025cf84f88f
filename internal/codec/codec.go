// Package codec converts fragments to and from their on-disk encodings.
//
// Every encoding maps onto the same document shape:
//
//	extends = "base"          # optional parent
//	[identity]                # any other top-level table is a section
//	name = "Org"
//	[[match]]                 # optional match rules
//	priority = 10
//	remote = "*org/*"         # a list when the rule has several remote clauses
//	[match.config]
//	"user.useconfigonly" = "true"
//
// Decoded values are normalized with profile.Normalize, so a fragment that
// round-trips through any supported encoding compares equal.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/gitprofile/internal/profile"
)

// Format names a supported encoding.
type Format string

const (
	TOML Format = "toml"
	YAML Format = "yaml"
	JSON Format = "json"
)

// Reserved document keys.
const (
	keyExtends = "extends"
	keyMatch   = "match"
)

// Extensions lists recognized file extensions in lookup precedence order.
var Extensions = []string{".toml", ".yaml", ".yml", ".json"}

// ParseFormat accepts "toml", "yaml", "yml" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "toml":
		return TOML, nil
	case "yaml", "yml":
		return YAML, nil
	case "json":
		return JSON, nil
	default:
		return "", fmt.Errorf("unsupported format %q (want toml, yaml or json)", s)
	}
}

// FormatForExt maps a file extension to its format.
func FormatForExt(ext string) (Format, bool) {
	switch strings.ToLower(ext) {
	case ".toml":
		return TOML, true
	case ".yaml", ".yml":
		return YAML, true
	case ".json":
		return JSON, true
	default:
		return "", false
	}
}

// Ext returns the canonical file extension.
func (f Format) Ext() string {
	return "." + string(f)
}

// IsReservedKey reports whether name cannot be used as a section name.
func IsReservedKey(name string) bool {
	return name == keyExtends || name == keyMatch
}

// Decode parses data in the given format into a fragment named id.
func Decode(format Format, id string, data []byte) (*profile.Fragment, error) {
	doc := map[string]any{}
	switch format {
	case TOML:
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	case YAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		if doc == nil {
			doc = map[string]any{}
		}
	case JSON:
		if len(bytes.TrimSpace(data)) > 0 {
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.UseNumber()
			if err := dec.Decode(&doc); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	return FromDocument(id, doc)
}

// Encode serializes f in the given format.
func Encode(format Format, f *profile.Fragment) ([]byte, error) {
	doc := ToDocument(f)
	switch format {
	case TOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case YAML:
		return yaml.Marshal(doc)
	case JSON:
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// FromDocument builds a normalized fragment from a decoded document.
func FromDocument(id string, doc map[string]any) (*profile.Fragment, error) {
	f := &profile.Fragment{
		ID:       id,
		Sections: map[string]profile.Section{},
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := doc[key]
		switch key {
		case keyExtends:
			s, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("%s must be a string, got %T", keyExtends, raw)
			}
			f.Extends = s
		case keyMatch:
			rules, err := decodeRules(raw)
			if err != nil {
				return nil, err
			}
			f.Rules = rules
		default:
			v, err := profile.NormalizeValue(raw)
			if err != nil {
				return nil, fmt.Errorf("section %s: %w", key, err)
			}
			table, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("top-level key %q must be a section table, got %T", key, raw)
			}
			f.Sections[key] = profile.Section(table)
		}
	}

	return profile.Normalize(f)
}

// ToDocument flattens f into the document shape shared by all encodings.
func ToDocument(f *profile.Fragment) map[string]any {
	doc := make(map[string]any, len(f.Sections)+2)
	if f.Extends != "" {
		doc[keyExtends] = f.Extends
	}
	for name, s := range f.Sections {
		table := make(map[string]any, len(s))
		for k, v := range s {
			table[k] = profile.CloneValue(v)
		}
		doc[name] = table
	}
	if len(f.Rules) > 0 {
		rules := make([]map[string]any, len(f.Rules))
		for i, r := range f.Rules {
			rules[i] = encodeRule(r)
		}
		doc[keyMatch] = rules
	}
	return doc
}

func encodeRule(r profile.MatchRule) map[string]any {
	ms := append([]profile.Matcher(nil), r.Matchers...)
	profile.SortMatchers(ms)

	globs := map[string][]string{}
	config := map[string][]string{}
	for _, m := range ms {
		if m.Kind == profile.MatchConfig {
			config[m.Key] = append(config[m.Key], m.Value)
			continue
		}
		globs[m.Kind.String()] = append(globs[m.Kind.String()], m.Pattern)
	}

	out := map[string]any{"priority": int64(r.Priority)}
	for key, patterns := range globs {
		out[key] = oneOrMany(patterns)
	}
	if len(config) > 0 {
		table := make(map[string]any, len(config))
		for key, values := range config {
			table[key] = oneOrMany(values)
		}
		out["config"] = table
	}
	return out
}

// oneOrMany keeps the common single-clause form a plain string.
func oneOrMany(vals []string) any {
	if len(vals) == 1 {
		return vals[0]
	}
	list := make([]any, len(vals))
	for i, v := range vals {
		list[i] = v
	}
	return list
}

func decodeRules(raw any) ([]profile.MatchRule, error) {
	v, err := profile.NormalizeValue(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", keyMatch, err)
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a list of tables, got %T", keyMatch, raw)
	}
	if len(list) == 0 {
		return nil, nil
	}

	rules := make([]profile.MatchRule, 0, len(list))
	for i, item := range list {
		table, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a table, got %T", keyMatch, i, item)
		}
		rule, err := decodeRule(table)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", keyMatch, i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func decodeRule(table map[string]any) (profile.MatchRule, error) {
	var rule profile.MatchRule

	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val := table[key]
		switch key {
		case "priority":
			n, ok := val.(int64)
			if !ok {
				return rule, fmt.Errorf("priority must be an integer, got %T", val)
			}
			rule.Priority = int(n)
		case "remote", "path", "dir":
			patterns, err := clauseValues(key, val, false)
			if err != nil {
				return rule, err
			}
			for _, p := range patterns {
				rule.Matchers = append(rule.Matchers, profile.Matcher{Kind: kindFor(key), Pattern: p})
			}
		case "config":
			cfg, ok := val.(map[string]any)
			if !ok {
				return rule, fmt.Errorf("config must be a table, got %T", val)
			}
			for ck, cv := range cfg {
				values, err := clauseValues("config."+ck, cv, true)
				if err != nil {
					return rule, err
				}
				for _, v := range values {
					rule.Matchers = append(rule.Matchers, profile.ConfigEquals(ck, v))
				}
			}
		default:
			return rule, fmt.Errorf("unknown key %q", key)
		}
	}

	profile.SortMatchers(rule.Matchers)
	return rule, nil
}

// clauseValues accepts a single clause value or a non-empty list of them.
// Config values may be any scalar and compare as text.
func clauseValues(key string, val any, anyScalar bool) ([]string, error) {
	scalar := func(v any) (string, bool) {
		switch x := v.(type) {
		case string:
			return x, true
		case bool, int64, float64:
			return fmt.Sprint(x), anyScalar
		default:
			return "", false
		}
	}
	want := "a string"
	if anyScalar {
		want = "a scalar"
	}

	if s, ok := scalar(val); ok {
		return []string{s}, nil
	}
	list, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be %s or a list, got %T", key, want, val)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%s must not be an empty list", key)
	}
	out := make([]string, len(list))
	for i, item := range list {
		s, ok := scalar(item)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be %s, got %T", key, i, want, item)
		}
		out[i] = s
	}
	return out, nil
}

func kindFor(key string) profile.MatcherKind {
	switch key {
	case "remote":
		return profile.MatchRemote
	case "path":
		return profile.MatchPath
	default:
		return profile.MatchDir
	}
}
