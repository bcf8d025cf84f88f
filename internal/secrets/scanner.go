package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Finding names the rule that matched a value. The matched text is not kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []string
}

// Scanner detects secrets in values. It is immutable after New and safe for
// concurrent use.
type Scanner struct {
	enabled bool
	rules   []compiledRule
	allow   []*regexp.Regexp
}

// New compiles cfg. A nil cfg uses DefaultConfig().
func New(cfg *Config) (*Scanner, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Scanner{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return s, nil
	}

	for i, rule := range cfg.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: ID is required", i)
		}
		if rule.Pattern == "" {
			return nil, fmt.Errorf("rule %s: pattern is required", rule.ID)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}
		kws := make([]string, len(rule.Keywords))
		for j, kw := range rule.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		s.rules = append(s.rules, compiledRule{Rule: rule, pattern: re, keywords: kws})
	}

	for i, pattern := range cfg.AllowList {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		s.allow = append(s.allow, re)
	}
	return s, nil
}

// MustNew is like New but panics on an invalid configuration.
func MustNew(cfg *Config) *Scanner {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// IsEnabled reports whether Check can return findings.
func (s *Scanner) IsEnabled() bool {
	return s != nil && s.enabled
}

// Check returns one finding per rule that matches value, ordered by rule ID.
func (s *Scanner) Check(value string) []Finding {
	if !s.IsEnabled() || value == "" {
		return nil
	}

	lower := strings.ToLower(value)
	var findings []Finding
	for _, rule := range s.rules {
		if !rule.gate(lower) {
			continue
		}
		for _, match := range rule.pattern.FindAllString(value, -1) {
			if !s.allowed(match) {
				findings = append(findings, Finding{RuleID: rule.ID, Description: rule.Description})
				break
			}
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		return findings[i].RuleID < findings[j].RuleID
	})
	return findings
}

func (r compiledRule) gate(lower string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (s *Scanner) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}
