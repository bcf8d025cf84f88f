// Package validate checks fragments and resolved configurations before they
// reach the store or the caller.
//
// Validation runs five stages in order and accumulates every finding, so a
// caller sees all problems at once:
//
//  1. identifier
//  2. required sections
//  3. field-level semantics
//  4. cross-field consistency
//  5. match rules
//
// Only errors block a save or resolve. Warnings are informational, and an
// external check that times out is reported as a warning.
package validate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gitprofile/internal/codec"
	"github.com/fyrsmithlabs/gitprofile/internal/detect"
	"github.com/fyrsmithlabs/gitprofile/internal/profile"
	"github.com/fyrsmithlabs/gitprofile/internal/secrets"
)

const (
	// DefaultCheckTimeout bounds each external check.
	DefaultCheckTimeout = 50 * time.Millisecond

	maxTextLength        = 256
	maxDescriptionLength = 1024
	maxValueLength       = 4096
)

var sectionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Enumerated field values.
var (
	signingMethods    = []string{"gpg", "ssh", "x509", "none"}
	hostKeyCheckModes = []string{"yes", "no", "accept-new", "ask"}
)

// FileChecker reports whether a referenced file exists. It must honor ctx.
type FileChecker func(ctx context.Context, path string) error

// Result holds the findings of one validation run.
type Result struct {
	Errors   []profile.Issue `json:"errors"`
	Warnings []profile.Issue `json:"warnings"`
}

// OK reports whether there are no errors.
func (r Result) OK() bool {
	return len(r.Errors) == 0
}

// Err converts the errors of r into a *profile.ValidationError, or nil.
func (r Result) Err(id string) error {
	if r.OK() {
		return nil
	}
	return &profile.ValidationError{ID: id, Issues: append([]profile.Issue(nil), r.Errors...)}
}

func (r *Result) errorf(path, suggestion, format string, args ...any) {
	r.Errors = append(r.Errors, profile.Issue{
		Path:       path,
		Message:    fmt.Sprintf(format, args...),
		Suggestion: suggestion,
		Severity:   profile.SeverityError,
	})
}

func (r *Result) warnf(path, suggestion, format string, args ...any) {
	r.Warnings = append(r.Warnings, profile.Issue{
		Path:       path,
		Message:    fmt.Sprintf(format, args...),
		Suggestion: suggestion,
		Severity:   profile.SeverityWarning,
	})
}

// Config configures a Validator.
type Config struct {
	// CheckFiles enables existence checks of referenced files.
	CheckFiles bool

	// CheckTimeout bounds each external check (default 50ms).
	CheckTimeout time.Duration

	// HomeDir expands "~" in referenced paths. Empty uses the user's home.
	HomeDir string
}

// Validator runs the validation stages. It is safe for concurrent use.
type Validator struct {
	config  Config
	fields  *validator.Validate
	checker FileChecker
	secrets *secrets.Scanner
	logger  *zap.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithFileChecker replaces the default os.Stat based checker.
func WithFileChecker(fc FileChecker) Option {
	return func(v *Validator) {
		v.checker = fc
	}
}

// WithSecretScanner replaces the scanner that flags secrets pasted into
// values. A nil scanner disables the check.
func WithSecretScanner(s *secrets.Scanner) Option {
	return func(v *Validator) {
		v.secrets = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// New creates a Validator.
func New(cfg Config, opts ...Option) *Validator {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	v := &Validator{
		config:  cfg,
		fields:  validator.New(),
		checker: statFile,
		secrets: secrets.MustNew(nil),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks a single fragment as it would be stored. f is not
// modified.
func (v *Validator) Validate(ctx context.Context, f *profile.Fragment) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("validator panic", zap.Any("panic", r))
			res.errorf("", "", "internal validation failure: %v", r)
		}
	}()

	if f == nil {
		res.errorf("", "", "fragment is nil")
		return res
	}

	v.checkIdentifier(&res, f)
	v.checkRequiredSections(&res, f)
	v.checkFields(ctx, &res, f)
	v.checkCrossFields(&res, f, f.Extends != "")
	v.checkRules(&res, f)
	return res
}

// ValidateResolved checks a merged configuration. Inheritance can no longer
// supply missing fields, so cross-field gaps are always errors.
func (v *Validator) ValidateResolved(ctx context.Context, r *profile.Resolved) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			v.logger.Error("validator panic", zap.Any("panic", p))
			res.errorf("", "", "internal validation failure: %v", p)
		}
	}()

	if r == nil {
		res.errorf("", "", "resolved configuration is nil")
		return res
	}

	f := r.AsFragment()
	v.checkRequiredSections(&res, f)
	v.checkFields(ctx, &res, f)
	v.checkCrossFields(&res, f, false)
	v.checkRules(&res, f)
	return res
}

// Stage 1.
func (v *Validator) checkIdentifier(res *Result, f *profile.Fragment) {
	if err := profile.CheckID(f.ID); err != nil {
		res.errorf("id", suggestID(f.ID), "%s", err.Error())
	}
}

// Stage 2. Omitting identity is a warning since a parent may supply it.
func (v *Validator) checkRequiredSections(res *Result, f *profile.Fragment) {
	if f.IsAbstract() {
		return
	}
	if _, ok := f.Sections[profile.SectionIdentity]; !ok {
		res.warnf(profile.SectionIdentity, "",
			"identity section is missing; it must be inherited or the fragment marked meta.abstract")
	}
}

// Stage 3.
func (v *Validator) checkFields(ctx context.Context, res *Result, f *profile.Fragment) {
	for _, name := range f.SectionNames() {
		section := f.Sections[name]
		if !sectionPattern.MatchString(name) || codec.IsReservedKey(name) {
			res.errorf(name, "", "section name %q is not allowed", name)
		}
		for key, val := range section {
			path := name + "." + key
			if !utf8.ValidString(key) {
				res.errorf(strings.ToValidUTF8(path, "?"), "", "key is not valid UTF-8")
				continue
			}
			checkValueBounds(res, path, val)
			// credentials.reference is opaque and never inspected.
			if path != "credentials.reference" {
				v.checkSecrets(res, path, val)
			}
		}
	}

	v.checkText(res, f, profile.SectionMeta, "description", maxDescriptionLength)
	v.checkBool(res, f, profile.SectionMeta, "abstract")

	v.checkText(res, f, profile.SectionIdentity, "name", maxTextLength)
	v.checkText(res, f, profile.SectionIdentity, "username", maxTextLength)
	if email, ok := v.stringField(res, f, profile.SectionIdentity, "email"); ok {
		if err := v.fields.Var(email, "required,email"); err != nil {
			suggestion := ""
			if fixed := strings.ToLower(strings.TrimSpace(email)); fixed != email && v.fields.Var(fixed, "email") == nil {
				suggestion = fixed
			}
			res.errorf("identity.email", suggestion, "%q is not a valid email address", email)
		}
	}

	v.checkEnum(res, f, profile.SectionSigning, "method", signingMethods)
	v.checkBool(res, f, profile.SectionSigning, "commits")
	v.checkBool(res, f, profile.SectionSigning, "tags")
	for _, method := range signingMethods {
		if method != "none" {
			v.checkText(res, f, profile.SectionSigning, method+"_key", maxValueLength)
		}
	}

	v.checkEnum(res, f, profile.SectionSSH, "strict_host_key_checking", hostKeyCheckModes)
	if p, ok := v.stringField(res, f, profile.SectionSSH, "key_path"); ok {
		v.checkFile(ctx, res, "ssh.key_path", p)
	}
	if key, ok := f.String(profile.SectionSigning, "ssh_key"); ok && looksLikePath(key) {
		v.checkFile(ctx, res, "signing.ssh_key", key)
	}

	// credentials.reference is opaque and only needs to be a string.
	v.stringField(res, f, profile.SectionCredentials, "reference")
	v.checkText(res, f, profile.SectionCredentials, "helper", maxTextLength)

	if gc, ok := f.Sections[profile.SectionGitConfig]; ok {
		for key, val := range gc {
			if _, isMap := val.(map[string]any); isMap {
				res.errorf("gitconfig."+key, "", "gitconfig values must be scalars or lists")
			}
		}
	}
}

// Stage 4.
func (v *Validator) checkCrossFields(res *Result, f *profile.Fragment, hasParent bool) {
	if f.Extends != "" {
		if f.Extends == f.ID {
			res.errorf("extends", "", "fragment %q cannot extend itself", f.ID)
		} else if err := profile.CheckID(f.Extends); err != nil {
			res.errorf("extends", "", "invalid parent: %s", err.Error())
		}
	}

	method, ok := f.String(profile.SectionSigning, "method")
	if !ok || method == "none" || !contains(signingMethods, method) {
		return
	}
	keyField := method + "_key"
	if _, ok := f.Field(profile.SectionSigning, keyField); ok {
		return
	}
	path := "signing." + keyField
	if hasParent {
		res.warnf(path, "", "signing method %q needs %s; it must be inherited from %q", method, path, f.Extends)
		return
	}
	res.errorf(path, "", "signing method %q requires %s", method, path)
}

// Stage 5.
func (v *Validator) checkRules(res *Result, f *profile.Fragment) {
	for i, rule := range f.Rules {
		base := fmt.Sprintf("match[%d]", i)
		if len(rule.Matchers) == 0 {
			res.errorf(base, "", "match rule has no clauses")
			continue
		}
		for _, m := range rule.Matchers {
			path := base + "." + m.Kind.String()
			if !utf8.ValidString(m.Pattern) || !utf8.ValidString(m.Key) || !utf8.ValidString(m.Value) {
				res.errorf(path, "", "clause is not valid UTF-8")
				continue
			}
			switch {
			case m.Kind.IsGlob():
				if _, err := detect.CompilePattern(m.Kind, m.Pattern); err != nil {
					res.errorf(path, "", "invalid glob %q: %v", m.Pattern, err)
				}
			case m.Kind == profile.MatchConfig:
				if m.Key == "" {
					res.errorf(path, "", "config clause needs a key")
				}
			default:
				res.errorf(path, "", "unknown matcher kind %d", int(m.Kind))
			}
		}
	}
}

// checkFile runs the external existence check bounded by CheckTimeout.
func (v *Validator) checkFile(ctx context.Context, res *Result, path, file string) {
	if !v.config.CheckFiles || file == "" {
		return
	}
	target := detect.ExpandHome(file, v.config.HomeDir)

	checkCtx, cancel := context.WithTimeout(ctx, v.config.CheckTimeout)
	defer cancel()

	err := v.checker(checkCtx, target)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		timeout := &profile.TimeoutError{Check: "existence check of " + target, After: v.config.CheckTimeout}
		v.logger.Warn("external check timed out",
			zap.String("field", path),
			zap.Duration("timeout", v.config.CheckTimeout))
		res.warnf(path, "", "%s", timeout.Error())
	case errors.Is(err, os.ErrNotExist):
		res.warnf(path, "", "file %s does not exist", target)
	default:
		res.warnf(path, "", "cannot check %s: %v", target, err)
	}
}

func (v *Validator) stringField(res *Result, f *profile.Fragment, section, key string) (string, bool) {
	val, ok := f.Field(section, key)
	if !ok {
		return "", false
	}
	s, ok := val.(string)
	if !ok {
		res.errorf(section+"."+key, "", "must be a string, got %s", kindName(val))
		return "", false
	}
	return s, true
}

func (v *Validator) checkText(res *Result, f *profile.Fragment, section, key string, max int) {
	s, ok := v.stringField(res, f, section, key)
	if !ok {
		return
	}
	if err := v.fields.Var(s, fmt.Sprintf("max=%d", max)); err != nil {
		res.errorf(section+"."+key, truncate(s, max), "must be at most %d characters", max)
	}
}

func (v *Validator) checkBool(res *Result, f *profile.Fragment, section, key string) {
	val, ok := f.Field(section, key)
	if !ok {
		return
	}
	if _, isBool := val.(bool); !isBool {
		suggestion := ""
		if s, isStr := val.(string); isStr && (strings.EqualFold(s, "true") || strings.EqualFold(s, "false")) {
			suggestion = strings.ToLower(s)
		}
		res.errorf(section+"."+key, suggestion, "must be a boolean, got %s", kindName(val))
	}
}

func (v *Validator) checkEnum(res *Result, f *profile.Fragment, section, key string, allowed []string) {
	s, ok := v.stringField(res, f, section, key)
	if !ok {
		return
	}
	if err := v.fields.Var(s, "oneof="+strings.Join(allowed, " ")); err != nil {
		suggestion := ""
		if lower := strings.ToLower(strings.TrimSpace(s)); contains(allowed, lower) {
			suggestion = lower
		}
		res.errorf(section+"."+key, suggestion, "%q is not one of %s", s, strings.Join(allowed, ", "))
	}
}

// checkSecrets warns about secret material in string values.
func (v *Validator) checkSecrets(res *Result, path string, val any) {
	switch x := val.(type) {
	case string:
		for _, f := range v.secrets.Check(x) {
			res.warnf(path, "",
				"value looks like a %s; keep secrets in a credential helper and store only a credentials.reference", f.Description)
		}
	case map[string]any:
		for k, inner := range x {
			v.checkSecrets(res, path+"."+k, inner)
		}
	case []any:
		for i, inner := range x {
			v.checkSecrets(res, fmt.Sprintf("%s[%d]", path, i), inner)
		}
	}
}

// checkValueBounds enforces the generic string bounds recursively. Every
// encoding requires UTF-8 text.
func checkValueBounds(res *Result, path string, val any) {
	switch v := val.(type) {
	case string:
		if !utf8.ValidString(v) {
			res.errorf(path, "", "value is not valid UTF-8")
		} else if len(v) > maxValueLength {
			res.errorf(path, "", "value is longer than %d characters", maxValueLength)
		}
	case map[string]any:
		for k, inner := range v {
			if !utf8.ValidString(k) {
				res.errorf(strings.ToValidUTF8(path+"."+k, "?"), "", "key is not valid UTF-8")
				continue
			}
			checkValueBounds(res, path+"."+k, inner)
		}
	case []any:
		for i, inner := range v {
			checkValueBounds(res, fmt.Sprintf("%s[%d]", path, i), inner)
		}
	}
}

func statFile(ctx context.Context, path string) error {
	done := make(chan error, 1)
	go func() {
		_, err := os.Stat(path)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// suggestID proposes a usable identifier derived from id.
func suggestID(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(id)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ' || r == '/':
			b.WriteRune('-')
		}
	}
	s := strings.TrimLeft(b.String(), ".-_")
	if len(s) > profile.MaxIDLength {
		s = s[:profile.MaxIDLength]
	}
	if s == id || profile.CheckID(s) != nil {
		return ""
	}
	return s
}

func looksLikePath(s string) bool {
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "~") || strings.HasPrefix(s, "./")
}

func kindName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int64, float64:
		return "number"
	case []any:
		return "list"
	case map[string]any:
		return "table"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
