// Package detect selects the fragment that applies to a working location.
//
// Every fragment carrying match rules takes part. Rules are ordered by
// priority (highest first), with ties broken by the store listing order of
// the owning fragment and then by rule position. The first rule whose
// clauses all hold wins. Results are memoized per repository root in a
// Cache; a miss is never cached.
package detect

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gitprofile/internal/profile"
)

// InstrumentationName identifies detection spans.
const InstrumentationName = "github.com/fyrsmithlabs/gitprofile/internal/detect"

// Detection outcomes used as metric labels.
const (
	resultCached  = "cached"
	resultMatched = "matched"
	resultNone    = "none"
)

// Source supplies fragments to the detector.
type Source interface {
	List(ctx context.Context) ([]string, error)
	Load(ctx context.Context, id string) (*profile.Fragment, error)
}

// Context describes the working location being matched.
type Context struct {
	// Root is the canonical repository root; it keys the cache. Empty when
	// the location is not inside a repository.
	Root string

	// Remotes are the configured remote URLs. They are normalized before
	// matching, so raw URLs are accepted.
	Remotes []string

	// Path is the canonical working path. Defaults to Root.
	Path string

	// Lookup returns an ambient configuration value.
	Lookup func(key string) (string, bool)
}

func (c Context) workingPath() string {
	if c.Path != "" {
		return c.Path
	}
	return c.Root
}

func (c Context) dirName() string {
	p := c.Root
	if p == "" {
		p = c.Path
	}
	if p == "" {
		return ""
	}
	return path.Base(filepath.ToSlash(p))
}

// Detector evaluates match rules. It holds no per-call state and is safe for
// concurrent use.
type Detector struct {
	source   Source
	cache    *Cache
	patterns *patternCache
	logger   *zap.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time

	evaluations atomic.Int64
}

// Option configures a Detector.
type Option func(*Detector)

// WithCache sets the result cache. By default a fresh cache with the default
// TTL and size is used.
func WithCache(c *Cache) Option {
	return func(d *Detector) {
		d.cache = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(d *Detector) {
		d.metrics = m
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Detector) {
		if tp != nil {
			d.tracer = tp.Tracer(InstrumentationName)
		}
	}
}

// WithHome sets the directory "~" expands to in path patterns.
func WithHome(home string) Option {
	return func(d *Detector) {
		d.patterns.home = home
	}
}

// New creates a Detector over source.
func New(source Source, opts ...Option) *Detector {
	d := &Detector{
		source:   source,
		patterns: &patternCache{},
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(InstrumentationName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cache == nil {
		d.cache = NewCache(DefaultCacheTTL, DefaultCacheEntries)
	}
	if d.metrics != nil {
		d.cache.SetMetrics(d.metrics)
	}
	return d
}

// Cache returns the result cache.
func (d *Detector) Cache() *Cache {
	return d.cache
}

// Evaluations returns the number of rules evaluated so far.
func (d *Detector) Evaluations() int64 {
	return d.evaluations.Load()
}

// candidate is one rule in evaluation order.
type candidate struct {
	fragment string
	order    int
	index    int
	rule     profile.MatchRule
}

// Detect returns the identifier of the fragment whose highest-priority rule
// matches dc. ok is false when nothing matches.
func (d *Detector) Detect(ctx context.Context, dc Context) (id string, ok bool, err error) {
	ctx, span := d.tracer.Start(ctx, "detect.Detect",
		trace.WithAttributes(attribute.String("detect.root", dc.Root)))
	defer span.End()

	start := d.now()

	if dc.Root != "" {
		if e, hit := d.cache.Get(dc.Root); hit {
			d.logger.Debug("detection cache hit",
				zap.String("root", dc.Root),
				zap.String("fragment", e.FragmentID))
			span.SetAttributes(attribute.Bool("detect.cached", true), attribute.String("detect.fragment", e.FragmentID))
			d.metrics.recordDetection(resultCached, 0)
			return e.FragmentID, true, nil
		}
	}

	// Results computed from fragments read before an invalidation must not
	// be cached.
	gen := d.cache.Generation()
	candidates, err := d.candidates(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", false, err
	}

	remotes := make([]string, 0, len(dc.Remotes))
	for _, r := range dc.Remotes {
		if n := NormalizeRemote(r); n != "" {
			remotes = append(remotes, n)
		}
	}
	env := evalEnv{
		remotes: remotes,
		path:    filepath.ToSlash(dc.workingPath()),
		dir:     dc.dirName(),
		lookup:  dc.Lookup,
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		d.evaluations.Add(1)
		d.metrics.recordEvaluation()
		if d.matches(c, env) {
			if dc.Root != "" && !d.cache.SetAt(gen, dc.Root, c.fragment) {
				d.logger.Debug("detection result not cached after invalidation",
					zap.String("root", dc.Root),
					zap.String("fragment", c.fragment))
			}
			d.logger.Debug("profile detected",
				zap.String("root", dc.Root),
				zap.String("fragment", c.fragment),
				zap.Int("priority", c.rule.Priority))
			span.SetAttributes(attribute.Bool("detect.cached", false), attribute.String("detect.fragment", c.fragment))
			d.metrics.recordDetection(resultMatched, d.now().Sub(start))
			return c.fragment, true, nil
		}
	}

	span.SetAttributes(attribute.Bool("detect.cached", false))
	d.metrics.recordDetection(resultNone, d.now().Sub(start))
	return "", false, nil
}

// candidates loads every rule-bearing fragment and orders the rules for
// evaluation.
func (d *Detector) candidates(ctx context.Context) ([]candidate, error) {
	ids, err := d.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing fragments: %w", err)
	}

	var out []candidate
	for order, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := d.source.Load(ctx, id)
		if err != nil {
			d.logger.Warn("skipping fragment during detection",
				zap.String("fragment", id),
				zap.Error(err))
			continue
		}
		for i, r := range f.Rules {
			out = append(out, candidate{fragment: id, order: order, index: i, rule: r})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.rule.Priority != b.rule.Priority {
			return a.rule.Priority > b.rule.Priority
		}
		if a.order != b.order {
			return a.order < b.order
		}
		return a.index < b.index
	})
	return out, nil
}

type evalEnv struct {
	remotes []string
	path    string
	dir     string
	lookup  func(string) (string, bool)
}

// matches evaluates the clauses of c cheapest first and stops at the first
// failing one. A rule without clauses never matches.
func (d *Detector) matches(c candidate, env evalEnv) bool {
	if len(c.rule.Matchers) == 0 {
		return false
	}
	for _, m := range profile.ByCost(c.rule.Matchers) {
		if !d.clause(c.fragment, m, env) {
			return false
		}
	}
	return true
}

func (d *Detector) clause(fragment string, m profile.Matcher, env evalEnv) bool {
	switch m.Kind {
	case profile.MatchConfig:
		if env.lookup == nil {
			return false
		}
		v, ok := env.lookup(m.Key)
		return ok && v == m.Value
	case profile.MatchRemote, profile.MatchPath, profile.MatchDir:
		g, err := d.patterns.get(m.Kind, m.Pattern)
		if err != nil {
			d.logger.Warn("ignoring invalid match pattern",
				zap.String("fragment", fragment),
				zap.String("pattern", m.Pattern),
				zap.Error(err))
			return false
		}
		switch m.Kind {
		case profile.MatchRemote:
			for _, r := range env.remotes {
				if g.Match(r) {
					return true
				}
			}
			return false
		case profile.MatchPath:
			return env.path != "" && g.Match(env.path)
		default:
			return env.dir != "" && g.Match(env.dir)
		}
	default:
		return false
	}
}

// HandleChange invalidates cached results after a fragment changed. When the
// change touched match rules every result may be affected and the cache is
// purged; otherwise only entries naming id are dropped.
func (d *Detector) HandleChange(id string, rulesChanged bool) {
	if rulesChanged {
		d.cache.Purge()
		d.logger.Debug("detection cache purged", zap.String("fragment", id))
		return
	}
	if n := d.cache.InvalidateFragment(id); n > 0 {
		d.logger.Debug("detection cache entries invalidated",
			zap.String("fragment", id),
			zap.Int("entries", n))
	}
}
