// Package resolve merges a fragment with its ancestors.
//
// The extends chain is walked leaf to root with an explicit visited set, so
// a cycle is reported as an error with the full chain instead of looping.
// The chain is then merged root to leaf:
//
//   - scalars: the child's value replaces the parent's
//   - tables: union of keys, recursively; the child wins on collisions
//   - lists: the child's list replaces the parent's
//
// Match rules follow the list rule: the leaf-most fragment with a non-empty
// rule list supplies them.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gitprofile/internal/profile"
)

// InstrumentationName identifies resolver spans.
const InstrumentationName = "github.com/fyrsmithlabs/gitprofile/internal/resolve"

// Source supplies fragments by identifier.
type Source interface {
	Load(ctx context.Context, id string) (*profile.Fragment, error)
}

// Resolver resolves fragments. It keeps no state between calls.
type Resolver struct {
	source   Source
	maxDepth int
	logger   *zap.Logger
	tracer   trace.Tracer
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxDepth sets the longest accepted chain, counted in fragments
// including the leaf.
func WithMaxDepth(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxDepth = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Resolver) {
		if tp != nil {
			r.tracer = tp.Tracer(InstrumentationName)
		}
	}
}

// New creates a Resolver over source.
func New(source Source, opts ...Option) *Resolver {
	r := &Resolver{
		source:   source,
		maxDepth: profile.DefaultMaxDepth,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(InstrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxDepth returns the chain length limit.
func (r *Resolver) MaxDepth() int {
	return r.maxDepth
}

// Resolve returns the merged configuration of id.
func (r *Resolver) Resolve(ctx context.Context, id string) (*profile.Resolved, error) {
	ctx, span := r.tracer.Start(ctx, "resolve.Resolve",
		trace.WithAttributes(attribute.String("resolve.id", id)))
	defer span.End()

	chain, err := r.Chain(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res := Merge(chain)
	span.SetAttributes(attribute.Int("resolve.depth", len(chain)))
	r.logger.Debug("fragment resolved",
		zap.String("fragment", id),
		zap.Strings("chain", res.Chain))
	return res, nil
}

// Chain loads the extends chain of id, root first. At most MaxDepth+1
// fragments are loaded: a repeat seen within that walk is a cycle, anything
// longer fails with DepthError.
func (r *Resolver) Chain(ctx context.Context, id string) ([]*profile.Fragment, error) {
	visited := make(map[string]bool)
	var walked []string
	var fragments []*profile.Fragment

	for cur := id; cur != ""; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if visited[cur] {
			return nil, &profile.CycleError{Chain: append(walked, cur)}
		}
		if len(walked) > r.maxDepth {
			return nil, &profile.DepthError{Chain: walked, Max: r.maxDepth}
		}
		visited[cur] = true
		walked = append(walked, cur)

		f, err := r.source.Load(ctx, cur)
		if err != nil {
			if errors.Is(err, profile.ErrNotFound) {
				return nil, &profile.NotFoundError{ID: cur}
			}
			return nil, fmt.Errorf("loading %q: %w", cur, err)
		}
		fragments = append(fragments, f)
		cur = f.Extends
	}

	if len(walked) > r.maxDepth {
		return nil, &profile.DepthError{Chain: walked, Max: r.maxDepth}
	}

	for i, j := 0, len(fragments)-1; i < j; i, j = i+1, j-1 {
		fragments[i], fragments[j] = fragments[j], fragments[i]
	}
	return fragments, nil
}

// Merge flattens chain, ordered root first, into one configuration. The
// fragments are not modified.
func Merge(chain []*profile.Fragment) *profile.Resolved {
	res := &profile.Resolved{
		Chain:      make([]string, len(chain)),
		Sections:   map[string]profile.Section{},
		Provenance: map[string]string{},
	}
	for i, f := range chain {
		res.Chain[i] = f.ID
		for name, section := range f.Sections {
			dst, ok := res.Sections[name]
			if !ok {
				dst = profile.Section{}
				res.Sections[name] = dst
			}
			mergeTable(dst, section, name, f.ID, res.Provenance)
		}
		if len(f.Rules) > 0 {
			res.Rules = make([]profile.MatchRule, len(f.Rules))
			for j, rule := range f.Rules {
				res.Rules[j] = rule.Clone()
			}
		}
	}
	if n := len(chain); n > 0 {
		res.ID = chain[n-1].ID
	}
	return res
}

func mergeTable(dst, src map[string]any, prefix, source string, prov map[string]string) {
	for key, val := range src {
		path := prefix + "." + key
		srcTable, srcIsTable := val.(map[string]any)
		dstTable, dstIsTable := dst[key].(map[string]any)
		if srcIsTable && dstIsTable {
			mergeTable(dstTable, srcTable, path, source, prov)
			continue
		}
		forget(prov, path)
		if srcIsTable {
			cp := map[string]any{}
			dst[key] = cp
			if len(srcTable) == 0 {
				prov[path] = source
			}
			mergeTable(cp, srcTable, path, source, prov)
			continue
		}
		dst[key] = profile.CloneValue(val)
		prov[path] = source
	}
}

// forget removes the provenance of path and everything below it.
func forget(prov map[string]string, path string) {
	delete(prov, path)
	prefix := path + "."
	for p := range prov {
		if strings.HasPrefix(p, prefix) {
			delete(prov, p)
		}
	}
}
