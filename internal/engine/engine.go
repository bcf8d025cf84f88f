// Package engine wires the store, validator, resolver and detector into the
// interface used by front-ends.
//
// Saves and deletes through the engine, and edits picked up by Watch,
// invalidate the detection cache. When a cache file is configured, cached
// detections survive restarts: New loads the file and Close writes it back.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gitprofile/internal/codec"
	"github.com/fyrsmithlabs/gitprofile/internal/config"
	"github.com/fyrsmithlabs/gitprofile/internal/detect"
	"github.com/fyrsmithlabs/gitprofile/internal/gitctx"
	"github.com/fyrsmithlabs/gitprofile/internal/profile"
	"github.com/fyrsmithlabs/gitprofile/internal/resolve"
	"github.com/fyrsmithlabs/gitprofile/internal/store"
	"github.com/fyrsmithlabs/gitprofile/internal/validate"
)

// Engine is safe for concurrent use.
type Engine struct {
	cfg       *config.Config
	store     *store.Store
	validator *validate.Validator
	resolver  *resolve.Resolver
	detector  *detect.Detector
	logger    *zap.Logger

	closeOnce sync.Once
}

type options struct {
	logger      *zap.Logger
	tp          trace.TracerProvider
	metrics     *detect.Metrics
	now         func() time.Time
	home        string
	fileChecker validate.FileChecker
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger shared by all components.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracerProvider sets the tracer provider for resolve and detect spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tp = tp }
}

// WithMetrics records detection metrics. Defaults to detect.NewMetrics().
func WithMetrics(m *detect.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces the time source of the detection cache and the trash.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithHome sets the directory "~" expands to in path rules and key paths.
func WithHome(home string) Option {
	return func(o *options) { o.home = home }
}

// WithFileChecker replaces the validator's file existence check.
func WithFileChecker(fc validate.FileChecker) Option {
	return func(o *options) { o.fileChecker = fc }
}

// New creates an Engine from cfg.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = detect.NewMetrics()
	}

	format, err := codec.ParseFormat(cfg.Store.Format)
	if err != nil {
		return nil, err
	}

	vopts := []validate.Option{validate.WithLogger(o.logger.Named("validate"))}
	if o.fileChecker != nil {
		vopts = append(vopts, validate.WithFileChecker(o.fileChecker))
	}
	v := validate.New(validate.Config{
		CheckFiles:   cfg.Validation.CheckFiles,
		CheckTimeout: cfg.Validation.CheckTimeout,
		HomeDir:      o.home,
	}, vopts...)

	sopts := []store.Option{store.WithLogger(o.logger.Named("store"))}
	if o.now != nil {
		sopts = append(sopts, store.WithClock(o.now))
	}
	st, err := store.New(store.Config{
		Dir:      cfg.Store.Dir,
		Format:   format,
		TrashDir: cfg.Store.TrashDir,
	}, v, sopts...)
	if err != nil {
		return nil, err
	}

	cache := detect.NewCache(cfg.Detection.CacheTTL, cfg.Detection.CacheMaxEntries)
	if o.now != nil {
		cache.SetClock(o.now)
	}

	e := &Engine{
		cfg:       cfg,
		store:     st,
		validator: v,
		resolver: resolve.New(st,
			resolve.WithMaxDepth(cfg.Resolve.MaxDepth),
			resolve.WithLogger(o.logger.Named("resolve")),
			resolve.WithTracerProvider(o.tp)),
		detector: detect.New(st,
			detect.WithCache(cache),
			detect.WithLogger(o.logger.Named("detect")),
			detect.WithMetrics(o.metrics),
			detect.WithTracerProvider(o.tp),
			detect.WithHome(o.home)),
		logger: o.logger,
	}

	if path := cfg.Detection.CacheFile; path != "" {
		n, err := cache.Load(path)
		if err != nil {
			e.logger.Warn("ignoring unreadable detection cache",
				zap.String("path", path),
				zap.Error(err))
		} else if n > 0 {
			e.logger.Debug("detection cache loaded",
				zap.String("path", path),
				zap.Int("entries", n))
		}
	}

	st.OnChange(func(c store.Change) {
		e.detector.HandleChange(c.ID, c.Rules)
	})
	return e, nil
}

// Store returns the underlying fragment store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Detector returns the underlying detector.
func (e *Engine) Detector() *detect.Detector {
	return e.detector
}

// List returns the sorted fragment identifiers.
func (e *Engine) List(ctx context.Context) ([]string, error) {
	return e.store.List(ctx)
}

// Load returns the stored fragment id.
func (e *Engine) Load(ctx context.Context, id string) (*profile.Fragment, error) {
	return e.store.Load(ctx, id)
}

// Save validates and stores f.
func (e *Engine) Save(ctx context.Context, f *profile.Fragment) error {
	return e.store.Save(ctx, f)
}

// Delete moves fragment id to the trash.
func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.store.Delete(ctx, id)
}

// Validate runs every validation stage on f without storing it.
func (e *Engine) Validate(ctx context.Context, f *profile.Fragment) validate.Result {
	return e.validator.Validate(ctx, f)
}

// Resolve merges id with its ancestors and validates the merged
// configuration. Validation errors fail with a ValidationError; warnings are
// returned alongside the configuration.
func (e *Engine) Resolve(ctx context.Context, id string) (*profile.Resolved, []profile.Issue, error) {
	res, err := e.resolver.Resolve(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	check := e.validator.ValidateResolved(ctx, res)
	if !check.OK() {
		return nil, check.Warnings, check.Err(id)
	}
	return res, check.Warnings, nil
}

// Detect returns the fragment that applies to dc.
func (e *Engine) Detect(ctx context.Context, dc detect.Context) (string, bool, error) {
	return e.detector.Detect(ctx, dc)
}

// DetectDir builds the detection context of dir from its git repository
// and detects the applicable fragment.
func (e *Engine) DetectDir(ctx context.Context, dir string) (string, bool, error) {
	dc, err := gitctx.Build(dir)
	if err != nil {
		return "", false, fmt.Errorf("building context for %s: %w", dir, err)
	}
	return e.detector.Detect(ctx, dc)
}

// Current detects the fragment for dir and resolves it. ok is false when no
// fragment applies.
func (e *Engine) Current(ctx context.Context, dir string) (res *profile.Resolved, ok bool, err error) {
	id, ok, err := e.DetectDir(ctx, dir)
	if err != nil || !ok {
		return nil, false, err
	}
	res, _, err = e.Resolve(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

// Watch invalidates the detection cache on external edits of the fragment
// directory until ctx is cancelled.
func (e *Engine) Watch(ctx context.Context) error {
	return e.store.Watch(ctx)
}

// Close persists the detection cache when a cache file is configured. A
// failed write is logged and does not fail Close.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		path := e.cfg.Detection.CacheFile
		if path == "" {
			return
		}
		if err := e.detector.Cache().Save(path); err != nil {
			e.logger.Warn("failed to persist detection cache",
				zap.String("path", path),
				zap.Error(err))
		}
	})
	return nil
}
