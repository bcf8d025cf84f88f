// Package store persists fragments as one file per fragment.
//
// Directory layout:
//
//	~/.config/gitprofile/profiles/
//	├── base.toml
//	├── work.yaml
//	└── .trash/
//	    └── old.20240301T120000Z.1a2b3c4d.toml   ← recoverable deletes
//
// Writes go to a temporary file in the same directory, are flushed to disk,
// and are renamed over the target, so a reader always sees either the old or
// the new complete file. Writes to the same fragment are serialized.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gitprofile/internal/codec"
	"github.com/fyrsmithlabs/gitprofile/internal/logging"
	"github.com/fyrsmithlabs/gitprofile/internal/profile"
	"github.com/fyrsmithlabs/gitprofile/internal/validate"
)

// TrashDirName is the default recoverable-delete directory inside the store.
const TrashDirName = ".trash"

// Op names the kind of change.
type Op string

const (
	OpSave   Op = "save"
	OpDelete Op = "delete"
)

// Change describes a mutation of the fragment set.
type Change struct {
	ID string
	Op Op

	// Rules is true when the match rules of the fragment may have changed,
	// so every detection result is suspect.
	Rules bool

	// External is true for edits observed on disk rather than made through
	// the store.
	External bool
}

// Validator checks fragments before they are written.
type Validator interface {
	Validate(ctx context.Context, f *profile.Fragment) validate.Result
}

// Config configures a Store.
type Config struct {
	// Dir holds the fragment files.
	Dir string

	// Format is used for new fragments. Existing fragments keep their
	// format. Defaults to TOML.
	Format codec.Format

	// TrashDir receives deleted fragments. Defaults to Dir/.trash.
	TrashDir string
}

// Store is a directory of fragment files. It is safe for concurrent use.
type Store struct {
	dir       string
	trashDir  string
	format    codec.Format
	validator Validator
	logger    *zap.Logger
	now       func() time.Time

	locks sync.Map // id -> *sync.Mutex
	rules sync.Map // id -> bool, last known HasRules

	mu        sync.RWMutex
	listeners []func(Change)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces the time source used for trash names.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store rooted at cfg.Dir, creating the directory if needed.
// A nil validator applies the default validation rules.
func New(cfg Config, v Validator, opts ...Option) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("store directory is required")
	}
	if cfg.Format == "" {
		cfg.Format = codec.TOML
	}
	if _, err := codec.ParseFormat(string(cfg.Format)); err != nil {
		return nil, err
	}
	if cfg.TrashDir == "" {
		cfg.TrashDir = filepath.Join(cfg.Dir, TrashDirName)
	}
	if v == nil {
		v = validate.New(validate.Config{})
	}

	s := &Store{
		dir:       cfg.Dir,
		trashDir:  cfg.TrashDir,
		format:    cfg.Format,
		validator: v,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, &profile.StorageError{Op: "create", Path: s.dir, Err: err}
	}
	return s, nil
}

// Dir returns the fragment directory.
func (s *Store) Dir() string {
	return s.dir
}

// TrashDir returns the recoverable-delete directory.
func (s *Store) TrashDir() string {
	return s.trashDir
}

// OnChange registers fn to be called after every save and delete.
func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(c Change) {
	s.mu.RLock()
	listeners := slices.Clone(s.listeners)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(c)
	}
}

func (s *Store) lock(id string) func() {
	m, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// List returns the stored identifiers in lexicographic order. A missing
// directory is an empty store.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, &profile.StorageError{Op: "list", Path: s.dir, Err: err}
	}

	seen := make(map[string]bool, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		id, ok := idFromName(e.Name())
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// idFromName maps a file name to a fragment id, rejecting temporary and
// hidden files and names that are not valid identifiers.
func idFromName(name string) (string, bool) {
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	ext := filepath.Ext(name)
	if _, ok := codec.FormatForExt(ext); !ok {
		return "", false
	}
	id := strings.TrimSuffix(name, ext)
	if profile.CheckID(id) != nil {
		return "", false
	}
	return id, true
}

// locate returns the file holding id, honoring extension precedence.
func (s *Store) locate(id string) (string, codec.Format, error) {
	for _, ext := range codec.Extensions {
		p := filepath.Join(s.dir, id+ext)
		info, err := os.Stat(p)
		if err == nil && info.Mode().IsRegular() {
			format, _ := codec.FormatForExt(ext)
			return p, format, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", "", &profile.StorageError{Op: "stat", Path: p, Err: err}
		}
	}
	return "", "", &profile.NotFoundError{ID: id}
}

// Load reads a fragment.
func (s *Store) Load(ctx context.Context, id string) (*profile.Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if profile.CheckID(id) != nil {
		return nil, &profile.NotFoundError{ID: id}
	}
	path, format, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	f, err := s.read(id, path, format)
	if err != nil {
		return nil, err
	}
	s.rules.Store(id, f.HasRules())
	return f, nil
}

func (s *Store) read(id, path string, format codec.Format) (*profile.Fragment, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &profile.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, &profile.StorageError{Op: "read", Path: path, Err: err}
	}
	f, err := codec.Decode(format, id, data)
	if err != nil {
		return nil, &profile.ParseError{ID: id, Path: path, Err: err}
	}
	return f, nil
}

// Exists reports whether a fragment named id is stored.
func (s *Store) Exists(ctx context.Context, id string) bool {
	if ctx.Err() != nil || profile.CheckID(id) != nil {
		return false
	}
	_, _, err := s.locate(id)
	return err == nil
}

// Save validates and durably writes f. The parent named by f.Extends must
// already exist.
func (s *Store) Save(ctx context.Context, f *profile.Fragment) error {
	if f == nil {
		return errors.New("fragment is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	res := s.validator.Validate(ctx, f)
	issues := res.Errors
	if f.Extends != "" && f.Extends != f.ID && profile.CheckID(f.Extends) == nil && !s.Exists(ctx, f.Extends) {
		issues = append(issues, profile.Issue{
			Path:     "extends",
			Message:  fmt.Sprintf("parent fragment %q does not exist", f.Extends),
			Severity: profile.SeverityError,
		})
	}
	if len(issues) > 0 {
		return &profile.ValidationError{ID: f.ID, Issues: issues}
	}
	for _, w := range res.Warnings {
		s.logger.Debug("fragment validation warning",
			zap.String("fragment", f.ID),
			zap.String("field", w.Path),
			zap.String("message", w.Message))
	}

	norm, err := profile.Normalize(f)
	if err != nil {
		return &profile.ValidationError{ID: f.ID, Issues: []profile.Issue{{
			Path:     "",
			Message:  err.Error(),
			Severity: profile.SeverityError,
		}}}
	}

	unlock := s.lock(f.ID)
	defer unlock()

	format := s.format
	path := filepath.Join(s.dir, f.ID+format.Ext())
	hadRules := false
	existing, existingFormat, err := s.locate(f.ID)
	switch {
	case err == nil:
		path, format = existing, existingFormat
		if old, rerr := s.read(f.ID, existing, existingFormat); rerr == nil {
			hadRules = old.HasRules()
		} else {
			hadRules = true
		}
	case errors.Is(err, profile.ErrNotFound):
	default:
		return err
	}

	data, err := codec.Encode(format, norm)
	if err != nil {
		return &profile.ValidationError{ID: f.ID, Issues: []profile.Issue{{
			Message:  fmt.Sprintf("cannot encode as %s: %v", format, err),
			Severity: profile.SeverityError,
		}}}
	}

	s.rules.Store(f.ID, norm.HasRules())
	if err := writeAtomic(s.dir, path, data); err != nil {
		return err
	}

	s.logger.Info("fragment saved",
		zap.String("fragment", f.ID),
		zap.String("path", path))
	if ref, ok := norm.String(profile.SectionCredentials, "reference"); ok {
		s.logger.Debug("fragment carries a credential reference",
			zap.String("fragment", f.ID),
			logging.RedactedString("reference", ref))
	}
	s.notify(Change{ID: f.ID, Op: OpSave, Rules: hadRules || norm.HasRules()})
	return nil
}

// Delete moves the fragment file into the trash directory.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if profile.CheckID(id) != nil {
		return &profile.NotFoundError{ID: id}
	}

	unlock := s.lock(id)
	defer unlock()

	path, format, err := s.locate(id)
	if err != nil {
		return err
	}
	hadRules := true
	if old, rerr := s.read(id, path, format); rerr == nil {
		hadRules = old.HasRules()
	}

	if err := os.MkdirAll(s.trashDir, 0o700); err != nil {
		return &profile.StorageError{Op: "create", Path: s.trashDir, Err: err}
	}
	dest := filepath.Join(s.trashDir, s.trashName(id, filepath.Ext(path)))
	if err := moveFile(path, dest); err != nil {
		return err
	}
	if err := syncDir(s.dir); err != nil {
		return err
	}
	s.rules.Delete(id)

	s.logger.Info("fragment deleted",
		zap.String("fragment", id),
		zap.String("trash", dest))
	s.notify(Change{ID: id, Op: OpDelete, Rules: hadRules})
	return nil
}

func (s *Store) trashName(id, ext string) string {
	ts := s.now().UTC().Format("20060102T150405Z")
	return fmt.Sprintf("%s.%s.%s%s", id, ts, uuid.New().String()[:8], ext)
}

// Trash lists the files in the trash directory, newest name last.
func (s *Store) Trash() ([]string, error) {
	entries, err := os.ReadDir(s.trashDir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, &profile.StorageError{Op: "list", Path: s.trashDir, Err: err}
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// writeAtomic replaces path with data: temp file in dir, fsync, close,
// rename, fsync dir.
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &profile.StorageError{Op: "create", Path: dir, Err: err}
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return &profile.StorageError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return &profile.StorageError{Op: "chmod", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return &profile.StorageError{Op: "sync", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &profile.StorageError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return &profile.StorageError{Op: "rename", Path: path, Err: err}
	}
	return syncDir(dir)
}

// moveFile renames src to dst, falling back to copy and remove when they
// are on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return &profile.StorageError{Op: "read", Path: src, Err: err}
	}
	if err := writeAtomic(filepath.Dir(dst), dst, data); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return &profile.StorageError{Op: "remove", Path: src, Err: err}
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return &profile.StorageError{Op: "open", Path: dir, Err: err}
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, errors.ErrUnsupported) {
		return &profile.StorageError{Op: "sync", Path: dir, Err: err}
	}
	return nil
}
