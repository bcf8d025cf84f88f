package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gitprofile/internal/profile"
)

// ErrWatcherFailed indicates the filesystem watcher could not start.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Watch reports edits made to fragment files outside the store as changes to
// the registered listeners. It returns once the watcher is running; watching
// stops when ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", s.dir, err)
	}

	go s.processEvents(ctx, watcher)
	return nil
}

func (s *Store) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() { _ = watcher.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("fragment watcher error", zap.Error(err))
		}
	}
}

func (s *Store) handleEvent(ctx context.Context, event fsnotify.Event) {
	id, ok := idFromName(filepath.Base(event.Name))
	if !ok {
		return
	}

	var c Change
	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		c = Change{ID: id, Op: OpDelete, Rules: s.knownRules(id), External: true}
		// Another extension may still hold the fragment.
		if s.Exists(ctx, id) {
			c.Op = OpSave
		}
		if c.Op == OpDelete {
			s.rules.Delete(id)
		}
	case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
		hadRules := s.knownRules(id)
		hasRules := true
		if f, err := s.Load(ctx, id); err == nil {
			hasRules = f.HasRules()
		} else if !errors.Is(err, profile.ErrNotFound) {
			s.logger.Warn("externally edited fragment is unreadable",
				zap.String("fragment", id),
				zap.Error(err))
		}
		c = Change{ID: id, Op: OpSave, Rules: hadRules || hasRules, External: true}
	default:
		return
	}

	s.logger.Debug("external fragment change",
		zap.String("fragment", id),
		zap.String("op", string(c.Op)),
		zap.Bool("rules", c.Rules))
	s.notify(c)
}

// knownRules reports whether id was last seen with match rules. Unknown
// fragments are assumed to have them.
func (s *Store) knownRules(id string) bool {
	v, ok := s.rules.Load(id)
	if !ok {
		return true
	}
	return v.(bool)
}
