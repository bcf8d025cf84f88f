package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForChange(t *testing.T, ch <-chan Change, id string, op Op) Change {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-ch:
			if c.ID == id && c.Op == op && c.External {
				return c
			}
		case <-timeout:
			t.Fatalf("no external %s change for %q", op, id)
			return Change{}
		}
	}
}

func TestStore_WatchExternalEdits(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Change, 64)
	s.OnChange(func(c Change) {
		select {
		case changes <- c:
		default:
		}
	})
	require.NoError(t, s.Watch(ctx))

	path := filepath.Join(s.Dir(), "hand.toml")
	require.NoError(t, os.WriteFile(path, []byte("[identity]\nname = \"Hand\"\n"), 0o600))
	c := waitForChange(t, changes, "hand", OpSave)
	assert.True(t, c.Rules, "unknown fragments are treated as rule changes")

	require.NoError(t, os.Remove(path))
	waitForChange(t, changes, "hand", OpDelete)
}

func TestStore_WatchIgnoresForeignFiles(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Change, 64)
	s.OnChange(func(c Change) { changes <- c })
	require.NoError(t, s.Watch(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "README.md"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), ".swap.toml"), []byte("x"), 0o600))

	select {
	case c := <-changes:
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStore_WatchMissingDir(t *testing.T) {
	s := newTestStore(t, Config{})
	require.NoError(t, os.RemoveAll(s.Dir()))

	err := s.Watch(context.Background())
	assert.Error(t, err)
}
