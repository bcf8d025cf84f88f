package detect

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/fyrsmithlabs/gitprofile/internal/profile"
)

// scpLike matches the user@host:path form of an SSH remote.
var scpLike = regexp.MustCompile(`^([^@/]+)@([^:/]+):(.+)$`)

// NormalizeRemote reduces a remote URL to host/path: the protocol prefix
// and any user@ part are stripped, scp-like SSH remotes are rewritten and a
// trailing ".git" or "/" is removed.
//
//	https://github.com/org/app.git  -> github.com/org/app
//	git@github.com:org/app.git      -> github.com/org/app
//	ssh://git@github.com/org/app    -> github.com/org/app
func NormalizeRemote(raw string) string {
	u := strings.TrimSpace(raw)
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
		if at := strings.Index(u, "@"); at >= 0 {
			if slash := strings.Index(u, "/"); slash < 0 || at < slash {
				u = u[at+1:]
			}
		}
	} else if m := scpLike.FindStringSubmatch(u); m != nil {
		u = m[2] + "/" + strings.TrimPrefix(m[3], "/")
	}
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	return u
}

// CanonicalPath expands a leading "~", makes the path absolute, resolves
// symlinks when the path exists, and uses forward slashes.
func CanonicalPath(p, home string) string {
	if p == "" {
		return ""
	}
	p = ExpandHome(p, home)
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return filepath.ToSlash(filepath.Clean(p))
}

// ExpandHome replaces a leading "~" with home. An empty home falls back to
// the current user's home directory.
func ExpandHome(p, home string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		home = h
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// CompilePattern compiles the glob of a matcher variant. Remote globs treat
// '*' as crossing '/', path globs use '/' as separator so that '**' is
// needed to cross segments, and directory globs match a single name.
func CompilePattern(kind profile.MatcherKind, pattern string) (glob.Glob, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	switch kind {
	case profile.MatchRemote:
		return glob.Compile(NormalizeRemote(pattern))
	case profile.MatchPath:
		return glob.Compile(pattern, '/')
	case profile.MatchDir:
		return glob.Compile(pattern)
	default:
		return nil, fmt.Errorf("%s matchers have no pattern", kind)
	}
}

// patternCache memoizes compiled globs. Patterns come from a small set of
// stored rules, so the map stays bounded by the rule set.
type patternCache struct {
	home  string
	globs sync.Map // key -> glob.Glob
}

func (c *patternCache) get(kind profile.MatcherKind, pattern string) (glob.Glob, error) {
	key := kind.String() + "\x00" + pattern
	if g, ok := c.globs.Load(key); ok {
		return g.(glob.Glob), nil
	}
	p := pattern
	if kind == profile.MatchPath {
		p = filepath.ToSlash(ExpandHome(pattern, c.home))
	}
	g, err := CompilePattern(kind, p)
	if err != nil {
		return nil, err
	}
	c.globs.Store(key, g)
	return g, nil
}
