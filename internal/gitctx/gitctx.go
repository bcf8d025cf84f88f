// Package gitctx builds a detection context for a working directory from the
// enclosing git repository.
package gitctx

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	format "github.com/go-git/go-git/v5/plumbing/format/config"

	"github.com/fyrsmithlabs/gitprofile/internal/detect"
)

// Build inspects dir. Inside a repository the context carries the worktree
// root, the normalized remote URLs and a lookup over the merged system,
// global and local git configuration. Outside a repository Root is empty and
// lookups use the global configuration only.
func Build(dir string) (detect.Context, error) {
	path := detect.CanonicalPath(dir, "")
	dc := detect.Context{Path: path}

	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		cfg, err := config.LoadConfig(config.GlobalScope)
		if err != nil {
			return dc, fmt.Errorf("loading global git config: %w", err)
		}
		dc.Lookup = Lookup(cfg.Raw)
		return dc, nil
	}
	if err != nil {
		return dc, fmt.Errorf("opening repository at %s: %w", path, err)
	}

	if wt, err := repo.Worktree(); err == nil {
		dc.Root = detect.CanonicalPath(wt.Filesystem.Root(), "")
	} else {
		// Bare repositories have no worktree; key them by the opened path.
		dc.Root = path
	}

	remotes, err := repo.Remotes()
	if err != nil {
		return dc, fmt.Errorf("listing remotes: %w", err)
	}
	sort.Slice(remotes, func(i, j int) bool {
		return remotes[i].Config().Name < remotes[j].Config().Name
	})
	for _, r := range remotes {
		for _, u := range r.Config().URLs {
			dc.Remotes = append(dc.Remotes, detect.NormalizeRemote(u))
		}
	}

	cfg, err := repo.ConfigScoped(config.SystemScope)
	if err != nil {
		return dc, fmt.Errorf("loading git config: %w", err)
	}
	dc.Lookup = Lookup(cfg.Raw)
	return dc, nil
}

// Lookup returns a function resolving dotted git config keys such as
// "user.email" or "url.git@github.com:.insteadOf" against raw. Section and
// key names are case-insensitive; the last value of a multi-valued key wins.
func Lookup(raw *format.Config) func(key string) (string, bool) {
	return func(key string) (string, bool) {
		if raw == nil {
			return "", false
		}
		first := strings.Index(key, ".")
		last := strings.LastIndex(key, ".")
		if first <= 0 || last == len(key)-1 {
			return "", false
		}
		section, name := key[:first], key[last+1:]
		if !raw.HasSection(section) {
			return "", false
		}
		s := raw.Section(section)

		opts := s.Options
		if first != last {
			sub := key[first+1 : last]
			if !s.HasSubsection(sub) {
				return "", false
			}
			opts = s.Subsection(sub).Options
		}

		values := opts.GetAll(name)
		if len(values) == 0 {
			return "", false
		}
		return values[len(values)-1], true
	}
}
