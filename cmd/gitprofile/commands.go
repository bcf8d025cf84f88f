package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/gitprofile/internal/codec"
	"github.com/fyrsmithlabs/gitprofile/internal/config"
	"github.com/fyrsmithlabs/gitprofile/internal/profile"
	"github.com/fyrsmithlabs/gitprofile/internal/store"
)

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := a.engine.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(a.out, id)
			}
			return nil
		},
	}
}

func (a *app) showCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a stored profile without inheritance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := codec.ParseFormat(output)
			if err != nil {
				return err
			}
			f, err := a.engine.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data, err := codec.Encode(format, f)
			if err != nil {
				return err
			}
			_, err = a.out.Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "toml", "output format (toml, yaml, json)")
	return cmd
}

func (a *app) resolveCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Print a profile merged with its ancestors",
		Long: `Resolve merges a profile with every profile it extends and validates the
result. Each field is printed with the profile that supplied it.

Examples:
  # Show the effective configuration of the "work" profile
  gitprofile resolve work

  # Machine-readable output
  gitprofile resolve work --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, warnings, err := a.engine.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.printIssues("warning", warnings)
			return a.printResolved(res, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *app) detectCmd() *cobra.Command {
	var (
		doResolve bool
		asJSON    bool
		stats     bool
	)
	cmd := &cobra.Command{
		Use:   "detect [dir]",
		Short: "Print the profile that applies to a directory",
		Long: `Detect evaluates the match rules of every profile against the git
repository containing dir (default: the current directory) and prints the
identifier of the winning profile. Exits with status 1 when nothing matches.

Examples:
  # Which profile applies here?
  gitprofile detect

  # Detect and print the effective configuration
  gitprofile detect ~/src/api --resolve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			id, ok, err := a.engine.DetectDir(cmd.Context(), dir)
			if stats {
				defer a.printStats()
			}
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(a.errOut, "no profile matches")
				return errNoMatch
			}
			if !doResolve {
				fmt.Fprintln(a.out, id)
				return nil
			}
			res, warnings, err := a.engine.Resolve(cmd.Context(), id)
			if err != nil {
				return err
			}
			a.printIssues("warning", warnings)
			return a.printResolved(res, asJSON)
		},
	}
	cmd.Flags().BoolVar(&doResolve, "resolve", false, "print the resolved configuration of the detected profile")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON (with --resolve)")
	cmd.Flags().BoolVar(&stats, "stats", false, "print detection metrics to stderr")
	return cmd
}

func (a *app) validateCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "validate <id|file>",
		Short: "Check a stored profile or a profile file",
		Long: `Validate runs every check on a profile and prints all errors and warnings.
The argument is a stored profile identifier or the path of a .toml, .yaml or
.json file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.fragmentArg(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			res := a.engine.Validate(cmd.Context(), f)
			a.printIssues("error", res.Errors)
			a.printIssues("warning", res.Warnings)
			if !res.OK() {
				return res.Err(f.ID)
			}
			fmt.Fprintf(a.out, "%s: ok\n", f.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "identifier for a profile read from a file (default: file name)")
	return cmd
}

func (a *app) importCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Validate a profile file and add it to the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := readFragmentFile(args[0], id)
			if err != nil {
				return err
			}
			if err := a.engine.Save(cmd.Context(), f); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "saved %s\n", f.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "identifier to store the profile under (default: file name)")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Move a profile to the trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "deleted %s (recoverable from %s)\n", args[0], a.engine.Store().TrashDir())
			return nil
		},
	}
}

func (a *app) trashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trash",
		Short: "List deleted profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, err := a.engine.Store().Trash()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(a.out, filepath.Join(a.engine.Store().TrashDir(), n))
			}
			return nil
		},
	}
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Report profile changes made on disk until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.engine.Store().OnChange(func(c store.Change) {
				fmt.Fprintf(a.out, "%s %s\n", c.Op, c.ID)
			})
			if err := a.engine.Watch(ctx); err != nil {
				return err
			}
			fmt.Fprintf(a.errOut, "watching %s\n", a.engine.Store().Dir())
			<-ctx.Done()
			return nil
		},
	}
}

func (a *app) initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the default settings",
		Args:  cobra.NoArgs,
		// Runs without loading configuration so a broken file can be replaced.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.WriteDefault(force)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration file")
	return cmd
}

// fragmentArg loads arg from the store, or from disk when it names a file.
func (a *app) fragmentArg(ctx context.Context, arg, id string) (*profile.Fragment, error) {
	if _, ok := codec.FormatForExt(filepath.Ext(arg)); ok {
		if _, err := os.Stat(arg); err == nil {
			return readFragmentFile(arg, id)
		}
	}
	return a.engine.Load(ctx, arg)
}

// readFragmentFile decodes a profile file. The identifier defaults to the
// file name without extension.
func readFragmentFile(path, id string) (*profile.Fragment, error) {
	ext := filepath.Ext(path)
	format, ok := codec.FormatForExt(ext)
	if !ok {
		return nil, fmt.Errorf("%s: unsupported file extension %q", path, ext)
	}
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), ext)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &profile.StorageError{Op: "read", Path: path, Err: err}
	}
	f, err := codec.Decode(format, id, data)
	if err != nil {
		return nil, &profile.ParseError{ID: id, Path: path, Err: err}
	}
	return f, nil
}

func (a *app) printIssues(label string, issues []profile.Issue) {
	for _, is := range issues {
		fmt.Fprintf(a.errOut, "%s: %s\n", label, is)
	}
}

func (a *app) printResolved(res *profile.Resolved, asJSON bool) error {
	if asJSON {
		data, err := res.JSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, string(data))
		return nil
	}

	fmt.Fprintf(a.out, "# %s\n", strings.Join(res.Chain, " -> "))
	for _, path := range res.Fields() {
		v, _ := res.Get(path)
		fmt.Fprintf(a.out, "%s = %v\t(%s)\n", path, v, res.Source(path))
	}
	for i, rule := range res.Rules {
		clauses := make([]string, len(rule.Matchers))
		for j, m := range rule.Matchers {
			clauses[j] = m.String()
		}
		fmt.Fprintf(a.out, "match[%d] priority=%d %s\n", i, rule.Priority, strings.Join(clauses, " && "))
	}
	return nil
}

// printStats writes the gitprofile_* counters gathered in this process.
func (a *app) printStats() {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return
	}
	var lines []string
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "gitprofile_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case m.GetCounter() != nil:
				lines = append(lines, fmt.Sprintf("%s %g", name, m.GetCounter().GetValue()))
			case m.GetHistogram() != nil:
				lines = append(lines, fmt.Sprintf("%s_count %d", name, m.GetHistogram().GetSampleCount()))
			}
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Fprintln(a.errOut, l)
	}
}
