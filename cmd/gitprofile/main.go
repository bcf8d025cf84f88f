// Package main implements the gitprofile CLI: a thin front-end over the
// profile engine for listing, resolving, validating and detecting profiles.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/gitprofile/internal/config"
	"github.com/fyrsmithlabs/gitprofile/internal/engine"
	"github.com/fyrsmithlabs/gitprofile/internal/logging"
	"github.com/fyrsmithlabs/gitprofile/internal/profile"
)

// version information
var version = "dev"

// errNoMatch reports that detection found no profile. It is not rendered.
var errNoMatch = errors.New("no profile matches")

// app holds state shared by the subcommands of one invocation.
type app struct {
	configPath string
	logLevel   string

	out    io.Writer
	errOut io.Writer

	cfg    *config.Config
	logger *zap.Logger
	engine *engine.Engine
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(args []string, out, errOut io.Writer) int {
	a := &app{out: out, errOut: errOut}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.Execute()
	a.close()
	if err == nil {
		return 0
	}
	if errors.Is(err, errNoMatch) {
		return 1
	}
	renderError(errOut, err)
	return exitCode(err)
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gitprofile",
		Short: "Manage and auto-detect git identity profiles",
		Long: `gitprofile stores named git identity profiles, merges them along their
'extends' chain, and picks the profile that applies to a repository from
prioritized match rules.

Profiles live in ~/.config/gitprofile/profiles as TOML, YAML or JSON files.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.config/gitprofile/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")

	root.AddCommand(
		a.listCmd(),
		a.showCmd(),
		a.resolveCmd(),
		a.detectCmd(),
		a.validateCmd(),
		a.importCmd(),
		a.deleteCmd(),
		a.trashCmd(),
		a.watchCmd(),
		a.initCmd(),
	)
	return root
}

// setup loads configuration and builds the engine before any subcommand.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWithFile(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}

	logCfg, err := logging.FromStrings(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	logger, err := logging.NewLoggerTo(logCfg, zapcore.AddSync(a.errOut))
	if err != nil {
		return err
	}

	e, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	a.cfg, a.logger, a.engine = cfg, logger, e
	return nil
}

func (a *app) close() {
	if a.engine != nil {
		_ = a.engine.Close()
	}
	if a.logger != nil {
		_ = logging.Sync(a.logger)
	}
}

// renderError prints err with the stable template of its kind.
func renderError(w io.Writer, err error) {
	kind, message, suggestion := profile.Describe(err)
	fmt.Fprintf(w, "error[%s]: %s\n", kind.Code(), message)

	var ve *profile.ValidationError
	if errors.As(err, &ve) {
		for _, is := range ve.Issues {
			fmt.Fprintf(w, "  - %s\n", is)
		}
	}
	if suggestion != "" {
		fmt.Fprintf(w, "hint: %s\n", suggestion)
	}
}

// exitCode maps error kinds to distinct process exit codes.
func exitCode(err error) int {
	switch profile.KindOf(err) {
	case profile.KindNotFound:
		return 3
	case profile.KindValidationFailed:
		return 4
	case profile.KindCycleDetected, profile.KindDepthExceeded:
		return 5
	case profile.KindParse:
		return 6
	case profile.KindStorage:
		return 7
	default:
		return 2
	}
}
