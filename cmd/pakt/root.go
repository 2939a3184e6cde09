package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arthur-debert/pakt/pkg/config"
	"github.com/arthur-debert/pakt/pkg/engine"
	"github.com/arthur-debert/pakt/pkg/errors"
	"github.com/arthur-debert/pakt/pkg/logging"
	"github.com/arthur-debert/pakt/pkg/policy"
)

// Build metadata, overridden at link time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Process exit codes: 0 success, 1 requested action failed, 2 fatal.
const (
	exitOK     = 0
	exitFailed = 1
	exitFatal  = 2
)

var (
	verbosity    int
	adminDirFlag string
	rootDirFlag  string
	forceSpec    string
	laxVersions  bool

	rootCmd = &cobra.Command{
		Use:   "pakt",
		Short: "A system package manager engine",
		Long: `pakt unpacks, configures, upgrades and removes binary packages,
maintaining a persistent database of package states and file ownership
and enforcing inter-package relationships.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetupLogger(verbosity)
			log.Debug().Str("command", cmd.Name()).Msg("Command started")
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v INFO, -vv DEBUG, -vvv TRACE)")
	pf.StringVar(&adminDirFlag, "admindir", "", "Use an alternative administrative directory")
	pf.StringVar(&rootDirFlag, "root", "", "Install packages under an alternative root directory")
	pf.StringVar(&forceSpec, "force", "", "Comma-separated force options (e.g. confold,overwrite)")
	pf.BoolVar(&laxVersions, "lax-version-parser", false, "Downgrade version syntax faults to warnings")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(unpackCmd)
	rootCmd.AddCommand(configureCmd)
	rootCmd.AddCommand(triggersOnlyCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listFilesCmd)
	rootCmd.AddCommand(compareVersionsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pakt version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

// buildPolicy resolves the force flags from the flag and environment.
func buildPolicy(cfg *config.Config) (*policy.Policy, error) {
	pol := policy.New()
	if cfg.Force != "" {
		if err := pol.Parse(cfg.Force); err != nil {
			return nil, err
		}
	}
	if forceSpec != "" {
		if err := pol.Parse(forceSpec); err != nil {
			return nil, err
		}
	}
	return pol, nil
}

// withEngine opens a session, installs the signal handler and runs fn,
// translating the outcome to a process exit code.
func withEngine(fn func(*engine.Engine) error) error {
	cfg, err := config.Load(adminDirFlag)
	if err != nil {
		return fatal(err)
	}
	if rootDirFlag != "" {
		cfg.Root = rootDirFlag
	}
	if laxVersions {
		cfg.LaxVersions = true
	}

	pol, err := buildPolicy(cfg)
	if err != nil {
		return fatal(err)
	}

	e, err := engine.Open(cfg.Paths(), pol, engine.Options{
		LaxVersions: cfg.LaxVersions,
		AbortAfter:  cfg.AbortAfter,
	})
	if err != nil {
		return fatal(err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		log.Warn().Str("signal", sig.String()).Msg("interrupt received, finishing current operation")
		e.RequestAbort()
	}()
	defer signal.Stop(sigc)

	opErr := fn(e)
	if cerr := e.Close(); cerr != nil && opErr == nil {
		opErr = cerr
	}
	if opErr != nil {
		log.Error().Err(opErr).Msg("operation failed")
		return exitError{code: exitFailed, err: opErr}
	}
	return nil
}

// exitError carries an exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }

func fatal(err error) error {
	return exitError{code: exitFatal, err: err}
}

// exitCode maps an Execute error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if ee, ok := err.(exitError); ok {
		// Internal invariant violations are always fatal.
		if errors.IsErrorCode(ee.err, errors.ErrInternal) {
			return exitFatal
		}
		return ee.code
	}
	return exitFatal
}
