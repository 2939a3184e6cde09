package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arthur-debert/pakt/pkg/engine"
	pkgversion "github.com/arthur-debert/pakt/pkg/version"
)

var installCmd = &cobra.Command{
	Use:   "install <archive>...",
	Short: "Unpack and configure package archives",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine.Engine) error {
			return e.InstallArchives(args, true)
		})
	},
}

var unpackCmd = &cobra.Command{
	Use:   "unpack <archive>...",
	Short: "Unpack package archives without configuring them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine.Engine) error {
			return e.Unpack(args)
		})
	},
}

var configurePending bool

var configureCmd = &cobra.Command{
	Use:   "configure <package>... | --pending",
	Short: "Configure unpacked packages",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !configurePending && len(args) == 0 {
			return fmt.Errorf("configure needs package names or --pending")
		}
		return withEngine(func(e *engine.Engine) error {
			if configurePending {
				return e.ConfigurePending()
			}
			return e.Configure(args)
		})
	},
}

var triggersOnlyCmd = &cobra.Command{
	Use:   "triggers-only",
	Short: "Process pending triggers without other work",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine.Engine) error {
			return e.TriggersOnly()
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <package>...",
	Short: "Remove packages, keeping their configuration files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine.Engine) error {
			return e.Remove(args, false)
		})
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <package>...",
	Short: "Remove packages including their configuration files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine.Engine) error {
			return e.Remove(args, true)
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Report packages left in broken states",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine.Engine) error {
			problems := e.Audit()
			if len(problems) == 0 {
				return nil
			}
			for _, p := range problems {
				fmt.Fprintf(os.Stdout, "%-30s %s\n", p.Pkg.DisplayName(), p.Reason)
			}
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <package>...",
	Short: "Print the status records of installed packages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine.Engine) error {
			return e.WriteStatusReport(os.Stdout, args)
		})
	},
}

var listFilesCmd = &cobra.Command{
	Use:   "list-files <package>...",
	Short: "Print the files owned by installed packages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine.Engine) error {
			return e.WriteFileList(os.Stdout, args)
		})
	},
}

var compareVersionsCmd = &cobra.Command{
	Use:   "compare-versions <version> <operator> <version>",
	Short: "Compare two version strings; exits 0 when the relation holds",
	Long: `Compare two version strings. Supported operators: lt le eq ne ge gt
(treating an empty version as earlier than any), and << <= = >= >>.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		holds, err := compareVersions(args[0], args[1], args[2])
		if err != nil {
			return fatal(err)
		}
		if !holds {
			return exitError{code: exitFailed, err: fmt.Errorf("relation does not hold")}
		}
		return nil
	},
}

// compareVersions implements the relation operator set, including the
// deprecated aliases that treat the empty string as the earliest
// version.
func compareVersions(a, op, b string) (bool, error) {
	parse := func(s string) (pkgversion.Version, error) {
		if s == "" {
			return pkgversion.Version{}, nil
		}
		v, err := pkgversion.Parse(s)
		if err != nil {
			if pe, ok := err.(*pkgversion.ParseError); ok && pe.Warning {
				return v, nil
			}
			return v, err
		}
		return v, nil
	}
	va, err := parse(a)
	if err != nil {
		return false, err
	}
	vb, err := parse(b)
	if err != nil {
		return false, err
	}

	// The empty version sorts before everything.
	cmp := 0
	switch {
	case va.Empty() && vb.Empty():
		cmp = 0
	case va.Empty():
		cmp = -1
	case vb.Empty():
		cmp = 1
	default:
		cmp = pkgversion.Compare(va, vb)
	}

	switch op {
	case "lt", "lt-nl", "<<":
		return cmp < 0, nil
	case "le", "le-nl", "<=", "<":
		return cmp <= 0, nil
	case "eq", "=":
		return cmp == 0, nil
	case "ne":
		return cmp != 0, nil
	case "ge", "ge-nl", ">=", ">":
		return cmp >= 0, nil
	case "gt", "gt-nl", ">>":
		return cmp > 0, nil
	}
	return false, fmt.Errorf("unknown version relation operator %q", op)
}

func init() {
	configureCmd.Flags().BoolVarP(&configurePending, "pending", "a", false, "Configure every package that is unpacked but not configured")
}
