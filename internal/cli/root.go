// Package cli implements the omr-scanner command line.
package cli

import (
	"fmt"
	"os"

	"omr-scanner/internal/config"
	"omr-scanner/internal/logging"
	"omr-scanner/internal/version"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	configPath string
	verbose    bool
	cfg        config.Config
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{cfg: config.Default()}

	root := &cobra.Command{
		Use:           "omr-scanner",
		Short:         "Read answers from scanned OMR answer sheets",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.SetLogger(logging.NewTextLogger(cmd.ErrOrStderr(), opts.verbose))
			if opts.configPath == "" {
				return nil
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			logging.For(logging.ComponentScanner).Debug("config loaded", "path", opts.configPath)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newScanCommand(opts),
		newAnchorsCommand(opts),
		newLayoutCommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
