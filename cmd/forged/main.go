// Command forged runs the Forge overlay kernel and its operator tooling.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/config"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run executes the CLI with args and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}

type rootOptions struct {
	configPath string
	format     string
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "forged",
		Short:         "Forge overlay kernel",
		Long:          "forged hosts sandboxed overlays behind an event bus, a supervisor and a seven-phase pipeline.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !slices.Contains(validFormats, opts.format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.format, validFormats)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("FORGE_CONFIG"), "config file (.yaml, .yml or .toml)")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (json|text)")

	cmd.AddCommand(
		newServeCommand(opts),
		newValidateCommand(opts),
		newVersionCommand(opts),
		newHealthCommand(opts),
		newOverlaysCommand(opts),
		newDeadLettersCommand(opts),
	)
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.configPath)
}

// newLogger builds the process logger from log settings.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, hopts)
	} else {
		h = slog.NewJSONHandler(w, hopts)
	}
	return slog.New(h).With("service", "forged", "version", version)
}

func newVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"version": version, "commit": commit})
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "forged %s (%s)\n", version, commit)
			return err
		},
	}
}
