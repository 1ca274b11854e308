// Package cli implements relayctl, the operator command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/conversion-relay/internal/config"
	"github.com/tjfontaine/conversion-relay/internal/runtime"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for relayctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "relayctl",
		Short: "Operate a conversion relay",
		Long:  "Inspect sessions, run expiry sweeps and mint API keys for the conversion relay.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", config.DefaultPath, "path to config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log relay internals to stderr")

	cmd.AddCommand(NewKeygenCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewSessionCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// openRelay builds a relay from the configured file without starting its
// server. Callers must Shutdown it, which also drains any delivery started.
func openRelay(opts *RootOptions, cmd *cobra.Command) (*runtime.Relay, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	logOut := io.Discard
	if opts.Verbose {
		logOut = cmd.ErrOrStderr()
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	return runtime.New(runtime.WithConfig(cfg), runtime.WithLogger(logger))
}

func closeRelay(r *runtime.Relay, err *error) {
	if cerr := r.Shutdown(context.Background()); cerr != nil && *err == nil {
		*err = cerr
	}
}

// writeResult prints v as indented JSON in json mode, otherwise calls text.
func writeResult(opts *RootOptions, w io.Writer, v any, text func(io.Writer)) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
