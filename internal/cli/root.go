// Package cli implements the twin command line: running a server in dev
// or production mode, calling actions as a client, inspecting the store,
// checking and building split targets, and running scenarios.
package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/twin/internal/config"
	"github.com/roach88/twin/internal/engine"
)

// RegisterFunc adds the application's modules to a registry. Every
// command that starts an engine calls it on a fresh registry.
type RegisterFunc func(reg *engine.Registry) error

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string
	EnvFile    string

	register RegisterFunc
	environ  map[string]string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the twin command for the application that
// register describes.
func NewRootCommand(register RegisterFunc) *cobra.Command {
	return newRootCommand(&RootOptions{register: register})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "twin",
		Short: "twin - one codebase, server and client",
		Long: `twin runs applications whose modules declare state and actions once
and execute them on both the server and every client.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output and debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (default twin.yaml if present)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "dotenv file (default .env if present)")

	cmd.AddCommand(NewDevCommand(opts))
	cmd.AddCommand(NewStartCommand(opts))
	cmd.AddCommand(NewCallCommand(opts))
	cmd.AddCommand(NewStateCommand(opts))
	cmd.AddCommand(NewBuildCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// loadConfig resolves configuration from files and the environment.
// --verbose forces debug logging.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(config.Options{
		File:    o.ConfigFile,
		EnvFile: o.EnvFile,
		Environ: o.environ,
	})
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// logger builds the command's logger. Logs go to stderr so stdout carries
// only command output.
func (o *RootOptions) logger(cmd *cobra.Command, lc config.LogConfig) *slog.Logger {
	return lc.NewLogger(cmd.ErrOrStderr())
}
