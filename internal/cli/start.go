package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/twin/internal/config"
)

// artifactWaitDelay bounds how long a SIGTERMed artifact may take to exit.
const artifactWaitDelay = 10 * time.Second

// StartOptions holds flags for the start command.
type StartOptions struct {
	ServeOptions
	Artifact string
}

// NewStartCommand creates the start command.
func NewStartCommand(root *RootOptions) *cobra.Command {
	opts := &StartOptions{ServeOptions: ServeOptions{RootOptions: root}}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the application server in production mode",
		Long: `Run the application server with JSON logs.

With --artifact, exec a server binary produced by "twin build" instead,
forwarding the config flags and signals to it.

Examples:
  twin start
  twin start --addr :443 --store redis
  twin start --artifact bin/server`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Artifact != "" {
				return runArtifact(cmd, opts)
			}
			return runStart(cmd, opts)
		},
	}

	addServeFlags(cmd, &opts.ServeOptions)
	cmd.Flags().StringVar(&opts.Artifact, "artifact", "", "server binary to exec instead of serving in-process")
	return cmd
}

func runStart(cmd *cobra.Command, opts *StartOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	cfg.Log.Format = config.FormatJSON
	if err := opts.apply(&cfg); err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()
	return runServer(ctx, cfg, opts.logger(cmd, cfg.Log), opts.register)
}

// artifactArgs forwards the flags the artifact's own start command
// understands.
func (o *StartOptions) artifactArgs() []string {
	args := []string{"start"}
	if o.ConfigFile != "" {
		args = append(args, "--config", o.ConfigFile)
	}
	if o.EnvFile != "" {
		args = append(args, "--env-file", o.EnvFile)
	}
	if o.Verbose {
		args = append(args, "--verbose")
	}
	if o.Addr != "" {
		args = append(args, "--addr", o.Addr)
	}
	if o.Store != "" {
		args = append(args, "--store", o.Store)
	}
	return args
}

func runArtifact(cmd *cobra.Command, opts *StartOptions) error {
	if _, err := os.Stat(opts.Artifact); err != nil {
		return WrapExitError(ExitCommandError, "artifact not found", err)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	child := exec.CommandContext(ctx, opts.Artifact, opts.artifactArgs()...)
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	child.Env = os.Environ()
	child.Cancel = func() error {
		return child.Process.Signal(syscall.SIGTERM)
	}
	child.WaitDelay = artifactWaitDelay

	if err := child.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return WrapExitError(exitErr.ExitCode(), fmt.Sprintf("artifact %s exited", opts.Artifact), err)
		}
		if ctx.Err() != nil {
			return nil
		}
		return WrapExitError(ExitFailure, "failed to run artifact", err)
	}
	return nil
}
