package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/twin/internal/config"
)

// NewDevCommand creates the dev command.
func NewDevCommand(root *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run the application server with console logging",
		Long: `Run the application server over WebSocket for local development.

Logs are colorized and at debug level. Send SIGHUP to reload the
configuration and restart the server; connected clients reconnect on
their own.

Examples:
  twin dev
  twin dev --addr :9000 --store memory`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDev(cmd, opts)
		},
	}

	addServeFlags(cmd, opts)
	return cmd
}

func (o *ServeOptions) devConfig() (config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return config.Config{}, err
	}
	cfg.Log.Format = config.FormatTint
	cfg.Log.Level = "debug"
	return cfg, o.apply(&cfg)
}

func runDev(cmd *cobra.Command, opts *ServeOptions) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		cfg, err := opts.devConfig()
		if err != nil {
			return err
		}
		logger := opts.logger(cmd, cfg.Log)

		reload, err := serveUntilHangup(ctx, hup, cfg, logger, opts.register)
		if err != nil || !reload {
			return err
		}
		logger.Info("reloading configuration")
	}
}

// serveUntilHangup runs the server until ctx ends or hup fires. It
// reports whether the server stopped for a reload.
func serveUntilHangup(ctx context.Context, hup <-chan os.Signal, cfg config.Config, logger *slog.Logger, register RegisterFunc) (bool, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reload := make(chan bool, 1)
	go func() {
		select {
		case <-hup:
			reload <- true
			cancel()
		case <-runCtx.Done():
			reload <- false
		}
	}()

	err := runServer(runCtx, cfg, logger, register)
	cancel()
	reloaded := <-reload
	if err != nil {
		return false, err
	}
	return reloaded && ctx.Err() == nil, nil
}
