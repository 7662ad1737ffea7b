package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/twin/internal/config"
	"github.com/roach88/twin/internal/engine"
	"github.com/roach88/twin/internal/store"
	"github.com/roach88/twin/internal/transport/ws"
	"github.com/roach88/twin/internal/value"
)

// CallOptions holds flags for the call command.
type CallOptions struct {
	*RootOptions
	URL  string
	Args string
}

// CallResult is the JSON data of a successful call.
type CallResult struct {
	Action  string      `json:"action"`
	Session string      `json:"session"`
	Result  value.Value `json:"result"`
}

// NewCallCommand creates the call command.
func NewCallCommand(root *RootOptions) *cobra.Command {
	opts := &CallOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "call <action> [json-args]",
		Short: "Connect as a client and invoke an action",
		Long: `Start a client engine, connect to the server, invoke one action and
print its result.

Server actions run remotely; client actions run in this process.
Arguments are a JSON object, given positionally or with --args.

Examples:
  twin call counter/increment
  twin call counter/increment '{"by": 2}'
  twin call game/win --args '{"player": "X"}' --format json`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := opts.Args
			if len(args) == 2 {
				raw = args[1]
			}
			return runCall(cmd, opts, args[0], raw)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "server WebSocket URL (overrides client.url)")
	cmd.Flags().StringVar(&opts.Args, "args", "", "action arguments as a JSON object")
	return cmd
}

// parseArgs decodes raw into an action argument object. Empty means {}.
func parseArgs(raw string) (value.Object, error) {
	if raw == "" {
		return value.Object{}, nil
	}
	v, err := value.Parse([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}
	obj, ok := v.(value.Object)
	if !ok {
		return nil, fmt.Errorf("invalid args: must be a JSON object, got %s", value.Kind(v))
	}
	return obj, nil
}

// openClientStore opens the client's KV: SQLite at path, or memory when
// path is empty.
func openClientStore(path string) (store.KV, func() error, error) {
	if path == "" {
		return store.NewMemory(), func() error { return nil }, nil
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return db, db.Close, nil
}

func runCall(cmd *cobra.Command, opts *CallOptions, name, rawArgs string) error {
	out := opts.formatter(cmd)

	args, err := parseArgs(rawArgs)
	if err != nil {
		out.Error(CodeAction, err.Error(), nil)
		return WrapExitError(ExitCommandError, "bad arguments", err)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		out.Error(CodeConfig, err.Error(), nil)
		return err
	}
	if opts.URL != "" {
		cfg.Client.URL = opts.URL
	}
	logger := opts.logger(cmd, cfg.Log)

	ctx, stop := signalContext(cmd)
	defer stop()

	eng, closeKV, err := startClient(ctx, cfg, opts.register, logger)
	if err != nil {
		out.Error(CodeConnect, err.Error(), map[string]string{"url": cfg.Client.URL})
		return err
	}
	defer func() {
		eng.Close()
		closeKV()
	}()

	out.VerboseLog("connected to %s as %s", cfg.Client.URL, eng.Session().ID)

	action, err := eng.Action(name)
	if err != nil {
		out.Error(CodeAction, err.Error(), map[string]any{"available": eng.Actions()})
		return WrapExitError(ExitCommandError, "unknown action", err)
	}
	result, err := action.Invoke(ctx, args)
	if err != nil {
		out.Error(CodeAction, err.Error(), nil)
		return WrapExitError(ExitFailure, "action failed", err)
	}

	text, err := value.MarshalCanonical(result)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to encode result", err)
	}
	return out.Success(CallResult{
		Action:  name,
		Session: eng.Session().ID,
		Result:  result,
	}, string(text))
}

// startClient builds and initializes a client engine against
// cfg.Client.URL. Reconnect is off: a one-shot call should fail fast.
func startClient(ctx context.Context, cfg config.Config, register RegisterFunc, logger *slog.Logger) (*engine.Engine, func() error, error) {
	reg := engine.NewRegistry()
	if err := register(reg); err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to register modules", err)
	}

	kv, closeKV, err := openClientStore(cfg.Client.StorePath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open client store", err)
	}

	client := ws.NewClient(cfg.Client.URL,
		ws.WithClientLogger(logger),
		ws.WithClientCallTimeout(cfg.Client.CallTimeout),
		ws.WithDialTimeout(cfg.Client.DialTimeout),
		ws.WithoutReconnect(),
	)
	eng := engine.New(reg, client, kv, engine.WithLogger(logger))
	if err := eng.Initialize(ctx); err != nil {
		eng.Close()
		closeKV()
		return nil, nil, WrapExitError(ExitCommandError, "failed to connect", err)
	}
	return eng, closeKV, nil
}
