package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/twin/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Settle time.Duration
}

// NewTestCommand creates the test command.
func NewTestCommand(root *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "test <scenario.yaml|dir>...",
		Short: "Run scenarios against a server and in-process clients",
		Long: `Run YAML scenarios. Each scenario starts a fresh server and its named
clients in this process, drives them through its flow and checks its
assertions.

Directories are expanded to the *.yaml and *.yml files they contain.

Examples:
  twin test testdata/scenarios
  twin test counter.yaml score.yaml -v
  twin test testdata/scenarios --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(cmd, opts, args)
		},
	}

	cmd.Flags().DurationVar(&opts.Settle, "settle", harness.DefaultSettleTimeout,
		"how long state assertions wait for replicas to converge")
	return cmd
}

func runTest(cmd *cobra.Command, opts *TestOptions, args []string) error {
	out := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		out.Error(CodeConfig, err.Error(), nil)
		return err
	}
	logger := opts.logger(cmd, cfg.Log)

	paths, err := harness.ExpandPaths(args)
	if err != nil {
		out.Error(CodeScenarios, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	h := harness.New(harness.RegisterFunc(opts.register),
		harness.WithLogger(logger),
		harness.WithSettleTimeout(opts.Settle),
	)

	ctx, stop := signalContext(cmd)
	defer stop()

	summary, err := h.RunFiles(ctx, paths)
	if err != nil {
		out.Error(CodeScenarios, err.Error(), nil)
		return WrapExitError(ExitFailure, "scenario run interrupted", err)
	}

	if out.JSON() {
		if summary.OK() {
			out.Success(summary, "")
		} else {
			out.Error(CodeScenarios, fmt.Sprintf("%d of %d scenario(s) failed", summary.Failed, summary.Total), summary)
		}
	} else {
		out.Success(summary, formatSummary(summary, opts.Verbose))
	}

	if !summary.OK() {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", summary.Failed))
	}
	return nil
}

// formatSummary renders one PASS/FAIL line per file, the failure reasons
// and a totals line. Verbose adds each run's trace and final state.
func formatSummary(s *harness.Summary, verbose bool) string {
	var b strings.Builder

	failures := make(map[string]harness.Failure, len(s.Failures))
	for _, f := range s.Failures {
		failures[f.Path] = f
	}

	ran := make(map[string]bool, len(s.Runs))
	for _, r := range s.Runs {
		ran[r.Path] = true
		status := "PASS"
		if !r.Pass {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "%s %s (%s)\n", status, r.Scenario, r.Path)
		if f, ok := failures[r.Path]; ok {
			for _, e := range f.Errors {
				fmt.Fprintf(&b, "    %s\n", e)
			}
		}
		if verbose && r.Result != nil {
			for _, line := range strings.Split(strings.TrimRight(string(harness.Snapshot(r.Scenario, r.Result)), "\n"), "\n") {
				fmt.Fprintf(&b, "    | %s\n", line)
			}
		}
	}
	for _, f := range s.Failures {
		if ran[f.Path] {
			continue
		}
		fmt.Fprintf(&b, "FAIL %s\n", f.Path)
		for _, e := range f.Errors {
			fmt.Fprintf(&b, "    %s\n", e)
		}
	}

	fmt.Fprintf(&b, "%d passed, %d failed, %d total", s.Passed, s.Failed, s.Total)
	return b.String()
}
