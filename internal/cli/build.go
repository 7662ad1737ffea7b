package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/twin/internal/manifest"
	"github.com/roach88/twin/internal/splitter"
)

// BuildOptions holds flags for the build command.
type BuildOptions struct {
	*RootOptions
	Dir       string
	Manifest  string
	Targets   []string
	CheckOnly bool
	DryRun    bool
}

// BuildStep is one go build invocation.
type BuildStep struct {
	Target string   `json:"target"`
	Role   string   `json:"role"`
	Output string   `json:"output"`
	Args   []string `json:"args"`
	Env    []string `json:"env,omitempty"`
}

// Command renders the step as a shell line.
func (s BuildStep) Command() string {
	parts := append(slices.Clone(s.Env), "go")
	return strings.Join(append(parts, s.Args...), " ")
}

// BuildResult is the JSON data of the build command.
type BuildResult struct {
	Registrations int         `json:"registrations"`
	Steps         []BuildStep `json:"steps,omitempty"`
	DryRun        bool        `json:"dry_run,omitempty"`
}

// NewBuildCommand creates the build command.
func NewBuildCommand(root *RootOptions) *cobra.Command {
	opts := &BuildOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Check the client/server split and build every target",
		Long: `Check that server action handlers are excluded from client builds,
then run go build once per target of the CUE build manifest.

Without a manifest file, a server and a client target are built into
dist/.

Examples:
  twin build
  twin build --check-only
  twin build --target server --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", ".", "module directory to check and build")
	cmd.Flags().StringVar(&opts.Manifest, "manifest", "", "CUE build manifest (overrides manifest)")
	cmd.Flags().StringSliceVar(&opts.Targets, "target", nil, "only build these targets")
	cmd.Flags().BoolVar(&opts.CheckOnly, "check-only", false, "run the split check without building")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print the go build commands without running them")
	return cmd
}

// planBuild turns a manifest into go build steps, restricted to names
// when any are given.
func planBuild(m *manifest.Manifest, names []string) ([]BuildStep, error) {
	for _, name := range names {
		if _, ok := m.Target(name); !ok {
			return nil, fmt.Errorf("unknown target %q", name)
		}
	}

	var steps []BuildStep
	for _, t := range m.Targets {
		if len(names) > 0 && !slices.Contains(names, t.Name) {
			continue
		}
		steps = append(steps, BuildStep{
			Target: t.Name,
			Role:   string(t.Role),
			Output: t.Output,
			Args:   t.BuildArgs(m.Main),
			Env:    t.Env(),
		})
	}
	return steps, nil
}

// loadManifest reads path, falling back to the default manifest named
// after dir when the file does not exist.
func loadManifest(path, dir string) (*manifest.Manifest, error) {
	m, err := manifest.Load(path)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	abs, absErr := filepath.Abs(dir)
	if absErr != nil {
		return nil, absErr
	}
	return manifest.Default(filepath.Base(abs)), nil
}

func runBuild(cmd *cobra.Command, opts *BuildOptions) error {
	out := opts.formatter(cmd)
	ctx := cmd.Context()

	cfg, err := opts.loadConfig()
	if err != nil {
		out.Error(CodeConfig, err.Error(), nil)
		return err
	}

	out.VerboseLog("checking split in %s", opts.Dir)
	report, err := splitter.Check(ctx, splitter.Config{Dir: opts.Dir})
	if err != nil {
		out.Error(CodeSplit, err.Error(), nil)
		return WrapExitError(ExitCommandError, "split check could not run", err)
	}
	if !report.OK() {
		details := make([]string, len(report.Violations))
		for i, v := range report.Violations {
			details[i] = v.String()
		}
		out.Error(CodeSplit, report.Err().Error(), details)
		return WrapExitError(ExitFailure, "split check failed", report.Err())
	}

	result := BuildResult{Registrations: len(report.Registrations), DryRun: opts.DryRun}
	if opts.CheckOnly {
		return out.Success(result,
			fmt.Sprintf("split check passed: %d server action registration(s)", result.Registrations))
	}

	path := cfg.Manifest
	if opts.Manifest != "" {
		path = opts.Manifest
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(opts.Dir, path)
	}
	m, err := loadManifest(path, opts.Dir)
	if err != nil {
		out.Error(CodeBuild, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid manifest", err)
	}

	result.Steps, err = planBuild(m, opts.Targets)
	if err != nil {
		out.Error(CodeBuild, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid target", err)
	}

	lines := []string{fmt.Sprintf("split check passed: %d server action registration(s)", result.Registrations)}
	for _, step := range result.Steps {
		if opts.DryRun {
			lines = append(lines, step.Command())
			continue
		}
		out.VerboseLog("%s", step.Command())
		gocmd := exec.CommandContext(ctx, "go", step.Args...)
		gocmd.Dir = opts.Dir
		gocmd.Env = append(os.Environ(), step.Env...)
		gocmd.Stdout = cmd.ErrOrStderr()
		gocmd.Stderr = cmd.ErrOrStderr()
		if err := gocmd.Run(); err != nil {
			out.Error(CodeBuild, fmt.Sprintf("target %s: %v", step.Target, err), step.Args)
			return WrapExitError(ExitFailure, "build failed", err)
		}
		lines = append(lines, fmt.Sprintf("built %s (%s) -> %s", step.Target, step.Role, step.Output))
	}

	return out.Success(result, strings.Join(lines, "\n"))
}
