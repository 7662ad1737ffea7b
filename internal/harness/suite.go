package harness

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
)

// Summary is the outcome of running a set of scenario files.
type Summary struct {
	Total    int       `json:"total"`
	Passed   int       `json:"passed"`
	Failed   int       `json:"failed"`
	Runs     []Run     `json:"runs"`
	Failures []Failure `json:"failures,omitempty"`
}

// Run is one scenario file that loaded and executed. Result is nil when
// the scenario could not start.
type Run struct {
	Path     string  `json:"path"`
	Scenario string  `json:"scenario"`
	Pass     bool    `json:"pass"`
	Result   *Result `json:"-"`
}

// Failure is one scenario file that did not pass.
type Failure struct {
	Path     string   `json:"path"`
	Scenario string   `json:"scenario,omitempty"`
	Errors   []string `json:"errors"`
}

// OK reports whether every scenario passed.
func (s *Summary) OK() bool { return s.Failed == 0 }

// ExpandPaths turns files and directories into a sorted list of scenario
// files. A directory contributes its *.yaml and *.yml entries.
func ExpandPaths(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, p := range paths {
		matches, err := scenarioFiles(p)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func scenarioFiles(p string) ([]string, error) {
	var out []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(p, pattern))
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", p, err)
		}
		out = append(out, matches...)
	}
	if len(out) > 0 {
		return out, nil
	}
	// Not a directory of scenarios: treat p as a file, so a missing path
	// fails at load time with a clear error.
	return []string{p}, nil
}

// RunFiles loads and runs every scenario file in order. Load and run
// failures are reported per file; RunFiles itself only fails when ctx
// ends.
func (h *Harness) RunFiles(ctx context.Context, paths []string) (*Summary, error) {
	summary := &Summary{}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Total++

		scenario, err := LoadScenario(path)
		if err != nil {
			summary.fail(Failure{Path: path, Errors: []string{err.Error()}})
			continue
		}

		result, err := h.Run(ctx, scenario)
		summary.Runs = append(summary.Runs, Run{
			Path:     path,
			Scenario: scenario.Name,
			Pass:     err == nil && result.Pass,
			Result:   result,
		})
		if err != nil {
			summary.fail(Failure{Path: path, Scenario: scenario.Name, Errors: []string{err.Error()}})
			continue
		}
		if !result.Pass {
			summary.fail(Failure{Path: path, Scenario: scenario.Name, Errors: result.Errors})
			continue
		}

		h.logger.Debug("scenario passed", "path", path, "scenario", scenario.Name)
		summary.Passed++
	}
	return summary, nil
}

func (s *Summary) fail(f Failure) {
	s.Failed++
	s.Failures = append(s.Failures, f)
}
