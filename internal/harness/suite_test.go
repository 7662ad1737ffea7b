package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPaths(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yml", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("name: x"), 0644))
	}
	single := filepath.Join(dir, "b.yaml")

	paths, err := ExpandPaths([]string{dir, single})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yml"), single}, paths)

	paths, err = ExpandPaths([]string{"/nonexistent/one.yaml"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/nonexistent/one.yaml"}, paths)
}

func TestRunFiles_ReportsEachFailure(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	failing := filepath.Join(dir, "failing.yaml")
	broken := filepath.Join(dir, "broken.yaml")

	require.NoError(t, os.WriteFile(good, []byte(`
name: good
flow:
  - invoke: tally/add
    args: {n: 1}
    expect:
      result: 1
`), 0644))
	require.NoError(t, os.WriteFile(failing, []byte(`
name: failing
flow:
  - invoke: tally/add
    args: {n: 1}
    expect:
      result: 2
`), 0644))
	require.NoError(t, os.WriteFile(broken, []byte("name: [\n"), 0644))

	summary, err := New(registerTally).RunFiles(context.Background(), []string{good, failing, broken})
	require.NoError(t, err)

	assert.False(t, summary.OK())
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, 2, summary.Failed)
	require.Len(t, summary.Failures, 2)
	assert.Equal(t, "failing", summary.Failures[0].Scenario)
	assert.Contains(t, summary.Failures[0].Errors[0], "expected result 2, got 1")
	assert.Equal(t, broken, summary.Failures[1].Path)
	assert.Contains(t, summary.Failures[1].Errors[0], "failed to parse YAML")
}

func TestRunFiles_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := New(registerTally).RunFiles(ctx, []string{"unused.yaml"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, summary.Total)
}

func TestRunFiles_RecordsRuns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "one.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: one\nflow:\n  - invoke: tally/add\n    args: {n: 4}\n"), 0644))

	summary, err := New(registerTally).RunFiles(context.Background(), []string{path})
	require.NoError(t, err)
	require.Len(t, summary.Runs, 1)
	run := summary.Runs[0]
	assert.Equal(t, "one", run.Scenario)
	assert.True(t, run.Pass)
	require.NotNil(t, run.Result)
	assert.Equal(t, "scenario one\n#1 server invoke tally/add {\"n\":4}\n#2 server result 4\nstate server tally/total 4\n",
		string(Snapshot(run.Scenario, run.Result)))
}
