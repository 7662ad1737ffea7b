package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/twin/internal/harness"
)

const scenarioDir = "../../testdata/scenarios"

func TestTest_DemoScenariosPass(t *testing.T) {
	stdout, _, err := execute(t, testEnv(), "test", scenarioDir)
	require.NoError(t, err)

	for _, name := range []string{"counter_shared", "prefs_per_client", "score_persists", "secrets_server_only"} {
		assert.Contains(t, stdout, "PASS "+name+" (")
	}
	assert.True(t, strings.HasSuffix(stdout, "4 passed, 0 failed, 4 total\n"), stdout)
}

func TestTest_VerboseShowsTrace(t *testing.T) {
	stdout, _, err := execute(t, testEnv(), "-v", "test", filepath.Join(scenarioDir, "counter_shared.yaml"))
	require.NoError(t, err)
	assert.Contains(t, stdout, "    | scenario counter_shared")
	assert.Contains(t, stdout, "    | #1 a invoke counter/increment {}")
}

func TestTest_FailuresExitNonZero(t *testing.T) {
	dir := t.TempDir()
	failing := filepath.Join(dir, "wrong.yaml")
	require.NoError(t, os.WriteFile(failing, []byte(`
name: wrong
clients: [a]
flow:
  - on: a
    invoke: counter/increment
    expect:
      result: 5
`), 0o644))
	missing := filepath.Join(dir, "missing.yaml")

	stdout, _, err := execute(t, testEnv(), "test", failing, missing)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, stdout, "FAIL wrong ("+failing+")")
	assert.Contains(t, stdout, "FAIL "+missing+"\n")
	assert.Contains(t, stdout, "failed to read scenario file")
	assert.Contains(t, stdout, "0 passed, 2 failed, 2 total")
}

func TestTest_JSONOutput(t *testing.T) {
	stdout, _, err := execute(t, testEnv(), "--format", "json", "test", scenarioDir)
	require.NoError(t, err)

	var resp struct {
		Status string          `json:"status"`
		Data   harness.Summary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 4, resp.Data.Total)
	assert.Equal(t, 4, resp.Data.Passed)
	assert.Len(t, resp.Data.Runs, 4)
}

func TestTest_JSONFailure(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")

	stdout, _, err := execute(t, testEnv(), "--format", "json", "test", missing)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeScenarios, resp.Error.Code)
	assert.Equal(t, "1 of 1 scenario(s) failed", resp.Error.Message)
}

func TestFormatSummary(t *testing.T) {
	s := &harness.Summary{
		Total:  2,
		Passed: 1,
		Failed: 1,
		Runs: []harness.Run{
			{Path: "a.yaml", Scenario: "a", Pass: true},
			{Path: "b.yaml", Scenario: "b", Pass: false},
		},
		Failures: []harness.Failure{
			{Path: "b.yaml", Scenario: "b", Errors: []string{"flow step 1: boom"}},
		},
	}

	assert.Equal(t,
		"PASS a (a.yaml)\n"+
			"FAIL b (b.yaml)\n"+
			"    flow step 1: boom\n"+
			"1 passed, 1 failed, 2 total",
		formatSummary(s, false))
}
