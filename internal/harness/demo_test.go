package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/twin/internal/demo"
)

const scenarioDir = "../../testdata/scenarios"

// TestDemoScenarios runs the canonical demo scenarios end to end and
// compares each trace with its golden file.
func TestDemoScenarios(t *testing.T) {
	tests := []string{
		"counter_shared",
		"secrets_server_only",
		"score_persists",
		"prefs_per_client",
	}

	h := New(demo.Register)
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(filepath.Join(scenarioDir, name+".yaml"))
			require.NoError(t, err)
			assert.Equal(t, name, scenario.Name)
			assert.NotEmpty(t, scenario.Description)

			RunWithGolden(t, h, scenario)
		})
	}
}

func TestRunFiles_DemoDirectory(t *testing.T) {
	paths, err := ExpandPaths([]string{scenarioDir})
	require.NoError(t, err)
	require.Len(t, paths, 4)

	summary, err := New(demo.Register).RunFiles(context.Background(), paths)
	require.NoError(t, err)
	assert.True(t, summary.OK(), "failures: %+v", summary.Failures)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 4, summary.Passed)
}
