package engine

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/twin/internal/store"
	"github.com/roach88/twin/internal/transport/pipe"
)

func TestDependencyCycles(t *testing.T) {
	tests := []struct {
		name    string
		modules []struct {
			id   string
			deps []string
		}
		want [][]string
	}{
		{
			name: "acyclic",
			modules: []struct {
				id   string
				deps []string
			}{{"counter", nil}, {"game", []string{"counter"}}, {"prefs", nil}},
			want: nil,
		},
		{
			name: "two modules",
			modules: []struct {
				id   string
				deps []string
			}{{"game", []string{"counter"}}, {"counter", []string{"game"}}},
			want: [][]string{{"game", "counter", "game"}},
		},
		{
			name: "self dependency",
			modules: []struct {
				id   string
				deps []string
			}{{"a", nil}, {"loop", []string{"loop"}}},
			want: [][]string{{"loop", "loop"}},
		},
		{
			name: "two separate cycles",
			modules: []struct {
				id   string
				deps []string
			}{
				{"x", []string{"z"}},
				{"y", []string{"x"}},
				{"z", []string{"y"}},
				{"p", []string{"q"}},
				{"q", []string{"p", "x"}},
			},
			want: [][]string{{"x", "z", "y", "x"}, {"p", "q", "p"}},
		},
		{
			name: "unregistered dependency is not a cycle",
			modules: []struct {
				id   string
				deps []string
			}{{"game", []string{"missing"}}},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			for _, m := range tt.modules {
				reg.MustRegister(m.id, ModuleConfig{DependsOn: m.deps}, noopInit)
			}
			assert.Equal(t, tt.want, reg.DependencyCycles())
		})
	}
}

func TestInitialize_LogsDependencyCycle(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("game", ModuleConfig{DependsOn: []string{"counter"}}, noopInit)
	reg.MustRegister("counter", ModuleConfig{DependsOn: []string{"game"}}, noopInit)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	hub := pipe.NewHub()
	eng := New(reg, hub.Server(), store.NewMemory(), WithLogger(logger))
	defer eng.Close()

	err := eng.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, IsUninitializedDependency(err))
	assert.Contains(t, logs.String(), `msg="module dependency cycle" path="game -> counter -> game"`)
}
