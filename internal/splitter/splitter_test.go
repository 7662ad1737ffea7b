package splitter

import (
	"context"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEngine = "example.com/engine"

const engineSrc = `package engine

type Side int

const (
	SideServer Side = iota + 1
	SideClient
	SideEither
)

type Handler func() error

type Scope struct{}

func (s *Scope) ServerAction(name string, h Handler) {}
func (s *Scope) ClientAction(name string, h Handler) {}
func (s *Scope) Action(name string, side Side, h Handler) {}
`

// scanSources type-checks the files admitted by each build, as one
// package that both defines Scope and registers actions, and scans them.
func scanSources(t *testing.T, files map[string]string) []Registration {
	t.Helper()
	files["engine.go"] = engineSrc

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var regs []Registration
	for _, b := range []Build{BuildServer, BuildClient} {
		fset := token.NewFileSet()
		var parsed []*ast.File
		for _, name := range names {
			f, err := parser.ParseFile(fset, name, files[name], parser.ParseComments)
			require.NoError(t, err)
			if InBuild(f, b) {
				parsed = append(parsed, f)
			}
		}

		info := &types.Info{
			Types: make(map[ast.Expr]types.TypeAndValue),
			Uses:  make(map[*ast.Ident]types.Object),
			Defs:  make(map[*ast.Ident]types.Object),
		}
		_, err := (&types.Config{}).Check(testEngine, fset, parsed, info)
		require.NoError(t, err, "%s build", b)

		for _, f := range parsed {
			regs = append(regs, scanFile(fset, f, info, testEngine, b, testEngine)...)
		}
	}
	return regs
}

func kinds(vs []Violation) []ViolationKind {
	out := make([]ViolationKind, len(vs))
	for i, v := range vs {
		out[i] = v.Kind
	}
	return out
}

const sharedSrc = `package engine

func Register(s *Scope) {
	registerServer(s)
	s.ClientAction("toast", func() error { return nil })
}
`

func TestEvaluate_CleanSplit(t *testing.T) {
	regs := scanSources(t, map[string]string{
		"shared.go": sharedSrc,
		"server.go": `//go:build !client

package engine

func registerServer(s *Scope) {
	s.ServerAction("reveal", func() error { return nil })
	s.Action("audit", SideServer, (func() error { return nil }))
}
`,
		"client.go": `//go:build client

package engine

func registerServer(s *Scope) {
	s.ServerAction("reveal", nil)
	s.Action("audit", SideServer, nil)
}
`,
	})

	require.Len(t, regs, 4)
	for _, r := range regs {
		switch r.Build {
		case BuildServer:
			assert.Equal(t, HandlerLiteral, r.Handler, r.Name)
			assert.True(t, r.ClientExcluded)
			assert.Equal(t, "server.go", r.Pos.Filename)
		case BuildClient:
			assert.Equal(t, HandlerNil, r.Handler, r.Name)
			assert.False(t, r.ClientExcluded)
		}
		assert.Contains(t, []string{"reveal", "audit"}, r.Name)
	}
	assert.Empty(t, Evaluate(regs))
}

func TestEvaluate_LiteralInSharedFileLeaks(t *testing.T) {
	regs := scanSources(t, map[string]string{
		"shared.go": `package engine

func Register(s *Scope) {
	s.ServerAction("reveal", func() error { return nil })
}
`,
	})

	vs := Evaluate(regs)
	require.Equal(t, []ViolationKind{ViolationLeak}, kinds(vs))
	assert.Equal(t, "reveal", vs[0].Action)
	assert.Equal(t, "shared.go", vs[0].Pos.Filename)
	assert.Equal(t, 4, vs[0].Pos.Line)
	assert.Contains(t, vs[0].Message, "//go:build !client")
}

func TestEvaluate_IndirectHandler(t *testing.T) {
	regs := scanSources(t, map[string]string{
		"shared.go": sharedSrc,
		"server.go": `//go:build !client

package engine

func reveal() error { return nil }

func registerServer(s *Scope) {
	s.ServerAction("reveal", reveal)
}
`,
		"client.go": `//go:build client

package engine

func registerServer(s *Scope) {
	s.ServerAction("reveal", nil)
}
`,
	})

	vs := Evaluate(regs)
	require.Equal(t, []ViolationKind{ViolationIndirect}, kinds(vs))
	assert.Contains(t, vs[0].Message, "indirect handlers are unsupported")
}

func TestEvaluate_UndeclaredInClient(t *testing.T) {
	regs := scanSources(t, map[string]string{
		"shared.go": sharedSrc,
		"server.go": `//go:build !client

package engine

func registerServer(s *Scope) {
	s.ServerAction("reveal", func() error { return nil })
}
`,
		"client.go": `//go:build client

package engine

func registerServer(s *Scope) {}
`,
	})

	vs := Evaluate(regs)
	require.Equal(t, []ViolationKind{ViolationUndeclared}, kinds(vs))
	assert.Equal(t, "reveal", vs[0].Action)
}

func TestEvaluate_NilHandlerInServerBuild(t *testing.T) {
	regs := scanSources(t, map[string]string{
		"shared.go": `package engine

func Register(s *Scope) {
	s.ServerAction("reveal", nil)
}
`,
	})

	assert.Equal(t, []ViolationKind{ViolationMissing}, kinds(Evaluate(regs)))
}

func TestEvaluate_ActionNames(t *testing.T) {
	regs := scanSources(t, map[string]string{
		"shared.go": `package engine

const revealName = "reveal"

var dynamic = "dyn"

func Register(s *Scope) {
	registerServer(s)
	s.Action("toast", SideClient, func() error { return nil })
}
`,
		"server.go": `//go:build !client

package engine

func registerServer(s *Scope) {
	s.ServerAction(revealName, func() error { return nil })
	s.ServerAction(dynamic, func() error { return nil })
}
`,
		"client.go": `//go:build client

package engine

func registerServer(s *Scope) {
	s.ServerAction(revealName, nil)
	s.ServerAction(dynamic, nil)
}
`,
	})

	names := map[string]int{}
	for _, r := range regs {
		names[r.Name]++
	}
	assert.Equal(t, map[string]int{"reveal": 2, "": 2}, names)
	assert.Equal(t, []ViolationKind{ViolationDynamicName, ViolationDynamicName}, kinds(Evaluate(regs)))
}

func TestEvaluate_NonConstantSideIsChecked(t *testing.T) {
	regs := scanSources(t, map[string]string{
		"shared.go": `package engine

func Register(s *Scope, side Side) {
	s.Action("either-way", side, func() error { return nil })
}
`,
	})

	assert.Equal(t, []ViolationKind{ViolationLeak}, kinds(Evaluate(regs)))
}

func TestInBuild(t *testing.T) {
	tests := []struct {
		name   string
		header string
		server bool
		client bool
	}{
		{"no constraint", "", true, true},
		{"server only", "//go:build !client\n\n", true, false},
		{"client only", "//go:build client\n\n", false, true},
		{"conjunction", "//go:build go1.1 && !client\n\n", true, false},
		{"ignored", "//go:build ignore\n\n", false, false},
		{"plain comment", "// Package p.\n", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := parser.ParseFile(token.NewFileSet(), "f.go", tt.header+"package p\n", parser.ParseComments)
			require.NoError(t, err)
			assert.Equal(t, tt.server, InBuild(f, BuildServer))
			assert.Equal(t, tt.client, InBuild(f, BuildClient))
			assert.Equal(t, !tt.client, ExcludesClient(f))
		})
	}
}

func TestReport_Err(t *testing.T) {
	r := &Report{}
	assert.True(t, r.OK())
	assert.NoError(t, r.Err())

	r.Violations = []Violation{{
		Kind:    ViolationLeak,
		Action:  "reveal",
		Pos:     token.Position{Filename: "a.go", Line: 3, Column: 2},
		Message: "leaked",
	}}
	err := r.Err()
	var ce *CheckError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "1 split violation(s):\n  a.go:3:2: server_handler_in_client_build: leaked", err.Error())
}

func TestHandlerKind_String(t *testing.T) {
	assert.Equal(t, "literal", HandlerLiteral.String())
	assert.Equal(t, "nil", HandlerNil.String())
	assert.Equal(t, "indirect", HandlerIndirect.String())
}

func writeModule(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	files["go.mod"] = "module example.com/app\n\ngo 1.21\n"
	files["engine/engine.go"] = engineSrc
	for name, src := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	}
	return dir
}

func TestCheck_LoadsBothBuilds(t *testing.T) {
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not on PATH")
	}

	dir := writeModule(t, map[string]string{
		"app/shared.go": `package app

import "example.com/app/engine"

func Register(s *engine.Scope) {
	registerServer(s)
	s.ServerAction("leaky", func() error { return nil })
}
`,
		"app/server.go": `//go:build !client

package app

import "example.com/app/engine"

func registerServer(s *engine.Scope) {
	s.ServerAction("reveal", func() error { return nil })
}
`,
		"app/client.go": `//go:build client

package app

import "example.com/app/engine"

func registerServer(s *engine.Scope) {
	s.ServerAction("reveal", nil)
}
`,
	})

	report, err := Check(context.Background(), Config{
		Dir:        dir,
		EnginePath: "example.com/app/engine",
		Env:        append(os.Environ(), "GOWORK=off", "GOFLAGS=-mod=mod"),
	})
	require.NoError(t, err)
	assert.Len(t, report.Registrations, 4)
	require.Equal(t, []ViolationKind{ViolationLeak}, kinds(report.Violations))
	assert.Equal(t, "leaky", report.Violations[0].Action)
	assert.Error(t, report.Err())
}
