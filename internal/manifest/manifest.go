// Package manifest loads the CUE build manifest: the binaries a twin
// application is compiled into and the build tags that select each one.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/twin/internal/splitter"
	"github.com/roach88/twin/internal/transport"
)

// DefaultFile is the manifest file name looked up in a project directory.
const DefaultFile = "twin.cue"

// schema constrains every manifest. User files are unified with it.
const schema = `
#Target: {
	role:    "server" | "client"
	tags:    [...string] | *[]
	output:  string & !=""
	goos?:   string
	goarch?: string
}

app:  string & =~"^[A-Za-z0-9_.-]+$"
main: string | *"./cmd/twin"
targets: [Name=string]: #Target
`

// Target is one binary produced by `twin build`.
type Target struct {
	Name   string
	Role   transport.Role
	Tags   []string
	Output string
	GOOS   string
	GOARCH string
}

// Manifest is a validated build manifest.
type Manifest struct {
	App     string
	Main    string
	Targets []Target
}

// Error is a manifest error with source position.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default returns the manifest used when a project has none: one server
// and one client target.
func Default(app string) *Manifest {
	return &Manifest{
		App:  app,
		Main: "./cmd/twin",
		Targets: []Target{
			{Name: "client", Role: transport.RoleClient, Tags: []string{splitter.ClientTag}, Output: "dist/client/" + app},
			{Name: "server", Role: transport.RoleServer, Output: "dist/server/" + app},
		},
	}
}

// Load reads a manifest file. A directory is resolved to its DefaultFile.
func Load(path string) (*Manifest, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, DefaultFile)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(path, src)
}

// Parse compiles, validates and decodes manifest source.
func Parse(filename string, src []byte) (*Manifest, error) {
	ctx := cuecontext.New()
	base := ctx.CompileString(schema, cue.Filename("schema.cue"))
	if err := base.Err(); err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	v = base.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	m := &Manifest{}
	if err := v.LookupPath(cue.ParsePath("app")).Decode(&m.App); err != nil {
		return nil, formatCUEError(err)
	}
	if err := v.LookupPath(cue.ParsePath("main")).Decode(&m.Main); err != nil {
		return nil, formatCUEError(err)
	}

	targetsVal := v.LookupPath(cue.ParsePath("targets"))
	iter, err := targetsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		t, err := decodeTarget(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		m.Targets = append(m.Targets, t)
	}
	sort.Slice(m.Targets, func(i, j int) bool { return m.Targets[i].Name < m.Targets[j].Name })

	if err := m.Validate(); err != nil {
		if me, ok := err.(*Error); ok && !me.Pos.IsValid() {
			me.Pos = targetsVal.Pos()
		}
		return nil, err
	}
	return m, nil
}

func decodeTarget(name string, v cue.Value) (Target, error) {
	var raw struct {
		Role   string   `json:"role"`
		Tags   []string `json:"tags"`
		Output string   `json:"output"`
		GOOS   string   `json:"goos"`
		GOARCH string   `json:"goarch"`
	}
	if err := v.Decode(&raw); err != nil {
		return Target{}, formatCUEError(err)
	}
	role, err := transport.ParseRole(raw.Role)
	if err != nil {
		return Target{}, &Error{Field: "targets." + name + ".role", Message: err.Error(), Pos: v.Pos()}
	}
	return Target{
		Name:   name,
		Role:   role,
		Tags:   raw.Tags,
		Output: raw.Output,
		GOOS:   raw.GOOS,
		GOARCH: raw.GOARCH,
	}, nil
}

// Validate checks cross-target rules: exactly one server target, at least
// one client target, and the client tag present on client targets only.
func (m *Manifest) Validate() error {
	var servers, clients int
	outputs := make(map[string]string)
	for _, t := range m.Targets {
		field := "targets." + t.Name
		hasTag := slices.Contains(t.Tags, splitter.ClientTag)
		switch t.Role {
		case transport.RoleServer:
			servers++
			if hasTag {
				return &Error{Field: field + ".tags", Message: fmt.Sprintf("server target must not set the %q tag", splitter.ClientTag)}
			}
		case transport.RoleClient:
			clients++
			if !hasTag {
				return &Error{Field: field + ".tags", Message: fmt.Sprintf("client target must set the %q tag", splitter.ClientTag)}
			}
		}
		if other, dup := outputs[t.Output]; dup {
			return &Error{Field: field + ".output", Message: fmt.Sprintf("output %q already used by target %q", t.Output, other)}
		}
		outputs[t.Output] = t.Name
	}
	if servers != 1 {
		return &Error{Field: "targets", Message: fmt.Sprintf("exactly one server target required, found %d", servers)}
	}
	if clients == 0 {
		return &Error{Field: "targets", Message: "at least one client target required"}
	}
	return nil
}

// Target returns the named target.
func (m *Manifest) Target(name string) (Target, bool) {
	for _, t := range m.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}

// BuildArgs returns the go command arguments that build t from main.
func (t Target) BuildArgs(main string) []string {
	args := []string{"build"}
	if len(t.Tags) > 0 {
		args = append(args, "-tags", strings.Join(t.Tags, ","))
	}
	return append(args, "-o", t.Output, main)
}

// Env returns the GOOS/GOARCH overrides for t, if any.
func (t Target) Env() []string {
	var env []string
	if t.GOOS != "" {
		env = append(env, "GOOS="+t.GOOS)
	}
	if t.GOARCH != "" {
		env = append(env, "GOARCH="+t.GOARCH)
	}
	return env
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	field := "cue"
	if path := first.Path(); len(path) > 0 {
		field = strings.Join(path, ".")
	}
	format, args := first.Msg()
	me := &Error{Field: field, Message: fmt.Sprintf(format, args...)}
	if positions := errors.Positions(first); len(positions) > 0 {
		me.Pos = positions[0]
	}
	return me
}
