package splitter

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/build/constraint"
	"go/constant"
	"go/token"
	"go/types"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/tools/go/ast/inspector"
	"golang.org/x/tools/go/packages"
)

// ClientTag is the build tag that selects the client build.
const ClientTag = "client"

// DefaultEnginePath is the import path of the package defining Scope.
const DefaultEnginePath = "github.com/roach88/twin/internal/engine"

// Build names one of the two compilations.
type Build string

const (
	BuildServer Build = "server"
	BuildClient Build = "client"
)

// HandlerKind classifies the handler argument of a registration.
type HandlerKind int

const (
	HandlerLiteral HandlerKind = iota
	HandlerNil
	HandlerIndirect
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerLiteral:
		return "literal"
	case HandlerNil:
		return "nil"
	case HandlerIndirect:
		return "indirect"
	default:
		return fmt.Sprintf("handler(%d)", int(k))
	}
}

// ViolationKind categorizes a broken contract.
type ViolationKind string

const (
	ViolationLeak        ViolationKind = "server_handler_in_client_build"
	ViolationIndirect    ViolationKind = "indirect_handler"
	ViolationUndeclared  ViolationKind = "undeclared_in_client_build"
	ViolationMissing     ViolationKind = "missing_server_handler"
	ViolationDynamicName ViolationKind = "dynamic_action_name"
)

// Registration is one server action registration found in one build.
type Registration struct {
	Build   Build
	Package string
	// Name is the action name, empty when it is not a constant string.
	Name    string
	Handler HandlerKind
	Pos     token.Position
	// ClientExcluded reports whether the file's build constraint
	// excludes the client tag.
	ClientExcluded bool
}

// Violation is one broken contract.
type Violation struct {
	Kind    ViolationKind
	Action  string
	Pos     token.Position
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s: %s", v.Pos, v.Kind, v.Message)
}

// Report is the result of a check.
type Report struct {
	Registrations []Registration
	Violations    []Violation
}

// OK reports whether no violation was found.
func (r *Report) OK() bool { return len(r.Violations) == 0 }

// Err returns a *CheckError when the report has violations.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	return &CheckError{Violations: r.Violations}
}

// CheckError lists the violations of a failed check.
type CheckError struct {
	Violations []Violation
}

func (e *CheckError) Error() string {
	lines := make([]string, 0, len(e.Violations)+1)
	lines = append(lines, fmt.Sprintf("%d split violation(s):", len(e.Violations)))
	for _, v := range e.Violations {
		lines = append(lines, "  "+v.String())
	}
	return strings.Join(lines, "\n")
}

// Config selects the packages to check.
type Config struct {
	// Dir is the directory go list runs in. Default: current directory.
	Dir string
	// Patterns are package patterns. Default: "./...".
	Patterns []string
	// EnginePath is the import path defining Scope. Default: DefaultEnginePath.
	EnginePath string
	// Env overrides the go list environment.
	Env []string
}

// Check loads the packages for both builds and evaluates the contract.
func Check(ctx context.Context, cfg Config) (*Report, error) {
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = []string{"./..."}
	}
	if cfg.EnginePath == "" {
		cfg.EnginePath = DefaultEnginePath
	}

	report := &Report{}
	for _, b := range []Build{BuildServer, BuildClient} {
		pkgs, err := load(ctx, cfg, b)
		if err != nil {
			return nil, err
		}
		for _, pkg := range pkgs {
			for _, file := range pkg.Syntax {
				regs := scanFile(pkg.Fset, file, pkg.TypesInfo, pkg.PkgPath, b, cfg.EnginePath)
				report.Registrations = append(report.Registrations, regs...)
			}
		}
	}
	report.Violations = Evaluate(report.Registrations)
	return report, nil
}

func load(ctx context.Context, cfg Config, b Build) ([]*packages.Package, error) {
	pc := &packages.Config{
		Context: ctx,
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedSyntax |
			packages.NeedTypes | packages.NeedTypesInfo | packages.NeedDeps,
		Dir: cfg.Dir,
		Env: cfg.Env,
	}
	if b == BuildClient {
		pc.BuildFlags = []string{"-tags=" + ClientTag}
	}

	pkgs, err := packages.Load(pc, cfg.Patterns...)
	if err != nil {
		return nil, fmt.Errorf("load %s build: %w", b, err)
	}
	var errs []error
	for _, pkg := range pkgs {
		for _, e := range pkg.Errors {
			errs = append(errs, e)
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("load %s build: %w", b, errors.Join(errs...))
	}
	return pkgs, nil
}

// scanFile finds server action registrations in one type-checked file.
func scanFile(fset *token.FileSet, file *ast.File, info *types.Info, pkgPath string, b Build, enginePath string) []Registration {
	excluded := ExcludesClient(file)
	var out []Registration

	ins := inspector.New([]*ast.File{file})
	ins.Preorder([]ast.Node{(*ast.CallExpr)(nil)}, func(n ast.Node) {
		call := n.(*ast.CallExpr)
		name, handler, ok := serverRegistration(info, call, enginePath)
		if !ok {
			return
		}
		out = append(out, Registration{
			Build:          b,
			Package:        pkgPath,
			Name:           constString(info, name),
			Handler:        classify(info, handler),
			Pos:            fset.Position(call.Pos()),
			ClientExcluded: excluded,
		})
	})
	return out
}

// serverRegistration matches s.ServerAction(name, h, ...) and
// s.Action(name, side, h, ...) where side is SideServer or not constant.
func serverRegistration(info *types.Info, call *ast.CallExpr, enginePath string) (name, handler ast.Expr, ok bool) {
	sel, isSel := call.Fun.(*ast.SelectorExpr)
	if !isSel {
		return nil, nil, false
	}
	fn, isFunc := info.Uses[sel.Sel].(*types.Func)
	if !isFunc || !isScopeMethod(fn, enginePath) {
		return nil, nil, false
	}

	switch fn.Name() {
	case "ServerAction":
		if len(call.Args) >= 2 {
			return call.Args[0], call.Args[1], true
		}
	case "Action":
		if len(call.Args) >= 3 && mayBeServerSide(info, fn.Pkg(), call.Args[1]) {
			return call.Args[0], call.Args[2], true
		}
	}
	return nil, nil, false
}

func isScopeMethod(fn *types.Func, enginePath string) bool {
	sig, ok := fn.Type().(*types.Signature)
	if !ok || sig.Recv() == nil {
		return false
	}
	t := sig.Recv().Type()
	if p, isPtr := t.(*types.Pointer); isPtr {
		t = p.Elem()
	}
	named, ok := t.(*types.Named)
	if !ok {
		return false
	}
	obj := named.Obj()
	return obj.Name() == "Scope" && obj.Pkg() != nil && obj.Pkg().Path() == enginePath
}

func mayBeServerSide(info *types.Info, enginePkg *types.Package, side ast.Expr) bool {
	tv, ok := info.Types[side]
	if !ok || tv.Value == nil {
		return true
	}
	server, ok := enginePkg.Scope().Lookup("SideServer").(*types.Const)
	if !ok {
		return true
	}
	return constant.Compare(tv.Value, token.EQL, server.Val())
}

func classify(info *types.Info, expr ast.Expr) HandlerKind {
	expr = ast.Unparen(expr)
	if _, ok := expr.(*ast.FuncLit); ok {
		return HandlerLiteral
	}
	if id, ok := expr.(*ast.Ident); ok {
		if _, isNil := info.Uses[id].(*types.Nil); isNil {
			return HandlerNil
		}
	}
	if tv, ok := info.Types[expr]; ok && tv.IsNil() {
		return HandlerNil
	}
	return HandlerIndirect
}

func constString(info *types.Info, expr ast.Expr) string {
	tv, ok := info.Types[expr]
	if !ok || tv.Value == nil || tv.Value.Kind() != constant.String {
		return ""
	}
	return constant.StringVal(tv.Value)
}

// ExcludesClient reports whether the //go:build line of file rules out
// builds with the client tag.
func ExcludesClient(file *ast.File) bool {
	return !InBuild(file, BuildClient)
}

// InBuild reports whether file's //go:build line admits build b on the
// host platform. A file without a constraint is in both builds.
func InBuild(file *ast.File, b Build) bool {
	for _, cg := range file.Comments {
		if cg.Pos() >= file.Package {
			break
		}
		for _, c := range cg.List {
			if !constraint.IsGoBuild(c.Text) {
				continue
			}
			expr, err := constraint.Parse(c.Text)
			if err != nil {
				return true
			}
			return expr.Eval(func(tag string) bool {
				if tag == ClientTag {
					return b == BuildClient
				}
				return hostTag(tag)
			})
		}
	}
	return true
}

func hostTag(tag string) bool {
	switch {
	case tag == runtime.GOOS, tag == runtime.GOARCH, tag == runtime.Compiler:
		return true
	case tag == "unix":
		return runtime.GOOS != "windows" && runtime.GOOS != "plan9" && runtime.GOOS != "js" && runtime.GOOS != "wasip1"
	case strings.HasPrefix(tag, "go1."):
		return true
	default:
		return false
	}
}

// Evaluate turns registrations from both builds into violations, sorted by
// position.
func Evaluate(regs []Registration) []Violation {
	seen := make(map[string]bool)
	var out []Violation
	add := func(v Violation) {
		key := string(v.Kind) + "@" + v.Pos.String()
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, v)
	}

	declared := make(map[string]bool)
	for _, r := range regs {
		if r.Build == BuildClient && r.Name != "" {
			declared[r.Package+"."+r.Name] = true
		}
	}

	for _, r := range regs {
		label := r.Name
		if label == "" {
			label = "<dynamic>"
			add(Violation{Kind: ViolationDynamicName, Pos: r.Pos,
				Message: "action name must be a constant string"})
		}

		switch {
		case r.Handler == HandlerIndirect:
			add(Violation{Kind: ViolationIndirect, Action: label, Pos: r.Pos,
				Message: fmt.Sprintf("handler for %q must be a function literal; indirect handlers are unsupported", label)})
		case r.Build == BuildClient && r.Handler == HandlerLiteral:
			add(Violation{Kind: ViolationLeak, Action: label, Pos: r.Pos,
				Message: fmt.Sprintf("server handler for %q is compiled into the client build; move it to a //go:build !%s file", label, ClientTag)})
		case r.Build == BuildServer && r.Handler == HandlerNil:
			add(Violation{Kind: ViolationMissing, Action: label, Pos: r.Pos,
				Message: fmt.Sprintf("server build registers %q without a handler", label)})
		}

		if r.Build == BuildServer && r.Name != "" && !declared[r.Package+"."+r.Name] {
			add(Violation{Kind: ViolationUndeclared, Action: r.Name, Pos: r.Pos,
				Message: fmt.Sprintf("client build never declares %q", r.Name)})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Pos, out[j].Pos
		if a.Filename != b.Filename {
			return a.Filename < b.Filename
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
