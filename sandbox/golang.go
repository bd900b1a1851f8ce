package sandbox

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"reflect"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/hostapi"
	"github.com/MXWXZ/plugd/validator"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// hostSymbols exposes hostapi to interpreted code as import "plugd/host".
var hostSymbols = interp.Exports{
	validator.HostModule + "/host": {
		"Host":     reflect.ValueOf((*hostapi.Host)(nil)),
		"Plugin":   reflect.ValueOf((*hostapi.Plugin)(nil)),
		"Response": reflect.ValueOf((*hostapi.Response)(nil)),
	},
}

// Go plugin exports, all optional:
//
//	func Init(p host.Plugin, h *host.Host) error
//	var Hooks = map[string]string{"hookName": "FuncName"}
//	func FuncName(args ...interface{}) (interface{}, error)
//	func Cleanup() error
//	func GetSettings() map[string]interface{}
//	func SetSetting(key string, value interface{}) error
type (
	goInit        = func(hostapi.Plugin, *hostapi.Host) error
	goHook        = func(...interface{}) (interface{}, error)
	goCleanup     = func() error
	goGetSettings = func() map[string]interface{}
	goSetSetting  = func(string, interface{}) error
)

type goRuntime struct {
	sb *Sandbox
	i  *interp.Interpreter
}

func newGoRuntime(sb *Sandbox) (*goRuntime, error) {
	i := interp.New(interp.Options{
		GoPath: sb.dir,
		Stdout: sb.output,
		Stderr: sb.output,
	})
	// Prebuilt stdlib packages depend on each other, so the whole table is
	// loaded and imports are gated by the validator before any evaluation.
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, &fault.LoadError{ID: sb.id, Reason: "prepare interpreter", Err: err}
	}
	if err := i.Use(hostSymbols); err != nil {
		return nil, &fault.LoadError{ID: sb.id, Reason: "prepare interpreter", Err: err}
	}
	return &goRuntime{sb: sb, i: i}, nil
}

func (r *goRuntime) cancellable() bool { return false }

func (r *goRuntime) close() {}

func (r *goRuntime) eval(ctx context.Context, src string) (any, error) {
	v, err := r.i.EvalWithContext(ctx, src)
	if err != nil {
		return nil, err
	}
	if !v.IsValid() || !v.CanInterface() {
		return nil, nil
	}
	return v.Interface(), nil
}

// exported lists the package name and exported top-level identifiers of src.
func exported(name string, src []byte) (string, map[string]bool, error) {
	f, err := parser.ParseFile(token.NewFileSet(), name, src, parser.SkipObjectResolution)
	if err != nil {
		return "", nil, err
	}
	ret := make(map[string]bool)
	for _, d := range f.Decls {
		switch d := d.(type) {
		case *ast.FuncDecl:
			if d.Recv == nil && d.Name.IsExported() {
				ret[d.Name.Name] = true
			}
		case *ast.GenDecl:
			for _, s := range d.Specs {
				if vs, ok := s.(*ast.ValueSpec); ok {
					for _, n := range vs.Names {
						if n.IsExported() {
							ret[n.Name] = true
						}
					}
				}
			}
		}
	}
	return f.Name.Name, ret, nil
}

func (r *goRuntime) symbol(pkg string, name string) (any, error) {
	v, err := r.i.Eval(pkg + "." + name)
	if err != nil {
		return nil, err
	}
	if !v.IsValid() || !v.CanInterface() {
		return nil, fmt.Errorf("%v is not a value", name)
	}
	return v.Interface(), nil
}

func (r *goRuntime) shapeError(name string, v any, want string) error {
	return &fault.LoadError{ID: r.sb.id, Reason: fmt.Sprintf("%v has type %T, want %v", name, v, want)}
}

func (r *goRuntime) load(ctx context.Context, name string, src []byte) (*Module, error) {
	pkg, names, err := exported(name, src)
	if err != nil {
		return nil, &fault.LoadError{ID: r.sb.id, Reason: "parse " + name, Err: err}
	}
	if _, err := r.i.EvalWithContext(ctx, string(src)); err != nil {
		return nil, err
	}

	mod := &Module{Hooks: make(map[string]Func)}
	if names["Init"] {
		v, err := r.symbol(pkg, "Init")
		if err != nil {
			return nil, err
		}
		fn, ok := v.(goInit)
		if !ok {
			return nil, r.shapeError("Init", v, "func(host.Plugin, *host.Host) error")
		}
		mod.Init = func(_ context.Context, args ...any) (any, error) {
			var p hostapi.Plugin
			if len(args) > 0 {
				p, _ = args[0].(hostapi.Plugin)
			}
			return nil, fn(p, r.sb.host)
		}
	}
	if names["Hooks"] {
		v, err := r.symbol(pkg, "Hooks")
		if err != nil {
			return nil, err
		}
		hooks, ok := v.(map[string]string)
		if !ok {
			return nil, r.shapeError("Hooks", v, "map[string]string")
		}
		for hook, fname := range hooks {
			if hook == "" {
				return nil, &fault.LoadError{ID: r.sb.id, Reason: "empty hook name"}
			}
			v, err := r.symbol(pkg, fname)
			if err != nil {
				return nil, &fault.LoadError{ID: r.sb.id, Reason: "hook " + hook, Err: err}
			}
			fn, ok := v.(goHook)
			if !ok {
				return nil, r.shapeError(fname, v, "func(...interface{}) (interface{}, error)")
			}
			mod.Hooks[hook] = func(_ context.Context, args ...any) (any, error) {
				return fn(args...)
			}
		}
	}
	if names["Cleanup"] {
		v, err := r.symbol(pkg, "Cleanup")
		if err != nil {
			return nil, err
		}
		fn, ok := v.(goCleanup)
		if !ok {
			return nil, r.shapeError("Cleanup", v, "func() error")
		}
		mod.Cleanup = func(context.Context, ...any) (any, error) {
			return nil, fn()
		}
	}
	if names["GetSettings"] {
		v, err := r.symbol(pkg, "GetSettings")
		if err != nil {
			return nil, err
		}
		fn, ok := v.(goGetSettings)
		if !ok {
			return nil, r.shapeError("GetSettings", v, "func() map[string]interface{}")
		}
		mod.GetSettings = func(context.Context, ...any) (any, error) {
			return fn(), nil
		}
	}
	if names["SetSetting"] {
		v, err := r.symbol(pkg, "SetSetting")
		if err != nil {
			return nil, err
		}
		fn, ok := v.(goSetSetting)
		if !ok {
			return nil, r.shapeError("SetSetting", v, "func(string, interface{}) error")
		}
		mod.SetSetting = func(_ context.Context, args ...any) (any, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("SetSetting takes 2 arguments, got %v", len(args))
			}
			key, _ := args[0].(string)
			return nil, fn(key, args[1])
		}
	}
	return mod, nil
}
