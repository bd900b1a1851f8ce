package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/hostapi"
	"github.com/MXWXZ/plugd/security"
	"github.com/MXWXZ/plugd/utils/tpl"
	"github.com/MXWXZ/plugd/validator"

	lua "github.com/yuin/gopher-lua"
)

// Lua plugins return a table with any of these keys:
//
//	init(plugin, host), hooks = {name = function(...) end},
//	cleanup(), getSettings(), setSetting(key, value)
//
// Functions return a value, or nil and an error message.
var luaExports = []string{"init", "hooks", "cleanup", "getSettings", "setSetting"}

var luaUnsafeGlobals = []string{"dofile", "loadfile", "load", "loadstring", "setfenv", "getfenv"}

const (
	luaCallStackSize = 200
	luaRegistryMax   = 1 << 20
)

type luaRuntime struct {
	sb      *Sandbox
	L       *lua.LState
	host    *lua.LTable
	hostErr error

	builtin map[string]bool // globals present before any plugin code ran
	module  *lua.LTable
	charged int64 // bytes of retained state charged as memory
}

// luaRegistrySize bounds the value stack of one state, scaled to the memory ceiling.
func luaRegistrySize(maxMemory int64) int {
	if maxMemory <= 0 {
		return luaRegistryMax
	}
	n := maxMemory / 64
	if n < int64(lua.RegistrySize) {
		return lua.RegistrySize
	}
	if n > luaRegistryMax {
		return luaRegistryMax
	}
	return int(n)
}

func newLuaRuntime(sb *Sandbox) (*luaRuntime, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		CallStackSize:   luaCallStackSize,
		RegistrySize:    lua.RegistrySize,
		RegistryMaxSize: luaRegistrySize(sb.limits.MaxMemory),
	})
	libs := []struct {
		n string
		f lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	system := sb.caps.Has(security.CapSystem)
	if system {
		libs = append(libs, []struct {
			n string
			f lua.LGFunction
		}{
			{lua.LoadLibName, lua.OpenPackage},
			{lua.OsLibName, lua.OpenOs},
			{lua.IoLibName, lua.OpenIo},
			{lua.DebugLibName, lua.OpenDebug},
		}...)
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.f), NRet: 0, Protect: true}, lua.LString(lib.n)); err != nil {
			L.Close()
			return nil, &fault.LoadError{ID: sb.id, Reason: "open lua library " + lib.n, Err: err}
		}
	}
	if !system {
		for _, name := range luaUnsafeGlobals {
			L.SetGlobal(name, lua.LNil)
		}
	}

	r := &luaRuntime{sb: sb, L: L}
	r.host = r.hostTable()
	L.SetGlobal("host", r.host)
	L.SetGlobal("print", L.NewFunction(r.print))
	r.installRequire(system)
	r.builtin = make(map[string]bool)
	L.G.Global.ForEach(func(k, _ lua.LValue) {
		r.builtin[k.String()] = true
	})
	return r, nil
}

func (r *luaRuntime) cancellable() bool { return true }

func (r *luaRuntime) close() { r.L.Close() }

// installRequire resolves the host module, opened libraries and allowed
// globals. With the system capability it falls back to package.loaders.
func (r *luaRuntime) installRequire(system bool) {
	allowed := tpl.NewSliceFinder(validator.LuaSafeModules, r.sb.rules.AllowedModules)
	orig := r.L.GetGlobal("require")
	r.L.SetGlobal("require", r.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if name == "host" {
			L.Push(r.host)
			return 1
		}
		if allowed.Find(name) || system {
			if v := L.GetGlobal(name); v != lua.LNil {
				L.Push(v)
				return 1
			}
			if fn, ok := orig.(*lua.LFunction); ok && system {
				L.Push(fn)
				L.Push(lua.LString(name))
				L.Call(1, 1)
				return 1
			}
		}
		L.RaiseError("module %v is not available", name)
		return 0
	}))
}

func (r *luaRuntime) print(L *lua.LState) int {
	var parts []string
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	r.sb.log.Info(strings.Join(parts, "\t"))
	return 0
}

// raise records a typed host error and turns it into a Lua error.
func (r *luaRuntime) raise(L *lua.LState, err error) int {
	r.hostErr = err
	L.RaiseError("%v", err)
	return 0
}

func (r *luaRuntime) hostTable() *lua.LTable {
	h := r.sb.host
	return r.L.SetFuncs(r.L.NewTable(), map[string]lua.LGFunction{
		"id": func(L *lua.LState) int {
			L.Push(lua.LString(h.ID()))
			return 1
		},
		"log": func(L *lua.LState) int {
			h.Log(L.CheckString(1), L.CheckString(2))
			return 0
		},
		"get": func(L *lua.LState) int {
			v, err := h.Get(L.CheckString(1))
			if err != nil {
				return r.raise(L, err)
			}
			L.Push(toLua(L, v))
			return 1
		},
		"set": func(L *lua.LState) int {
			if err := h.Set(L.CheckString(1), fromLua(L.Get(2))); err != nil {
				return r.raise(L, err)
			}
			return 0
		},
		"delete": func(L *lua.LState) int {
			if err := h.Delete(L.CheckString(1)); err != nil {
				return r.raise(L, err)
			}
			return 0
		},
		"keys": func(L *lua.LState) int {
			keys, err := h.Keys()
			if err != nil {
				return r.raise(L, err)
			}
			L.Push(toLua(L, keys))
			return 1
		},
		"fetch": func(L *lua.LState) int {
			resp, err := h.Fetch(L.CheckString(1), L.CheckString(2), L.OptString(3, ""))
			if err != nil {
				return r.raise(L, err)
			}
			L.Push(toLua(L, map[string]any{
				"status": resp.Status,
				"header": resp.Header,
				"body":   resp.Body,
			}))
			return 1
		},
		"query": func(L *lua.LState) int {
			rows, err := h.Query(L.CheckString(1), luaArgs(L, 2)...)
			if err != nil {
				return r.raise(L, err)
			}
			ret := make([]any, len(rows))
			for i, row := range rows {
				ret[i] = row
			}
			L.Push(toLua(L, ret))
			return 1
		},
		"exec": func(L *lua.LState) int {
			n, err := h.Exec(L.CheckString(1), luaArgs(L, 2)...)
			if err != nil {
				return r.raise(L, err)
			}
			L.Push(lua.LNumber(n))
			return 1
		},
		"env": func(L *lua.LState) int {
			v, err := h.Env(L.CheckString(1))
			if err != nil {
				return r.raise(L, err)
			}
			L.Push(lua.LString(v))
			return 1
		},
	})
}

func luaArgs(L *lua.LState, from int) []any {
	var ret []any
	for i := from; i <= L.GetTop(); i++ {
		ret = append(ret, fromLua(L.Get(i)))
	}
	return ret
}

// translate prefers the typed host error behind a Lua error.
func (r *luaRuntime) translate(err error) error {
	if r.hostErr != nil && strings.Contains(err.Error(), r.hostErr.Error()) {
		return r.hostErr
	}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return errors.New(apiErr.Object.String())
	}
	return err
}

func (r *luaRuntime) eval(ctx context.Context, src string) (any, error) {
	fn, err := r.L.Load(strings.NewReader("return "+src), "=exec")
	if err != nil {
		if fn, err = r.L.Load(strings.NewReader(src), "=exec"); err != nil {
			return nil, err
		}
	}
	return r.call(ctx, fn, 1)
}

// call runs fn under ctx and converts its first result.
// A second non-nil result is an error message.
func (r *luaRuntime) call(ctx context.Context, fn *lua.LFunction, nret int, args ...lua.LValue) (any, error) {
	r.L.SetContext(ctx)
	defer r.L.RemoveContext()
	r.hostErr = nil

	top := r.L.GetTop()
	if err := r.L.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, args...); err != nil {
		r.L.SetTop(top)
		err = r.translate(err)
		if serr := r.settle(); serr != nil && !fault.IsFatal(err) {
			err = serr
		}
		return nil, err
	}
	var ret, msg lua.LValue = r.L.Get(top + 1), lua.LNil
	if nret > 1 {
		msg = r.L.Get(top + 2)
	}
	r.L.SetTop(top)
	if err := r.settle(); err != nil {
		return nil, err
	}
	if msg != lua.LNil {
		return nil, errors.New(msg.String())
	}
	return fromLua(ret), nil
}

// settle charges the change in retained plugin state to memory.
// Garbage that is no longer reachable is not counted.
func (r *luaRuntime) settle() error {
	budget := r.sb.limits.MaxMemory
	if budget <= 0 {
		return nil
	}
	size := r.footprint(budget)
	if size == r.charged {
		return nil
	}
	if err := r.sb.Charge(fault.ResourceMemory, size-r.charged); err != nil {
		return err
	}
	r.charged = size
	return nil
}

// footprint estimates the bytes reachable from plugin globals and the
// loaded module, giving up once budget is exceeded.
func (r *luaRuntime) footprint(budget int64) int64 {
	seen := make(map[lua.LValue]bool)
	var size int64
	var walk func(v lua.LValue)
	walk = func(v lua.LValue) {
		if size > budget {
			return
		}
		switch v := v.(type) {
		case lua.LString:
			size += int64(len(v)) + 16
		case lua.LNumber, lua.LBool:
			size += 8
		case *lua.LUserData:
			size += 32
		case *lua.LTable:
			if seen[v] || v == r.host {
				return
			}
			seen[v] = true
			size += 56
			v.ForEach(func(k, e lua.LValue) {
				walk(k)
				walk(e)
			})
		case *lua.LFunction:
			if seen[v] || v.IsG {
				return
			}
			seen[v] = true
			size += 64
			for _, uv := range v.Upvalues {
				if uv != nil {
					walk(uv.Value())
				}
			}
		}
	}
	r.L.G.Global.ForEach(func(k, v lua.LValue) {
		if !r.builtin[k.String()] {
			walk(k)
			walk(v)
		}
	})
	if r.module != nil {
		walk(r.module)
	}
	return size
}

func (r *luaRuntime) wrap(fn *lua.LFunction) Func {
	return func(ctx context.Context, args ...any) (any, error) {
		lv := make([]lua.LValue, len(args))
		for i, a := range args {
			lv[i] = toLua(r.L, a)
		}
		return r.call(ctx, fn, 2, lv...)
	}
}

func (r *luaRuntime) load(ctx context.Context, name string, src []byte) (*Module, error) {
	chunk, err := r.L.Load(bytes.NewReader(src), "="+name)
	if err != nil {
		return nil, &fault.LoadError{ID: r.sb.id, Reason: "compile " + name, Err: err}
	}
	r.L.SetContext(ctx)
	defer r.L.RemoveContext()
	top := r.L.GetTop()
	if err := r.L.CallByParam(lua.P{Fn: chunk, NRet: 1, Protect: true}); err != nil {
		r.L.SetTop(top)
		return nil, r.translate(err)
	}
	ret := r.L.Get(top + 1)
	r.L.SetTop(top)

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, &fault.LoadError{ID: r.sb.id, Reason: fmt.Sprintf("%v must return a table, got %v", name, ret.Type())}
	}
	r.module = tbl
	if err := r.settle(); err != nil {
		return nil, err
	}
	known := tpl.NewSliceFinder(luaExports)
	var bad []string
	tbl.ForEach(func(k, _ lua.LValue) {
		if ks, ok := k.(lua.LString); !ok || !known.Find(string(ks)) {
			bad = append(bad, k.String())
		}
	})
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, &fault.LoadError{ID: r.sb.id, Reason: "unknown exports " + strings.Join(bad, ", ")}
	}

	fnField := func(key string) (*lua.LFunction, error) {
		switch v := tbl.RawGetString(key).(type) {
		case *lua.LNilType:
			return nil, nil
		case *lua.LFunction:
			return v, nil
		default:
			return nil, &fault.LoadError{ID: r.sb.id, Reason: fmt.Sprintf("%v must be a function, got %v", key, v.Type())}
		}
	}
	mod := &Module{Hooks: make(map[string]Func)}
	for _, f := range []struct {
		key string
		dst *Func
	}{
		{"cleanup", &mod.Cleanup},
		{"getSettings", &mod.GetSettings},
		{"setSetting", &mod.SetSetting},
	} {
		fn, err := fnField(f.key)
		if err != nil {
			return nil, err
		}
		if fn != nil {
			*f.dst = r.wrap(fn)
		}
	}

	initFn, err := fnField("init")
	if err != nil {
		return nil, err
	}
	if initFn != nil {
		mod.Init = func(ctx context.Context, args ...any) (any, error) {
			var p hostapi.Plugin
			if len(args) > 0 {
				p, _ = args[0].(hostapi.Plugin)
			}
			info := toLua(r.L, map[string]any{
				"id":       p.ID,
				"name":     p.Name,
				"version":  p.Version,
				"settings": p.Settings,
			})
			return r.call(ctx, initFn, 2, info, r.host)
		}
	}

	switch hooks := tbl.RawGetString("hooks").(type) {
	case *lua.LNilType:
	case *lua.LTable:
		var herr error
		hooks.ForEach(func(k, v lua.LValue) {
			ks, ok := k.(lua.LString)
			fn, isFn := v.(*lua.LFunction)
			switch {
			case herr != nil:
			case !ok || ks == "":
				herr = &fault.LoadError{ID: r.sb.id, Reason: "hook names must be non-empty strings"}
			case !isFn:
				herr = &fault.LoadError{ID: r.sb.id, Reason: fmt.Sprintf("hook %v must be a function, got %v", ks, v.Type())}
			default:
				mod.Hooks[string(ks)] = r.wrap(fn)
			}
		})
		if herr != nil {
			return nil, herr
		}
	default:
		return nil, &fault.LoadError{ID: r.sb.id, Reason: fmt.Sprintf("hooks must be a table, got %v", hooks.Type())}
	}
	return mod, nil
}
