package sandbox

import (
	"fmt"
	"reflect"

	lua "github.com/yuin/gopher-lua"
)

// toLua converts a Go value into Lua. Numbers become LNumber, slices and
// maps become tables, anything else unknown becomes its string form.
func toLua(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return v
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case []byte:
		return lua.LString(v)
	case float64:
		return lua.LNumber(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case []any:
		t := L.CreateTable(len(v), 0)
		for i, e := range v {
			t.RawSetInt(i+1, toLua(L, e))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(v))
		for k, e := range v {
			t.RawSetString(k, toLua(L, e))
		}
		return t
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return lua.LNumber(rv.Uint())
	case reflect.Float32:
		return lua.LNumber(rv.Float())
	case reflect.Slice, reflect.Array:
		t := L.CreateTable(rv.Len(), 0)
		for i := 0; i < rv.Len(); i++ {
			t.RawSetInt(i+1, toLua(L, rv.Index(i).Interface()))
		}
		return t
	case reflect.Map:
		t := L.CreateTable(0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			t.RawSet(toLua(L, iter.Key().Interface()), toLua(L, iter.Value().Interface()))
		}
		return t
	case reflect.Pointer:
		if rv.IsNil() {
			return lua.LNil
		}
		return toLua(L, rv.Elem().Interface())
	}
	return lua.LString(fmt.Sprint(v))
}

// fromLua converts a Lua value into plain Go values: float64, string,
// bool, []any for sequences and map[string]any for other tables.
func fromLua(v lua.LValue) any {
	return fromLuaSeen(v, make(map[*lua.LTable]bool))
}

func fromLuaSeen(v lua.LValue, seen map[*lua.LTable]bool) any {
	switch v := v.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if seen[v] {
			return nil
		}
		seen[v] = true
		defer delete(seen, v)
		return tableToGo(v, seen)
	case *lua.LUserData:
		return v.Value
	}
	return nil
}

func tableToGo(t *lua.LTable, seen map[*lua.LTable]bool) any {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })
	if n > 0 && n == count {
		ret := make([]any, n)
		for i := 1; i <= n; i++ {
			ret[i-1] = fromLuaSeen(t.RawGetInt(i), seen)
		}
		return ret
	}

	ret := make(map[string]any, count)
	t.ForEach(func(k, e lua.LValue) {
		ret[k.String()] = fromLuaSeen(e, seen)
	})
	return ret
}

const maxSizeDepth = 32

// sizeOf estimates the bytes v takes once copied into a runtime.
func sizeOf(v any) int64 {
	return sizeOfValue(reflect.ValueOf(v), 0)
}

func sizeOfValue(rv reflect.Value, depth int) int64 {
	if !rv.IsValid() || depth > maxSizeDepth {
		return 0
	}
	switch rv.Kind() {
	case reflect.String:
		return int64(rv.Len()) + 16
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return int64(rv.Len()) + 24
		}
		n := int64(24)
		for i := 0; i < rv.Len(); i++ {
			n += sizeOfValue(rv.Index(i), depth+1)
		}
		return n
	case reflect.Map:
		n := int64(48)
		iter := rv.MapRange()
		for iter.Next() {
			n += sizeOfValue(iter.Key(), depth+1) + sizeOfValue(iter.Value(), depth+1)
		}
		return n
	case reflect.Struct:
		var n int64
		for i := 0; i < rv.NumField(); i++ {
			n += sizeOfValue(rv.Field(i), depth+1)
		}
		return n
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return 8
		}
		return 8 + sizeOfValue(rv.Elem(), depth+1)
	}
	return 8
}
