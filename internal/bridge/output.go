package bridge

import (
	lua "github.com/yuin/gopher-lua"
)

// NewOutputModule builds the `output` table over store: set/get/require/
// has/all/keys/clear/clear_all. The store's final contents become
// JobResult.Outputs when the job terminates.
func NewOutputModule(L *lua.LState, store OutputStore) *lua.LTable {
	t := L.NewTable()

	L.SetField(t, "set", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		value := L.CheckString(2)
		store.Set(name, value)
		return 0
	}))

	L.SetField(t, "get", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		v, ok := store.Get(name)
		if !ok {
			if L.GetTop() >= 2 {
				L.Push(L.CheckAny(2))
			} else {
				L.Push(lua.LNil)
			}
			return 1
		}
		L.Push(lua.LString(v))
		return 1
	}))

	L.SetField(t, "require", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		v, ok := store.Get(name)
		if !ok {
			L.RaiseError("required output %q is not present", name)
			return 0
		}
		L.Push(lua.LString(v))
		return 1
	}))

	L.SetField(t, "has", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(store.Has(L.CheckString(1))))
		return 1
	}))

	L.SetField(t, "keys", L.NewFunction(func(L *lua.LState) int {
		out := L.NewTable()
		for _, k := range store.Keys() {
			out.Append(lua.LString(k))
		}
		L.Push(out)
		return 1
	}))

	L.SetField(t, "all", L.NewFunction(func(L *lua.LState) int {
		out := L.NewTable()
		for k, v := range store.All() {
			L.SetField(out, k, lua.LString(v))
		}
		L.Push(out)
		return 1
	}))

	L.SetField(t, "clear", L.NewFunction(func(L *lua.LState) int {
		store.Clear(L.CheckString(1))
		return 0
	}))

	L.SetField(t, "clear_all", L.NewFunction(func(L *lua.LState) int {
		store.ClearAll()
		return 0
	}))

	return t
}
