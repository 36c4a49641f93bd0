package bridge

import (
	lua "github.com/yuin/gopher-lua"
)

// newReadOnlyModule builds the shared get/require/has/all/keys shape used
// by both the input and env modules (§4.3: "Same shape as input").
func newReadOnlyModule(L *lua.LState, provider InputProvider) *lua.LTable {
	t := L.NewTable()

	L.SetField(t, "get", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		v, ok := provider.Get(name)
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
		v, ok := provider.Get(name)
		if !ok {
			L.RaiseError("required value %q is not present", name)
			return 0
		}
		L.Push(lua.LString(v))
		return 1
	}))

	L.SetField(t, "has", L.NewFunction(func(L *lua.LState) int {
		_, ok := provider.Get(L.CheckString(1))
		L.Push(lua.LBool(ok))
		return 1
	}))

	L.SetField(t, "keys", L.NewFunction(func(L *lua.LState) int {
		keys := provider.Keys()
		out := L.NewTable()
		for _, k := range keys {
			out.Append(lua.LString(k))
		}
		L.Push(out)
		return 1
	}))

	L.SetField(t, "all", L.NewFunction(func(L *lua.LState) int {
		out := L.NewTable()
		for _, k := range provider.Keys() {
			if v, ok := provider.Get(k); ok {
				L.SetField(out, k, lua.LString(v))
			}
		}
		L.Push(out)
		return 1
	}))

	return t
}

// NewInputModule builds the `input` module over job parameters.
func NewInputModule(L *lua.LState, provider InputProvider) *lua.LTable {
	return newReadOnlyModule(L, provider)
}

// NewEnvModule builds the `env` module over the runner-curated environment
// subset. It is never process-level os.Environ(); the runner assembles the
// provider from job parameters and its own configuration before the
// evaluator ever starts.
func NewEnvModule(L *lua.LState, provider InputProvider) *lua.LTable {
	return newReadOnlyModule(L, provider)
}
