package script

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// forbiddenModules is the set of §4.3 bridge module names. The metadata
// sandbox installs a poisoned stand-in for each so that a script which
// reaches for one fails loudly at evaluation, rather than with a bare Lua
// "attempt to index a nil value".
var forbiddenModules = []string{"log", "input", "output", "env", "process", "container"}

const sandboxViolationMarker = "rivet: sandbox violation:"

// newSandboxState returns a fresh *lua.LState with only the base, table,
// string, and math libraries opened. No os, io, package, debug, or coroutine
// library is ever available to a pipeline script, in either sandbox -- the
// bridge modules are the only way a script observes the outside world.
func newSandboxState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true, CallStackSize: 256})

	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		_ = L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name))
	}

	// Remove the handful of base-library functions that leak process state
	// even without the os/io libraries open.
	for _, name := range []string{"print", "collectgarbage", "dofile", "loadfile"} {
		L.SetGlobal(name, lua.LNil)
	}

	return L
}

func poisonModule(L *lua.LState, name string) *lua.LTable {
	tbl := L.NewTable()
	mt := L.NewTable()
	L.SetField(mt, "__index", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("%s module %q", sandboxViolationMarker, name)
		return 0
	}))
	L.SetField(mt, "__call", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("%s module %q", sandboxViolationMarker, name)
		return 0
	}))
	L.SetMetatable(tbl, mt)
	return tbl
}

// installPipelineModule wires the always-present `pipeline` global (define,
// builder, input, stage, tag) that both sandboxes share.
func installPipelineModule(L *lua.LState) {
	L.SetGlobal("pipeline", buildPipelineModule(L))
}

// classifyLuaError turns a raw gopher-lua evaluation error into one of our
// taxonomy types. Anything matching the sandbox-violation marker becomes a
// SandboxViolation (which callers then wrap as a ValidationError); anything
// else is returned as-is for the caller to wrap in its own context.
func classifyLuaError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if idx := strings.Index(msg, sandboxViolationMarker); idx >= 0 {
		rest := strings.TrimSpace(msg[idx+len(sandboxViolationMarker):])
		return &SandboxViolation{Module: strings.Trim(rest, `"`)}
	}
	return fmt.Errorf("script error: %s", msg)
}
