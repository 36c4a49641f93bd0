package bridge

import (
	"context"

	lua "github.com/yuin/gopher-lua"
)

// Capabilities bundles the backing implementations the runner supplies for
// one job's execution sandbox.
type Capabilities struct {
	Log       LogSink
	Input     InputProvider
	Output    OutputStore
	Env       InputProvider
	Process   ProcessDriver
	Container ContainerDriver
}

// Install builds all six bridge modules against L and returns them keyed
// by global name, ready to hand to script.NewEvaluator.
func Install(L *lua.LState, ctx context.Context, caps Capabilities) map[string]lua.LValue {
	return map[string]lua.LValue{
		"log":       NewLogModule(L, caps.Log),
		"input":     NewInputModule(L, caps.Input),
		"output":    NewOutputModule(L, caps.Output),
		"env":       NewEnvModule(L, caps.Env),
		"process":   NewProcessModule(L, ctx, caps.Process),
		"container": NewContainerModule(L, ctx, caps.Container),
	}
}

// Builder returns a closure suitable for script.NewEvaluator's
// buildModules parameter, deferring construction until the evaluator's own
// *lua.LState exists.
func Builder(ctx context.Context, caps Capabilities) func(L *lua.LState) map[string]lua.LValue {
	return func(L *lua.LState) map[string]lua.LValue {
		return Install(L, ctx, caps)
	}
}
