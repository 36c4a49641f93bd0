package script

import (
	lua "github.com/yuin/gopher-lua"
)

// stageFuncs holds the callable Lua handles extracted from one stage's
// declaration table.
type stageFuncs struct {
	condition *lua.LFunction
	body      *lua.LFunction
}

// Evaluator is the execution-sandbox counterpart to ExtractDeclared: it
// evaluates a pipeline script once, with the real bridge modules installed,
// and keeps the resulting Lua state alive so stage condition/body functions
// can be invoked later, in declared order, by the runner.
//
// An Evaluator is single-job, single-goroutine: it owns one *lua.LState and
// must not be shared across concurrent executions.
type Evaluator struct {
	l      *lua.LState
	decl   DeclaredPipeline
	stages map[string]stageFuncs
}

// NewEvaluator loads source into a fresh execution sandbox. buildModules, if
// non-nil, is called with the sandbox's own *lua.LState and must return the
// bridge modules to install as globals (see bridge.Install) -- building them
// against this same state, rather than a prebuilt map, is what lets a
// module constructor register closures the runtime can call back into
// safely. The always-present pipeline table is installed first, then the
// script is loaded and evaluated, and its returned declaration is decoded
// while the stage function handles are retained for later invocation.
func NewEvaluator(source string, buildModules func(L *lua.LState) map[string]lua.LValue) (*Evaluator, error) {
	L := newSandboxState()

	installPipelineModule(L)
	if buildModules != nil {
		for name, mod := range buildModules(L) {
			L.SetGlobal(name, mod)
		}
	}

	fn, err := L.LoadString(source)
	if err != nil {
		L.Close()
		return nil, AsValidationError("script", err)
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		L.Close()
		return nil, AsValidationError("script", classifyLuaError(err))
	}

	ret := L.Get(-1)
	L.Pop(1)
	declTbl, ok := ret.(*lua.LTable)
	if !ok {
		L.Close()
		return nil, &ValidationError{Path: "script", Reason: "pipeline script must return a pipeline declaration table"}
	}

	decl, err := decodeDeclaration(declTbl)
	if err != nil {
		L.Close()
		return nil, err
	}

	stages, err := extractStageFuncs(declTbl)
	if err != nil {
		L.Close()
		return nil, err
	}

	return &Evaluator{l: L, decl: decl, stages: stages}, nil
}

func extractStageFuncs(declTbl *lua.LTable) (map[string]stageFuncs, error) {
	stagesVal := declTbl.RawGetString("stages")
	stagesTbl, ok := stagesVal.(*lua.LTable)
	if !ok {
		return nil, &ValidationError{Path: "stages", Reason: "pipeline must declare at least one stage"}
	}

	out := make(map[string]stageFuncs, stagesTbl.Len())
	n := stagesTbl.Len()
	for i := 1; i <= n; i++ {
		entry, ok := stagesTbl.RawGetInt(i).(*lua.LTable)
		if !ok {
			continue
		}
		name := luaStringField(entry, "name")
		body, _ := entry.RawGetString("body").(*lua.LFunction)
		cond, _ := entry.RawGetString("condition").(*lua.LFunction)
		out[name] = stageFuncs{condition: cond, body: body}
	}
	return out, nil
}

// Declared returns the declaration extracted alongside the stage handles.
func (e *Evaluator) Declared() DeclaredPipeline {
	return e.decl
}

// Close releases the underlying Lua state. Callers must call this exactly
// once, after the job's stages have all run (or failed).
func (e *Evaluator) Close() {
	e.l.Close()
}

// CallCondition invokes the named stage's condition function, if it
// declared one, and reports whether the stage should run. A stage with no
// condition always runs.
func (e *Evaluator) CallCondition(stageName string) (bool, error) {
	sf, ok := e.stages[stageName]
	if !ok {
		return false, &StageError{StageName: stageName, Message: "unknown stage"}
	}
	if sf.condition == nil {
		return true, nil
	}

	e.l.Push(sf.condition)
	if err := e.l.PCall(0, 1, nil); err != nil {
		return false, &StageError{StageName: stageName, Message: classifyLuaError(err).Error()}
	}
	ret := e.l.Get(-1)
	e.l.Pop(1)
	return lua.LVAsBool(ret), nil
}

// CallBody invokes the named stage's body function and blocks until it
// returns or raises an error. Bridge modules reachable from the body decide
// for themselves whether to do blocking host-side work (container exec,
// log flush, and so on); CallBody itself has no timeout of its own.
func (e *Evaluator) CallBody(stageName string) error {
	sf, ok := e.stages[stageName]
	if !ok {
		return &StageError{StageName: stageName, Message: "unknown stage"}
	}
	if sf.body == nil {
		return &StageError{StageName: stageName, Message: "stage has no body"}
	}

	e.l.Push(sf.body)
	if err := e.l.PCall(0, 0, nil); err != nil {
		return &StageError{StageName: stageName, Message: classifyLuaError(err).Error()}
	}
	return nil
}

// State exposes the underlying Lua state so bridge module constructors that
// need to register additional host-side callbacks (e.g. container.with's
// use of pcall for deferred cleanup) can be built against the same VM.
func (e *Evaluator) State() *lua.LState {
	return e.l
}
