package script

import (
	lua "github.com/yuin/gopher-lua"
)

// buildPipelineModule constructs the `pipeline` global table: define,
// builder, and the input/stage/tag helper constructors from spec §6.
func buildPipelineModule(L *lua.LState) *lua.LTable {
	mod := L.NewTable()

	L.SetField(mod, "define", L.NewFunction(pipelineDefine))
	L.SetField(mod, "builder", L.NewFunction(pipelineBuilder))
	L.SetField(mod, "input", L.NewFunction(pipelineInputHelper))
	L.SetField(mod, "stage", L.NewFunction(pipelineStageHelper))
	L.SetField(mod, "tag", L.NewFunction(pipelineTagHelper))

	return mod
}

// pipelineDefine implements pipeline.define(table) -> table: it is the
// identity function over a well-formed declaration table, existing purely
// so scripts can express a pipeline as a single literal instead of a
// builder chain.
func pipelineDefine(L *lua.LState) int {
	t := L.CheckTable(1)
	L.Push(t)
	return 1
}

// pipelineInputHelper implements pipeline.input(name, opts) -> table,
// returning {name=name, type=..., description=..., default=..., options=...,
// required=...} for use inside an inputs array.
func pipelineInputHelper(L *lua.LState) int {
	name := L.CheckString(1)
	opts := L.OptTable(2, L.NewTable())

	out := L.NewTable()
	L.SetField(out, "name", lua.LString(name))
	opts.ForEach(func(k, v lua.LValue) {
		L.SetField(out, k.String(), v)
	})
	L.Push(out)
	return 1
}

// pipelineStageHelper implements pipeline.stage(name, [opts,] body) -> table,
// returning {name=name, container=opts.container, condition=opts.condition,
// body=body}.
func pipelineStageHelper(L *lua.LState) int {
	name := L.CheckString(1)

	var opts *lua.LTable
	var body lua.LValue
	if L.GetTop() == 2 {
		body = L.CheckAny(2)
	} else {
		opts = L.CheckTable(2)
		body = L.CheckAny(3)
	}

	out := L.NewTable()
	L.SetField(out, "name", lua.LString(name))
	L.SetField(out, "body", body)
	if opts != nil {
		if c := opts.RawGetString("container"); c != lua.LNil {
			L.SetField(out, "container", c)
		}
		if c := opts.RawGetString("condition"); c != lua.LNil {
			L.SetField(out, "condition", c)
		}
	}
	L.Push(out)
	return 1
}

// pipelineTagHelper implements pipeline.tag(key, value) -> {key=, value=}.
func pipelineTagHelper(L *lua.LState) int {
	key := L.CheckString(1)
	value := L.CheckString(2)

	out := L.NewTable()
	L.SetField(out, "key", lua.LString(key))
	L.SetField(out, "value", lua.LString(value))
	L.Push(out)
	return 1
}

// pipelineBuilder implements pipeline.builder() -> builder, a chainable
// table whose methods (name|description|input|tag|plugin|stage|build)
// accumulate into a declaration table and return the builder itself, except
// build() which returns the assembled declaration.
func pipelineBuilder(L *lua.LState) int {
	self := L.NewTable()
	decl := L.NewTable()
	L.SetField(decl, "inputs", L.NewTable())
	L.SetField(decl, "tags", L.NewTable())
	L.SetField(decl, "plugins", L.NewTable())
	L.SetField(decl, "stages", L.NewTable())
	L.SetField(self, "__decl", decl)

	methods := L.NewTable()
	L.SetField(methods, "name", L.NewFunction(builderName))
	L.SetField(methods, "description", L.NewFunction(builderDescription))
	L.SetField(methods, "input", L.NewFunction(builderInput))
	L.SetField(methods, "tag", L.NewFunction(builderTag))
	L.SetField(methods, "plugin", L.NewFunction(builderPlugin))
	L.SetField(methods, "stage", L.NewFunction(builderStage))
	L.SetField(methods, "build", L.NewFunction(builderBuild))

	mt := L.NewTable()
	L.SetField(mt, "__index", methods)
	L.SetMetatable(self, mt)

	L.Push(self)
	return 1
}

func builderSelf(L *lua.LState) (*lua.LTable, *lua.LTable) {
	self := L.CheckTable(1)
	decl, _ := self.RawGetString("__decl").(*lua.LTable)
	return self, decl
}

func builderName(L *lua.LState) int {
	self, decl := builderSelf(L)
	L.SetField(decl, "name", lua.LString(L.CheckString(2)))
	L.Push(self)
	return 1
}

func builderDescription(L *lua.LState) int {
	self, decl := builderSelf(L)
	L.SetField(decl, "description", lua.LString(L.CheckString(2)))
	L.Push(self)
	return 1
}

func builderInput(L *lua.LState) int {
	self, decl := builderSelf(L)
	name := L.CheckString(2)
	opts := L.OptTable(3, L.NewTable())

	def := L.NewTable()
	L.SetField(def, "name", lua.LString(name))
	opts.ForEach(func(k, v lua.LValue) {
		L.SetField(def, k.String(), v)
	})

	inputs, _ := decl.RawGetString("inputs").(*lua.LTable)
	inputs.Append(def)
	L.Push(self)
	return 1
}

func builderTag(L *lua.LState) int {
	self, decl := builderSelf(L)
	key := L.CheckString(2)
	value := L.CheckString(3)

	tag := L.NewTable()
	L.SetField(tag, "key", lua.LString(key))
	L.SetField(tag, "value", lua.LString(value))

	tags, _ := decl.RawGetString("tags").(*lua.LTable)
	tags.Append(tag)
	L.Push(self)
	return 1
}

func builderPlugin(L *lua.LState) int {
	self, decl := builderSelf(L)
	plugins, _ := decl.RawGetString("plugins").(*lua.LTable)
	plugins.Append(lua.LString(L.CheckString(2)))
	L.Push(self)
	return 1
}

// builderStage mirrors pipeline.stage's two call shapes:
// :stage(name, body) or :stage(name, opts, body).
func builderStage(L *lua.LState) int {
	self, decl := builderSelf(L)
	name := L.CheckString(2)

	var opts *lua.LTable
	var body lua.LValue
	if L.GetTop() == 3 {
		body = L.CheckAny(3)
	} else {
		opts = L.CheckTable(3)
		body = L.CheckAny(4)
	}

	stage := L.NewTable()
	L.SetField(stage, "name", lua.LString(name))
	L.SetField(stage, "body", body)
	if opts != nil {
		if c := opts.RawGetString("container"); c != lua.LNil {
			L.SetField(stage, "container", c)
		}
		if c := opts.RawGetString("condition"); c != lua.LNil {
			L.SetField(stage, "condition", c)
		}
	}

	stages, _ := decl.RawGetString("stages").(*lua.LTable)
	stages.Append(stage)
	L.Push(self)
	return 1
}

func builderBuild(L *lua.LState) int {
	_, decl := builderSelf(L)
	L.Push(decl)
	return 1
}
