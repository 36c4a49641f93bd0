package script

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

var validBools = map[string]bool{
	"true": true, "false": true, "1": true, "0": true, "yes": true, "no": true,
}

// typeCheckValue reports whether value is well-formed for typ, independent
// of any options set -- the same rules launch-time validation applies to
// supplied parameters, run here against a declared default.
func typeCheckValue(typ InputType, value string) bool {
	switch typ {
	case InputNumber:
		n, err := strconv.ParseFloat(value, 64)
		return err == nil && !math.IsNaN(n) && !math.IsInf(n, 0)
	case InputBool:
		return validBools[strings.ToLower(value)]
	default:
		return true
	}
}

// ExtractDeclared evaluates source in a fresh metadata sandbox and returns
// the DeclaredPipeline it produces. The metadata sandbox has every bridge
// module poisoned, so a script that only inspects its own declaration
// (rather than performing I/O at the top level) runs to completion here
// regardless of which stage eventually does real work.
//
// The script must leave exactly one pipeline declaration table as its
// return value -- either the result of pipeline.define(...) or of a
// builder chain's :build().
func ExtractDeclared(source string) (DeclaredPipeline, error) {
	L := newSandboxState()
	defer L.Close()

	installPipelineModule(L)
	for _, name := range forbiddenModules {
		L.SetGlobal(name, poisonModule(L, name))
	}

	fn, err := L.LoadString(source)
	if err != nil {
		return DeclaredPipeline{}, &ValidationError{Path: "script", Reason: err.Error()}
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return DeclaredPipeline{}, AsValidationError("script", classifyLuaError(err))
	}

	ret := L.Get(-1)
	L.Pop(1)
	decl, ok := ret.(*lua.LTable)
	if !ok {
		return DeclaredPipeline{}, &ValidationError{
			Path:   "script",
			Reason: "pipeline script must return a pipeline declaration table",
		}
	}

	return decodeDeclaration(decl)
}

func decodeDeclaration(t *lua.LTable) (DeclaredPipeline, error) {
	var out DeclaredPipeline

	out.Name = luaStringField(t, "name")
	if out.Name == "" {
		return out, &ValidationError{Path: "name", Reason: "pipeline name is required"}
	}
	out.Description = luaStringField(t, "description")

	if inputsVal := t.RawGetString("inputs"); inputsVal != lua.LNil {
		inputs, err := decodeInputs(inputsVal)
		if err != nil {
			return out, err
		}
		out.Inputs = inputs
	}

	if tagsVal := t.RawGetString("tags"); tagsVal != lua.LNil {
		tags, err := decodeTags(tagsVal)
		if err != nil {
			return out, err
		}
		out.RunnerTags = tags
	}

	if pluginsVal := t.RawGetString("plugins"); pluginsVal != lua.LNil {
		plugins, err := decodeStringArray(pluginsVal)
		if err != nil {
			return out, &ValidationError{Path: "plugins", Reason: err.Error()}
		}
		out.Plugins = plugins
	}

	stagesVal := t.RawGetString("stages")
	stagesTbl, ok := stagesVal.(*lua.LTable)
	if !ok || stagesTbl.Len() == 0 {
		return out, &ValidationError{Path: "stages", Reason: "pipeline must declare at least one stage"}
	}
	stages, err := decodeStages(stagesTbl)
	if err != nil {
		return out, err
	}
	out.Stages = stages

	seen := make(map[string]bool, len(out.Stages))
	for _, s := range out.Stages {
		if seen[s.Name] {
			return out, &ValidationError{Path: "stages", Reason: fmt.Sprintf("duplicate stage name %q", s.Name)}
		}
		seen[s.Name] = true
	}

	return out, nil
}

func decodeInputs(v lua.LValue) (map[string]InputDefinition, error) {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, &ValidationError{Path: "inputs", Reason: "inputs must be a table"}
	}

	out := make(map[string]InputDefinition)

	decodeOne := func(name string, def *lua.LTable) error {
		typ := InputType(luaStringField(def, "type"))
		switch typ {
		case InputString, InputNumber, InputBool:
		case "":
			typ = InputString
		default:
			return &ValidationError{Path: "inputs." + name + ".type", Reason: fmt.Sprintf("unknown input type %q", typ)}
		}

		d := InputDefinition{
			Type:        typ,
			Description: luaStringField(def, "description"),
			Required:    lua.LVAsBool(def.RawGetString("required")),
		}
		if dv := def.RawGetString("default"); dv != lua.LNil {
			s := dv.String()
			if !typeCheckValue(typ, s) {
				return &ValidationError{Path: "inputs." + name + ".default", Reason: fmt.Sprintf("default value is not a valid %s", typ)}
			}
			d.Default = &s
		}
		if ov := def.RawGetString("options"); ov != lua.LNil {
			opts, err := decodeStringArray(ov)
			if err != nil {
				return &ValidationError{Path: "inputs." + name + ".options", Reason: err.Error()}
			}
			if len(opts) == 0 {
				return &ValidationError{Path: "inputs." + name + ".options", Reason: "options must not be empty"}
			}
			d.Options = opts
		}
		if d.Default != nil && len(d.Options) > 0 {
			found := false
			for _, o := range d.Options {
				if o == *d.Default {
					found = true
					break
				}
			}
			if !found {
				return &ValidationError{Path: "inputs." + name, Reason: "default value is not among options"}
			}
		}
		out[name] = d
		return nil
	}

	// Support both map-keyed (inputs.foo = pipeline.input("foo", {...}))
	// and array-form (pipeline.input returns a table with its own "name"
	// field, appended via plain list syntax) declarations.
	var rangeErr error
	tbl.ForEach(func(k, v lua.LValue) {
		if rangeErr != nil {
			return
		}
		def, ok := v.(*lua.LTable)
		if !ok {
			rangeErr = &ValidationError{Path: "inputs", Reason: "each input must be a table"}
			return
		}
		name := ""
		if ks, ok := k.(lua.LString); ok {
			name = string(ks)
		}
		if nameField := luaStringField(def, "name"); nameField != "" {
			name = nameField
		}
		if name == "" {
			rangeErr = &ValidationError{Path: "inputs", Reason: "input is missing a name"}
			return
		}
		rangeErr = decodeOne(name, def)
	})
	if rangeErr != nil {
		return nil, rangeErr
	}

	return out, nil
}

func decodeTags(v lua.LValue) (map[string]string, error) {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, &ValidationError{Path: "tags", Reason: "tags must be a table"}
	}
	out := make(map[string]string)
	var rangeErr error
	tbl.ForEach(func(_, v lua.LValue) {
		if rangeErr != nil {
			return
		}
		entry, ok := v.(*lua.LTable)
		if !ok {
			rangeErr = &ValidationError{Path: "tags", Reason: "each tag must be a {key=,value=} table"}
			return
		}
		key := luaStringField(entry, "key")
		value := luaStringField(entry, "value")
		if key == "" {
			rangeErr = &ValidationError{Path: "tags", Reason: "tag is missing a key"}
			return
		}
		out[key] = value
	})
	if rangeErr != nil {
		return nil, rangeErr
	}
	return out, nil
}

func decodeStringArray(v lua.LValue) ([]string, error) {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("expected a list of strings")
	}
	n := tbl.Len()
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, tbl.RawGetInt(i).String())
	}
	return out, nil
}

func decodeStages(tbl *lua.LTable) ([]StageDecl, error) {
	n := tbl.Len()
	out := make([]StageDecl, 0, n)
	for i := 1; i <= n; i++ {
		v := tbl.RawGetInt(i)
		entry, ok := v.(*lua.LTable)
		if !ok {
			return nil, &ValidationError{Path: "stages", Reason: "each stage must be a table"}
		}
		name := luaStringField(entry, "name")
		if name == "" {
			return nil, &ValidationError{Path: "stages", Reason: "stage is missing a name"}
		}
		if _, ok := entry.RawGetString("body").(*lua.LFunction); !ok {
			return nil, &ValidationError{Path: "stages." + name, Reason: "stage body must be a function"}
		}
		_, hasCond := entry.RawGetString("condition").(*lua.LFunction)
		out = append(out, StageDecl{
			Name:         name,
			Container:    luaStringField(entry, "container"),
			HasCondition: hasCond,
		})
	}
	return out, nil
}

func luaStringField(t *lua.LTable, name string) string {
	v := t.RawGetString(name)
	if v == lua.LNil {
		return ""
	}
	return v.String()
}
