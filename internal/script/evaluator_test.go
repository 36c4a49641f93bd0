package script

import (
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

const defineSource = `
return pipeline.define({
	name = "build-and-test",
	description = "builds and tests the service",
	inputs = {
		environment = pipeline.input("environment", {type = "string", required = true, options = {"staging", "production"}}),
	},
	tags = { pipeline.tag("team", "platform") },
	stages = {
		pipeline.stage("build", { container = "golang:1.21" }, function() end),
		pipeline.stage("deploy", { condition = function() return true end }, function() end),
	},
})
`

func TestExtractDeclared_DefineForm(t *testing.T) {
	decl, err := ExtractDeclared(defineSource)
	if err != nil {
		t.Fatalf("ExtractDeclared: %v", err)
	}
	if decl.Name != "build-and-test" {
		t.Fatalf("Name = %q, want build-and-test", decl.Name)
	}
	if len(decl.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(decl.Stages))
	}
	if decl.Stages[0].Name != "build" || decl.Stages[0].Container != "golang:1.21" {
		t.Fatalf("unexpected first stage: %+v", decl.Stages[0])
	}
	if !decl.Stages[1].HasCondition {
		t.Fatalf("deploy stage should report HasCondition")
	}
	in, ok := decl.Inputs["environment"]
	if !ok {
		t.Fatalf("missing environment input")
	}
	if !in.Required || len(in.Options) != 2 {
		t.Fatalf("unexpected input decl: %+v", in)
	}
	if decl.RunnerTags["team"] != "platform" {
		t.Fatalf("missing team tag, got %+v", decl.RunnerTags)
	}
}

const builderSource = `
local p = pipeline.builder()
p:name("builder-form"):description("built via the fluent API")
p:input("version", {type = "string", default = "latest"})
p:stage("unit-tests", function() end)
return p:build()
`

func TestExtractDeclared_BuilderForm(t *testing.T) {
	decl, err := ExtractDeclared(builderSource)
	if err != nil {
		t.Fatalf("ExtractDeclared: %v", err)
	}
	if decl.Name != "builder-form" {
		t.Fatalf("Name = %q, want builder-form", decl.Name)
	}
	if len(decl.Stages) != 1 || decl.Stages[0].Name != "unit-tests" {
		t.Fatalf("unexpected stages: %+v", decl.Stages)
	}
	if in := decl.Inputs["version"]; in.Default == nil || *in.Default != "latest" {
		t.Fatalf("unexpected version input: %+v", in)
	}
}

func TestExtractDeclared_NoStages(t *testing.T) {
	_, err := ExtractDeclared(`return pipeline.define({ name = "empty", stages = {} })`)
	if err == nil {
		t.Fatal("expected an error for a pipeline with no stages")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
}

func TestExtractDeclared_DuplicateStageNames(t *testing.T) {
	src := `
return pipeline.define({
	name = "dup",
	stages = {
		pipeline.stage("build", function() end),
		pipeline.stage("build", function() end),
	},
})`
	_, err := ExtractDeclared(src)
	if err == nil {
		t.Fatal("expected a duplicate stage name error")
	}
}

func TestExtractDeclared_BridgeModulesArePoisoned(t *testing.T) {
	src := `
log.info("hello")
return pipeline.define({ name = "x", stages = { pipeline.stage("a", function() end) } })
`
	_, err := ExtractDeclared(src)
	if err == nil {
		t.Fatal("expected a sandbox violation error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if !strings.Contains(ve.Reason, "log") {
		t.Fatalf("expected reason to mention the log module, got %q", ve.Reason)
	}
}

func TestExtractDeclared_DefaultNotInOptions(t *testing.T) {
	src := `
return pipeline.define({
	name = "x",
	inputs = { env = pipeline.input("env", {type = "string", default = "prod", options = {"staging"}}) },
	stages = { pipeline.stage("a", function() end) },
})`
	_, err := ExtractDeclared(src)
	if err == nil {
		t.Fatal("expected a validation error for default not in options")
	}
}

func TestEvaluator_CallBodyAndCondition(t *testing.T) {
	src := `
return pipeline.define({
	name = "run-me",
	stages = {
		pipeline.stage("skip-me", { condition = function() return false end }, function()
			error("should never run")
		end),
		pipeline.stage("count", function()
			counted = (counted or 0) + 1
		end),
	},
})`
	ev, err := NewEvaluator(src, nil)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	defer ev.Close()

	should, err := ev.CallCondition("skip-me")
	if err != nil {
		t.Fatalf("CallCondition: %v", err)
	}
	if should {
		t.Fatal("skip-me condition should be false")
	}

	if err := ev.CallBody("count"); err != nil {
		t.Fatalf("CallBody: %v", err)
	}
	got := ev.State().GetGlobal("counted")
	if lua.LVAsNumber(got) != 1 {
		t.Fatalf("counted = %v, want 1", got)
	}
}

func TestEvaluator_StageErrorFromBody(t *testing.T) {
	src := `
return pipeline.define({
	name = "fails",
	stages = { pipeline.stage("boom", function() error("kaboom") end) },
})`
	ev, err := NewEvaluator(src, nil)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	defer ev.Close()

	err = ev.CallBody("boom")
	if err == nil {
		t.Fatal("expected a stage error")
	}
	se, ok := err.(*StageError)
	if !ok {
		t.Fatalf("expected *StageError, got %T", err)
	}
	if se.StageName != "boom" {
		t.Fatalf("StageName = %q, want boom", se.StageName)
	}
}

func TestEvaluator_InstalledModulesAreReachable(t *testing.T) {
	build := func(L *lua.LState) map[string]lua.LValue {
		return map[string]lua.LValue{"env": L.NewTable()}
	}
	src := `
return pipeline.define({
	name = "uses-env",
	stages = { pipeline.stage("noop", function()
		assert(env ~= nil)
	end) },
})`
	ev, err := NewEvaluator(src, build)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	defer ev.Close()
	if err := ev.CallBody("noop"); err != nil {
		t.Fatalf("CallBody: %v", err)
	}
}
