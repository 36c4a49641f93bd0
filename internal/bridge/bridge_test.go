package bridge

import (
	"context"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

type recordingSink struct {
	lines []string
}

func (s *recordingSink) Log(level LogLevel, msg string, _ time.Time) {
	s.lines = append(s.lines, string(level)+": "+msg)
}

func evalBody(t *testing.T, globals map[string]lua.LValue, body string) *lua.LState {
	t.Helper()
	L := lua.NewState()
	for name, v := range globals {
		L.SetGlobal(name, v)
	}
	if err := L.DoString(body); err != nil {
		t.Fatalf("DoString: %v", err)
	}
	return L
}

func TestLogModule_ForwardsToSink(t *testing.T) {
	sink := &recordingSink{}
	L := lua.NewState()
	defer L.Close()
	L.SetGlobal("log", NewLogModule(L, sink))

	if err := L.DoString(`log.info("hello"); log.error("boom")`); err != nil {
		t.Fatalf("DoString: %v", err)
	}
	if len(sink.lines) != 2 || sink.lines[0] != "info: hello" || sink.lines[1] != "error: boom" {
		t.Fatalf("unexpected lines: %+v", sink.lines)
	}
}

func TestInputModule_GetRequireHas(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	provider := MapProvider{"environment": "staging"}
	L.SetGlobal("input", NewInputModule(L, provider))

	if err := L.DoString(`
		assert(input.get("environment") == "staging")
		assert(input.get("missing", "fallback") == "fallback")
		assert(input.has("environment") == true)
		assert(input.has("missing") == false)
	`); err != nil {
		t.Fatalf("DoString: %v", err)
	}
}

func TestInputModule_RequireRaisesWhenAbsent(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	L.SetGlobal("input", NewInputModule(L, MapProvider{}))

	err := L.DoString(`input.require("missing")`)
	if err == nil {
		t.Fatal("expected require() to raise for a missing key")
	}
}

func TestOutputModule_RoundTrip(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	store := NewMapOutputStore()
	L.SetGlobal("output", NewOutputModule(L, store))

	if err := L.DoString(`
		output.set("image_tag", "abc123")
		assert(output.get("image_tag") == "abc123")
		assert(output.has("image_tag"))
		output.clear("image_tag")
		assert(not output.has("image_tag"))
	`); err != nil {
		t.Fatalf("DoString: %v", err)
	}
	if store.Has("image_tag") {
		t.Fatal("expected image_tag to be cleared in the backing store too")
	}
}

func TestOutputModule_SurvivesIntoAllAndClearAll(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	store := NewMapOutputStore()
	L.SetGlobal("output", NewOutputModule(L, store))

	if err := L.DoString(`
		output.set("a", "1")
		output.set("b", "2")
		local all = output.all()
		assert(all.a == "1" and all.b == "2")
		output.clear_all()
		assert(output.has("a") == false and output.has("b") == false)
	`); err != nil {
		t.Fatalf("DoString: %v", err)
	}
	if len(store.All()) != 0 {
		t.Fatalf("expected empty store after clear_all, got %+v", store.All())
	}
}

type fakeProcessDriver struct {
	lastCfg ProcessConfig
	result  ProcessResult
	err     error
}

func (d *fakeProcessDriver) Run(ctx context.Context, cfg ProcessConfig) (ProcessResult, error) {
	d.lastCfg = cfg
	return d.result, d.err
}

func TestProcessModule_DecodesConfigAndReturnsResult(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	driver := &fakeProcessDriver{result: ProcessResult{ExitCode: 0, Stdout: "hi\n"}}
	L.SetGlobal("process", NewProcessModule(L, context.Background(), driver))

	if err := L.DoString(`
		local r = process.run({cmd = "echo", args = {"hi"}, capture_stdout = true})
		assert(r.exit_code == 0)
		assert(r.stdout == "hi\n")
	`); err != nil {
		t.Fatalf("DoString: %v", err)
	}
	if driver.lastCfg.Cmd != "echo" || len(driver.lastCfg.Args) != 1 || driver.lastCfg.Args[0] != "hi" {
		t.Fatalf("unexpected decoded config: %+v", driver.lastCfg)
	}
}

func TestProcessModule_RejectsUnrecognizedOption(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	L.SetGlobal("process", NewProcessModule(L, context.Background(), &fakeProcessDriver{}))

	err := L.DoString(`process.run({cmd = "echo", timeout = 5})`)
	if err == nil {
		t.Fatal("expected an error for an unrecognized option")
	}
}

func TestProcessModule_RequiresCmd(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	L.SetGlobal("process", NewProcessModule(L, context.Background(), &fakeProcessDriver{}))

	err := L.DoString(`process.run({args = {"hi"}})`)
	if err == nil {
		t.Fatal("expected an error when cmd is missing")
	}
}

type fakeContainerDriver struct {
	entered []string
}

func (d *fakeContainerDriver) With(ctx context.Context, image string, fn func() error) error {
	d.entered = append(d.entered, image)
	return fn()
}

func TestContainerModule_WithInvokesAndRethrows(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	driver := &fakeContainerDriver{}
	L.SetGlobal("container", NewContainerModule(L, context.Background(), driver))

	if err := L.DoString(`
		local ran = false
		container.with("golang:1.21", function() ran = true end)
		assert(ran)
	`); err != nil {
		t.Fatalf("DoString: %v", err)
	}
	if len(driver.entered) != 1 || driver.entered[0] != "golang:1.21" {
		t.Fatalf("unexpected entered images: %+v", driver.entered)
	}

	err := L.DoString(`container.with("golang:1.21", function() error("stage failure") end)`)
	if err == nil {
		t.Fatal("expected the fn error to propagate out of container.with")
	}
}
