package bridge

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

var recognizedProcessOptions = map[string]bool{
	"cmd": true, "args": true, "cwd": true, "stdin": true,
	"capture_stdout": true, "capture_stderr": true,
	"stdout_level": true, "stderr_level": true,
}

// NewProcessModule builds the `process` table: one operation, run(config),
// that decodes config per §4.3, rejects unrecognized options, and
// delegates to driver -- which the runner backs with the job's container
// stack Exec on whatever is currently on top.
func NewProcessModule(L *lua.LState, ctx context.Context, driver ProcessDriver) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "run", L.NewFunction(func(L *lua.LState) int {
		cfgTbl := L.CheckTable(1)

		var unrecognized string
		cfgTbl.ForEach(func(k, _ lua.LValue) {
			if unrecognized != "" {
				return
			}
			if ks, ok := k.(lua.LString); ok && !recognizedProcessOptions[string(ks)] {
				unrecognized = string(ks)
			}
		})
		if unrecognized != "" {
			L.RaiseError("process.run: unrecognized option %q", unrecognized)
			return 0
		}

		cmdVal := cfgTbl.RawGetString("cmd")
		if cmdVal == lua.LNil {
			L.RaiseError("process.run: %s", "cmd is required")
			return 0
		}

		cfg := ProcessConfig{
			Cmd:         cmdVal.String(),
			StdoutLevel: LevelInfo,
			StderrLevel: LevelWarning,
		}
		if argsVal, ok := cfgTbl.RawGetString("args").(*lua.LTable); ok {
			n := argsVal.Len()
			cfg.Args = make([]string, n)
			for i := 1; i <= n; i++ {
				cfg.Args[i-1] = argsVal.RawGetInt(i).String()
			}
		}
		if v := cfgTbl.RawGetString("cwd"); v != lua.LNil {
			cfg.Cwd = v.String()
		}
		if v := cfgTbl.RawGetString("stdin"); v != lua.LNil {
			cfg.Stdin = v.String()
		}
		cfg.CaptureStdout = lua.LVAsBool(cfgTbl.RawGetString("capture_stdout"))
		cfg.CaptureStderr = lua.LVAsBool(cfgTbl.RawGetString("capture_stderr"))
		if v := cfgTbl.RawGetString("stdout_level"); v != lua.LNil {
			cfg.StdoutLevel = LogLevel(v.String())
		}
		if v := cfgTbl.RawGetString("stderr_level"); v != lua.LNil {
			cfg.StderrLevel = LogLevel(v.String())
		}

		result, err := driver.Run(ctx, cfg)
		if err != nil {
			L.RaiseError("process.run: %s", fmt.Sprint(err))
			return 0
		}

		out := L.NewTable()
		L.SetField(out, "exit_code", lua.LNumber(result.ExitCode))
		if cfg.CaptureStdout {
			L.SetField(out, "stdout", lua.LString(result.Stdout))
		}
		if cfg.CaptureStderr {
			L.SetField(out, "stderr", lua.LString(result.Stderr))
		}
		L.Push(out)
		return 1
	}))
	return t
}
