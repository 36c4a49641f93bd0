package bridge

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// NewLogModule builds the `log` table: debug|info|warning|error(msg),
// each forwarding to sink with the call's level and the current time.
func NewLogModule(L *lua.LState, sink LogSink) *lua.LTable {
	t := L.NewTable()
	for level, name := range map[LogLevel]string{
		LevelDebug:   "debug",
		LevelInfo:    "info",
		LevelWarning: "warning",
		LevelError:   "error",
	} {
		level := level
		L.SetField(t, name, L.NewFunction(func(L *lua.LState) int {
			msg := L.CheckString(1)
			sink.Log(level, msg, time.Now())
			return 0
		}))
	}
	return t
}
