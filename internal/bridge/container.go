package bridge

import (
	"context"
	"errors"

	lua "github.com/yuin/gopher-lua"
)

// NewContainerModule builds the `container` table: one operation,
// with(image, fn), implementing the scoped-acquisition contract of §4.2 --
// push, invoke fn, pop exactly once on every exit path, re-raising any
// error from fn after the pop.
func NewContainerModule(L *lua.LState, ctx context.Context, driver ContainerDriver) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "with", L.NewFunction(func(L *lua.LState) int {
		image := L.CheckString(1)
		fn := L.CheckFunction(2)

		err := driver.With(ctx, image, func() error {
			L.Push(fn)
			if callErr := L.PCall(0, 0, nil); callErr != nil {
				return errors.New(callErr.Error())
			}
			return nil
		})
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		return 0
	}))
	return t
}
