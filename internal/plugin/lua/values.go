// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package lua

import (
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/visorhq/visor/internal/plugin/marshal"
)

const (
	poisonTypeName   = "visor.rejected"
	timeTypeName     = "visor.time"
	refTypeName      = "visor.ref"
	deferredTypeName = "visor.deferred"
)

// poisonValue stands in for a host value the policy refused. Any use of it
// inside the guest raises the marshal error.
type poisonValue struct {
	err *marshal.Error
}

// timeValue carries a host time.Time.
type timeValue struct {
	t time.Time
}

// opaqueRef carries an allowed host instance the guest can hold and hand
// back but not inspect.
type opaqueRef struct {
	value any
}

// poisonEvents are the metamethods that raise on a rejected value.
var poisonEvents = []string{
	"__index", "__newindex", "__call", "__len", "__tostring", "__concat",
	"__unm", "__add", "__sub", "__mul", "__div", "__mod", "__pow", "__lt", "__le",
}

func (c *guestContext) registerTypes() {
	L := c.L

	poison := L.NewTypeMetatable(poisonTypeName)
	raise := L.NewFunction(raisePoison)
	for _, event := range poisonEvents {
		L.SetField(poison, event, raise)
	}
	L.SetField(poison, "__metatable", lua.LString("rejected"))

	tm := L.NewTypeMetatable(timeTypeName)
	L.SetField(tm, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"unix":    timeUnix,
		"unix_ms": timeUnixMilli,
		"iso":     timeISO,
	}))
	L.SetField(tm, "__tostring", L.NewFunction(timeISO))
	L.SetField(tm, "__eq", L.NewFunction(timeEqual))
	L.SetField(tm, "__lt", L.NewFunction(timeBefore))

	ref := L.NewTypeMetatable(refTypeName)
	L.SetField(ref, "__tostring", L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		if r, ok := ud.Value.(opaqueRef); ok {
			L.Push(lua.LString(fmt.Sprintf("ref<%T>", r.value)))
			return 1
		}
		L.Push(lua.LString("ref"))
		return 1
	}))
	L.SetField(ref, "__metatable", lua.LString("ref"))
}

func (c *guestContext) newPoison(err *marshal.Error) *lua.LUserData {
	ud := c.L.NewUserData()
	ud.Value = &poisonValue{err: err}
	ud.Metatable = c.L.GetTypeMetatable(poisonTypeName)
	return ud
}

func (c *guestContext) newTime(t time.Time) *lua.LUserData {
	ud := c.L.NewUserData()
	ud.Value = timeValue{t: t}
	ud.Metatable = c.L.GetTypeMetatable(timeTypeName)
	return ud
}

func (c *guestContext) newRef(v any) *lua.LUserData {
	ud := c.L.NewUserData()
	ud.Value = opaqueRef{value: v}
	ud.Metatable = c.L.GetTypeMetatable(refTypeName)
	return ud
}

// raisePoison raises the marshal error of the first rejected operand.
func raisePoison(L *lua.LState) int {
	for i := 1; i <= L.GetTop(); i++ {
		if ud, ok := L.Get(i).(*lua.LUserData); ok {
			if p, ok := ud.Value.(*poisonValue); ok {
				L.RaiseError("%s", p.err.Error())
				return 0
			}
		}
	}
	L.RaiseError("%s", marshal.Rejection(marshal.OpaqueInstance, "").Error())
	return 0
}

func checkTime(L *lua.LState, n int) time.Time {
	ud := L.CheckUserData(n)
	tv, ok := ud.Value.(timeValue)
	if !ok {
		L.ArgError(n, "time expected")
	}
	return tv.t
}

func timeUnix(L *lua.LState) int {
	L.Push(lua.LNumber(checkTime(L, 1).Unix()))
	return 1
}

func timeUnixMilli(L *lua.LState) int {
	L.Push(lua.LNumber(checkTime(L, 1).UnixMilli()))
	return 1
}

func timeISO(L *lua.LState) int {
	L.Push(lua.LString(checkTime(L, 1).UTC().Format(time.RFC3339Nano)))
	return 1
}

func timeEqual(L *lua.LState) int {
	L.Push(lua.LBool(checkTime(L, 1).Equal(checkTime(L, 2))))
	return 1
}

func timeBefore(L *lua.LState) int {
	L.Push(lua.LBool(checkTime(L, 1).Before(checkTime(L, 2))))
	return 1
}
