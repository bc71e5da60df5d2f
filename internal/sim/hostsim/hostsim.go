// Package hostsim runs a Lua step function against an object pool. It stands
// in for the host game when the engine runs without one attached, and is what
// the replay tool uses to re-derive frames offline.
package hostsim

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"fm2k.dev/rollback/internal/sim/pool"
	"fm2k.dev/rollback/internal/sim/rollback"
)

// Sim wraps a single Lua VM. Single-goroutine access only.
type Sim struct {
	vm    *lua.LState
	view  *pool.View
	log   *zap.Logger
	step  lua.LValue
	local lua.LValue
}

// Load runs the script file and binds it to view.
func Load(path string, view *pool.View, log *zap.Logger) (*Sim, error) {
	return load(view, log, func(vm *lua.LState) error { return vm.DoFile(path) })
}

// New runs script source and binds it to view.
func New(source string, view *pool.View, log *zap.Logger) (*Sim, error) {
	return load(view, log, func(vm *lua.LState) error { return vm.DoString(source) })
}

func load(view *pool.View, log *zap.Logger, run func(*lua.LState) error) (*Sim, error) {
	if log == nil {
		log = zap.NewNop()
	}
	vm := lua.NewState(lua.Options{SkipOpenLibs: true})
	// No os, io or package: scripts only see the pool.
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		vm.Push(vm.NewFunction(lib.fn))
		vm.Push(lua.LString(lib.name))
		vm.Call(1, 0)
	}
	s := &Sim{vm: vm, view: view, log: log}
	s.register()

	if err := run(vm); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load sim script: %w", err)
	}
	s.step = vm.GetGlobal("step")
	if s.step.Type() != lua.LTFunction {
		vm.Close()
		return nil, fmt.Errorf("sim script does not define step(inputs, frame)")
	}
	s.local = vm.GetGlobal("local_input")
	if init := vm.GetGlobal("init"); init.Type() == lua.LTFunction {
		if err := vm.CallByParam(lua.P{Fn: init, NRet: 0, Protect: true}); err != nil {
			vm.Close()
			return nil, fmt.Errorf("sim init: %w", err)
		}
	}
	log.Debug("loaded sim script", zap.Int("slots", view.SlotCount()))
	return s, nil
}

func (s *Sim) Close() { s.vm.Close() }

// Step calls step(inputs, frame). inputs is a 1-based array indexed by
// player + 1.
func (s *Sim) Step(in rollback.FrameInputs) error {
	t := s.vm.CreateTable(len(in.Inputs), 0)
	for i, v := range in.Inputs {
		t.RawSetInt(i+1, lua.LNumber(v))
	}
	err := s.vm.CallByParam(lua.P{Fn: s.step, NRet: 0, Protect: true}, t, lua.LNumber(in.Frame))
	if err != nil {
		return fmt.Errorf("lua step frame %d: %w", in.Frame, err)
	}
	return nil
}

// LocalInput asks the optional local_input(frame) function for the local
// player's input. Scripts without one always press nothing.
func (s *Sim) LocalInput(frame uint64) (rollback.Input, error) {
	if s.local.Type() != lua.LTFunction {
		return 0, nil
	}
	if err := s.vm.CallByParam(lua.P{Fn: s.local, NRet: 1, Protect: true}, lua.LNumber(frame)); err != nil {
		return 0, fmt.Errorf("lua local_input frame %d: %w", frame, err)
	}
	v := s.vm.Get(-1)
	s.vm.Pop(1)
	n, ok := v.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("lua local_input frame %d: returned %s", frame, v.Type())
	}
	return rollback.Input(uint32(n)), nil
}

var _ rollback.Stepper = (*Sim)(nil)

type luaField struct {
	off, width int
	signed     bool
}

func (f luaField) FieldOffset() int  { return f.off }
func (f luaField) FieldWidth() int   { return f.width }
func (f luaField) FieldSigned() bool { return f.signed }

func (s *Sim) register() {
	s.vm.SetGlobal("pool_slots", s.vm.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(s.view.SlotCount()))
		return 1
	}))
	s.vm.SetGlobal("pool_type", s.vm.NewFunction(func(L *lua.LState) int {
		tc, err := s.view.ReadType(L.CheckInt(1))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(lua.LNumber(tc))
		return 1
	}))
	s.vm.SetGlobal("pool_set_type", s.vm.NewFunction(func(L *lua.LState) int {
		if err := s.view.WriteType(L.CheckInt(1), pool.TypeCode(L.CheckInt64(2))); err != nil {
			L.RaiseError("%s", err.Error())
		}
		return 0
	}))
	// pool_read(slot, offset, width [, signed])
	s.vm.SetGlobal("pool_read", s.vm.NewFunction(func(L *lua.LState) int {
		f := luaField{off: L.CheckInt(2), width: L.CheckInt(3), signed: L.OptBool(4, false)}
		v, err := s.view.ReadField(L.CheckInt(1), f)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(lua.LNumber(v))
		return 1
	}))
	s.vm.SetGlobal("globals_size", s.vm.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(s.view.GlobalsSize()))
		return 1
	}))
	// globals_read(offset, width [, signed])
	s.vm.SetGlobal("globals_read", s.vm.NewFunction(func(L *lua.LState) int {
		f := luaField{off: L.CheckInt(1), width: L.CheckInt(2), signed: L.OptBool(3, false)}
		v, err := s.view.ReadGlobalField(f)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(lua.LNumber(v))
		return 1
	}))
	// globals_write(offset, width, value)
	s.vm.SetGlobal("globals_write", s.vm.NewFunction(func(L *lua.LState) int {
		f := luaField{off: L.CheckInt(1), width: L.CheckInt(2)}
		if err := s.view.WriteGlobalField(f, L.CheckInt64(3)); err != nil {
			L.RaiseError("%s", err.Error())
		}
		return 0
	}))
	// pool_write(slot, offset, width, value)
	s.vm.SetGlobal("pool_write", s.vm.NewFunction(func(L *lua.LState) int {
		f := luaField{off: L.CheckInt(2), width: L.CheckInt(3)}
		if err := s.view.WriteField(L.CheckInt(1), f, L.CheckInt64(4)); err != nil {
			L.RaiseError("%s", err.Error())
		}
		return 0
	}))
}
