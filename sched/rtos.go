package sched

import (
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/chahilhyper9725/easy-lua-esp32-sub001/msgbus"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/timers"
)

// Version reported by rtos.version.
const Version = "EasyLua 2.1.0"

// installRTOS registers the low-level rtos module: raw message receive,
// raw timer control and allocator introspection. The sys layer is built
// on the same primitives; rtos stays exposed for scripts ported from the
// firmware.
func (s *Scheduler) installRTOS() {
	rtos := s.L.NewTable()
	s.L.SetFuncs(rtos, map[string]lua.LGFunction{
		"receive":     s.rtosReceive,
		"timer_start": s.rtosTimerStart,
		"timer_stop":  s.rtosTimerStop,
		"meminfo":     s.rtosMeminfo,
		"version":     s.rtosVersion,
	})
	s.L.SetGlobal("rtos", rtos)
}

// receive blocks up to ms milliseconds (negative = forever) for the next
// bus message and returns its handler tag and both integer arguments, or
// -1 on timeout. An empty queue triggers the watermarked idle collection
// pass before blocking. Consuming a timer expiry here retires the slot
// the same way the dispatch loop does: one-shot timers are freed and
// counted repeats run down.
func (s *Scheduler) rtosReceive(L *lua.LState) int {
	ms := L.CheckInt(1)
	if s.bus.IsEmpty() {
		s.gc.maybeCollect()
	}

	timeout := time.Duration(ms) * time.Millisecond
	if ms < 0 {
		timeout = -1
	}
	m, err := s.bus.GetDone(s.Done, timeout)
	if err != nil {
		L.Push(lua.LNumber(-1))
		return 1
	}
	if m.Handler == msgbus.MsgTimer {
		s.retireTimerSlot(m.Arg1)
	}
	L.Push(lua.LNumber(m.Handler))
	L.Push(lua.LNumber(m.Arg1))
	L.Push(lua.LNumber(m.Arg2))
	return 3
}

// timer_start arms a raw timer with a caller-chosen id. Repeat counting
// for raw timers is the script's job: each expiry arrives as a bus
// message and the script stops the timer when it has seen enough.
func (s *Scheduler) rtosTimerStart(L *lua.LState) int {
	id := L.CheckInt(1)
	ms := L.CheckInt(2)
	repeat := L.OptInt(3, 0)

	t := &timers.Timer{ID: id, Period: time.Duration(ms) * time.Millisecond, Repeat: repeat}
	if err := s.reg.Start(t); err != nil {
		log.Errorf("rtos.timer_start %d: %v", id, err)
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

func (s *Scheduler) rtosTimerStop(L *lua.LState) int {
	s.reg.Stop(L.CheckInt(1))
	return 0
}

// meminfo reports allocator usage: pool capacity, bytes in use, peak and
// whether the alternate bank is available.
func (s *Scheduler) rtosMeminfo(L *lua.LState) int {
	st := s.alloc.Stats()
	L.Push(lua.LNumber(s.alloc.PoolCapacity()))
	L.Push(lua.LNumber(st.Total))
	L.Push(lua.LNumber(st.Peak))
	L.Push(lua.LBool(st.AltAvailable))
	return 4
}

func (s *Scheduler) rtosVersion(L *lua.LState) int {
	L.Push(lua.LString(Version))
	return 1
}
