package sched

import (
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/chahilhyper9725/easy-lua-esp32-sub001/timers"
)

// Install registers the sys and rtos globals on the scheduler's
// interpreter. Runs once per interpreter generation, from the state-reset
// fan-out; registration order is observable, so it stays deterministic.
func (s *Scheduler) Install() {
	sys := s.L.NewTable()
	s.L.SetFuncs(sys, map[string]lua.LGFunction{
		"taskInit":       s.sysTaskInit,
		"wait":           s.sysWait,
		"waitUntil":      s.sysWaitUntil,
		"timerStart":     s.sysTimerStart,
		"timerLoopStart": s.sysTimerLoopStart,
		"timerStop":      s.sysTimerStop,
		"timerStopAll":   s.sysTimerStopAll,
		"publish":        s.sysPublish,
		"subscribe":      s.sysSubscribe,
		"unsubscribe":    s.sysUnsubscribe,
		"run":            s.sysRun,
	})
	s.L.SetGlobal("sys", sys)

	s.installRTOS()
}

// varargs collects stack values from position from upward.
func varargs(L *lua.LState, from int) []lua.LValue {
	n := L.GetTop()
	var vals []lua.LValue
	for i := from; i <= n; i++ {
		vals = append(vals, L.Get(i))
	}
	return vals
}

// taskInit spawns a cooperative task: a coroutine started immediately
// with the given arguments, running until its first wait. Returns the
// thread so callers can subscribe it to topics.
func (s *Scheduler) sysTaskInit(L *lua.LState) int {
	fn := L.CheckFunction(1)
	args := varargs(L, 2)

	co, _ := L.NewThread()
	st, err, _ := L.Resume(co, fn, args...)
	if st == lua.ResumeError && err != nil {
		log.Errorf("task error: %v", err)
	}
	L.Push(co)
	return 1
}

// wait suspends the calling task for ms milliseconds. Resumed by the
// event loop with no values on timeout, or with the full message (topic
// plus values) when a topic the task subscribed to fires first; scripts
// distinguish the two by argument count.
func (s *Scheduler) sysWait(L *lua.LState) int {
	ms := L.CheckInt(1)
	if L == s.L {
		L.RaiseError("sys.wait called outside a task")
	}
	if ms <= 0 {
		L.RaiseError("sys.wait: period must be positive")
	}
	if err := s.suspend(L, ms, "", false); err != nil {
		L.RaiseError("sys.wait: %s", err.Error())
	}
	return L.Yield()
}

// waitUntil suspends until topic is published or the timeout elapses.
// Returns true plus the published values, or false on timeout. The
// subscription is removed on both paths.
func (s *Scheduler) sysWaitUntil(L *lua.LState) int {
	topic := L.CheckString(1)
	ms := L.CheckInt(2)
	if L == s.L {
		L.RaiseError("sys.waitUntil called outside a task")
	}
	if ms <= 0 {
		L.RaiseError("sys.waitUntil: timeout must be positive")
	}

	s.subs[topic] = append(s.subs[topic], subscriber{co: L})
	if err := s.suspend(L, ms, topic, true); err != nil {
		s.removeSub(topic, nil, L)
		L.RaiseError("sys.waitUntil: %s", err.Error())
	}
	return L.Yield()
}

func (s *Scheduler) sysTimerStart(L *lua.LState) int {
	return s.startCallbackTimer(L, 0)
}

func (s *Scheduler) sysTimerLoopStart(L *lua.LState) int {
	return s.startCallbackTimer(L, -1)
}

// startCallbackTimer arms a callback timer (repeat 0 = one-shot, negative
// = forever) and returns its id, or nil when the table is full.
func (s *Scheduler) startCallbackTimer(L *lua.LState, repeat int) int {
	fn := L.CheckFunction(1)
	ms := L.CheckInt(2)
	if ms <= 0 {
		L.RaiseError("sys.timerStart: period must be positive")
	}
	args := varargs(L, 3)

	id := s.allocCallbackID()
	t := &timers.Timer{ID: id, Period: time.Duration(ms) * time.Millisecond, Repeat: repeat}
	if err := s.reg.Start(t); err != nil {
		log.Errorf("timer start failed: %v", err)
		L.Push(lua.LNil)
		return 1
	}
	s.cbs[id] = &callbackTimer{fn: fn, args: args}
	L.Push(lua.LNumber(id))
	return 1
}

// timerStop stops a timer by id, or by callback function plus the exact
// argument list it was started with. When several timers share one
// callback, only an element-wise argument match is stopped.
func (s *Scheduler) sysTimerStop(L *lua.LState) int {
	switch v := L.Get(1).(type) {
	case lua.LNumber:
		id := int(v)
		s.reg.Stop(id)
		delete(s.cbs, id)
	case *lua.LFunction:
		args := varargs(L, 2)
		for id, cb := range s.cbs {
			if cb.fn == v && argsEqual(cb.args, args) {
				s.reg.Stop(id)
				delete(s.cbs, id)
				break
			}
		}
	default:
		L.ArgError(1, "number or function expected")
	}
	return 0
}

// timerStopAll stops every callback timer, or with a function argument
// only the timers bound to that callback.
func (s *Scheduler) sysTimerStopAll(L *lua.LState) int {
	var fn *lua.LFunction
	if L.GetTop() >= 1 {
		fn = L.CheckFunction(1)
	}
	for id, cb := range s.cbs {
		if fn == nil || cb.fn == fn {
			s.reg.Stop(id)
			delete(s.cbs, id)
		}
	}
	return 0
}

func argsEqual(a, b []lua.LValue) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Scheduler) sysPublish(L *lua.LState) int {
	topic := L.CheckString(1)
	s.Publish(topic, varargs(L, 2)...)
	return 0
}

// subscribe registers a callback function or a task thread against a
// topic. Function subscribers are called with the published values; task
// subscribers are resumed with the whole message.
func (s *Scheduler) sysSubscribe(L *lua.LState) int {
	topic := L.CheckString(1)
	switch v := L.Get(2).(type) {
	case *lua.LFunction:
		s.subs[topic] = append(s.subs[topic], subscriber{fn: v})
	case *lua.LState:
		s.subs[topic] = append(s.subs[topic], subscriber{co: v})
	default:
		L.ArgError(2, "function or thread expected")
	}
	return 0
}

func (s *Scheduler) sysUnsubscribe(L *lua.LState) int {
	topic := L.CheckString(1)
	switch v := L.Get(2).(type) {
	case *lua.LFunction:
		s.removeSub(topic, v, nil)
	case *lua.LState:
		s.removeSub(topic, nil, v)
	default:
		L.ArgError(2, "function or thread expected")
	}
	return 0
}

// run enters the dispatch loop and never returns normally; a stop request
// unwinds it with a script error.
func (s *Scheduler) sysRun(L *lua.LState) int {
	if err := s.Run(); err != nil {
		L.RaiseError("interrupted by user")
	}
	return 0
}
