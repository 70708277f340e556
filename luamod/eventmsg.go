// Package luamod holds the host-exposed script modules that are not part
// of the scheduler: the wire event interface, persistent storage and the
// hardware shim. Each module re-registers itself on every interpreter
// rebuild through the engine's module list.
package luamod

import (
	"time"

	"github.com/tliron/commonlog"
	lua "github.com/yuin/gopher-lua"

	"github.com/chahilhyper9725/easy-lua-esp32-sub001/wire"
)

var log = commonlog.GetLogger("easylua.luamod")

// SendFunc emits a named event to the peer.
type SendFunc func(name string, data []byte) error

// EventMsg exposes decoded wire events to scripts. Inbound events are
// queued on a pump by the transport path and drained from script context
// via eventmsg.update, so handler code never runs on a foreign call
// stack.
type EventMsg struct {
	pump     *wire.Pump
	send     SendFunc
	handlers map[string]*lua.LFunction
}

// NewEventMsg creates the module over an event pump and an outbound
// sender.
func NewEventMsg(pump *wire.Pump, send SendFunc) *EventMsg {
	return &EventMsg{
		pump:     pump,
		send:     send,
		handlers: make(map[string]*lua.LFunction),
	}
}

// Offer queues an inbound event for the next update call. Runs on the
// transport receive path.
func (m *EventMsg) Offer(name string, data []byte) {
	m.pump.Offer(name, data)
}

// Install registers the eventmsg global. Handler registrations from the
// previous interpreter generation are discarded: their functions died
// with it.
func (m *EventMsg) Install(L *lua.LState) {
	m.handlers = make(map[string]*lua.LFunction)
	m.pump.Flush()

	tbl := L.NewTable()
	L.SetFuncs(tbl, map[string]lua.LGFunction{
		"on":     m.luaOn,
		"off":    m.luaOff,
		"send":   m.luaSend,
		"update": m.luaUpdate,
	})
	L.SetGlobal("eventmsg", tbl)
}

// on registers a handler for a named event.
func (m *EventMsg) luaOn(L *lua.LState) int {
	name := L.CheckString(1)
	m.handlers[name] = L.CheckFunction(2)
	return 0
}

// off removes a handler.
func (m *EventMsg) luaOff(L *lua.LState) int {
	delete(m.handlers, L.CheckString(1))
	return 0
}

// send emits an event to the peer; the payload string is optional.
func (m *EventMsg) luaSend(L *lua.LState) int {
	name := L.CheckString(1)
	data := []byte(L.OptString(2, ""))
	if err := m.send(name, data); err != nil {
		log.Errorf("send '%s': %v", name, err)
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// update drains pending events, invoking the registered handler for each.
// Optional arguments: a blocking timeout in milliseconds for the first
// event and a batch limit. Returns the number of events processed.
// Events without a handler are dropped.
func (m *EventMsg) luaUpdate(L *lua.LState) int {
	blockMS := L.OptInt(1, 0)
	max := L.OptInt(2, wire.DefaultPumpCapacity)

	n := m.pump.Drain(blockMS > 0, time.Duration(blockMS)*time.Millisecond, max, func(ev wire.Event) {
		fn := m.handlers[ev.Name]
		if fn == nil {
			log.Debugf("no handler for inbound event '%s'", ev.Name)
			return
		}
		err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true},
			lua.LString(ev.Name), lua.LString(ev.Data))
		if err != nil {
			log.Errorf("handler '%s': %v", ev.Name, err)
		}
	})
	L.Push(lua.LNumber(n))
	return 1
}
