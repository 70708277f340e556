// Package system assembles the runtime: one allocator, bus, timer
// registry, engine, codec and transport, wired together as a single
// context object. The reserved event names below drive script execution
// remotely and carry results back; consumers must not reuse them for
// anything else.
package system

import (
	"sync"
	"time"

	"github.com/tliron/commonlog"
	lua "github.com/yuin/gopher-lua"

	"github.com/chahilhyper9725/easy-lua-esp32-sub001/alloc"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/config"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/engine"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/luamod"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/msgbus"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/sched"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/storage"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/timers"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/transport"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/wire"
)

var log = commonlog.GetLogger("easylua.system")

// Reserved event names.
const (
	EvCodeAdd   = "lua_code_add"
	EvCodeClear = "lua_code_clear"
	EvCodeRun   = "lua_code_run"
	EvCodeStop  = "lua_code_stop"
	EvExecute   = "lua_execute"
	EvOutput    = "lua_code_output"
	EvError     = "lua_error"
	EvResult    = "lua_result"
	EvStop      = "lua_stop"
	EvMemInfo   = "lua_meminfo"
)

// Runtime owns one of everything. A single instance exists per process.
type Runtime struct {
	cfg   config.Config
	alloc *alloc.Allocator
	bus   *msgbus.Bus
	reg   *timers.Registry
	eng   *engine.Engine

	enc  *wire.Encoder
	dec  *wire.Decoder
	pump *wire.Pump
	ev   *luamod.EventMsg

	trans transport.Transport

	sendMu sync.Mutex
}

// New wires a runtime over the given transport, store and hardware shim.
// store and hw may be nil; the storage module is then omitted and the
// simulated board used.
func New(cfg config.Config, trans transport.Transport, store storage.Store, hw luamod.HW) *Runtime {
	a := alloc.New(cfg.PoolSize, cfg.Threshold, false)
	bus := msgbus.New(cfg.QueueCapacity)
	reg := timers.NewRegistry(bus)

	rt := &Runtime{
		cfg:   cfg,
		alloc: a,
		bus:   bus,
		reg:   reg,
		eng:   engine.New(a, bus, reg),
		enc:   wire.NewEncoder(cfg.Headerless),
		dec:   wire.NewDecoder(cfg.Headerless),
		pump:  wire.NewPump(cfg.PumpCapacity),
		trans: trans,
	}
	rt.ev = luamod.NewEventMsg(rt.pump, rt.sendEvent)

	rt.wireDecoder()
	rt.wireEngine(store, hw)
	return rt
}

// Engine exposes the execution engine, mainly for embedders and tests.
func (rt *Runtime) Engine() *engine.Engine {
	return rt.eng
}

// Start creates the first interpreter and begins consuming transport
// bytes.
func (rt *Runtime) Start() {
	rt.eng.Init()
	rt.trans.SetReceiveCallback(rt.dec.FeedBytes)
	log.Info("runtime started")
}

// Close tears the runtime down.
func (rt *Runtime) Close() {
	rt.eng.Close()
	rt.trans.Close()
}

// wireDecoder binds the reserved inbound events to engine operations.
// These handlers run on the transport receive path; everything they call
// is safe from there. Unreserved events go to the script-facing pump.
func (rt *Runtime) wireDecoder() {
	rt.dec.On(EvCodeAdd, func(data []byte) {
		rt.eng.AddCode(string(data))
	})
	rt.dec.On(EvCodeClear, func([]byte) {
		rt.eng.ClearCode()
	})
	rt.dec.On(EvCodeRun, func([]byte) {
		rt.eng.RunBuffer()
	})
	rt.dec.On(EvExecute, func(data []byte) {
		rt.eng.Execute(string(data))
	})
	rt.dec.On(EvCodeStop, func([]byte) {
		rt.eng.Stop()
	})
	rt.dec.On(EvMemInfo, func([]byte) {
		st := rt.alloc.Stats()
		data, err := wire.MarshalStats(&wire.StatsEnvelope{
			PoolUsed:     st.PoolUsed,
			HeapUsed:     st.HeapUsed,
			Total:        st.Total,
			Peak:         st.Peak,
			AltAvailable: st.AltAvailable,
		})
		if err != nil {
			log.Errorf("meminfo: %v", err)
			return
		}
		rt.sendEvent(EvMemInfo, data)
	})
	rt.dec.OnUnhandled(rt.ev.Offer)
}

// wireEngine binds engine callbacks to outbound events and registers the
// host modules. Module order is observable and fixed: scheduler first so
// sys and rtos exist before anything else, then eventmsg, storage, hw.
func (rt *Runtime) wireEngine(store storage.Store, hw luamod.HW) {
	rt.eng.OnOutput(func(text string) {
		rt.sendEvent(EvOutput, []byte(text))
	})
	rt.eng.OnError(func(msg string) {
		rt.sendEvent(EvError, []byte(msg))
	})
	rt.eng.OnStop(func() {
		rt.sendEvent(EvStop, nil)
	})
	rt.eng.OnResult(func(ok bool, errMsg string, elapsed time.Duration) {
		data, err := wire.MarshalResult(&wire.ResultEnvelope{
			OK:         ok,
			Error:      errMsg,
			DurationMS: elapsed.Milliseconds(),
		})
		if err != nil {
			log.Errorf("result: %v", err)
			return
		}
		rt.sendEvent(EvResult, data)
	})

	rt.eng.AddModule(func(L *lua.LState) {
		s := sched.New(L, rt.bus, rt.reg, rt.alloc)
		s.Done = rt.eng.Done()
		s.Install()
	})
	rt.eng.AddModule(rt.ev.Install)
	if store != nil {
		rt.eng.AddModule(luamod.NewStorageModule(store).Install)
	}
	rt.eng.AddModule(luamod.NewHWModule(hw).Install)
}

// sendEvent frames and ships one outbound event. With no peer attached
// the event is dropped; the link is lossy by contract anyway.
func (rt *Runtime) sendEvent(name string, data []byte) error {
	rt.sendMu.Lock()
	frame := rt.enc.Encode(name, data)
	rt.sendMu.Unlock()

	if !rt.trans.IsConnected() {
		log.Debugf("dropping '%s': no peer", name)
		return nil
	}
	if err := rt.trans.Send(frame); err != nil {
		log.Errorf("send '%s': %v", name, err)
		return err
	}
	return nil
}
