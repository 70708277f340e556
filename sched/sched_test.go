package sched

import (
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/chahilhyper9725/easy-lua-esp32-sub001/alloc"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/msgbus"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/timers"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/wire"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	bus := msgbus.New(64)
	reg := timers.NewRegistry(bus)
	t.Cleanup(reg.StopAll)
	a := alloc.New(alloc.DefaultPoolSize, alloc.DefaultThreshold, false)
	s := New(L, bus, reg, a)
	s.Install()
	return s
}

// runFor drives the dispatch loop for roughly d, then interrupts it.
func runFor(s *Scheduler, d time.Duration) {
	done := make(chan struct{})
	s.Done = done
	go func() {
		time.Sleep(d)
		close(done)
	}()
	s.Run()
}

func globalStrings(t *testing.T, L *lua.LState, name string) []string {
	t.Helper()
	tbl, ok := L.GetGlobal(name).(*lua.LTable)
	if !ok {
		t.Fatalf("global %q is not a table", name)
	}
	var out []string
	tbl.ForEach(func(_, v lua.LValue) {
		out = append(out, v.String())
	})
	return out
}

// ---------------------------------------------------------------------------
// Tasks and ordering
// ---------------------------------------------------------------------------

func TestTaskWaitAndTimerOrdering(t *testing.T) {
	s := newTestScheduler(t)

	// Repeating timer every 50ms; task wakes at 120 and 225. Dispatch
	// order must match expiry order: tick tick task tick tick task.
	err := s.L.DoString(`
		marks = {}
		sys.taskInit(function()
			sys.wait(120)
			table.insert(marks, "task-a")
			sys.wait(105)
			table.insert(marks, "task-b")
		end)
		sys.timerLoopStart(function()
			table.insert(marks, "tick")
		end, 50)
	`)
	if err != nil {
		t.Fatal(err)
	}
	runFor(s, 260*time.Millisecond)

	marks := globalStrings(t, s.L, "marks")
	joined := strings.Join(marks, " ")
	if !strings.Contains(joined, "tick tick task-a tick tick task-b") {
		t.Errorf("dispatch order = %q", joined)
	}
}

func TestTaskRunsUntilFirstWait(t *testing.T) {
	s := newTestScheduler(t)
	err := s.L.DoString(`
		ran = false
		sys.taskInit(function(v)
			ran = v
			sys.wait(10000)
		end, true)
	`)
	if err != nil {
		t.Fatal(err)
	}
	if s.L.GetGlobal("ran") != lua.LTrue {
		t.Error("task body did not run to its first wait")
	}
	if len(s.waiting) != 1 {
		t.Errorf("waiting tasks = %d, want 1", len(s.waiting))
	}
}

func TestWaitOutsideTaskFails(t *testing.T) {
	s := newTestScheduler(t)
	if err := s.L.DoString(`sys.wait(10)`); err == nil {
		t.Fatal("sys.wait on the main thread should raise")
	}
}

// ---------------------------------------------------------------------------
// waitUntil
// ---------------------------------------------------------------------------

func TestWaitUntilWokenByPublish(t *testing.T) {
	s := newTestScheduler(t)
	err := s.L.DoString(`
		result = nil
		value = nil
		sys.taskInit(function()
			local ok, v = sys.waitUntil("evt", 1000)
			result = ok
			value = v
		end)
		sys.timerStart(function()
			sys.publish("evt", "payload")
		end, 30)
	`)
	if err != nil {
		t.Fatal(err)
	}
	runFor(s, 150*time.Millisecond)

	if s.L.GetGlobal("result") != lua.LTrue {
		t.Errorf("result = %v, want true", s.L.GetGlobal("result"))
	}
	if got := s.L.GetGlobal("value").String(); got != "payload" {
		t.Errorf("value = %q, want payload", got)
	}
	if n := s.Subscribers("evt"); n != 0 {
		t.Errorf("evt still has %d subscribers", n)
	}
}

func TestWaitUntilTimesOut(t *testing.T) {
	s := newTestScheduler(t)
	err := s.L.DoString(`
		result = "unset"
		sys.taskInit(function()
			result = sys.waitUntil("never", 40)
		end)
	`)
	if err != nil {
		t.Fatal(err)
	}
	runFor(s, 120*time.Millisecond)

	if s.L.GetGlobal("result") != lua.LFalse {
		t.Errorf("result = %v, want false", s.L.GetGlobal("result"))
	}
	if n := s.Subscribers("never"); n != 0 {
		t.Errorf("never still has %d subscribers", n)
	}
	if len(s.waiting) != 0 {
		t.Errorf("waiting tasks = %d after timeout", len(s.waiting))
	}
}

// ---------------------------------------------------------------------------
// Publish/subscribe
// ---------------------------------------------------------------------------

func TestPublishToFunctionSubscriber(t *testing.T) {
	s := newTestScheduler(t)
	err := s.L.DoString(`
		count = 0
		handler = function(v) count = count + v end
		sys.subscribe("ping", handler)
	`)
	if err != nil {
		t.Fatal(err)
	}

	s.Publish("ping", lua.LNumber(2))
	s.Publish("ping", lua.LNumber(3))
	s.drainPending()

	if got := s.L.GetGlobal("count"); got != lua.LNumber(5) {
		t.Errorf("count = %v, want 5", got)
	}

	if err := s.L.DoString(`sys.unsubscribe("ping", handler)`); err != nil {
		t.Fatal(err)
	}
	s.Publish("ping", lua.LNumber(10))
	s.drainPending()
	if got := s.L.GetGlobal("count"); got != lua.LNumber(5) {
		t.Errorf("count = %v after unsubscribe, want 5", got)
	}
}

func TestSubscriberSelfRemovalDuringDispatch(t *testing.T) {
	s := newTestScheduler(t)
	err := s.L.DoString(`
		hits = {}
		a = function() table.insert(hits, "a"); sys.unsubscribe("t", a) end
		b = function() table.insert(hits, "b") end
		sys.subscribe("t", a)
		sys.subscribe("t", b)
	`)
	if err != nil {
		t.Fatal(err)
	}

	s.Publish("t")
	s.drainPending()
	s.Publish("t")
	s.drainPending()

	hits := globalStrings(t, s.L, "hits")
	if strings.Join(hits, " ") != "a b b" {
		t.Errorf("hits = %v, want [a b b]", hits)
	}
}

// ---------------------------------------------------------------------------
// Timer callbacks
// ---------------------------------------------------------------------------

func TestOneShotCallbackRemovedAfterFiring(t *testing.T) {
	s := newTestScheduler(t)
	err := s.L.DoString(`
		fired = 0
		sys.timerStart(function() fired = fired + 1 end, 30)
	`)
	if err != nil {
		t.Fatal(err)
	}
	runFor(s, 120*time.Millisecond)

	if got := s.L.GetGlobal("fired"); got != lua.LNumber(1) {
		t.Errorf("fired = %v, want 1", got)
	}
	if len(s.cbs) != 0 {
		t.Errorf("callback table has %d entries after one-shot", len(s.cbs))
	}
	if s.reg.Count() != 0 {
		t.Errorf("registry has %d live timers", s.reg.Count())
	}
}

func TestCountedRepeatStopsAfterN(t *testing.T) {
	s := newTestScheduler(t)
	err := s.L.DoString(`
		fired = 0
		bump = function() fired = fired + 1 end
	`)
	if err != nil {
		t.Fatal(err)
	}
	fn := s.L.GetGlobal("bump").(*lua.LFunction)

	id := s.allocCallbackID()
	tm := &timers.Timer{ID: id, Period: time.Hour, Repeat: 2}
	if err := s.reg.Start(tm); err != nil {
		t.Fatal(err)
	}
	s.cbs[id] = &callbackTimer{fn: fn}

	s.handleTimer(id)
	s.handleTimer(id)

	if got := s.L.GetGlobal("fired"); got != lua.LNumber(2) {
		t.Errorf("fired = %v, want 2", got)
	}
	if s.cbs[id] != nil || s.reg.Live(id) {
		t.Error("counted timer not released after final expiry")
	}
}

func TestTimerStopByCallbackAndArgs(t *testing.T) {
	s := newTestScheduler(t)
	err := s.L.DoString(`
		hits = {}
		fn = function(tag) table.insert(hits, tag) end
		sys.timerLoopStart(fn, 40, "keep")
		sys.timerLoopStart(fn, 40, "drop")
		sys.timerStop(fn, "drop")
	`)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.cbs) != 1 {
		t.Fatalf("callback table has %d entries, want 1", len(s.cbs))
	}
	runFor(s, 140*time.Millisecond)

	for _, h := range globalStrings(t, s.L, "hits") {
		if h != "keep" {
			t.Errorf("stopped timer still fired: %q", h)
		}
	}
	if got := s.L.GetGlobal("hits").(*lua.LTable).Len(); got < 2 {
		t.Errorf("surviving timer fired %d times, want >= 2", got)
	}
}

func TestTimerStopAll(t *testing.T) {
	s := newTestScheduler(t)
	err := s.L.DoString(`
		sys.timerLoopStart(function() end, 1000)
		sys.timerLoopStart(function() end, 1000)
		sys.timerStopAll()
	`)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.cbs) != 0 || s.reg.Count() != 0 {
		t.Errorf("cbs = %d, live timers = %d after stopAll", len(s.cbs), s.reg.Count())
	}
}

// ---------------------------------------------------------------------------
// IDs, reset, interruption
// ---------------------------------------------------------------------------

func TestIDRangesDisjointAndSkipLive(t *testing.T) {
	s := newTestScheduler(t)

	s.nextCallbackID = 7
	s.cbs[7] = &callbackTimer{}
	if id := s.allocCallbackID(); id != 8 {
		t.Errorf("callback id = %#x, want 8 (7 is live)", id)
	}

	id := s.allocTaskID()
	if id < taskIDMin || id > taskIDMax {
		t.Errorf("task id %#x outside task range", id)
	}
	s.waiting[id+1] = &taskWait{}
	s.nextTaskID = id + 1
	if got := s.allocTaskID(); got != id+2 {
		t.Errorf("task id = %#x, want %#x (live slot skipped)", got, id+2)
	}
}

func TestCallbackIDWraparound(t *testing.T) {
	s := newTestScheduler(t)
	s.nextCallbackID = callbackIDMax
	if id := s.allocCallbackID(); id != callbackIDMax {
		t.Errorf("id = %#x, want max", id)
	}
	if id := s.allocCallbackID(); id != callbackIDMin {
		t.Errorf("id = %#x, want wrap to min", id)
	}
}

func TestResetDiscardsEverything(t *testing.T) {
	s := newTestScheduler(t)
	err := s.L.DoString(`
		sys.subscribe("x", function() end)
		sys.timerLoopStart(function() end, 1000)
		sys.taskInit(function() sys.wait(10000) end)
	`)
	if err != nil {
		t.Fatal(err)
	}
	s.Reset()

	if len(s.subs) != 0 || len(s.cbs) != 0 || len(s.waiting) != 0 {
		t.Errorf("subs=%d cbs=%d waiting=%d after reset",
			len(s.subs), len(s.cbs), len(s.waiting))
	}
	if s.reg.Count() != 0 {
		t.Errorf("registry has %d live timers after reset", s.reg.Count())
	}
	if !s.bus.IsEmpty() {
		t.Error("bus not drained by reset")
	}
}

func TestWireMessageSurfacesAsTopic(t *testing.T) {
	s := newTestScheduler(t)
	err := s.L.DoString(`
		got = nil
		sys.subscribe("sensor", function(data) got = data end)
	`)
	if err != nil {
		t.Fatal(err)
	}

	msg := msgbus.Message{
		Handler: msgbus.MsgWire,
		Ptr:     wire.Event{Name: "sensor", Data: []byte("37.2")},
	}
	if err := s.bus.PutISR(msg); err != nil {
		t.Fatal(err)
	}
	if err := s.ProcessOne(time.Second); err != nil {
		t.Fatal(err)
	}

	if got := s.L.GetGlobal("got").String(); got != "37.2" {
		t.Errorf("got = %q, want the wire payload", got)
	}
}

// ---------------------------------------------------------------------------
// Raw rtos timers
// ---------------------------------------------------------------------------

func TestRawOneShotSlotFreedOnReceive(t *testing.T) {
	s := newTestScheduler(t)
	err := s.L.DoString(`
		rtos.timer_start(5, 20)
		h, id = rtos.receive(1000)
	`)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.L.GetGlobal("id"); got != lua.LNumber(5) {
		t.Errorf("received id = %v, want 5", got)
	}
	if s.reg.Live(5) {
		t.Error("one-shot raw timer slot still live after its expiry was consumed")
	}
}

func TestRawCountedRepeatRunsDownOnReceive(t *testing.T) {
	s := newTestScheduler(t)
	err := s.L.DoString(`
		rtos.timer_start(9, 30, 2)
		seen = 0
		while true do
			local h = rtos.receive(200)
			if h == -1 then break end
			seen = seen + 1
		end
	`)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.L.GetGlobal("seen"); got != lua.LNumber(2) {
		t.Errorf("seen = %v expiries, want 2", got)
	}
	if s.reg.Live(9) {
		t.Error("counted raw timer still live after its final expiry")
	}
}

func TestRunUnwindsOnInterrupt(t *testing.T) {
	s := newTestScheduler(t)
	done := make(chan struct{})
	s.Done = done
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(done)
	}()

	err := s.L.DoString(`sys.run()`)
	if err == nil {
		t.Fatal("sys.run returned without error on interrupt")
	}
	if !strings.Contains(err.Error(), "interrupted by user") {
		t.Errorf("error = %v, want interrupted by user", err)
	}
}
