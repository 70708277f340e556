// Package sched layers a cooperative task, timer and publish/subscribe
// scheduler on top of the message bus and timer registry, and exposes it
// to scripts as the sys and rtos modules. The dispatch loop and every task
// resumption run on the single event-loop goroutine; timer and transport
// producers reach it only through the bus.
package sched

import (
	"time"

	"github.com/tliron/commonlog"
	lua "github.com/yuin/gopher-lua"

	"github.com/chahilhyper9725/easy-lua-esp32-sub001/alloc"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/msgbus"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/timers"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/wire"
)

var log = commonlog.GetLogger("easylua.sched")

// Timer id ranges. Callback timers and suspended-task wakeup timers draw
// from disjoint ranges so the dispatch loop can tell at a glance which
// kind of timer fired.
const (
	callbackIDMin = 1
	callbackIDMax = 0x1FFFFFFF
	taskIDMin     = 0x20000000
	taskIDMax     = 0x3FFFFFFF
)

// subscriber is one entry in a topic's subscriber set: a plain function
// called with the published values, or a task thread resumed with the
// whole message.
type subscriber struct {
	fn *lua.LFunction
	co *lua.LState
}

// taskWait records one suspended task, keyed in Scheduler.waiting by its
// wakeup timer id.
type taskWait struct {
	co    *lua.LState
	topic string
	until bool
}

// callbackTimer stores a timer callback with the extra arguments it was
// started with. The argument list doubles as the timer's identity for
// stop-by-callback.
type callbackTimer struct {
	fn   *lua.LFunction
	args []lua.LValue
}

type publishMsg struct {
	topic string
	vals  []lua.LValue
}

// Scheduler drives one interpreter generation's event loop. It dies with
// its LState: rebuilding the interpreter discards every suspended task,
// subscription and callback timer wholesale.
type Scheduler struct {
	L     *lua.LState
	bus   *msgbus.Bus
	reg   *timers.Registry
	alloc *alloc.Allocator

	// Done breaks the infinite receive in Run, typically the execution
	// context's cancellation channel.
	Done <-chan struct{}

	pending []publishMsg
	subs    map[string][]subscriber
	waiting map[int]*taskWait
	cbs     map[int]*callbackTimer

	nextCallbackID int
	nextTaskID     int

	gc gcState
}

// New binds a scheduler to one interpreter generation.
func New(L *lua.LState, bus *msgbus.Bus, reg *timers.Registry, a *alloc.Allocator) *Scheduler {
	return &Scheduler{
		L:              L,
		bus:            bus,
		reg:            reg,
		alloc:          a,
		subs:           make(map[string][]subscriber),
		waiting:        make(map[int]*taskWait),
		cbs:            make(map[int]*callbackTimer),
		nextCallbackID: callbackIDMin,
		nextTaskID:     taskIDMin,
		gc:             newGCState(),
	}
}

// allocCallbackID hands out callback-range ids with wraparound, skipping
// any id still occupied by a live entry.
func (s *Scheduler) allocCallbackID() int {
	for {
		id := s.nextCallbackID
		s.nextCallbackID++
		if s.nextCallbackID > callbackIDMax {
			s.nextCallbackID = callbackIDMin
		}
		if s.cbs[id] == nil && !s.reg.Live(id) {
			return id
		}
	}
}

// allocTaskID is allocCallbackID for the task range.
func (s *Scheduler) allocTaskID() int {
	for {
		id := s.nextTaskID
		s.nextTaskID++
		if s.nextTaskID > taskIDMax {
			s.nextTaskID = taskIDMin
		}
		if s.waiting[id] == nil && !s.reg.Live(id) {
			return id
		}
	}
}

// Publish queues an internal message for the next drain pass. Only the
// event-loop goroutine may call it.
func (s *Scheduler) Publish(topic string, vals ...lua.LValue) {
	s.pending = append(s.pending, publishMsg{topic: topic, vals: vals})
}

// Subscribe registers a function subscriber against a topic.
func (s *Scheduler) Subscribe(topic string, fn *lua.LFunction) {
	s.subs[topic] = append(s.subs[topic], subscriber{fn: fn})
}

// Unsubscribe removes the first subscriber entry matching fn.
func (s *Scheduler) Unsubscribe(topic string, fn *lua.LFunction) {
	s.removeSub(topic, fn, nil)
}

func (s *Scheduler) removeSub(topic string, fn *lua.LFunction, co *lua.LState) {
	entries := s.subs[topic]
	for i, e := range entries {
		if (fn != nil && e.fn == fn) || (co != nil && e.co == co) {
			s.subs[topic] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(s.subs[topic]) == 0 {
		delete(s.subs, topic)
	}
}

// Subscribers returns the number of entries registered for a topic.
func (s *Scheduler) Subscribers(topic string) int {
	return len(s.subs[topic])
}

// Run is the dispatch loop: drain the internal publish queue, then block
// on the bus with infinite timeout. The drain always happens first so
// internally published messages are never starved by the external
// receive. Returns when Done fires.
func (s *Scheduler) Run() error {
	for {
		s.drainPending()
		if s.bus.IsEmpty() {
			s.gc.maybeCollect()
		}
		m, err := s.bus.GetDone(s.Done, -1)
		if err != nil {
			return err
		}
		s.handle(m)
	}
}

// ProcessOne runs a single loop iteration with a bounded receive. The
// dispatch sequence is identical to Run's.
func (s *Scheduler) ProcessOne(timeout time.Duration) error {
	s.drainPending()
	m, err := s.bus.GetDone(s.Done, timeout)
	if err != nil {
		return err
	}
	s.handle(m)
	s.drainPending()
	return nil
}

func (s *Scheduler) drainPending() {
	for len(s.pending) > 0 {
		m := s.pending[0]
		s.pending = s.pending[1:]
		s.dispatchPublish(m)
	}
}

func (s *Scheduler) handle(m msgbus.Message) {
	switch m.Handler {
	case msgbus.MsgTimer:
		s.handleTimer(m.Arg1)
	case msgbus.MsgWire:
		// Decoded wire events surface to scripts as ordinary topics.
		if ev, ok := m.Ptr.(wire.Event); ok {
			s.Publish(ev.Name, lua.LString(ev.Data))
		}
	default:
		log.Debugf("dropping message with unknown tag %d", m.Handler)
	}
}

// handleTimer routes an expiry by id range: task ids wake the suspended
// task with timeout semantics, callback ids invoke the stored callback.
// One-shot and fired-to-completion timers release their table slot here,
// on the consumer side.
func (s *Scheduler) handleTimer(id int) {
	if id >= taskIDMin {
		s.wakeOnTimeout(id)
		return
	}

	cb := s.cbs[id]
	if !s.retireTimerSlot(id) {
		// Expiry raced a stop; the slot is already gone.
		return
	}
	if cb != nil {
		s.call(cb.fn, cb.args)
	}
}

// retireTimerSlot accounts for one consumed expiry: a one-shot timer's
// slot is freed outright, a counted repeat is decremented and freed on
// reaching zero. Every path that consumes an expiry message must pass
// through here, or one-shot slots leak. Reports whether the slot was
// still live.
func (s *Scheduler) retireTimerSlot(id int) bool {
	t, err := s.reg.Get(id)
	if err != nil {
		return false
	}
	if t.Repeat == 0 {
		s.reg.Stop(id)
		delete(s.cbs, id)
	} else if t.Repeat > 0 {
		t.Repeat--
		if t.Repeat == 0 {
			s.reg.Stop(id)
			delete(s.cbs, id)
		}
	}
	return true
}

// wakeOnTimeout resumes the task suspended against timer id. A plain wait
// resumes with no values; a wait-until resumes with false and drops its
// subscription. Publish-triggered resumes happen in dispatchPublish and
// leave no waiting entry behind, so a late expiry lands here as a no-op.
func (s *Scheduler) wakeOnTimeout(id int) {
	w := s.waiting[id]
	if w == nil {
		return
	}
	delete(s.waiting, id)
	s.reg.Stop(id)

	var args []lua.LValue
	if w.until {
		s.removeSub(w.topic, nil, w.co)
		args = []lua.LValue{lua.LFalse}
	}
	s.resume(w.co, args)
}

// dispatchPublish delivers one published message to every subscriber.
// The set is snapshotted first: a subscriber removing itself during
// dispatch (wait-until's own unsubscribe) must not corrupt the iteration.
func (s *Scheduler) dispatchPublish(m publishMsg) {
	entries := s.subs[m.topic]
	if len(entries) == 0 {
		log.Debugf("publish '%s' with no subscribers", m.topic)
		return
	}
	snap := make([]subscriber, len(entries))
	copy(snap, entries)

	for _, e := range snap {
		if e.fn != nil {
			s.call(e.fn, m.vals)
			continue
		}
		id, w := s.findWaiting(e.co)
		if w == nil {
			// Subscribed task is not suspended right now.
			continue
		}
		delete(s.waiting, id)
		s.reg.Stop(id)

		var args []lua.LValue
		if w.until {
			s.removeSub(m.topic, nil, e.co)
			args = append([]lua.LValue{lua.LTrue}, m.vals...)
		} else {
			args = append([]lua.LValue{lua.LString(m.topic)}, m.vals...)
		}
		s.resume(e.co, args)
	}
}

func (s *Scheduler) findWaiting(co *lua.LState) (int, *taskWait) {
	for id, w := range s.waiting {
		if w.co == co {
			return id, w
		}
	}
	return 0, nil
}

// call invokes a script callback on the loop's stack. Callback errors are
// logged and never unwind the loop.
func (s *Scheduler) call(fn *lua.LFunction, args []lua.LValue) {
	if err := s.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...); err != nil {
		log.Errorf("callback error: %v", err)
	}
}

// resume continues a suspended task. The resumed code runs until its next
// yield or return; errors are logged, never fatal.
func (s *Scheduler) resume(co *lua.LState, args []lua.LValue) {
	st, err, _ := s.L.Resume(co, nil, args...)
	if st == lua.ResumeError && err != nil {
		log.Errorf("task error: %v", err)
	}
}

// suspend arms a one-shot wakeup timer in the task id range and records
// the waiter. The caller must yield immediately after.
func (s *Scheduler) suspend(co *lua.LState, ms int, topic string, until bool) error {
	id := s.allocTaskID()
	t := &timers.Timer{ID: id, Period: time.Duration(ms) * time.Millisecond}
	if err := s.reg.Start(t); err != nil {
		return err
	}
	s.waiting[id] = &taskWait{co: co, topic: topic, until: until}
	return nil
}

// Reset discards every subscription, suspended task, callback timer and
// queued message. Called once per interpreter rebuild, alongside closing
// the LState the tasks live in.
func (s *Scheduler) Reset() {
	s.reg.StopAll()
	s.bus.Drain()
	s.pending = nil
	s.subs = make(map[string][]subscriber)
	s.waiting = make(map[int]*taskWait)
	s.cbs = make(map[int]*callbackTimer)
}
