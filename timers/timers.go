// Package timers implements the fixed-capacity software timer table.
// Expiring timers post messages to the message bus; they never call into
// the interpreter directly.
package timers

import (
	"errors"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chahilhyper9725/easy-lua-esp32-sub001/msgbus"
)

var log = commonlog.GetLogger("easylua.timers")

// Capacity is the fixed number of timer slots, matching the reference
// firmware's 64-entry table.
const Capacity = 64

var (
	// ErrNoFreeSlot is returned by Start when the table is full.
	ErrNoFreeSlot = errors.New("timers: no free slot")
	// ErrNotFound is returned by Get for an unknown timer id.
	ErrNotFound = errors.New("timers: not found")
)

// Repeat modes: 0 fires once, a negative count repeats forever, a positive
// count N is decremented by the consumer as expiry messages are processed.
type Timer struct {
	ID     int
	Period time.Duration
	// Repeat is owned by the event-loop consumer after Start; the firing
	// goroutine never reads it.
	Repeat int

	stop    chan struct{}
	stopped bool
}

// Registry is the fixed-capacity timer table.
type Registry struct {
	mu    sync.Mutex
	bus   *msgbus.Bus
	slots [Capacity]*Timer
}

// NewRegistry creates a registry that posts expiry messages to bus.
func NewRegistry(bus *msgbus.Bus) *Registry {
	return &Registry{bus: bus}
}

// Start allocates a slot for the timer, arms it and begins firing.
// On failure the slot is released and no timer runs (no partial side
// effects). At most one live timer exists per id.
func (r *Registry) Start(t *Timer) error {
	if t == nil || t.Period <= 0 {
		return errors.New("timers: invalid timer")
	}

	r.mu.Lock()
	slot := -1
	for i, s := range r.slots {
		if s != nil && s.ID == t.ID {
			r.mu.Unlock()
			return errors.New("timers: id already live")
		}
		if s == nil && slot < 0 {
			slot = i
		}
	}
	if slot < 0 {
		r.mu.Unlock()
		log.Errorf("timer table full (max %d)", Capacity)
		return ErrNoFreeSlot
	}
	t.stop = make(chan struct{})
	t.stopped = false
	r.slots[slot] = t
	r.mu.Unlock()

	go r.fire(t)
	log.Debugf("timer %d started: period=%s repeat=%d", t.ID, t.Period, t.Repeat)
	return nil
}

// fire runs on a dedicated goroutine, posting one expiry message per tick.
// One-shot timers fire once and leave their table entry in place; the
// consumer removes it when the expiry message is processed.
func (r *Registry) fire(t *Timer) {
	oneShot := t.Repeat == 0
	if oneShot {
		tm := time.NewTimer(t.Period)
		defer tm.Stop()
		select {
		case <-tm.C:
			r.post(t)
		case <-t.stop:
		}
		return
	}

	tick := time.NewTicker(t.Period)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			r.post(t)
		case <-t.stop:
			return
		}
	}
}

func (r *Registry) post(t *Timer) {
	msg := msgbus.Message{Handler: msgbus.MsgTimer, Ptr: t, Arg1: t.ID}
	if err := r.bus.PutISR(msg); err != nil {
		// Consumer is behind; drop. The next tick re-fires anyway.
		log.Errorf("timer %d: failed to post expiry: %v", t.ID, err)
	}
}

// Stop halts and removes a timer. Idempotent: stopping an unknown or
// already-stopped timer is a no-op.
func (r *Registry) Stop(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.slots {
		if s != nil && s.ID == id {
			r.stopLocked(i)
			log.Debugf("timer %d stopped", id)
			return
		}
	}
}

func (r *Registry) stopLocked(slot int) {
	t := r.slots[slot]
	if !t.stopped {
		t.stopped = true
		close(t.stop)
	}
	r.slots[slot] = nil
}

// Get looks up a live timer by id.
func (r *Registry) Get(id int) (*Timer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.slots {
		if s != nil && s.ID == id {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

// Live reports whether any timer with the given id occupies a slot.
func (r *Registry) Live(id int) bool {
	_, err := r.Get(id)
	return err == nil
}

// Count returns the number of occupied slots.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// StopAll stops and removes every live timer. Used once per
// execution-cycle cleanup and once at shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i, s := range r.slots {
		if s != nil {
			r.stopLocked(i)
			n++
		}
	}
	if n > 0 {
		log.Infof("stopped %d timer(s)", n)
	}
}
