package wire

import (
	"time"
)

// DefaultPumpCapacity matches the reference firmware's 16-entry pending
// event queue.
const DefaultPumpCapacity = 16

// Pump decouples frame decoding from handler execution: the receive path
// offers decoded events, and a consumer drains them on its own call stack.
// The interpreter-facing module uses this to avoid re-entrant calls into
// the interpreter from the transport goroutine.
type Pump struct {
	ch chan Event
}

// NewPump creates a pump with the given capacity (DefaultPumpCapacity if
// <= 0).
func NewPump(capacity int) *Pump {
	if capacity <= 0 {
		capacity = DefaultPumpCapacity
	}
	return &Pump{ch: make(chan Event, capacity)}
}

// Offer queues an event without blocking. When the queue is full the
// oldest pending event is dropped to make room; if the retry still fails
// the new event is discarded.
func (p *Pump) Offer(name string, data []byte) {
	ev := Event{Name: name, Data: data}
	select {
	case p.ch <- ev:
		return
	default:
	}
	select {
	case <-p.ch:
	default:
	}
	select {
	case p.ch <- ev:
	default:
	}
}

// Drain invokes fn for up to max pending events and returns the number
// processed. When block is true the first receive waits up to timeout;
// subsequent receives never block.
func (p *Pump) Drain(block bool, timeout time.Duration, max int, fn func(Event)) int {
	if max <= 0 {
		max = 1
	}
	processed := 0
	for processed < max {
		var ev Event
		if processed == 0 && block {
			t := time.NewTimer(timeout)
			select {
			case ev = <-p.ch:
				t.Stop()
			case <-t.C:
				return processed
			}
		} else {
			select {
			case ev = <-p.ch:
			default:
				return processed
			}
		}
		fn(ev)
		processed++
	}
	return processed
}

// Len returns the number of pending events.
func (p *Pump) Len() int {
	return len(p.ch)
}

// Flush discards all pending events. Used at interpreter rebuild.
func (p *Pump) Flush() {
	for {
		select {
		case <-p.ch:
		default:
			return
		}
	}
}
