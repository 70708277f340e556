// Package msgbus provides the bounded FIFO message queue that connects
// timer expiry, transport callbacks and interrupt-style producers to the
// single event-loop consumer.
package msgbus

import (
	"errors"
	"time"
)

// Handler tags identify who a message belongs to when it is dequeued.
const (
	// MsgTimer marks a timer-expiry message; Arg1 carries the timer id.
	MsgTimer = 1
	// MsgWire marks a decoded wire event handed off for asynchronous
	// dispatch; Ptr carries the event.
	MsgWire = 2
)

// Message is one queue entry: a handler tag, an opaque payload pointer and
// two small integer arguments.
type Message struct {
	Handler int
	Ptr     any
	Arg1    int
	Arg2    int
}

// DefaultCapacity matches the reference firmware's 256-slot queue.
const DefaultCapacity = 256

var (
	// ErrQueueFull is returned by Put when the queue has no free slot
	// within the timeout. Callers log and drop; timers will re-fire.
	ErrQueueFull = errors.New("msgbus: queue full")
	// ErrTimeout is returned by Get when no message arrived in time.
	ErrTimeout = errors.New("msgbus: receive timeout")
	// ErrInterrupted is returned by Get when the supplied done channel
	// fires before a message arrives.
	ErrInterrupted = errors.New("msgbus: receive interrupted")
)

// Bus is a bounded FIFO with thread-safe producers and a single consumer.
type Bus struct {
	ch chan Message
}

// New creates a bus with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{ch: make(chan Message, capacity)}
}

// Put enqueues a message, blocking up to timeout for a free slot.
// timeout == 0 never blocks; timeout < 0 blocks forever.
func (b *Bus) Put(m Message, timeout time.Duration) error {
	select {
	case b.ch <- m:
		return nil
	default:
	}
	if timeout == 0 {
		return ErrQueueFull
	}
	if timeout < 0 {
		b.ch <- m
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case b.ch <- m:
		return nil
	case <-t.C:
		return ErrQueueFull
	}
}

// PutISR enqueues without ever blocking, for use from interrupt-style
// contexts (timer goroutines, transport callbacks).
func (b *Bus) PutISR(m Message) error {
	select {
	case b.ch <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

// Get dequeues the oldest message, blocking up to timeout.
// timeout < 0 blocks forever.
func (b *Bus) Get(timeout time.Duration) (Message, error) {
	return b.GetDone(nil, timeout)
}

// GetDone is Get with an additional done channel: if done fires first the
// call returns ErrInterrupted. Used by the event loop so a stop request can
// break an infinite receive.
func (b *Bus) GetDone(done <-chan struct{}, timeout time.Duration) (Message, error) {
	if timeout < 0 {
		select {
		case m := <-b.ch:
			return m, nil
		case <-done:
			return Message{}, ErrInterrupted
		}
	}
	if timeout == 0 {
		select {
		case m := <-b.ch:
			return m, nil
		case <-done:
			return Message{}, ErrInterrupted
		default:
			return Message{}, ErrTimeout
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case m := <-b.ch:
		return m, nil
	case <-done:
		return Message{}, ErrInterrupted
	case <-t.C:
		return Message{}, ErrTimeout
	}
}

// IsEmpty reports whether the queue currently holds no messages.
func (b *Bus) IsEmpty() bool {
	return len(b.ch) == 0
}

// Len returns the number of queued messages.
func (b *Bus) Len() int {
	return len(b.ch)
}

// Drain discards every queued message. Used at interpreter rebuild so
// stale timer messages cannot leak into the next generation.
func (b *Bus) Drain() {
	for {
		select {
		case <-b.ch:
		default:
			return
		}
	}
}
