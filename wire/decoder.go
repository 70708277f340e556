package wire

import (
	"github.com/tliron/commonlog"

	"github.com/chahilhyper9725/easy-lua-esp32-sub001/alloc"
)

var log = commonlog.GetLogger("easylua.wire")

// Decoder states.
type decoderState int

const (
	stateIdle decoderState = iota
	stateWaitStx
	stateReadName
	stateReadData
	stateEscape
)

// Decoder is the streaming frame decoder. One instance is reused across
// frames; the per-frame name and payload buffers are cleared on completion
// or abort. Malformed and truncated frames are never reported: the decoder
// silently resynchronizes on the next frame start.
//
// Feed runs on the transport receive path and is not safe for concurrent
// callers.
type Decoder struct {
	state      decoderState
	headerless bool
	inName     bool

	name *alloc.Buffer
	data *alloc.Buffer

	handlers  map[string]Handler
	unhandled UnhandledHandler
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithAllocator makes the decoder grow its frame buffers through the
// given hybrid allocator instead of a private one.
func WithAllocator(a *alloc.Allocator) DecoderOption {
	return func(d *Decoder) {
		d.name = a.NewBuffer()
		d.data = a.NewBuffer()
	}
}

// NewDecoder creates a decoder for the chosen frame variant.
func NewDecoder(headerless bool, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		headerless: headerless,
		inName:     true,
		handlers:   make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.name == nil {
		a := alloc.New(4*1024, alloc.DefaultThreshold, false)
		d.name = a.NewBuffer()
		d.data = a.NewBuffer()
	}
	return d
}

// On registers a handler for a named event. Later registrations for the
// same name replace earlier ones.
func (d *Decoder) On(name string, h Handler) {
	if h != nil {
		d.handlers[name] = h
	}
}

// OnUnhandled registers the wildcard handler invoked for events without a
// named handler.
func (d *Decoder) OnUnhandled(h UnhandledHandler) {
	d.unhandled = h
}

// Reset abandons any partial frame and returns the decoder to Idle.
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.name.Reset()
	d.data.Reset()
	d.inName = true
}

// FeedBytes runs every byte of p through the state machine. Decoded frames
// dispatch synchronously from inside this call.
func (d *Decoder) FeedBytes(p []byte) {
	for _, b := range p {
		d.Feed(b)
	}
}

// Feed advances the state machine by one byte.
func (d *Decoder) Feed(b byte) {
	switch d.state {

	case stateIdle:
		// Ignore everything until a frame start.
		if d.headerless {
			if b == STX {
				d.beginName()
			}
			return
		}
		if b == SOH {
			d.state = stateWaitStx
		}

	case stateWaitStx:
		// Consume header bytes until STX. A new SOH preempts the
		// partial frame and restarts header skipping.
		switch b {
		case STX:
			d.beginName()
		case SOH:
			d.state = stateWaitStx
		}

	case stateReadName:
		switch b {
		case ESC:
			d.state = stateEscape
		case US:
			d.inName = false
			d.state = stateReadData
		case SOH:
			d.abortToFrameStart()
		case STX:
			// Unexpected STX past the header: restart name
			// accumulation inside the same logical frame. This is
			// the decoder's resynchronization against a lost STX.
			d.beginName()
		default:
			d.appendName(b)
		}

	case stateReadData:
		switch b {
		case ESC:
			d.state = stateEscape
		case EOT:
			d.dispatch()
			d.Reset()
		case SOH:
			d.abortToFrameStart()
		case STX:
			d.beginName()
		default:
			d.appendData(b)
		}

	case stateEscape:
		un := b ^ escXOR
		if d.inName {
			d.appendName(un)
			d.state = stateReadName
		} else {
			d.appendData(un)
			d.state = stateReadData
		}
	}
}

// beginName clears both frame buffers and starts reading the name section.
func (d *Decoder) beginName() {
	d.name.Reset()
	d.data.Reset()
	d.inName = true
	d.state = stateReadName
}

// abortToFrameStart drops the partial frame because a new SOH arrived.
func (d *Decoder) abortToFrameStart() {
	if d.headerless {
		// Headerless frames have no header to skip; SOH is just noise
		// inside the sections and lands here only via framing loss.
		d.Reset()
		return
	}
	d.name.Reset()
	d.data.Reset()
	d.inName = true
	d.state = stateWaitStx
}

func (d *Decoder) appendName(b byte) {
	if !d.name.AppendByte(b) {
		log.Errorf("frame buffer exhausted at name byte, abandoning frame")
		d.Reset()
	}
}

func (d *Decoder) appendData(b byte) {
	if !d.data.AppendByte(b) {
		log.Errorf("frame buffer exhausted at %d payload bytes, abandoning frame", d.data.Len())
		d.Reset()
	}
}

// dispatch routes a completed frame to its handler, or the wildcard
// handler when no name matches.
func (d *Decoder) dispatch() {
	name := d.name.String()
	data := make([]byte, d.data.Len())
	copy(data, d.data.Bytes())

	if h, ok := d.handlers[name]; ok {
		log.Debugf("dispatching '%s' (%d bytes)", name, len(data))
		h(data)
		return
	}
	if d.unhandled != nil {
		log.Debugf("unhandled event '%s', calling wildcard handler", name)
		d.unhandled(name, data)
		return
	}
	log.Debugf("no handler for '%s'", name)
}
