// Package wire implements the framed, byte-stuffed event protocol spoken
// over the lossy transport link: a stateless encoder and a streaming
// decoder state machine that turns an unreliable byte stream into discrete
// named binary events.
//
// Frame format (headered variant):
//
//	SOH [stuffed header] STX [stuffed name] US [stuffed payload] EOT
//
// The headerless variant omits the SOH and header preamble and opens the
// frame directly with STX. Reserved control bytes inside the header, name
// or payload are escaped as ESC followed by the byte XORed with 0x20.
package wire

// Control bytes.
const (
	SOH = 0x01 // frame start (headered variant)
	STX = 0x02 // start of name section
	EOT = 0x04 // frame end
	ESC = 0x1B // escape prefix
	US  = 0x1F // name/payload separator

	escXOR = 0x20
)

// headerLen is the logical (unstuffed) header size: sender, receiver,
// sender group, receiver group, flags, and a 16-bit message id.
const headerLen = 7

// Event is one decoded frame.
type Event struct {
	Name string
	Data []byte
}

// Handler consumes the payload of a named event.
type Handler func(data []byte)

// UnhandledHandler consumes events that have no registered handler.
type UnhandledHandler func(name string, data []byte)

func isControl(b byte) bool {
	return b == SOH || b == STX || b == US || b == EOT || b == ESC
}

func stuff(dst []byte, b byte) []byte {
	if isControl(b) {
		return append(dst, ESC, b^escXOR)
	}
	return append(dst, b)
}
