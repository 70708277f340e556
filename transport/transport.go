// Package transport defines the byte-stream boundary between the runtime
// and its wireless peer, plus two implementations: a single-client TCP
// listener and an in-process loopback pipe. The runtime depends only on
// ordered delivery of bytes, not on any transport's chunking or pacing.
package transport

import (
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("easylua.transport")

// Outbound chunking defaults, matching the reference link's MTU and the
// short delay it inserts between chunks.
const (
	DefaultMTU  = 480
	DefaultPace = 10 * time.Millisecond
)

// ReceiveFunc is invoked with each inbound byte chunk, on the transport's
// receive goroutine. Implementations must never call back into Send from
// inside it.
type ReceiveFunc func(p []byte)

// Transport moves bytes between the runtime and its peer.
type Transport interface {
	// Send writes the whole payload, in order. May block for pacing.
	Send(p []byte) error
	// SetReceiveCallback registers the inbound sink. Must be called
	// before traffic flows; later calls replace the sink.
	SetReceiveCallback(fn ReceiveFunc)
	// IsConnected reports whether a peer is currently attached.
	IsConnected() bool
	Close() error
}
