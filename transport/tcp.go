package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrNotConnected is returned by Send when no peer is attached.
var ErrNotConnected = errors.New("transport: not connected")

// TCP is a single-client TCP rendition of the wireless link: one peer at
// a time, a newly accepted connection replaces the previous one, and
// outbound writes are chunked to the MTU with a pacing delay between
// chunks.
type TCP struct {
	ln   net.Listener
	mtu  int
	pace time.Duration

	mu   sync.Mutex
	conn net.Conn
	recv ReceiveFunc

	closed chan struct{}
	wg     sync.WaitGroup
}

// TCPOption configures a TCP transport.
type TCPOption func(*TCP)

// WithMTU overrides the outbound chunk size.
func WithMTU(mtu int) TCPOption {
	return func(t *TCP) {
		if mtu > 0 {
			t.mtu = mtu
		}
	}
}

// WithPace overrides the delay between outbound chunks.
func WithPace(d time.Duration) TCPOption {
	return func(t *TCP) {
		t.pace = d
	}
}

// ListenTCP starts accepting peers on addr.
func ListenTCP(addr string, opts ...TCPOption) (*TCP, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	t := &TCP{
		ln:     ln,
		mtu:    DefaultMTU,
		pace:   DefaultPace,
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.wg.Add(1)
	go t.acceptLoop()
	log.Infof("listening on %s (mtu=%d)", ln.Addr(), t.mtu)
	return t, nil
}

// Addr returns the bound listen address.
func (t *TCP) Addr() net.Addr {
	return t.ln.Addr()
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			log.Errorf("accept: %v", err)
			continue
		}

		t.mu.Lock()
		if t.conn != nil {
			// One peer at a time; the newcomer wins.
			t.conn.Close()
		}
		t.conn = conn
		t.mu.Unlock()
		log.Infof("peer connected: %s", conn.RemoteAddr())

		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *TCP) readLoop(conn net.Conn) {
	defer t.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			t.mu.Lock()
			recv := t.recv
			t.mu.Unlock()
			if recv != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				recv(chunk)
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debugf("read: %v", err)
			}
			break
		}
	}

	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
		log.Infof("peer disconnected: %s", conn.RemoteAddr())
	}
	t.mu.Unlock()
	conn.Close()
}

// Send writes p to the current peer, MTU chunk by MTU chunk, pausing
// between chunks so a slow receiver keeps up.
func (t *TCP) Send(p []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	for off := 0; off < len(p); off += t.mtu {
		end := off + t.mtu
		if end > len(p) {
			end = len(p)
		}
		if _, err := conn.Write(p[off:end]); err != nil {
			return fmt.Errorf("transport: send: %w", err)
		}
		if end < len(p) && t.pace > 0 {
			time.Sleep(t.pace)
		}
	}
	return nil
}

// SetReceiveCallback registers the inbound sink.
func (t *TCP) SetReceiveCallback(fn ReceiveFunc) {
	t.mu.Lock()
	t.recv = fn
	t.mu.Unlock()
}

// IsConnected reports whether a peer is attached.
func (t *TCP) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Close shuts the listener and any live connection down.
func (t *TCP) Close() error {
	close(t.closed)
	err := t.ln.Close()
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()
	t.wg.Wait()
	return err
}
