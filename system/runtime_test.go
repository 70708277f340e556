package system

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chahilhyper9725/easy-lua-esp32-sub001/config"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/transport"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/wire"
)

// peer plays the external controller: it frames commands toward the
// runtime and collects everything the runtime sends back.
type peer struct {
	t     *testing.T
	trans *transport.Pipe
	enc   *wire.Encoder

	mu     sync.Mutex
	events []wire.Event
}

func newTestRuntime(t *testing.T) (*Runtime, *peer) {
	t.Helper()
	hostEnd, peerEnd := transport.NewPipe()

	cfg := config.Default()
	rt := New(cfg, hostEnd, nil, nil)
	rt.Start()
	t.Cleanup(rt.Close)

	p := &peer{t: t, trans: peerEnd, enc: wire.NewEncoder(cfg.Headerless)}
	dec := wire.NewDecoder(cfg.Headerless)
	dec.OnUnhandled(func(name string, data []byte) {
		p.mu.Lock()
		p.events = append(p.events, wire.Event{Name: name, Data: data})
		p.mu.Unlock()
	})
	peerEnd.SetReceiveCallback(dec.FeedBytes)
	return rt, p
}

func (p *peer) send(name string, data []byte) {
	require.NoError(p.t, p.trans.Send(p.enc.Encode(name, data)))
}

// firstEvent waits for an event with the given name and returns its
// payload.
func (p *peer) firstEvent(name string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if ev.Name == name {
			return ev.Data, true
		}
	}
	return nil, false
}

func (p *peer) requireEvent(name string) []byte {
	p.t.Helper()
	var data []byte
	require.Eventually(p.t, func() bool {
		d, ok := p.firstEvent(name)
		data = d
		return ok
	}, 10*time.Second, 10*time.Millisecond, "no %s event", name)
	return data
}

func (p *peer) eventPayloads(name string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.Name == name {
			out = append(out, string(ev.Data))
		}
	}
	return out
}

func TestExecuteOverWire(t *testing.T) {
	_, p := newTestRuntime(t)

	p.send(EvExecute, []byte(`print("hi from script")`))

	out := p.requireEvent(EvOutput)
	require.Equal(t, "hi from script", string(out))

	data := p.requireEvent(EvResult)
	res, err := wire.UnmarshalResult(data)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Empty(t, res.Error)

	p.requireEvent(EvStop)
}

func TestChunkedCodeAssembly(t *testing.T) {
	_, p := newTestRuntime(t)

	p.send(EvCodeAdd, []byte(`local a = 20`))
	p.send(EvCodeAdd, []byte(`local b = 22`))
	p.send(EvCodeAdd, []byte(`print(a + b)`))
	p.send(EvCodeRun, nil)

	out := p.requireEvent(EvOutput)
	require.Equal(t, "42", string(out))
}

func TestClearCodeDropsChunks(t *testing.T) {
	rt, p := newTestRuntime(t)

	p.send(EvCodeAdd, []byte(`print("stale")`))
	p.send(EvCodeClear, nil)

	require.Eventually(t, func() bool {
		return rt.Engine().BufferLen() == 0
	}, 5*time.Second, 5*time.Millisecond)

	p.send(EvCodeAdd, []byte(`print("fresh")`))
	p.send(EvCodeRun, nil)

	out := p.requireEvent(EvOutput)
	require.Equal(t, "fresh", string(out))
}

func TestRemoteStopInterruptsScript(t *testing.T) {
	rt, p := newTestRuntime(t)

	p.send(EvExecute, []byte(`while true do end`))
	require.Eventually(t, func() bool {
		return rt.Engine().IsRunning()
	}, 5*time.Second, time.Millisecond)

	p.send(EvCodeStop, nil)

	errData := p.requireEvent(EvError)
	require.Equal(t, "interrupted by user", string(errData))
	p.requireEvent(EvStop)

	data := p.requireEvent(EvResult)
	res, err := wire.UnmarshalResult(data)
	require.NoError(t, err)
	require.False(t, res.OK)
}

func TestScriptErrorReportedOverWire(t *testing.T) {
	_, p := newTestRuntime(t)

	p.send(EvExecute, []byte(`error("exploded")`))

	errData := p.requireEvent(EvError)
	require.Contains(t, string(errData), "exploded")
}

func TestIsolationAcrossRemoteRuns(t *testing.T) {
	_, p := newTestRuntime(t)

	p.send(EvExecute, []byte(`leftover = 1`))
	p.requireEvent(EvStop)

	p.send(EvExecute, []byte(`print(type(leftover))`))
	require.Eventually(t, func() bool {
		return len(p.eventPayloads(EvOutput)) == 1
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"nil"}, p.eventPayloads(EvOutput))
}

func TestMemInfoReply(t *testing.T) {
	_, p := newTestRuntime(t)

	p.send(EvMemInfo, nil)

	data := p.requireEvent(EvMemInfo)
	st, err := wire.UnmarshalStats(data)
	require.NoError(t, err)
	require.GreaterOrEqual(t, st.Peak, st.Total)
	require.False(t, st.AltAvailable)
}

func TestScriptUsesSchedulerOverWire(t *testing.T) {
	_, p := newTestRuntime(t)

	script := `
		sys.taskInit(function()
			local ok = sys.waitUntil("go", 2000)
			print("woken", ok)
			sys.publish("quit")
		end)
		sys.timerStart(function() sys.publish("go") end, 30)
		sys.taskInit(function()
			sys.waitUntil("quit", 5000)
			error("done")
		end)
		sys.run()
	`
	p.send(EvExecute, []byte(script))

	out := p.requireEvent(EvOutput)
	require.Equal(t, "woken\ttrue", string(out))
}
