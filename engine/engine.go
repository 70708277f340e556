// Package engine owns the interpreter lifecycle: a dedicated execution
// goroutine, the stop handshake, the code accumulation buffer and the
// rebuild that gives every run a fresh interpreter. Nothing outside this
// package calls into a live interpreter except through the scheduler loop
// the script itself enters.
package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
	lua "github.com/yuin/gopher-lua"

	"github.com/chahilhyper9725/easy-lua-esp32-sub001/alloc"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/msgbus"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/timers"
)

var log = commonlog.GetLogger("easylua.engine")

// Stop handshake bounds: a new execute request waits at most StopTimeout
// for the previous run to reach idle, polling at stopPollInterval.
const (
	StopTimeout      = 5 * time.Second
	stopPollInterval = 10 * time.Millisecond
)

// Run states.
const (
	stateIdle int32 = iota
	stateRunning
	stateStopRequested
)

// interruptedMsg is the synthetic error reported when a stop request
// unwinds a running script.
const interruptedMsg = "interrupted by user"

// ModuleFunc installs host-exposed functions into a fresh interpreter.
// Module callbacks run on every rebuild, in registration order; later
// modules can override globals set by earlier ones.
type ModuleFunc func(L *lua.LState)

// Engine drives script execution. One engine exists per runtime; it owns
// the interpreter generation, the allocator arena tied to it, and the
// execution goroutine.
type Engine struct {
	alloc *alloc.Allocator
	bus   *msgbus.Bus
	reg   *timers.Registry

	L *lua.LState

	// genMu guards cancel and done across generation swaps so a stop
	// request always cancels the generation whose run it observed.
	genMu  sync.Mutex
	cancel context.CancelFunc
	done   <-chan struct{}

	state int32
	exec  chan string
	quit  chan struct{}
	wg    sync.WaitGroup

	// Code chunks accumulate in their own small arena so they survive
	// the per-run reset of the interpreter allocator.
	bufMu   sync.Mutex
	codeBuf *alloc.Buffer

	cbMu       sync.Mutex
	modules    []ModuleFunc
	stateReset func(L *lua.LState)
	onError    func(msg string)
	onStop     func()
	onResult   func(ok bool, errMsg string, elapsed time.Duration)
	onOutput   func(text string)
}

// New creates an engine over the runtime's allocator, bus and timer
// registry. Call Init to create the first interpreter and start the
// execution goroutine.
func New(a *alloc.Allocator, bus *msgbus.Bus, reg *timers.Registry) *Engine {
	codeArena := alloc.New(32*1024, alloc.DefaultThreshold, false)
	return &Engine{
		alloc:   a,
		bus:     bus,
		reg:     reg,
		exec:    make(chan string, 1),
		quit:    make(chan struct{}),
		codeBuf: codeArena.NewBuffer(),
	}
}

// AddModule appends a module-registration callback. Must be called before
// Init; the list is append-only so registration order stays deterministic.
func (e *Engine) AddModule(fn ModuleFunc) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.modules = append(e.modules, fn)
}

// OnStateReset registers the single fan-out callback invoked after the
// module list on every rebuild.
func (e *Engine) OnStateReset(fn func(L *lua.LState)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.stateReset = fn
}

// OnError registers the callback receiving interpreter error text.
func (e *Engine) OnError(fn func(msg string)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onError = fn
}

// OnStop registers the callback invoked after every run, once the
// interpreter has been rebuilt and the engine is idle again.
func (e *Engine) OnStop(fn func()) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onStop = fn
}

// OnResult registers the run-completion callback.
func (e *Engine) OnResult(fn func(ok bool, errMsg string, elapsed time.Duration)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onResult = fn
}

// OnOutput registers the sink for script print output.
func (e *Engine) OnOutput(fn func(text string)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onOutput = fn
}

// Init creates the first interpreter and starts the execution goroutine.
func (e *Engine) Init() {
	e.rebuild()
	e.wg.Add(1)
	go e.runLoop()
}

// Close stops the execution goroutine and tears down the interpreter.
func (e *Engine) Close() {
	e.RequestStop()
	close(e.quit)
	e.wg.Wait()
	e.reg.StopAll()
	if e.L != nil {
		e.L.Close()
		e.L = nil
	}
}

// Done exposes the current interpreter generation's cancellation channel.
// Valid between rebuilds; module callbacks capture it at registration.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// IsRunning reports whether a script run is in progress.
func (e *Engine) IsRunning() bool {
	return atomic.LoadInt32(&e.state) != stateIdle
}

// RequestStop asks the running script to unwind. Observed by the
// interpreter's per-instruction context check; a stopped script reports
// the interrupted error through the normal error path. No-op when idle.
// The lock is held across the state check and the cancel so a rebuild
// cannot swap in the next generation's context in between; a request
// that loses the race to the idle store cancels nothing.
func (e *Engine) RequestStop() {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	if atomic.CompareAndSwapInt32(&e.state, stateRunning, stateStopRequested) {
		log.Info("stop requested")
		e.cancel()
	}
}

// Stop is RequestStop under its wire-facing name.
func (e *Engine) Stop() {
	e.RequestStop()
}

// Execute schedules code for execution. A run already in progress is
// stopped first, waiting up to StopTimeout for it to reach idle; on
// timeout the request still proceeds (the late rebuild picks it up), the
// delay is only logged. A queued-but-unstarted request is replaced.
func (e *Engine) Execute(code string) {
	if e.IsRunning() {
		e.RequestStop()
		deadline := time.Now().Add(StopTimeout)
		for e.IsRunning() {
			if time.Now().After(deadline) {
				log.Errorf("script did not stop within %s, queueing next run anyway", StopTimeout)
				break
			}
			time.Sleep(stopPollInterval)
		}
	}

	// New request preempts a pending one: at most one is ever queued.
	select {
	case <-e.exec:
	default:
	}
	e.exec <- code
}

// AddCode appends a chunk to the accumulation buffer, letting a
// size-limited transfer assemble a full script before running it.
func (e *Engine) AddCode(chunk string) {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	if e.codeBuf.Len() > 0 {
		e.codeBuf.AppendByte('\n')
	}
	if !e.codeBuf.AppendString(chunk) {
		log.Errorf("code buffer exhausted at %d bytes, chunk dropped", e.codeBuf.Len())
	}
}

// ClearCode discards the accumulation buffer.
func (e *Engine) ClearCode() {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	e.codeBuf.Reset()
}

// BufferLen returns the accumulated code size.
func (e *Engine) BufferLen() int {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	return e.codeBuf.Len()
}

// RunBuffer executes the accumulated buffer as one unit and clears it.
func (e *Engine) RunBuffer() {
	e.bufMu.Lock()
	code := e.codeBuf.String()
	e.codeBuf.Reset()
	e.bufMu.Unlock()
	e.Execute(code)
}

// runLoop is the dedicated execution goroutine: wait for a handoff, run
// it, rebuild, report.
func (e *Engine) runLoop() {
	defer e.wg.Done()
	for {
		select {
		case code := <-e.exec:
			e.runOne(code)
		case <-e.quit:
			return
		}
	}
}

// runOne executes a single script against the current interpreter
// generation, then destroys and rebuilds the generation so nothing the
// script created survives into the next run.
func (e *Engine) runOne(code string) {
	atomic.StoreInt32(&e.state, stateRunning)
	log.Infof("executing script (%d bytes)", len(code))

	start := time.Now()
	err := e.L.DoString(code)
	elapsed := time.Since(start)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		if interrupted(err) || atomic.LoadInt32(&e.state) == stateStopRequested {
			errMsg = interruptedMsg
		}
		log.Errorf("script error: %s", errMsg)
		e.fireError(errMsg)
	} else {
		log.Infof("script completed in %s", elapsed)
	}

	// Leave the run states before rebuilding: once the new generation's
	// cancel is installed, a late stop request aimed at this run must
	// find nothing left to cancel.
	atomic.StoreInt32(&e.state, stateIdle)
	e.rebuild()

	e.fireResult(err == nil, errMsg, elapsed)
	e.fireStop()
}

func interrupted(err error) bool {
	s := err.Error()
	return strings.Contains(s, context.Canceled.Error()) ||
		strings.Contains(s, interruptedMsg)
}

// rebuild tears down the current interpreter generation and creates a
// fresh one: timers stopped, bus drained, allocator arena reset, a new
// state with a new cancellation context, print rewired, every module
// re-registered in order. This is the isolation boundary between runs.
func (e *Engine) rebuild() {
	e.genMu.Lock()
	if e.L != nil {
		e.cancel()
		e.L.Close()
	}
	e.genMu.Unlock()
	e.reg.StopAll()
	e.bus.Drain()
	e.alloc.Reset()

	L := lua.NewState()
	if L == nil {
		// Without an interpreter the host cannot run anything at all.
		log.Critical("interpreter creation failed")
		panic("engine: interpreter creation failed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	L.SetContext(ctx)
	e.genMu.Lock()
	e.L = L
	e.cancel = cancel
	e.done = ctx.Done()
	e.genMu.Unlock()

	L.SetGlobal("print", L.NewFunction(e.luaPrint))

	e.cbMu.Lock()
	modules := e.modules
	reset := e.stateReset
	e.cbMu.Unlock()
	for _, m := range modules {
		m(L)
	}
	if reset != nil {
		reset(L)
	}
	log.Debug("interpreter rebuilt")
}

// luaPrint replaces the stock print so script output reaches the host's
// output sink instead of stdout.
func (e *Engine) luaPrint(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	text := strings.Join(parts, "\t")

	e.cbMu.Lock()
	out := e.onOutput
	e.cbMu.Unlock()
	if out != nil {
		out(text)
	}
	return 0
}

func (e *Engine) fireError(msg string) {
	e.cbMu.Lock()
	fn := e.onError
	e.cbMu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (e *Engine) fireStop() {
	e.cbMu.Lock()
	fn := e.onStop
	e.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (e *Engine) fireResult(ok bool, errMsg string, elapsed time.Duration) {
	e.cbMu.Lock()
	fn := e.onResult
	e.cbMu.Unlock()
	if fn != nil {
		fn(ok, errMsg, elapsed)
	}
}
