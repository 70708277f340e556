package luamod

import (
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// HW is the thin hardware shim the hw module delegates to. Real pin I/O
// lives outside the runtime; the default simulation keeps scripts
// runnable anywhere.
type HW interface {
	PinWrite(pin, level int)
	PinRead(pin int) int
	Millis() int64
	Delay(ms int)
}

// SimHW is an in-memory HW: written pin levels read back, millis counts
// from construction, delay really sleeps.
type SimHW struct {
	mu    sync.Mutex
	pins  map[int]int
	start time.Time
}

// NewSimHW creates a simulated board.
func NewSimHW() *SimHW {
	return &SimHW{pins: make(map[int]int), start: time.Now()}
}

func (s *SimHW) PinWrite(pin, level int) {
	s.mu.Lock()
	s.pins[pin] = level
	s.mu.Unlock()
}

func (s *SimHW) PinRead(pin int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[pin]
}

func (s *SimHW) Millis() int64 {
	return time.Since(s.start).Milliseconds()
}

func (s *SimHW) Delay(ms int) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// HWModule binds a HW as the hw global.
type HWModule struct {
	hw HW
}

// NewHWModule wraps hw; nil gets the simulation.
func NewHWModule(hw HW) *HWModule {
	if hw == nil {
		hw = NewSimHW()
	}
	return &HWModule{hw: hw}
}

// Install registers the hw global.
func (m *HWModule) Install(L *lua.LState) {
	tbl := L.NewTable()
	L.SetFuncs(tbl, map[string]lua.LGFunction{
		"write":  m.write,
		"read":   m.read,
		"millis": m.millis,
		"delay":  m.delay,
	})
	L.SetGlobal("hw", tbl)
}

func (m *HWModule) write(L *lua.LState) int {
	m.hw.PinWrite(L.CheckInt(1), L.CheckInt(2))
	return 0
}

func (m *HWModule) read(L *lua.LState) int {
	L.Push(lua.LNumber(m.hw.PinRead(L.CheckInt(1))))
	return 1
}

func (m *HWModule) millis(L *lua.LState) int {
	L.Push(lua.LNumber(m.hw.Millis()))
	return 1
}

func (m *HWModule) delay(L *lua.LState) int {
	m.hw.Delay(L.CheckInt(1))
	return 0
}
