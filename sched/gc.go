package sched

import (
	"runtime"
)

// Idle-collection watermarks, in percent of the soft heap budget. Below
// the low watermark nothing runs; between the watermarks collection is
// rate-limited by a tick counter; above the high watermark it runs on
// the next idle observation.
const (
	gcLowWatermark  = 80
	gcHighWatermark = 90
	gcRateLimit     = 100

	defaultGCBudget = 64 << 20
)

type gcState struct {
	budget uint64
	ticks  int
}

func newGCState() gcState {
	return gcState{budget: defaultGCBudget}
}

// maybeCollect runs a collection pass when heap pressure crosses the
// watermarks. Called only when the external queue is observed empty, so
// collection never delays message dispatch.
func (g *gcState) maybeCollect() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	pct := ms.HeapAlloc * 100 / g.budget

	switch {
	case pct >= gcHighWatermark:
		runtime.GC()
		g.ticks = 0
	case pct >= gcLowWatermark:
		g.ticks++
		if g.ticks >= gcRateLimit {
			runtime.GC()
			g.ticks = 0
		}
	default:
		g.ticks = 0
	}
}
