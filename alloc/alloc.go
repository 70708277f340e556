// Package alloc implements the hybrid memory allocator that backs one
// interpreter generation: a fixed bump pool for small hot allocations with
// a general-heap fallback for everything else.
//
// Blocks are tagged handles rather than raw addresses, so "is this block
// pool-resident?" is a field check instead of pointer-range arithmetic.
package alloc

// Pool allocations below this size are served from the bump pool while
// space remains.
const DefaultThreshold = 512

// DefaultPoolSize matches the 64 KiB static pool of the reference device.
const DefaultPoolSize = 64 * 1024

// Block is a tagged allocation handle. Pool-resident blocks are never
// individually reclaimed; heap blocks are released to the garbage collector
// as soon as they are freed.
type Block struct {
	data   []byte
	pooled bool
}

// Bytes returns the block's backing storage.
func (b *Block) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Size returns the block's allocated size in bytes.
func (b *Block) Size() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Pooled reports whether the block lives inside the bump pool.
func (b *Block) Pooled() bool {
	return b != nil && b.pooled
}

// Stats aggregates allocation counters for one interpreter generation.
// Peak is a running maximum and is never decremented.
type Stats struct {
	PoolUsed     int
	HeapUsed     int
	Total        int
	Peak         int
	AltAvailable bool
}

// Allocator serves interpreter memory from a fixed pool first and the
// general heap second. It is owned by the execution task; no internal
// locking is performed.
type Allocator struct {
	pool      []byte
	offset    int
	threshold int
	heapLimit int
	stats     Stats
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithHeapLimit caps total heap bytes served by the allocator. Requests
// beyond the limit fail with a nil block, modeling device memory
// exhaustion. Zero means unlimited.
func WithHeapLimit(limit int) Option {
	return func(a *Allocator) { a.heapLimit = limit }
}

// New creates an allocator with the given pool capacity and pool-service
// threshold. altAvailable records whether an alternate memory bank (the
// device's external RAM) exists; the flag survives Reset.
func New(poolSize, threshold int, altAvailable bool, opts ...Option) *Allocator {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	a := &Allocator{
		pool:      make([]byte, poolSize),
		threshold: threshold,
	}
	a.stats.AltAvailable = altAvailable
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Alloc is the single allocation entry point, matching the interpreter's
// allocator shape: nsize == 0 frees old, a non-nil old with nsize > 0
// reallocates, and everything else is a fresh allocation. It returns nil
// on exhaustion and never panics; the caller is expected to surface an
// out-of-memory condition through its own error mechanism.
func (a *Allocator) Alloc(old *Block, nsize int) *Block {
	if nsize == 0 {
		a.free(old)
		return nil
	}
	if old != nil {
		return a.realloc(old, nsize)
	}
	return a.allocate(nsize)
}

func (a *Allocator) allocate(nsize int) *Block {
	// Small hot allocations go to the pool while it has room.
	if nsize < a.threshold && a.offset+nsize <= len(a.pool) {
		blk := &Block{
			data:   a.pool[a.offset : a.offset+nsize : a.offset+nsize],
			pooled: true,
		}
		a.offset += nsize
		a.stats.PoolUsed += nsize
		a.bump(nsize)
		return blk
	}

	if a.heapLimit > 0 && a.stats.HeapUsed+nsize > a.heapLimit {
		return nil
	}
	blk := &Block{data: make([]byte, nsize)}
	a.stats.HeapUsed += nsize
	a.bump(nsize)
	return blk
}

func (a *Allocator) realloc(old *Block, nsize int) *Block {
	osize := len(old.data)
	if old.pooled {
		// The bump pool cannot grow a block in place: allocate fresh
		// and copy the surviving bytes.
		blk := a.allocate(nsize)
		if blk == nil {
			return nil
		}
		copy(blk.data, old.data)
		a.stats.PoolUsed -= osize
		a.stats.Total -= osize
		old.data = nil
		return blk
	}

	if a.heapLimit > 0 && a.stats.HeapUsed-osize+nsize > a.heapLimit {
		return nil
	}
	data := make([]byte, nsize)
	copy(data, old.data)
	old.data = nil
	a.stats.HeapUsed += nsize - osize
	a.stats.Total += nsize - osize
	if a.stats.Total > a.stats.Peak {
		a.stats.Peak = a.stats.Total
	}
	return &Block{data: data}
}

func (a *Allocator) free(b *Block) {
	if b == nil || b.data == nil {
		return
	}
	size := len(b.data)
	if b.pooled {
		// Bump allocator: accounted but not reclaimed until Reset.
		a.stats.PoolUsed -= size
	} else {
		a.stats.HeapUsed -= size
	}
	a.stats.Total -= size
	b.data = nil
}

func (a *Allocator) bump(n int) {
	a.stats.Total += n
	if a.stats.Total > a.stats.Peak {
		a.stats.Peak = a.stats.Total
	}
}

// Reset drops the pool offset and all counters back to zero, preserving
// only the alternate-bank flag. Called exactly once per interpreter
// (re)creation; every outstanding Block becomes invalid.
func (a *Allocator) Reset() {
	alt := a.stats.AltAvailable
	a.offset = 0
	a.stats = Stats{AltAvailable: alt}
}

// Stats returns a snapshot of the aggregate counters.
func (a *Allocator) Stats() Stats {
	return a.stats
}

// PoolCapacity returns the fixed pool size in bytes.
func (a *Allocator) PoolCapacity() int {
	return len(a.pool)
}

// PoolRemaining returns the unallocated tail of the pool.
func (a *Allocator) PoolRemaining() int {
	return len(a.pool) - a.offset
}
