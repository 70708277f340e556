package alloc

// Buffer is a growable byte accumulator backed by allocator blocks.
// Growth goes through the allocator's realloc path, so small buffers live
// in the bump pool and large ones spill to the heap. Reset keeps the
// current block so a reused buffer stops allocating once it has grown to
// its working size.
type Buffer struct {
	a   *Allocator
	blk *Block
	n   int
}

// NewBuffer creates an empty buffer served by the allocator.
func (a *Allocator) NewBuffer() *Buffer {
	return &Buffer{a: a}
}

// grow ensures capacity for n more bytes. Returns false on exhaustion.
func (b *Buffer) grow(n int) bool {
	need := b.n + n
	if b.blk != nil && need <= b.blk.Size() {
		return true
	}
	newCap := b.blk.Size() * 2
	if newCap < need {
		newCap = need
	}
	if newCap < 64 {
		newCap = 64
	}
	blk := b.a.Alloc(b.blk, newCap)
	if blk == nil {
		return false
	}
	b.blk = blk
	return true
}

// AppendByte appends a single byte. Returns false on allocator exhaustion.
func (b *Buffer) AppendByte(c byte) bool {
	if !b.grow(1) {
		return false
	}
	b.blk.Bytes()[b.n] = c
	b.n++
	return true
}

// Append appends p. Returns false on allocator exhaustion.
func (b *Buffer) Append(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	if !b.grow(len(p)) {
		return false
	}
	copy(b.blk.Bytes()[b.n:], p)
	b.n += len(p)
	return true
}

// AppendString appends s. Returns false on allocator exhaustion.
func (b *Buffer) AppendString(s string) bool {
	if len(s) == 0 {
		return true
	}
	if !b.grow(len(s)) {
		return false
	}
	copy(b.blk.Bytes()[b.n:], s)
	b.n += len(s)
	return true
}

// Bytes returns the accumulated bytes. The slice is invalidated by the
// next append or by Allocator.Reset.
func (b *Buffer) Bytes() []byte {
	if b.blk == nil {
		return nil
	}
	return b.blk.Bytes()[:b.n]
}

// String returns a copy of the accumulated bytes as a string.
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Len returns the number of accumulated bytes.
func (b *Buffer) Len() int {
	return b.n
}

// Reset empties the buffer, keeping its backing block for reuse.
func (b *Buffer) Reset() {
	b.n = 0
}

// Release frees the backing block and empties the buffer.
func (b *Buffer) Release() {
	if b.blk != nil {
		b.a.Alloc(b.blk, 0)
		b.blk = nil
	}
	b.n = 0
}
