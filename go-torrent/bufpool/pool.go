// Package bufpool implements the size-classed buffer allocator described in
// spec.md §5, grounded on original_source/socket/Buffer.h's
// FixedBufferAllocator/Chunk: buffers are recycled in fixed size classes
// rather than allocated fresh per read, and oversize requests bypass the
// pool entirely rather than polluting a size class that would otherwise
// mostly sit idle.
package bufpool

import "sync"

// maxPooled is the largest size class the pool recycles (256 KiB); spec.md
// §5 calls this out explicitly since a single piece can exceed it and must
// not force every class above it to size up.
const maxPooled = 256 * 1024

// align is the granularity size classes are rounded up to. The original's
// Chunk header aligns to 8 bytes; Go doesn't need a header, but keeping the
// same alignment keeps size classes numerically comparable across ports.
const align = 8

// Pool hands out []byte buffers from a fixed set of size classes, backed by
// a sync.Pool per class (spec.md §5's idiomatic Go rendering of the
// original's free-list allocator).
type Pool struct {
	mu      sync.Mutex
	classes map[int]*sync.Pool
}

// New returns an empty Pool. Size classes are created lazily on first use.
func New() *Pool {
	return &Pool{classes: make(map[int]*sync.Pool)}
}

func classSize(n int) int {
	if n <= 0 {
		return align
	}
	return ((n + align - 1) / align) * align
}

func (p *Pool) classFor(size int) *sync.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp, ok := p.classes[size]
	if !ok {
		cp = &sync.Pool{New: func() any {
			b := make([]byte, size)
			return &b
		}}
		p.classes[size] = cp
	}
	return cp
}

// Get returns a buffer of at least n bytes, sliced to exactly n. Requests
// larger than maxPooled are allocated directly and never returned to a
// class by Put.
func (p *Pool) Get(n int) []byte {
	if n > maxPooled {
		return make([]byte, n)
	}
	size := classSize(n)
	bp := p.classFor(size).Get().(*[]byte)
	return (*bp)[:n]
}

// Put returns buf to its size class for reuse. Oversize buffers (those Get
// would never have produced from a class) are dropped rather than pooled.
func (p *Pool) Put(buf []byte) {
	c := cap(buf)
	if c == 0 || c > maxPooled || c%align != 0 {
		return
	}
	full := buf[:c]
	p.classFor(c).Put(&full)
}
