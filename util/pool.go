package util

import "sync"

// BufferPool hands out reusable read buffers of a fixed size.  The
// inbound read loops take one per read and copy the filled prefix into
// an immutable unit before returning it.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool creates a pool of size-byte buffers.  A non-positive
// size selects DefaultBufSize.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufSize
	}
	p := &BufferPool{size: size}
	p.pool.New = func() interface{} {
		buf := make([]byte, p.size)
		return &buf
	}
	return p
}

// Size returns the length of buffers handed out by the pool.
func (p *BufferPool) Size() int { return p.size }

// Get retrieves a buffer.  Callers must return it with Put.
func (p *BufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool.  Buffers of the wrong size are
// dropped.
func (p *BufferPool) Put(buf *[]byte) {
	if buf == nil || len(*buf) != p.size {
		return
	}
	p.pool.Put(buf)
}

// BufPool is the shared pool of DefaultBufSize buffers.
var BufPool = NewBufferPool(DefaultBufSize)
