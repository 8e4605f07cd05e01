package utils

import (
	"io"
	"sync"
)

// Buffer wraps a byte slice for use in sync.Pool
type Buffer struct {
	B []byte
}

// BufferPool provides a pool of reusable copy buffers.
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool creates a new buffer pool with buffers of the specified size.
func NewBufferPool(bufferSize int) *BufferPool {
	return &BufferPool{
		size: bufferSize,
		pool: sync.Pool{
			New: func() interface{} {
				return &Buffer{B: make([]byte, bufferSize)}
			},
		},
	}
}

// Get retrieves a buffer from the pool.
func (p *BufferPool) Get() []byte {
	buf := p.pool.Get().(*Buffer)
	return buf.B[:p.size]
}

// Put returns a buffer to the pool.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) == p.size {
		p.pool.Put(&Buffer{B: buf})
	}
}

// Copy is io.CopyBuffer with a pooled buffer.
func (p *BufferPool) Copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := p.Get()
	defer p.Put(buf)
	return io.CopyBuffer(dst, src, buf)
}

// DefaultBufferPool is a default buffer pool with 256KB buffers.
var DefaultBufferPool = NewBufferPool(256 * 1024)
