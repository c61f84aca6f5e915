// Package pipewire receives captured frames from a compositor-provided
// PipeWire node, reached either through a portal connection fd or by
// node id on the user socket. The cgo stream binding copies each buffer
// out of the PipeWire loop; the pure-Go ingest schedules polling and
// hands frames to the pipeline without ever blocking that loop.
package pipewire

import (
	"sync"

	"github.com/lamco-admin/lamco-rdp/internal/logging"
	"github.com/lamco-admin/lamco-rdp/internal/session"
)

var log = logging.L("pipewire")

// BufferType is the SPA data type a frame arrived in.
type BufferType int

const (
	BufferMemPtr BufferType = iota
	BufferMemFd
	BufferDmaBuf
)

func (b BufferType) String() string {
	switch b {
	case BufferMemFd:
		return "MemFd"
	case BufferDmaBuf:
		return "DmaBuf"
	default:
		return "MemPtr"
	}
}

// Frame is one captured raster. Data is an ingest-owned copy; Release
// returns it to the frame pool once the pipeline is done. The underlying
// PipeWire buffer was requeued before the frame left the loop.
type Frame struct {
	Data        []byte
	Width       int
	Height      int
	Stride      int
	Format      session.PixelFormat
	BufferType  BufferType
	TimestampUS int64

	pool *framePool
}

// Release returns the frame's buffer to the pool. The frame must not be
// used afterwards.
func (f *Frame) Release() {
	if f.pool != nil {
		f.pool.put(f)
	}
}

// framePool recycles frame buffers of the current stream size.
type framePool struct {
	mu   sync.Mutex
	size int
	pool sync.Pool
}

func newFramePool() *framePool {
	return &framePool{}
}

func (p *framePool) get(size int) *Frame {
	p.mu.Lock()
	if p.size != size {
		p.size = size
		p.pool = sync.Pool{}
	}
	p.mu.Unlock()

	if v := p.pool.Get(); v != nil {
		f := v.(*Frame)
		f.Data = f.Data[:size]
		return f
	}
	return &Frame{Data: make([]byte, size), pool: p}
}

func (p *framePool) put(f *Frame) {
	p.mu.Lock()
	current := p.size
	p.mu.Unlock()
	if cap(f.Data) < current {
		return // stale size, let it be collected
	}
	p.pool.Put(f)
}
