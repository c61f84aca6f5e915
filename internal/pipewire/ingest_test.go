package pipewire

import (
	"testing"

	"github.com/lamco-admin/lamco-rdp/internal/session"
)

func testIngest(depth int) *Ingest {
	return NewIngest(IngestConfig{
		Access:     session.CaptureAccess{FD: -1, NodeID: 42},
		Stream:     session.Stream{NodeID: 42, Width: 4, Height: 2},
		QueueDepth: depth,
	})
}

func rawFrame(size int, ts int64) RawFrame {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	return RawFrame{
		Data:        data,
		Size:        size,
		Width:       4,
		Height:      2,
		Stride:      16,
		Format:      session.FormatBGRx,
		TimestampUS: ts,
	}
}

func TestOnFrameDeliversCopy(t *testing.T) {
	in := testIngest(2)
	raw := rawFrame(32, 100)
	in.onFrame(raw)

	select {
	case f := <-in.Frames():
		if f.TimestampUS != 100 {
			t.Errorf("timestamp = %d, want 100", f.TimestampUS)
		}
		if len(f.Data) != 32 {
			t.Fatalf("data len = %d, want 32", len(f.Data))
		}
		// Mutating the raw buffer must not affect the delivered frame.
		raw.Data[0] = 0xFF
		if f.Data[0] == 0xFF {
			t.Error("frame aliases the raw PipeWire buffer")
		}
		f.Release()
	default:
		t.Fatal("no frame delivered")
	}
}

func TestOnFrameDropsWhenQueueFull(t *testing.T) {
	in := testIngest(1)
	in.onFrame(rawFrame(16, 1))
	in.onFrame(rawFrame(16, 2)) // queue full: dropped
	in.onFrame(rawFrame(16, 3)) // dropped

	delivered, dropped := in.Stats()
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}

	f := <-in.Frames()
	if f.TimestampUS != 1 {
		t.Errorf("surviving frame ts = %d, want 1 (oldest kept, newest dropped)", f.TimestampUS)
	}
}

func TestOnFrameEmptyBufferIsSignalNotError(t *testing.T) {
	in := testIngest(2)
	in.onFrame(RawFrame{Size: 0})

	if in.empties.Load() != 1 {
		t.Fatal("empty buffer not counted")
	}
	delivered, dropped := in.Stats()
	if delivered != 0 || dropped != 0 {
		t.Fatalf("empty buffer affected frame stats: %d/%d", delivered, dropped)
	}
	select {
	case <-in.Frames():
		t.Fatal("empty buffer produced a frame")
	default:
	}
}

func TestOnFrameFallsBackToStreamGeometry(t *testing.T) {
	in := testIngest(2)
	raw := rawFrame(32, 5)
	raw.Width, raw.Height, raw.Stride = 0, 0, 0
	in.onFrame(raw)

	f := <-in.Frames()
	if f.Width != 4 || f.Height != 2 {
		t.Errorf("geometry = %dx%d, want 4x2 from stream descriptor", f.Width, f.Height)
	}
	if f.Stride != 16 {
		t.Errorf("stride = %d, want derived 16", f.Stride)
	}
}

func TestFramePoolRecyclesBuffers(t *testing.T) {
	p := newFramePool()
	f1 := p.get(64)
	ptr := &f1.Data[0]
	f1.Release()
	f2 := p.get(64)
	if &f2.Data[0] != ptr {
		t.Log("pool did not recycle buffer (allowed but unexpected in a single-goroutine test)")
	}
	f3 := p.get(128)
	if len(f3.Data) != 128 {
		t.Fatalf("resized get returned %d bytes", len(f3.Data))
	}
}
