package mux

import (
	"context"

	"github.com/lamco-admin/lamco-rdp/internal/logging"
)

var log = logging.L("mux")

// GraphicsItem is implemented by frames queued on the graphics queue so
// the drain task can coalesce to the newest by capture timestamp.
type GraphicsItem interface {
	FrameTimestampUS() int64
}

// Mux bundles the control, clipboard, and graphics queues of one
// connection. The input queue lives with the input batcher: input drains
// on its own task and is never behind the mux loop.
type Mux[C any, B any, G GraphicsItem] struct {
	Control   *Queue[C]
	Clipboard *Queue[B]
	Graphics  *Queue[G]
}

// New creates the three mux queues with their spec'd capacities and
// policies: control 16/block, clipboard 8/block, graphics 4/coalesce.
func New[C any, B any, G GraphicsItem]() *Mux[C, B, G] {
	return &Mux[C, B, G]{
		Control:   NewQueue[C](ControlCapacity, Block),
		Clipboard: NewQueue[B](ClipboardCapacity, Block),
		Graphics:  NewQueue[G](GraphicsCapacity, Coalesce),
	}
}

// Run drains control and clipboard with strict priority: at every
// scheduling point, pending control work runs before clipboard work.
// Returns when ctx is done.
func (m *Mux[C, B, G]) Run(ctx context.Context, onControl func(C), onClipboard func(B)) {
	for {
		// Bias: exhaust control before touching clipboard.
		select {
		case c := <-m.Control.C():
			onControl(c)
			continue
		default:
		}

		select {
		case c := <-m.Control.C():
			onControl(c)
		case b := <-m.Clipboard.C():
			onClipboard(b)
		case <-ctx.Done():
			return
		}
	}
}

// RunGraphics drains the graphics queue, coalescing to the newest frame
// by timestamp before each send. The encoder already ran by the time a
// frame is queued; coalescing here cannot improve quality, it only
// shields input and clipboard from head-of-line blocking when the
// network is slow. send blocks for the duration of the network write.
func (m *Mux[C, B, G]) RunGraphics(ctx context.Context, send func(G)) {
	for {
		frame, err := m.Graphics.Pop(ctx)
		if err != nil {
			return
		}

		coalesced := 0
		for {
			next, ok := m.Graphics.TryPop()
			if !ok {
				break
			}
			if next.FrameTimestampUS() >= frame.FrameTimestampUS() {
				frame = next
			}
			coalesced++
		}
		if coalesced > 0 {
			log.Debug("coalesced stale frames before send", "count", coalesced)
		}

		send(frame)
	}
}

// CloseAll closes every queue for producers.
func (m *Mux[C, B, G]) CloseAll() {
	m.Control.Close()
	m.Clipboard.Close()
	m.Graphics.Close()
}
