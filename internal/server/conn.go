package server

import (
	"context"
	"errors"
	"time"

	"github.com/lamco-admin/lamco-rdp/internal/input"
	"github.com/lamco-admin/lamco-rdp/internal/mux"
	"github.com/lamco-admin/lamco-rdp/internal/rdp"
	"github.com/lamco-admin/lamco-rdp/internal/registry"
	"github.com/lamco-admin/lamco-rdp/internal/session"
	"github.com/lamco-admin/lamco-rdp/internal/video"
)

// ControlEventKind discriminates protocol control messages on the
// control queue.
type ControlEventKind int

const (
	ControlFrameAck ControlEventKind = iota
	ControlResetGraphics
	ControlRefreshRequest
)

// ControlEvent is one protocol control message.
type ControlEvent struct {
	Kind       ControlEventKind
	FrameID    uint32
	QueueDepth uint32
	Width      uint32
	Height     uint32
}

// connState bundles one connection's moving parts.
type connState struct {
	server   *Server
	sconn    rdp.ServerConn
	handle   session.Handle
	primary  session.Stream
	mux      *mux.Mux[ControlEvent, rdp.ServerEvent, video.GraphicsFrame]
	pipeline *video.Pipeline
}

// handleControl drains the control queue (priority 1 in the mux loop).
func (c *connState) handleControl(ev ControlEvent) {
	switch ev.Kind {
	case ControlFrameAck:
		// Deep client queues mean the network is behind; a keyframe after
		// the backlog clears resynchronizes cheaply.
		if ev.QueueDepth > 8 && c.pipeline != nil {
			c.pipeline.ForceKeyframe()
		}
	case ControlResetGraphics, ControlRefreshRequest:
		if c.pipeline != nil {
			c.pipeline.ForceKeyframe()
		}
	}
}

// sendFrame pushes one coalesced frame into the library sink.
func (c *connState) sendFrame(sink rdp.FrameSink, g video.GraphicsFrame) {
	var err error
	switch {
	case g.AVC444 != nil:
		err = sink.SubmitAvc444(g.AVC444)
	case g.AVC420 != nil:
		err = sink.SubmitAvc420(g.AVC420)
	case g.RemoteFX != nil:
		err = sink.SubmitRemoteFX(g.RemoteFX)
	}
	if err != nil {
		log.Warn("frame submit failed", "error", err)
	}
}

// selectInjector returns the input sink and its label for the health
// table: the session handle when the environment has an injection path,
// the wlroots virtual-input fallback otherwise.
func (c *connState) selectInjector(ctx context.Context) (input.Injector, string, func()) {
	if c.server.reg.Level(registry.RemoteInput) >= registry.Guaranteed {
		return c.handle, "session injection", func() {}
	}

	wlr, err := input.NewWlrootsInjector(ctx, c.primary)
	if err != nil {
		log.Warn("wlroots virtual input unavailable, using session injection", "error", err)
		return c.handle, "session injection", func() {}
	}
	return wlr, "wlroots virtual input", func() { wlr.Close() }
}

// inputAdapter is the rdp.InputHandler the library calls; it enqueues
// into the batcher and returns immediately.
type inputAdapter struct {
	batcher *input.Batcher
}

func newInputAdapter(b *input.Batcher) *inputAdapter {
	return &inputAdapter{batcher: b}
}

func (a *inputAdapter) OnKeyboard(ev rdp.KeyboardEvent) { a.batcher.HandleKeyboard(ev) }
func (a *inputAdapter) OnPointer(ev rdp.PointerEvent)   { a.batcher.HandlePointer(ev) }
func (a *inputAdapter) OnSynchronize(lockBits uint32) {
	// Lock-state sync (caps/num/scroll) is compositor-managed on Wayland.
	log.Debug("keyboard sync", "lockBits", lockBits)
}

var _ rdp.InputHandler = (*inputAdapter)(nil)

// displayAdapter is the rdp.DisplayHandler: lifecycle callbacks feed the
// control queue, and the EGFX readiness gate hands the negotiated caps
// to the orchestrator.
type displayAdapter struct {
	conn  *connState
	ready chan rdp.EGFXCaps
}

func newDisplayAdapter(c *connState) *displayAdapter {
	return &displayAdapter{conn: c, ready: make(chan rdp.EGFXCaps, 1)}
}

func (d *displayAdapter) OnReady(caps rdp.EGFXCaps) {
	select {
	case d.ready <- caps:
	default:
	}
}

func (d *displayAdapter) OnFrameAck(frameID, queueDepth uint32) {
	d.push(ControlEvent{Kind: ControlFrameAck, FrameID: frameID, QueueDepth: queueDepth})
}

func (d *displayAdapter) OnResetGraphics(width, height uint32, monitors []rdp.Monitor) {
	d.push(ControlEvent{Kind: ControlResetGraphics, Width: width, Height: height})
}

func (d *displayAdapter) push(ev ControlEvent) {
	if err := d.conn.mux.Control.Push(context.Background(), ev); err != nil {
		log.Warn("control queue rejected event", "kind", ev.Kind, "error", err)
	}
}

// waitReady blocks until the EGFX channel negotiated or the timeout
// elapses.
func (d *displayAdapter) waitReady(ctx context.Context) (rdp.EGFXCaps, error) {
	timer := time.NewTimer(egfxReadyTimeout)
	defer timer.Stop()
	select {
	case caps := <-d.ready:
		return caps, nil
	case <-ctx.Done():
		return rdp.EGFXCaps{}, ctx.Err()
	case <-timer.C:
		return rdp.EGFXCaps{}, errors.New("timeout waiting for EGFX channel")
	}
}

var _ rdp.DisplayHandler = (*displayAdapter)(nil)
