package input

import (
	"context"
	"time"

	"github.com/lamco-admin/lamco-rdp/internal/logging"
	"github.com/lamco-admin/lamco-rdp/internal/mux"
	"github.com/lamco-admin/lamco-rdp/internal/rdp"
	"github.com/lamco-admin/lamco-rdp/internal/session"
)

var log = logging.L("input")

// batchWindow is the drain cadence. 10 ms keeps worst-case added typing
// latency under ~15 ms while absorbing motion bursts for coalescing.
const batchWindow = 10 * time.Millisecond

// EventKind discriminates queued input events.
type EventKind int

const (
	KindKey EventKind = iota
	KindMotion
	KindButton
	KindWheel
)

// Event is one translated input event in injection-ready form.
type Event struct {
	Kind EventKind

	Keycode int32 // evdev, KindKey
	Pressed bool  // KindKey, KindButton

	StreamNode uint32  // KindMotion
	X, Y       float64 // KindMotion, stream-native coordinates

	Button int32 // evdev BTN_*, KindButton

	DX, DY float64 // KindWheel, axis steps
}

// Injector is the sink side of the batcher: the session handle subset
// used for injection.
type Injector interface {
	InjectKey(keycode int32, pressed bool) error
	InjectPointerMotionAbsolute(stream uint32, x, y float64) error
	InjectPointerButton(button int32, pressed bool) error
	InjectPointerAxis(dx, dy float64) error
}

// Batcher owns the bounded input queue (capacity 32, drop-oldest) and the
// drain task that injects in 10 ms windows.
type Batcher struct {
	queue    *mux.Queue[Event]
	injector Injector
	trans    *Translator
}

// NewBatcher wires the queue to an injector.
func NewBatcher(injector Injector, trans *Translator) *Batcher {
	return &Batcher{
		queue:    mux.NewQueue[Event](mux.InputCapacity, mux.DropOldest),
		injector: injector,
		trans:    trans,
	}
}

// HandleKeyboard is called from the RDP library's input handler; it
// translates and enqueues without blocking.
func (b *Batcher) HandleKeyboard(ev rdp.KeyboardEvent) {
	keycode := ScancodeToEvdev(ev.ScanCode, ev.Extended, ev.Layout)
	if keycode == 0 {
		log.Debug("unmapped scancode", "scancode", ev.ScanCode, "extended", ev.Extended)
		return
	}
	b.push(Event{Kind: KindKey, Keycode: keycode, Pressed: ev.Pressed})
}

// HandlePointer translates a pointer event into stream coordinates and
// enqueues it.
func (b *Batcher) HandlePointer(ev rdp.PointerEvent) {
	if ev.WheelDelta != 0 {
		dx, dy := b.trans.WheelSteps(ev)
		b.push(Event{Kind: KindWheel, DX: dx, DY: dy})
		return
	}
	if ev.Motion {
		node, x, y, ok := b.trans.ToStream(int(ev.X), int(ev.Y))
		if !ok {
			return
		}
		b.push(Event{Kind: KindMotion, StreamNode: node, X: x, Y: y})
		return
	}
	if ev.Button != rdp.PointerButtonNone {
		code := buttonCode(ev.Button)
		if code == 0 {
			return
		}
		// A click implies position: inject the motion first so the button
		// lands where the client pointed.
		if node, x, y, ok := b.trans.ToStream(int(ev.X), int(ev.Y)); ok {
			b.push(Event{Kind: KindMotion, StreamNode: node, X: x, Y: y})
		}
		b.push(Event{Kind: KindButton, Button: code, Pressed: ev.Pressed})
	}
}

func buttonCode(btn rdp.PointerButton) int32 {
	switch btn {
	case rdp.PointerButtonLeft:
		return BtnLeft
	case rdp.PointerButtonRight:
		return BtnRight
	case rdp.PointerButtonMiddle:
		return BtnMiddle
	case rdp.PointerButtonX1:
		return BtnSide
	case rdp.PointerButtonX2:
		return BtnExtra
	default:
		return 0
	}
}

func (b *Batcher) push(ev Event) {
	// Drop-oldest policy: a full queue evicts stale events, never new ones.
	if err := b.queue.Push(context.Background(), ev); err != nil {
		log.Debug("input queue rejected event", "error", err)
	}
}

// Run drains the queue in batch windows until ctx is done. Consecutive
// motions coalesce to the last one; key and button events are flushed in
// arrival order relative to the surviving motion.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(batchWindow)
	defer ticker.Stop()

	var window []Event
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			window = window[:0]
			for {
				ev, ok := b.queue.TryPop()
				if !ok {
					break
				}
				window = append(window, ev)
			}
			if len(window) > 0 {
				b.flush(coalesceMotions(window))
			}
		}
	}
}

// coalesceMotions collapses each run of consecutive motion events to its
// final position. Ordering of non-motion events is preserved.
func coalesceMotions(events []Event) []Event {
	out := events[:0]
	for i := 0; i < len(events); i++ {
		ev := events[i]
		if ev.Kind == KindMotion {
			for i+1 < len(events) && events[i+1].Kind == KindMotion {
				i++
				ev = events[i]
			}
		}
		out = append(out, ev)
	}
	return out
}

// flush injects a window of events in order. Injection errors are logged
// and dropped: input is best-effort and the user will act again.
func (b *Batcher) flush(events []Event) {
	for _, ev := range events {
		var err error
		switch ev.Kind {
		case KindKey:
			err = b.injector.InjectKey(ev.Keycode, ev.Pressed)
		case KindMotion:
			err = b.injector.InjectPointerMotionAbsolute(ev.StreamNode, ev.X, ev.Y)
		case KindButton:
			err = b.injector.InjectPointerButton(ev.Button, ev.Pressed)
		case KindWheel:
			err = b.injector.InjectPointerAxis(ev.DX, ev.DY)
		}
		if err != nil {
			log.Warn("input injection failed", "kind", ev.Kind, "error", err)
		}
	}
}

// QueueStats exposes push/drop counters for the status surface.
func (b *Batcher) QueueStats() (pushed, dropped uint64) {
	return b.queue.Stats()
}

// Translator maps client display coordinates onto capture streams.
type Translator struct {
	streams []session.Stream
	// clientW/H is the client's desktop size from the RDP negotiation;
	// the client scales the session desktop into this space.
	clientW, clientH int
	// desktopW/H is the bounding box of all streams.
	desktopW, desktopH int
	// wheelDivisor converts RDP wheel deltas (multiples of 120) into
	// compositor axis steps.
	wheelDivisor float64
}

// NewTranslator builds the coordinate mapping for a session's streams.
func NewTranslator(streams []session.Stream, clientW, clientH int) *Translator {
	t := &Translator{
		streams:      streams,
		clientW:      clientW,
		clientH:      clientH,
		wheelDivisor: 120,
	}
	for _, s := range streams {
		if r := s.X + s.Width; r > t.desktopW {
			t.desktopW = r
		}
		if b := s.Y + s.Height; b > t.desktopH {
			t.desktopH = b
		}
	}
	if t.desktopW == 0 || t.desktopH == 0 {
		t.desktopW, t.desktopH = clientW, clientH
	}
	return t
}

// ToStream converts client display coordinates into the native
// coordinates of the stream under the pointer. The returned node is the
// stream's PipeWire node id — injection by stream index silently succeeds
// without moving the cursor on every known compositor.
func (t *Translator) ToStream(cx, cy int) (node uint32, x, y float64, ok bool) {
	if len(t.streams) == 0 || t.clientW == 0 || t.clientH == 0 {
		return 0, 0, 0, false
	}

	// Client space → logical desktop space.
	dx := float64(cx) * float64(t.desktopW) / float64(t.clientW)
	dy := float64(cy) * float64(t.desktopH) / float64(t.clientH)

	for _, s := range t.streams {
		fx := float64(s.X)
		fy := float64(s.Y)
		if dx >= fx && dx < fx+float64(s.Width) && dy >= fy && dy < fy+float64(s.Height) {
			return s.NodeID, dx - fx, dy - fy, true
		}
	}

	// Outside every monitor (rounding at the right/bottom edge): clamp to
	// the primary stream.
	s := t.streams[0]
	x = clampFloat(dx-float64(s.X), 0, float64(s.Width-1))
	y = clampFloat(dy-float64(s.Y), 0, float64(s.Height-1))
	return s.NodeID, x, y, true
}

// WheelSteps converts an RDP wheel event into axis steps.
func (t *Translator) WheelSteps(ev rdp.PointerEvent) (dx, dy float64) {
	steps := float64(ev.WheelDelta) / t.wheelDivisor
	if ev.Horizontal {
		return steps, 0
	}
	// RDP wheel-up is positive; compositor axis-down is positive.
	return 0, -steps
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
