package input

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lamco-admin/lamco-rdp/internal/rdp"
	"github.com/lamco-admin/lamco-rdp/internal/session"
)

func TestScancodeIdentityBlock(t *testing.T) {
	cases := []struct {
		scancode uint16
		want     int32
	}{
		{0x01, 1},  // Esc
		{0x1E, 30}, // A
		{0x1C, 28}, // Enter
		{0x39, 57}, // Space
		{0x2A, 42}, // Left shift
	}
	for _, tc := range cases {
		if got := ScancodeToEvdev(tc.scancode, false, 0x409); got != tc.want {
			t.Errorf("scancode %#x = %d, want %d", tc.scancode, got, tc.want)
		}
	}
}

func TestScancodeExtendedKeys(t *testing.T) {
	cases := []struct {
		scancode uint16
		want     int32
	}{
		{0x48, evKeyUp},
		{0x50, evKeyDown},
		{0x4B, evKeyLeft},
		{0x4D, evKeyRight},
		{0x1D, evKeyRightCtrl},
		{0x5B, evKeyLeftMeta},
		{0x53, evKeyDelete},
	}
	for _, tc := range cases {
		if got := ScancodeToEvdev(tc.scancode, true, 0x409); got != tc.want {
			t.Errorf("extended scancode %#x = %d, want %d", tc.scancode, got, tc.want)
		}
	}
}

func TestScancodeUnmappedReturnsZero(t *testing.T) {
	if got := ScancodeToEvdev(0xEE, false, 0x409); got != 0 {
		t.Fatalf("unmapped scancode = %d, want 0", got)
	}
	if got := ScancodeToEvdev(0x7F, true, 0x409); got != 0 {
		t.Fatalf("unmapped extended scancode = %d, want 0", got)
	}
}

func TestScancodeLayoutOverride(t *testing.T) {
	// Japanese layout: 0x79 is Henkan.
	if got := ScancodeToEvdev(0x79, false, 0x411); got != evKeyHenkan {
		t.Fatalf("JP 0x79 = %d, want %d", got, evKeyHenkan)
	}
	// Korean layout: 0x72 is Hangul.
	if got := ScancodeToEvdev(0x72, false, 0x412); got != evKeyHangeul {
		t.Fatalf("KR 0x72 = %d, want %d", got, evKeyHangeul)
	}
}

func TestButtonCodesAreEvdev(t *testing.T) {
	if BtnLeft != 272 || BtnRight != 273 || BtnMiddle != 274 {
		t.Fatal("BTN_* constants drifted from evdev values")
	}
	if got := buttonCode(rdp.PointerButtonLeft); got != 272 {
		t.Fatalf("left button = %d, want 272", got)
	}
}

func twoMonitorTranslator() *Translator {
	streams := []session.Stream{
		{NodeID: 40, X: 0, Y: 0, Width: 1920, Height: 1080},
		{NodeID: 41, X: 1920, Y: 0, Width: 1280, Height: 1024},
	}
	return NewTranslator(streams, 3200, 1080)
}

func TestToStreamPrimaryMonitor(t *testing.T) {
	tr := twoMonitorTranslator()
	node, x, y, ok := tr.ToStream(960, 540)
	if !ok || node != 40 {
		t.Fatalf("node = %d ok=%v, want 40", node, ok)
	}
	if x != 960 || y != 540 {
		t.Fatalf("coords = %v,%v, want 960,540", x, y)
	}
}

func TestToStreamSecondMonitorUsesNodeID(t *testing.T) {
	tr := twoMonitorTranslator()
	node, x, _, ok := tr.ToStream(2000, 100)
	if !ok || node != 41 {
		t.Fatalf("node = %d ok=%v, want 41 (node id, not index)", node, ok)
	}
	if x != 80 {
		t.Fatalf("x = %v, want 80 (stream-native)", x)
	}
}

func TestToStreamScalesClientSpace(t *testing.T) {
	streams := []session.Stream{{NodeID: 7, Width: 1920, Height: 1080}}
	// Client runs at half resolution.
	tr := NewTranslator(streams, 960, 540)
	_, x, y, ok := tr.ToStream(480, 270)
	if !ok {
		t.Fatal("not mapped")
	}
	if x != 960 || y != 540 {
		t.Fatalf("scaled coords = %v,%v, want 960,540", x, y)
	}
}

func TestToStreamClampsEdge(t *testing.T) {
	streams := []session.Stream{{NodeID: 7, Width: 1920, Height: 1080}}
	tr := NewTranslator(streams, 1920, 1080)
	_, x, y, ok := tr.ToStream(5000, 5000)
	if !ok {
		t.Fatal("edge not clamped")
	}
	if x != 1919 || y != 1079 {
		t.Fatalf("clamped coords = %v,%v", x, y)
	}
}

func TestWheelSteps(t *testing.T) {
	tr := twoMonitorTranslator()
	_, dy := tr.WheelSteps(rdp.PointerEvent{WheelDelta: 120})
	if dy != -1 {
		t.Fatalf("wheel up dy = %v, want -1", dy)
	}
	dx, dy := tr.WheelSteps(rdp.PointerEvent{WheelDelta: -240, Horizontal: true})
	if dx != -2 || dy != 0 {
		t.Fatalf("horizontal wheel = %v,%v, want -2,0", dx, dy)
	}
}

func TestCoalesceMotions(t *testing.T) {
	events := []Event{
		{Kind: KindMotion, X: 1},
		{Kind: KindMotion, X: 2},
		{Kind: KindMotion, X: 3},
		{Kind: KindButton, Button: BtnLeft, Pressed: true},
		{Kind: KindMotion, X: 4},
		{Kind: KindMotion, X: 5},
		{Kind: KindKey, Keycode: 30, Pressed: true},
	}
	out := coalesceMotions(events)
	want := []Event{
		{Kind: KindMotion, X: 3},
		{Kind: KindButton, Button: BtnLeft, Pressed: true},
		{Kind: KindMotion, X: 5},
		{Kind: KindKey, Keycode: 30, Pressed: true},
	}
	if len(out) != len(want) {
		t.Fatalf("coalesced to %d events, want %d: %+v", len(out), len(want), out)
	}
	for i := range want {
		if out[i].Kind != want[i].Kind || out[i].X != want[i].X {
			t.Errorf("event %d = %+v, want %+v", i, out[i], want[i])
		}
	}
}

// recordingInjector captures injected events for batcher tests.
type recordingInjector struct {
	mu     sync.Mutex
	keys   []int32
	record []Event
}

func (r *recordingInjector) InjectKey(code int32, pressed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pressed {
		r.keys = append(r.keys, code)
	}
	r.record = append(r.record, Event{Kind: KindKey, Keycode: code, Pressed: pressed})
	return nil
}

func (r *recordingInjector) InjectPointerMotionAbsolute(node uint32, x, y float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record = append(r.record, Event{Kind: KindMotion, StreamNode: node, X: x, Y: y})
	return nil
}

func (r *recordingInjector) InjectPointerButton(button int32, pressed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record = append(r.record, Event{Kind: KindButton, Button: button, Pressed: pressed})
	return nil
}

func (r *recordingInjector) InjectPointerAxis(dx, dy float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record = append(r.record, Event{Kind: KindWheel, DX: dx, DY: dy})
	return nil
}

func (r *recordingInjector) pressedKeys() []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int32(nil), r.keys...)
}

func TestBatcherInjectsKeystrokesInOrder(t *testing.T) {
	rec := &recordingInjector{}
	tr := NewTranslator([]session.Stream{{NodeID: 7, Width: 100, Height: 100}}, 100, 100)
	b := NewBatcher(rec, tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// 20 keystrokes (press+release) fits within the 32-slot queue per
	// window; feed in two bursts to stay under capacity.
	var want []int32
	for burst := 0; burst < 2; burst++ {
		for i := 0; i < 10; i++ {
			code := uint16(0x10 + burst*10 + i)
			b.HandleKeyboard(rdp.KeyboardEvent{ScanCode: code, Pressed: true, Layout: 0x409})
			b.HandleKeyboard(rdp.KeyboardEvent{ScanCode: code, Pressed: false, Layout: 0x409})
			want = append(want, int32(code))
		}
		time.Sleep(25 * time.Millisecond)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(rec.pressedKeys()) == len(want) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := rec.pressedKeys()
	if len(got) != len(want) {
		t.Fatalf("injected %d presses, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("press %d = %d, want %d (order violated)", i, got[i], want[i])
		}
	}
}

func TestBatcherQueueDropsOldest(t *testing.T) {
	rec := &recordingInjector{}
	tr := NewTranslator([]session.Stream{{NodeID: 7, Width: 100, Height: 100}}, 100, 100)
	b := NewBatcher(rec, tr)

	// Without a running drain task, overflow the queue.
	for i := 0; i < 40; i++ {
		b.push(Event{Kind: KindKey, Keycode: int32(i + 1), Pressed: true})
	}
	_, dropped := b.QueueStats()
	if dropped != 8 {
		t.Fatalf("dropped = %d, want 8", dropped)
	}
	// The first queued event must be 9 (oldest 8 evicted).
	ev, ok := b.queue.TryPop()
	if !ok || ev.Keycode != 9 {
		t.Fatalf("head = %+v, want keycode 9", ev)
	}
}
