package clipboard

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/lamco-admin/lamco-rdp/internal/rdp"
	"github.com/lamco-admin/lamco-rdp/internal/session"
)

// fakeComp implements session.ClipboardComponents in memory.
type fakeComp struct {
	selections [][]string
	reads      map[string][]byte
	written    map[uint32][]byte
	done       map[uint32]bool
	signals    chan session.ClipboardSignal
}

func newFakeComp() *fakeComp {
	return &fakeComp{
		reads:   make(map[string][]byte),
		written: make(map[uint32][]byte),
		done:    make(map[uint32]bool),
		signals: make(chan session.ClipboardSignal, 16),
	}
}

func (f *fakeComp) SetSelection(_ context.Context, mimes []string) error {
	f.selections = append(f.selections, mimes)
	return nil
}

func (f *fakeComp) SelectionRead(_ context.Context, mime string) ([]byte, error) {
	if data, ok := f.reads[mime]; ok {
		return data, nil
	}
	return nil, ErrUnsupportedFormat
}

func (f *fakeComp) SelectionWrite(_ context.Context, serial uint32, data []byte) error {
	f.written[serial] = append([]byte(nil), data...)
	return nil
}

func (f *fakeComp) SelectionWriteDone(_ context.Context, serial uint32, success bool) error {
	f.done[serial] = success
	return nil
}

func (f *fakeComp) Signals() <-chan session.ClipboardSignal { return f.signals }

// testEngine builds an engine with a scripted clock and captured emits.
func testEngine(t *testing.T) (*Engine, *fakeComp, *[]rdp.ServerEvent, *time.Time) {
	t.Helper()
	comp := newFakeComp()
	var events []rdp.ServerEvent
	now := time.Unix(10_000, 0)

	e := NewEngine(
		Config{MaxSize: 1 << 20, Downloads: t.TempDir()},
		comp, nil, NewBackend(),
		func(ev rdp.ServerEvent) { events = append(events, ev) },
	)
	e.now = func() time.Time { return now }
	return e, comp, &events, &now
}

func countEvents[T rdp.ServerEvent](events []rdp.ServerEvent) int {
	n := 0
	for _, ev := range events {
		if _, ok := ev.(T); ok {
			n++
		}
	}
	return n
}

func TestRemoteCopyAnnouncesSelection(t *testing.T) {
	e, comp, events, _ := testEngine(t)
	ctx := context.Background()

	e.onRemoteCopy(ctx, []rdp.ClipFormat{{ID: rdp.CFUnicodeText}})

	if e.State() != StateRdpOwned {
		t.Fatalf("state = %s, want rdp-owned", e.State())
	}
	if len(comp.selections) != 1 {
		t.Fatalf("SetSelection calls = %d, want 1", len(comp.selections))
	}
	if countEvents[rdp.SendFormatListResponse](*events) != 1 {
		t.Fatal("format list not acknowledged")
	}
}

func TestTextPasteRoundTrip(t *testing.T) {
	e, comp, events, _ := testEngine(t)
	ctx := context.Background()

	// Remote copies "Hello World"; local app pastes.
	e.onRemoteCopy(ctx, []rdp.ClipFormat{{ID: rdp.CFUnicodeText}})
	e.onSelectionTransfer(ctx, mimeTextUTF8, 7)

	if countEvents[rdp.SendInitiatePaste](*events) != 1 {
		t.Fatal("paste not initiated")
	}

	wire, _ := TextToWire([]byte("Hello World"))
	e.onFormatDataResponse(ctx, wire, true)

	got := comp.written[7]
	if !bytes.Equal(got, []byte("Hello World")) {
		t.Fatalf("written = %q, want the exact 11 UTF-8 bytes", got)
	}
	if !comp.done[7] {
		t.Fatal("SelectionWriteDone(true) missing")
	}
}

func TestLocalCopyAnnouncesFormatList(t *testing.T) {
	e, comp, events, _ := testEngine(t)
	ctx := context.Background()
	comp.reads[mimeTextUTF8] = []byte("héllo")

	e.handleLocalChange(ctx, []string{mimeTextUTF8}, "")

	if e.State() != StateLocalOwned {
		t.Fatalf("state = %s, want local-owned", e.State())
	}
	if countEvents[rdp.SendInitiateCopy](*events) != 1 {
		t.Fatal("format list not sent")
	}
}

func TestLocalPasteServedToClient(t *testing.T) {
	e, comp, events, _ := testEngine(t)
	ctx := context.Background()
	comp.reads[mimeTextUTF8] = []byte("héllo")

	e.onFormatDataRequest(ctx, rdp.CFUnicodeText)

	var resp rdp.SendFormatDataResponse
	for _, ev := range *events {
		if r, ok := ev.(rdp.SendFormatDataResponse); ok {
			resp = r
		}
	}
	if !resp.OK {
		t.Fatal("data response failed")
	}
	// UTF-16LE of 5 runes plus trailing null = 12 bytes.
	if len(resp.Data) != 12 {
		t.Fatalf("response length = %d, want 12", len(resp.Data))
	}
	back, err := TextFromWire(resp.Data)
	if err != nil || string(back) != "héllo" {
		t.Fatalf("decoded %q err=%v", back, err)
	}
}

func TestEchoTimingWindow(t *testing.T) {
	e, _, events, now := testEngine(t)
	ctx := context.Background()

	// Remote copies "X" …
	e.onRemoteCopy(ctx, []rdp.ClipFormat{{ID: rdp.CFUnicodeText}})
	before := countEvents[rdp.SendInitiateCopy](*events)

	// … the compositor's change signal fires 500 ms later carrying the
	// same content: classified as echo by the timing window.
	*now = now.Add(500 * time.Millisecond)
	e.handleLocalChange(ctx, []string{mimeTextUTF8}, hashContent([]byte("X")))

	if countEvents[rdp.SendInitiateCopy](*events) != before {
		t.Fatal("echo produced a CB_FORMAT_LIST")
	}
	if e.State() != StateRdpOwned {
		t.Fatalf("echo flipped state to %s", e.State())
	}
}

func TestEchoHashWindow(t *testing.T) {
	e, comp, events, now := testEngine(t)
	ctx := context.Background()
	comp.reads[mimeTextUTF8] = []byte("same content")

	e.handleLocalChange(ctx, []string{mimeTextUTF8}, "")
	if countEvents[rdp.SendInitiateCopy](*events) != 1 {
		t.Fatal("first change not announced")
	}

	// A second change 4 s later with identical content: hash window drops
	// it (the 3 s timing window no longer applies).
	*now = now.Add(4 * time.Second)
	e.handleLocalChange(ctx, []string{mimeTextUTF8}, "")
	if got := countEvents[rdp.SendInitiateCopy](*events); got != 1 {
		t.Fatalf("identical content announced %d times, want 1", got)
	}
}

func TestEchoAlternatingCopiesSingleAnnounce(t *testing.T) {
	e, comp, events, now := testEngine(t)
	ctx := context.Background()
	comp.reads[mimeTextUTF8] = []byte("ping")

	// Two rapid alternating copies of the same content produce exactly
	// one CB_FORMAT_LIST and one SetSelection.
	e.handleLocalChange(ctx, []string{mimeTextUTF8}, "")
	*now = now.Add(200 * time.Millisecond)
	e.onRemoteCopy(ctx, []rdp.ClipFormat{{ID: rdp.CFUnicodeText}})
	*now = now.Add(200 * time.Millisecond)
	e.handleLocalChange(ctx, []string{mimeTextUTF8}, "")

	if got := countEvents[rdp.SendInitiateCopy](*events); got != 1 {
		t.Fatalf("CB_FORMAT_LIST count = %d, want 1", got)
	}
	if len(comp.selections) != 1 {
		t.Fatalf("SetSelection count = %d, want 1", len(comp.selections))
	}
}

func TestPendingTransferDeduplication(t *testing.T) {
	e, comp, events, _ := testEngine(t)
	ctx := context.Background()

	e.onRemoteCopy(ctx, []rdp.ClipFormat{{ID: rdp.CFUnicodeText}})
	e.onSelectionTransfer(ctx, mimeTextUTF8, 1)
	// A burst of MIME queries follows; only the first proceeds.
	e.onSelectionTransfer(ctx, mimeTextPlain, 2)
	e.onSelectionTransfer(ctx, mimeString, 3)

	if countEvents[rdp.SendInitiatePaste](*events) != 1 {
		t.Fatal("burst produced multiple paste requests")
	}
	if done, ok := comp.done[2]; !ok || done {
		t.Fatal("second transfer not cancelled")
	}
	if done, ok := comp.done[3]; !ok || done {
		t.Fatal("third transfer not cancelled")
	}
}

func TestPendingRequestTimeout(t *testing.T) {
	e, comp, _, now := testEngine(t)
	ctx := context.Background()

	e.onRemoteCopy(ctx, []rdp.ClipFormat{{ID: rdp.CFUnicodeText}})
	e.onSelectionTransfer(ctx, mimeTextUTF8, 9)

	*now = now.Add(6 * time.Second)
	e.sweepTimeouts(ctx)

	if e.pending != nil {
		t.Fatal("timed-out request not cleared")
	}
	if done, ok := comp.done[9]; !ok || done {
		t.Fatal("timed-out transfer not failed")
	}

	// The slot is free again.
	e.onSelectionTransfer(ctx, mimeTextUTF8, 10)
	if e.pending == nil {
		t.Fatal("new transfer rejected after timeout cleanup")
	}
}

func TestFormatDataRequestOverMaxSizeFails(t *testing.T) {
	e, comp, events, _ := testEngine(t)
	e.cfg.MaxSize = 4
	ctx := context.Background()
	comp.reads[mimeTextUTF8] = []byte("way too large")

	e.onFormatDataRequest(ctx, rdp.CFUnicodeText)

	var resp rdp.SendFormatDataResponse
	for _, ev := range *events {
		if r, ok := ev.(rdp.SendFormatDataResponse); ok {
			resp = r
		}
	}
	if resp.OK {
		t.Fatal("oversized content served")
	}
}

func TestLockBracketsFormatListWhenNegotiated(t *testing.T) {
	e, comp, events, now := testEngine(t)
	ctx := context.Background()
	comp.reads[mimeTextUTF8] = []byte("locked")
	e.caps = rdp.ClipCaps{Flags: rdp.CapCanLockClipdata | rdp.CapUseLongFormatNames}

	e.handleLocalChange(ctx, []string{mimeTextUTF8}, "")
	if countEvents[rdp.SendLockClipData](*events) != 1 {
		t.Fatal("lock missing before format list")
	}
	if countEvents[rdp.SendUnlockClipData](*events) != 0 {
		t.Fatal("unlock without a previous lock")
	}

	// A second announce unlocks the previous lock.
	comp.reads[mimeTextUTF8] = []byte("locked again")
	*now = now.Add(10 * time.Second)
	e.handleLocalChange(ctx, []string{mimeTextUTF8}, "")
	if countEvents[rdp.SendUnlockClipData](*events) != 1 {
		t.Fatal("previous lock not paired with unlock")
	}
}

func TestRemoteFileListStartsInboundFetch(t *testing.T) {
	e, _, events, _ := testEngine(t)
	ctx := context.Background()

	e.onRemoteCopy(ctx, []rdp.ClipFormat{
		{ID: rdp.CFHdrop},
		{ID: 0xC0A0, Name: rdp.FormatNameFileGroupDescriptorW},
	})

	pastes := 0
	for _, ev := range *events {
		if p, ok := ev.(rdp.SendInitiatePaste); ok {
			pastes++
			if p.FormatID != 0xC0A0 {
				t.Fatalf("descriptor fetched with format %#x", p.FormatID)
			}
		}
	}
	if pastes != 1 {
		t.Fatalf("descriptor fetches = %d, want 1", pastes)
	}
}
