package clipboard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lamco-admin/lamco-rdp/internal/rdp"
)

func inboundSlot(t *testing.T, m *TransferManager, name string, size uint64) *TransferSlot {
	t.Helper()
	slots, err := m.BeginInbound([]rdp.FileDescriptor{
		{Attributes: rdp.FileAttributeNormal, Size: size, Name: name},
	})
	if err != nil {
		t.Fatalf("begin inbound: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("slots = %d, want 1", len(slots))
	}
	return slots[0]
}

func sizeResponse(streamID uint32, size uint64) rdp.FileContentsResponse {
	data := make([]byte, 8)
	putLE64(data, size)
	return rdp.FileContentsResponse{StreamID: streamID, Data: data, OK: true}
}

func TestInboundChunkingLargeFile(t *testing.T) {
	m := NewTransferManager(t.TempDir())
	const total = 128 * 1024 * 1024
	slot := inboundSlot(t, m, "big.bin", 0)

	// First request is SIZE.
	req, ok := m.NextRequest(slot)
	if !ok || req.Flags != rdp.FileContentsSize {
		t.Fatalf("first request = %+v, want SIZE", req)
	}
	if _, _, err := m.HandleResponse(sizeResponse(slot.StreamID, total)); err != nil {
		t.Fatalf("size response: %v", err)
	}
	if slot.Total != total {
		t.Fatalf("total = %d", slot.Total)
	}

	// Then exactly two 64 MB range requests.
	req, ok = m.NextRequest(slot)
	if !ok || req.Flags != rdp.FileContentsRange {
		t.Fatalf("second request = %+v, want RANGE", req)
	}
	if req.Requested != maxChunkSize || req.Position != 0 {
		t.Fatalf("chunk 1 = %d@%d, want %d@0", req.Requested, req.Position, maxChunkSize)
	}

	// Simulate the first chunk without allocating 64 MB: shrink totals.
	// (Chunk math is exercised with a small file below; here only the
	// request sequence for the declared size matters.)
	slot.Received = maxChunkSize
	req, ok = m.NextRequest(slot)
	if !ok || req.Position != maxChunkSize || req.Requested != maxChunkSize {
		t.Fatalf("chunk 2 = %d@%d", req.Requested, req.Position)
	}

	slot.Received = total
	if _, ok := m.NextRequest(slot); ok {
		t.Fatal("request issued past declared size")
	}
	m.FailAll()
}

func TestInboundCompleteRenamesAtomically(t *testing.T) {
	dir := t.TempDir()
	m := NewTransferManager(dir)
	slot := inboundSlot(t, m, "doc.txt", 0)

	m.HandleResponse(sizeResponse(slot.StreamID, 9))

	// During the transfer only the temp file exists.
	if _, err := os.Stat(filepath.Join(dir, "doc.txt")); !os.IsNotExist(err) {
		t.Fatal("final name visible during transfer")
	}
	temp := slot.tempPath
	if !strings.Contains(filepath.Base(temp), ".partial-") {
		t.Fatalf("temp name = %q, want .partial-<uuid>", temp)
	}
	if _, err := os.Stat(temp); err != nil {
		t.Fatalf("temp file missing: %v", err)
	}

	_, done, err := m.HandleResponse(rdp.FileContentsResponse{
		StreamID: slot.StreamID, Data: []byte("full file"), OK: true,
	})
	if err != nil || !done {
		t.Fatalf("final chunk done=%v err=%v", done, err)
	}

	if slot.State != TransferComplete {
		t.Fatalf("state = %s, want complete", slot.State)
	}
	content, err := os.ReadFile(filepath.Join(dir, "doc.txt"))
	if err != nil || string(content) != "full file" {
		t.Fatalf("final content = %q err=%v", content, err)
	}
	if _, err := os.Stat(temp); !os.IsNotExist(err) {
		t.Fatal("temp file not removed after completion")
	}
}

func TestInboundOverflowFails(t *testing.T) {
	dir := t.TempDir()
	m := NewTransferManager(dir)
	slot := inboundSlot(t, m, "tiny.txt", 0)
	m.HandleResponse(sizeResponse(slot.StreamID, 2))

	_, _, err := m.HandleResponse(rdp.FileContentsResponse{
		StreamID: slot.StreamID, Data: []byte("too many bytes"), OK: true,
	})
	if err == nil {
		t.Fatal("overflow accepted")
	}
	if slot.State != TransferFailed {
		t.Fatalf("state = %s, want failed", slot.State)
	}
	if _, err := os.Stat(slot.tempPath); !os.IsNotExist(err) {
		t.Fatal("temp file survives failed transfer")
	}
}

func TestInboundPeerFailureCleansUp(t *testing.T) {
	m := NewTransferManager(t.TempDir())
	slot := inboundSlot(t, m, "x.bin", 0)

	_, _, err := m.HandleResponse(rdp.FileContentsResponse{StreamID: slot.StreamID, OK: false})
	if err == nil {
		t.Fatal("peer failure not surfaced")
	}
	if _, err := os.Stat(slot.tempPath); !os.IsNotExist(err) {
		t.Fatal("temp file not removed")
	}
}

func TestInboundNestedDirectories(t *testing.T) {
	dir := t.TempDir()
	m := NewTransferManager(dir)

	slots, err := m.BeginInbound([]rdp.FileDescriptor{
		{Attributes: rdp.FileAttributeDirectory, Name: `photos`},
		{Attributes: rdp.FileAttributeNormal, Size: 0, Name: `photos\cat.jpg`},
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("file slots = %d, want 1 (directories get none)", len(slots))
	}
	if _, err := os.Stat(filepath.Join(dir, "photos")); err != nil {
		t.Fatalf("directory not created: %v", err)
	}
	if slots[0].FinalPath() != filepath.Join(dir, "photos", "cat.jpg") {
		t.Fatalf("final path = %q", slots[0].FinalPath())
	}
	m.FailAll()
}

func TestBeginInboundRejectsTraversal(t *testing.T) {
	m := NewTransferManager(t.TempDir())
	for _, name := range []string{`..\..\etc\passwd`, `/etc/passwd`, `..`} {
		if _, err := m.BeginInbound([]rdp.FileDescriptor{{Name: name}}); err == nil {
			t.Errorf("traversal name %q accepted", name)
		}
	}
}

func TestOutboundServeFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "serve.txt")
	os.WriteFile(path, []byte("serve me"), 0o644)

	m := NewTransferManager(dir)
	descs, err := m.PrepareOutbound([]byte("file://" + path + "\r\n# comment\r\n"))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(descs) != 1 || descs[0].Name != "serve.txt" || descs[0].Size != 8 {
		t.Fatalf("descs = %+v", descs)
	}

	// SIZE request.
	resp := m.ServeRequest(rdp.FileContentsRequest{StreamID: 5, ListIndex: 0, Flags: rdp.FileContentsSize})
	if !resp.OK || le64(resp.Data) != 8 {
		t.Fatalf("size response = %+v", resp)
	}

	// RANGE request.
	resp = m.ServeRequest(rdp.FileContentsRequest{
		StreamID: 6, ListIndex: 0, Flags: rdp.FileContentsRange, Position: 6, Requested: 100,
	})
	if !resp.OK || string(resp.Data) != "me" {
		t.Fatalf("range response = %+v", resp)
	}

	// Unknown index fails.
	resp = m.ServeRequest(rdp.FileContentsRequest{StreamID: 7, ListIndex: 9})
	if resp.OK {
		t.Fatal("unknown index served")
	}
}

func TestPrepareOutboundSkipsNonFiles(t *testing.T) {
	m := NewTransferManager(t.TempDir())
	if _, err := m.PrepareOutbound([]byte("https://example.com/x\r\n")); err == nil {
		t.Fatal("non-file uri list accepted")
	}
}
