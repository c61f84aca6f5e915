package clipboard

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lamco-admin/lamco-rdp/internal/rdp"
)

// maxChunkSize bounds one CB_FILECONTENTS_RESPONSE payload.
const maxChunkSize = 64 * 1024 * 1024

// TransferState tracks one slot's lifecycle.
type TransferState int

const (
	TransferRequesting TransferState = iota
	TransferStreaming
	TransferCompleting
	TransferComplete
	TransferFailed
)

func (s TransferState) String() string {
	switch s {
	case TransferRequesting:
		return "requesting"
	case TransferStreaming:
		return "streaming"
	case TransferCompleting:
		return "completing"
	case TransferComplete:
		return "complete"
	default:
		return "failed"
	}
}

// TransferSlot is one in-flight chunked transfer, keyed by its stream id.
// Inbound slots write a temp file that becomes visible under the final
// name only on completion.
type TransferSlot struct {
	StreamID  uint32
	FileIndex uint32
	Name      string
	Total     uint64
	Received  uint64
	State     TransferState

	tempPath  string
	finalPath string
	file      *os.File

	// Outbound slots read from this handle instead.
	source *os.File
}

// TransferManager owns the transfer slots of one connection.
type TransferManager struct {
	downloads string
	slots     map[uint32]*TransferSlot
	nextID    uint32

	// outbound descriptor list announced to the client, indexed by the
	// list index of CB_FILECONTENTS_REQUEST.
	outbound []outboundFile
}

type outboundFile struct {
	path string
	desc rdp.FileDescriptor
}

// NewTransferManager creates the manager writing inbound files to
// downloads.
func NewTransferManager(downloads string) *TransferManager {
	return &TransferManager{
		downloads: downloads,
		slots:     make(map[uint32]*TransferSlot),
		nextID:    1,
	}
}

// --- inbound (RDP → local) ---

// BeginInbound allocates slots for the parsed file descriptors and
// returns them in request order. Directories get no slot; they are
// created immediately.
func (m *TransferManager) BeginInbound(files []rdp.FileDescriptor) ([]*TransferSlot, error) {
	if err := os.MkdirAll(m.downloads, 0o755); err != nil {
		return nil, fmt.Errorf("create downloads dir: %w", err)
	}

	var slots []*TransferSlot
	for i, fd := range files {
		rel, err := sanitizeRelPath(fd.Name)
		if err != nil {
			return nil, err
		}
		final := filepath.Join(m.downloads, rel)

		if fd.Attributes&rdp.FileAttributeDirectory != 0 {
			if err := os.MkdirAll(final, 0o755); err != nil {
				return nil, fmt.Errorf("create directory %s: %w", rel, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
			return nil, fmt.Errorf("create parent of %s: %w", rel, err)
		}

		temp := filepath.Join(m.downloads, ".partial-"+uuid.NewString())
		file, err := os.OpenFile(temp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create temp file: %w", err)
		}

		slot := &TransferSlot{
			StreamID:  m.nextID,
			FileIndex: uint32(i),
			Name:      rel,
			Total:     fd.Size,
			State:     TransferRequesting,
			tempPath:  temp,
			finalPath: final,
			file:      file,
		}
		m.nextID++
		m.slots[slot.StreamID] = slot
		slots = append(slots, slot)
	}
	return slots, nil
}

// NextRequest produces the next CB_FILECONTENTS_REQUEST for a slot, or
// ok=false when the slot needs no more data.
func (m *TransferManager) NextRequest(slot *TransferSlot) (rdp.FileContentsRequest, bool) {
	switch slot.State {
	case TransferRequesting:
		// SIZE first: descriptors may omit or understate the size.
		return rdp.FileContentsRequest{
			StreamID:  slot.StreamID,
			ListIndex: slot.FileIndex,
			Flags:     rdp.FileContentsSize,
			Requested: 8,
		}, true
	case TransferStreaming:
		if slot.Received >= slot.Total {
			return rdp.FileContentsRequest{}, false
		}
		remaining := slot.Total - slot.Received
		chunk := uint32(maxChunkSize)
		if remaining < maxChunkSize {
			chunk = uint32(remaining)
		}
		return rdp.FileContentsRequest{
			StreamID:  slot.StreamID,
			ListIndex: slot.FileIndex,
			Flags:     rdp.FileContentsRange,
			Position:  slot.Received,
			Requested: chunk,
		}, true
	default:
		return rdp.FileContentsRequest{}, false
	}
}

// HandleResponse feeds one CB_FILECONTENTS_RESPONSE into its slot.
// Returns the slot and whether the transfer just completed.
func (m *TransferManager) HandleResponse(resp rdp.FileContentsResponse) (*TransferSlot, bool, error) {
	slot, ok := m.slots[resp.StreamID]
	if !ok {
		return nil, false, fmt.Errorf("clipboard: response for unknown stream %d", resp.StreamID)
	}
	if !resp.OK {
		m.fail(slot)
		return slot, false, fmt.Errorf("clipboard: peer failed transfer of %s", slot.Name)
	}

	switch slot.State {
	case TransferRequesting:
		// SIZE response: 8-byte little-endian length.
		if len(resp.Data) >= 8 {
			slot.Total = le64(resp.Data)
		}
		slot.State = TransferStreaming
		if slot.Total == 0 {
			return slot, true, m.complete(slot)
		}
		return slot, false, nil

	case TransferStreaming:
		if slot.Received+uint64(len(resp.Data)) > slot.Total {
			m.fail(slot)
			return slot, false, fmt.Errorf("clipboard: %s overflows declared size %d", slot.Name, slot.Total)
		}
		if _, err := slot.file.Write(resp.Data); err != nil {
			m.fail(slot)
			return slot, false, fmt.Errorf("clipboard: write %s: %w", slot.Name, err)
		}
		slot.Received += uint64(len(resp.Data))
		if slot.Received == slot.Total {
			return slot, true, m.complete(slot)
		}
		return slot, false, nil

	default:
		return slot, false, fmt.Errorf("clipboard: response for %s in state %s", slot.Name, slot.State)
	}
}

// complete closes the temp file and atomically renames it to the final
// name. The destination is visible under its final name iff the slot
// reaches Complete.
func (m *TransferManager) complete(slot *TransferSlot) error {
	slot.State = TransferCompleting
	if err := slot.file.Close(); err != nil {
		m.fail(slot)
		return fmt.Errorf("clipboard: close %s: %w", slot.Name, err)
	}
	if err := os.Rename(slot.tempPath, slot.finalPath); err != nil {
		m.fail(slot)
		return fmt.Errorf("clipboard: finalize %s: %w", slot.Name, err)
	}
	slot.State = TransferComplete
	delete(m.slots, slot.StreamID)
	return nil
}

// fail closes and removes the temp file.
func (m *TransferManager) fail(slot *TransferSlot) {
	slot.State = TransferFailed
	if slot.file != nil {
		slot.file.Close()
	}
	if slot.tempPath != "" {
		os.Remove(slot.tempPath)
	}
	delete(m.slots, slot.StreamID)
}

// FailAll aborts every in-flight inbound transfer (connection teardown).
func (m *TransferManager) FailAll() {
	for _, slot := range m.slots {
		m.fail(slot)
	}
}

// FinalPath returns where a completed slot landed.
func (s *TransferSlot) FinalPath() string { return s.finalPath }

// URI returns the file:// URI of the completed transfer.
func (s *TransferSlot) URI() string {
	return "file://" + s.finalPath
}

// --- outbound (local → RDP) ---

// PrepareOutbound resolves a text/uri-list payload into file descriptors
// to announce. Non-file URIs and unreadable paths are skipped.
func (m *TransferManager) PrepareOutbound(uriList []byte) ([]rdp.FileDescriptor, error) {
	m.outbound = nil

	var descs []rdp.FileDescriptor
	for _, line := range strings.Split(string(uriList), "\n") {
		line = strings.TrimRight(strings.TrimSpace(line), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		path, err := uriToPath(line)
		if err != nil {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}

		desc := rdp.FileDescriptor{
			Attributes: rdp.FileAttributeNormal,
			WriteTime:  info.ModTime(),
			Size:       uint64(info.Size()),
			Name:       filepath.Base(path),
		}
		descs = append(descs, desc)
		m.outbound = append(m.outbound, outboundFile{path: path, desc: desc})
	}
	if len(descs) == 0 {
		return nil, errors.New("clipboard: uri list resolved to no readable files")
	}
	return descs, nil
}

// HasOutbound reports whether file descriptors are staged for serving.
func (m *TransferManager) HasOutbound() bool { return len(m.outbound) > 0 }

// ServeRequest answers a client CB_FILECONTENTS_REQUEST from disk.
func (m *TransferManager) ServeRequest(req rdp.FileContentsRequest) rdp.FileContentsResponse {
	fail := rdp.FileContentsResponse{StreamID: req.StreamID}
	if int(req.ListIndex) >= len(m.outbound) {
		return fail
	}
	entry := m.outbound[req.ListIndex]

	if req.Flags&rdp.FileContentsSize != 0 {
		out := make([]byte, 8)
		putLE64(out, entry.desc.Size)
		return rdp.FileContentsResponse{StreamID: req.StreamID, Data: out, OK: true}
	}

	size := req.Requested
	if size > maxChunkSize {
		size = maxChunkSize
	}
	f, err := os.Open(entry.path)
	if err != nil {
		return fail
	}
	defer f.Close()

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, int64(req.Position))
	if err != nil && n == 0 {
		return fail
	}
	return rdp.FileContentsResponse{StreamID: req.StreamID, Data: buf[:n], OK: true}
}

// sanitizeRelPath converts a descriptor's backslash path into a safe
// relative path below the downloads directory.
func sanitizeRelPath(name string) (string, error) {
	rel := filepath.FromSlash(strings.ReplaceAll(name, `\`, "/"))
	rel = filepath.Clean(rel)
	if rel == "." || rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("clipboard: unsafe file name %q", name)
	}
	return rel, nil
}

func uriToPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("clipboard: non-file URI %q", uri)
	}
	if u.Path == "" {
		return "", fmt.Errorf("clipboard: empty path in %q", uri)
	}
	return u.Path, nil
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// expireStale fails transfers idle past the deadline. Called from the
// engine's timeout sweep.
func (m *TransferManager) expireStale(lastActivity map[uint32]time.Time, now time.Time, timeout time.Duration) []string {
	var expired []string
	for id, slot := range m.slots {
		seen, ok := lastActivity[id]
		if !ok {
			continue
		}
		if now.Sub(seen) > timeout {
			expired = append(expired, slot.Name)
			m.fail(slot)
			delete(lastActivity, id)
		}
	}
	return expired
}
