package clipboard

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/lamco-admin/lamco-rdp/internal/logging"
	"github.com/lamco-admin/lamco-rdp/internal/rdp"
	"github.com/lamco-admin/lamco-rdp/internal/session"
)

var log = logging.L("clipboard")

// Echo suppression windows. Layer 1 drops local-change signals close to
// an RdpOwned transition; layer 2 drops content whose hash was written
// recently in either direction; layer 3 cancels duplicate pending
// SelectionTransfers.
const (
	echoWindow = 3 * time.Second
	hashWindow = 5 * time.Second
)

// Request timeouts.
const (
	dataTimeout  = 5 * time.Second
	chunkTimeout = 30 * time.Second
)

// State of the clipboard state machine.
type State int

const (
	StateIdle State = iota
	// StateRdpOwned: the RDP client advertised the clipboard.
	StateRdpOwned
	// StateLocalOwned: the Wayland side owns the clipboard.
	StateLocalOwned
)

func (s State) String() string {
	switch s {
	case StateRdpOwned:
		return "rdp-owned"
	case StateLocalOwned:
		return "local-owned"
	default:
		return "idle"
	}
}

// Config tunes the engine.
type Config struct {
	MaxSize     int64
	RateLimitMs int
	Downloads   string
}

// backendEventKind discriminates events arriving from the RDP library.
type backendEventKind int

const (
	evReady backendEventKind = iota
	evRemoteCopy
	evFormatDataRequest
	evFormatDataResponse
	evFileContentsRequest
	evFileContentsResponse
	evLock
	evUnlock
)

type backendEvent struct {
	kind     backendEventKind
	caps     rdp.ClipCaps
	formats  []rdp.ClipFormat
	formatID uint32
	data     []byte
	ok       bool
	fcReq    rdp.FileContentsRequest
	fcResp   rdp.FileContentsResponse
	clipID   uint32
}

// Backend is the CliprdrBackend implementation handed to the RDP
// library. Callbacks enqueue and return immediately; the engine task
// drains the queue.
type Backend struct {
	events chan backendEvent
}

// NewBackend creates the library-facing backend.
func NewBackend() *Backend {
	return &Backend{events: make(chan backendEvent, 64)}
}

func (b *Backend) push(ev backendEvent) {
	select {
	case b.events <- ev:
	default:
		log.Warn("clipboard backend queue full, dropping event", "kind", ev.kind)
	}
}

func (b *Backend) OnReady(caps rdp.ClipCaps) { b.push(backendEvent{kind: evReady, caps: caps}) }

func (b *Backend) OnRemoteCopy(formats []rdp.ClipFormat) {
	b.push(backendEvent{kind: evRemoteCopy, formats: formats})
}

func (b *Backend) OnFormatDataRequest(formatID uint32) {
	b.push(backendEvent{kind: evFormatDataRequest, formatID: formatID})
}

func (b *Backend) OnFormatDataResponse(data []byte, ok bool) {
	b.push(backendEvent{kind: evFormatDataResponse, data: data, ok: ok})
}

func (b *Backend) OnFileContentsRequest(req rdp.FileContentsRequest) {
	b.push(backendEvent{kind: evFileContentsRequest, fcReq: req})
}

func (b *Backend) OnFileContentsResponse(resp rdp.FileContentsResponse) {
	b.push(backendEvent{kind: evFileContentsResponse, fcResp: resp})
}

func (b *Backend) OnLockClipData(id uint32)   { b.push(backendEvent{kind: evLock, clipID: id}) }
func (b *Backend) OnUnlockClipData(id uint32) { b.push(backendEvent{kind: evUnlock, clipID: id}) }

var _ rdp.CliprdrBackend = (*Backend)(nil)

// pendingKind tells what a CB_FORMAT_DATA_RESPONSE answers.
type pendingKind int

const (
	pendingText pendingKind = iota
	pendingFileList
)

type pendingPaste struct {
	kind     pendingKind
	serial   uint32
	mime     string
	formatID uint32
	at       time.Time
}

// Engine is the bidirectional clipboard coordination task of one
// connection.
type Engine struct {
	cfg     Config
	comp    session.ClipboardComponents
	monitor *Monitor
	backend *Backend
	emit    func(rdp.ServerEvent)

	now func() time.Time

	state        State
	caps         rdp.ClipCaps
	rdpFormats   []rdp.ClipFormat
	rdpOwnedAt   time.Time
	localHash    string
	localOwnedAt time.Time

	sentHashes     map[string]time.Time
	lastFormatList time.Time

	pending *pendingPaste

	transfers        *TransferManager
	transferActivity map[uint32]time.Time
	inboundSlots     map[uint32]*TransferSlot
	inboundURIs      []string

	clipDataSeq uint32
	heldLock    *uint32
}

// NewEngine wires the engine. comp may be nil (no clipboard portal);
// monitor may be nil (no companion extension). emit pushes onto the
// connection's clipboard priority queue.
func NewEngine(cfg Config, comp session.ClipboardComponents, monitor *Monitor, backend *Backend, emit func(rdp.ServerEvent)) *Engine {
	return &Engine{
		cfg:              cfg,
		comp:             comp,
		monitor:          monitor,
		backend:          backend,
		emit:             emit,
		now:              time.Now,
		sentHashes:       make(map[string]time.Time),
		transfers:        NewTransferManager(cfg.Downloads),
		transferActivity: make(map[uint32]time.Time),
		inboundSlots:     make(map[uint32]*TransferSlot),
	}
}

// State returns the current machine state (status surface, tests).
func (e *Engine) State() State { return e.state }

// Run drains backend events, portal signals, and companion changes until
// ctx is done.
func (e *Engine) Run(ctx context.Context) {
	var portalSignals <-chan session.ClipboardSignal
	if e.comp != nil {
		portalSignals = e.comp.Signals()
	}
	var monitorChanges <-chan LocalChange
	if e.monitor != nil {
		monitorChanges = e.monitor.Changes()
	}

	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			e.transfers.FailAll()
			return

		case ev := <-e.backend.events:
			e.handleBackend(ctx, ev)

		case sig, ok := <-portalSignals:
			if !ok {
				portalSignals = nil
				continue
			}
			e.handlePortalSignal(ctx, sig)

		case ch, ok := <-monitorChanges:
			if !ok {
				monitorChanges = nil
				continue
			}
			e.handleLocalChange(ctx, ch.MimeTypes, ch.ContentHash)

		case <-sweep.C:
			e.sweepTimeouts(ctx)
		}
	}
}

func (e *Engine) handleBackend(ctx context.Context, ev backendEvent) {
	switch ev.kind {
	case evReady:
		e.caps = ev.caps
		log.Info("clipboard channel ready",
			"canLock", ev.caps.CanLock(),
			"longNames", ev.caps.LongFormatNames(),
		)
	case evRemoteCopy:
		e.onRemoteCopy(ctx, ev.formats)
	case evFormatDataRequest:
		e.onFormatDataRequest(ctx, ev.formatID)
	case evFormatDataResponse:
		e.onFormatDataResponse(ctx, ev.data, ev.ok)
	case evFileContentsRequest:
		resp := e.transfers.ServeRequest(ev.fcReq)
		e.emit(rdp.SendFileContentsResponse{StreamID: resp.StreamID, Data: resp.Data, OK: resp.OK})
	case evFileContentsResponse:
		e.onFileContentsResponse(ctx, ev.fcResp)
	case evLock:
		log.Debug("client locked clip data", "clipDataId", ev.clipID)
	case evUnlock:
		log.Debug("client unlocked clip data", "clipDataId", ev.clipID)
	}
}

// onRemoteCopy handles CB_FORMAT_LIST: the client announced formats.
func (e *Engine) onRemoteCopy(ctx context.Context, formats []rdp.ClipFormat) {
	now := e.now()

	// Our own format list reflected back within the echo window is not a
	// new remote copy.
	if e.state == StateLocalOwned && now.Sub(e.localOwnedAt) < echoWindow {
		log.Debug("dropping format list inside echo window")
		e.emit(rdp.SendFormatListResponse{OK: true})
		return
	}

	e.rdpFormats = formats
	e.state = StateRdpOwned
	e.rdpOwnedAt = now
	e.inboundURIs = nil
	e.emit(rdp.SendFormatListResponse{OK: true})

	log.Info("remote copy announced", "formats", len(formats))

	// Delayed rendering: announce MIME types now, fetch data on demand.
	if e.comp != nil {
		if mimes := FormatsToMimes(formats); len(mimes) > 0 {
			if err := e.comp.SetSelection(ctx, mimes); err != nil {
				log.Warn("SetSelection failed", "error", err)
			}
		}
	}

	// File lists are fetched eagerly: the descriptor is needed before a
	// local paste can offer text/uri-list.
	if id, ok := fileGroupDescriptorID(formats); ok && e.pending == nil {
		e.pending = &pendingPaste{kind: pendingFileList, formatID: id, at: now}
		e.emit(rdp.SendInitiatePaste{FormatID: id})
	}
}

// onFormatDataRequest handles the client pasting our content.
func (e *Engine) onFormatDataRequest(ctx context.Context, formatID uint32) {
	if formatID == serverFormatFileGroupDescriptor {
		descs := make([]rdp.FileDescriptor, 0, len(e.transfers.outbound))
		for _, f := range e.transfers.outbound {
			descs = append(descs, f.desc)
		}
		payload, err := rdp.EncodeFileGroupDescriptor(descs)
		if err != nil {
			log.Warn("file group descriptor encode failed", "error", err)
			e.emit(rdp.SendFormatDataResponse{OK: false})
			return
		}
		e.emit(rdp.SendFormatDataResponse{Data: payload, OK: true})
		return
	}

	mime := preferredMimeForFormat(formatID)
	if mime == "" || e.comp == nil {
		e.emit(rdp.SendFormatDataResponse{OK: false})
		return
	}

	rctx, cancel := context.WithTimeout(ctx, dataTimeout)
	defer cancel()
	data, err := e.comp.SelectionRead(rctx, mime)
	if err != nil {
		log.Warn("selection read failed", "mime", mime, "error", err)
		e.emit(rdp.SendFormatDataResponse{OK: false})
		return
	}
	if e.cfg.MaxSize > 0 && int64(len(data)) > e.cfg.MaxSize {
		log.Warn("clipboard content exceeds max size", "size", len(data), "max", e.cfg.MaxSize)
		e.emit(rdp.SendFormatDataResponse{OK: false})
		return
	}

	wire, err := ConvertToWire(formatID, mime, data)
	if err != nil {
		log.Warn("clipboard conversion failed", "formatId", formatID, "error", err)
		e.emit(rdp.SendFormatDataResponse{OK: false})
		return
	}

	e.rememberHash(hashContent(data))
	e.emit(rdp.SendFormatDataResponse{Data: wire, OK: true})
}

// onFormatDataResponse handles data we previously requested.
func (e *Engine) onFormatDataResponse(ctx context.Context, data []byte, ok bool) {
	p := e.pending
	if p == nil {
		log.Debug("unsolicited format data response dropped")
		return
	}
	e.pending = nil

	if p.kind == pendingFileList {
		if !ok {
			log.Warn("file group descriptor fetch failed")
			return
		}
		e.startInboundTransfers(data)
		return
	}

	if !ok {
		e.writeDone(ctx, p.serial, false)
		return
	}

	local, err := ConvertFromWire(p.formatID, p.mime, data)
	if err != nil {
		log.Warn("clipboard data conversion failed", "formatId", p.formatID, "error", err)
		e.writeDone(ctx, p.serial, false)
		return
	}
	if e.cfg.MaxSize > 0 && int64(len(local)) > e.cfg.MaxSize {
		e.writeDone(ctx, p.serial, false)
		return
	}

	e.rememberHash(hashContent(local))

	wctx, cancel := context.WithTimeout(ctx, dataTimeout)
	defer cancel()
	if err := e.comp.SelectionWrite(wctx, p.serial, local); err != nil {
		log.Warn("selection write failed", "serial", p.serial, "error", err)
		e.writeDone(ctx, p.serial, false)
		return
	}
	e.writeDone(ctx, p.serial, true)
}

func (e *Engine) writeDone(ctx context.Context, serial uint32, success bool) {
	if e.comp == nil {
		return
	}
	if err := e.comp.SelectionWriteDone(ctx, serial, success); err != nil {
		log.Debug("SelectionWriteDone failed", "serial", serial, "error", err)
	}
}

func (e *Engine) handlePortalSignal(ctx context.Context, sig session.ClipboardSignal) {
	switch sig.Kind {
	case session.SignalSelectionTransfer:
		e.onSelectionTransfer(ctx, sig.MimeType, sig.Serial)
	case session.SignalOwnerChanged:
		if sig.IsOwner {
			return // our own SetSelection
		}
		e.handleLocalChange(ctx, sig.MimeTypes, "")
	}
}

// onSelectionTransfer: a local app reads the clipboard we announced.
func (e *Engine) onSelectionTransfer(ctx context.Context, mime string, serial uint32) {
	// Layer 3: one transfer at a time. Apps fire dozens of MIME queries
	// per paste; answering them all races the RDP channel.
	if e.pending != nil {
		e.writeDone(ctx, serial, false)
		return
	}
	if e.state != StateRdpOwned {
		e.writeDone(ctx, serial, false)
		return
	}

	// Completed inbound file transfers are served locally.
	if mime == mimeURIList && len(e.inboundURIs) > 0 {
		e.serveURIList(ctx, serial)
		return
	}

	formatID, ok := formatForMime(mime, e.rdpFormats)
	if !ok {
		e.writeDone(ctx, serial, false)
		return
	}

	e.pending = &pendingPaste{kind: pendingText, serial: serial, mime: mime, formatID: formatID, at: e.now()}
	e.emit(rdp.SendInitiatePaste{FormatID: formatID})
}

func (e *Engine) serveURIList(ctx context.Context, serial uint32) {
	var body []byte
	for _, uri := range e.inboundURIs {
		body = append(body, uri...)
		body = append(body, '\r', '\n')
	}
	wctx, cancel := context.WithTimeout(ctx, dataTimeout)
	defer cancel()
	if err := e.comp.SelectionWrite(wctx, serial, body); err != nil {
		e.writeDone(ctx, serial, false)
		return
	}
	e.writeDone(ctx, serial, true)
}

// handleLocalChange: the Wayland side took clipboard ownership, detected
// via the portal owner-change signal or the companion extension.
func (e *Engine) handleLocalChange(ctx context.Context, mimes []string, contentHash string) {
	now := e.now()

	// Layer 1: timing window after the RDP side wrote.
	if !e.rdpOwnedAt.IsZero() && now.Sub(e.rdpOwnedAt) < echoWindow {
		log.Debug("local change inside echo window, dropped")
		return
	}

	if contentHash == "" {
		contentHash = e.hashLocalContent(ctx, mimes)
	}

	// Layer 2: content hash window.
	if t, ok := e.sentHashes[contentHash]; ok && now.Sub(t) < hashWindow {
		log.Debug("local change matches recently written hash, dropped")
		return
	}
	if e.state == StateLocalOwned && contentHash != "" && contentHash == e.localHash {
		return
	}

	// Outbound rate limit.
	if e.cfg.RateLimitMs > 0 &&
		now.Sub(e.lastFormatList) < time.Duration(e.cfg.RateLimitMs)*time.Millisecond {
		log.Debug("format list rate limited")
		return
	}

	formats := MimesToFormats(mimes)
	if len(formats) == 0 {
		return
	}

	// File offers need the URI list staged before the announce so the
	// descriptor request can be served immediately.
	if containsMime(mimes, mimeURIList) && e.comp != nil {
		rctx, cancel := context.WithTimeout(ctx, dataTimeout)
		uriList, err := e.comp.SelectionRead(rctx, mimeURIList)
		cancel()
		if err != nil {
			log.Warn("uri-list read failed", "error", err)
		} else if _, err := e.transfers.PrepareOutbound(uriList); err != nil {
			log.Warn("outbound file staging failed", "error", err)
		}
	}

	// Bracket the announce in lock/unlock when negotiated; unlock always
	// pairs the previous lock.
	if e.caps.CanLock() {
		if e.heldLock != nil {
			e.emit(rdp.SendUnlockClipData{ClipDataID: *e.heldLock})
		}
		e.clipDataSeq++
		id := e.clipDataSeq
		e.heldLock = &id
		e.emit(rdp.SendLockClipData{ClipDataID: id})
	}

	e.emit(rdp.SendInitiateCopy{Formats: formats})
	e.state = StateLocalOwned
	e.localHash = contentHash
	e.localOwnedAt = now
	e.lastFormatList = now
	if contentHash != "" {
		e.rememberHash(contentHash)
	}

	log.Info("local copy announced", "formats", len(formats), "state", e.state.String())
}

// startInboundTransfers parses the descriptor payload and issues the
// first FILECONTENTS request per file.
func (e *Engine) startInboundTransfers(payload []byte) {
	files, err := rdp.ParseFileGroupDescriptor(payload)
	if err != nil {
		log.Warn("malformed file group descriptor", "error", err)
		return
	}
	slots, err := e.transfers.BeginInbound(files)
	if err != nil {
		log.Warn("inbound transfer setup failed", "error", err)
		return
	}

	log.Info("inbound file transfer started", "files", len(slots))
	now := e.now()
	for _, slot := range slots {
		e.inboundSlots[slot.StreamID] = slot
		e.transferActivity[slot.StreamID] = now
		if req, ok := e.transfers.NextRequest(slot); ok {
			e.emit(rdp.SendFileContentsRequest{Req: req})
		}
	}
}

func (e *Engine) onFileContentsResponse(ctx context.Context, resp rdp.FileContentsResponse) {
	slot, done, err := e.transfers.HandleResponse(resp)
	if err != nil {
		log.Warn("file transfer failed", "error", err)
		if slot != nil {
			delete(e.inboundSlots, slot.StreamID)
			delete(e.transferActivity, slot.StreamID)
		}
		return
	}
	e.transferActivity[slot.StreamID] = e.now()

	if !done {
		if req, ok := e.transfers.NextRequest(slot); ok {
			e.emit(rdp.SendFileContentsRequest{Req: req})
		}
		return
	}

	log.Info("file transfer complete", "name", slot.Name, "bytes", slot.Received)
	e.inboundURIs = append(e.inboundURIs, slot.URI())
	delete(e.inboundSlots, slot.StreamID)
	delete(e.transferActivity, slot.StreamID)

	// All files landed: refresh the selection so local apps see the URIs.
	if len(e.inboundSlots) == 0 && e.comp != nil {
		if err := e.comp.SetSelection(ctx, []string{mimeURIList}); err != nil {
			log.Warn("uri-list SetSelection failed", "error", err)
		}
	}
}

// sweepTimeouts cancels expired pending requests and stale transfers.
func (e *Engine) sweepTimeouts(ctx context.Context) {
	now := e.now()

	if p := e.pending; p != nil && now.Sub(p.at) > dataTimeout {
		log.Warn("clipboard data request timed out", "formatId", p.formatID)
		if p.kind == pendingText {
			e.writeDone(ctx, p.serial, false)
		}
		e.pending = nil
	}

	for _, name := range e.transfers.expireStale(e.transferActivity, now, chunkTimeout) {
		log.Warn("file transfer timed out", "name", name)
	}
	for id := range e.inboundSlots {
		if _, ok := e.transferActivity[id]; !ok {
			delete(e.inboundSlots, id)
		}
	}

	for h, t := range e.sentHashes {
		if now.Sub(t) > hashWindow {
			delete(e.sentHashes, h)
		}
	}
}

func (e *Engine) rememberHash(h string) {
	if h != "" {
		e.sentHashes[h] = e.now()
	}
}

// hashLocalContent reads the selection's primary representation and
// hashes it, for change signals that carry no hash (portal path).
func (e *Engine) hashLocalContent(ctx context.Context, mimes []string) string {
	if e.comp == nil {
		return ""
	}
	mime := ""
	for _, m := range textMimes {
		if containsMime(mimes, m) {
			mime = m
			break
		}
	}
	if mime == "" && containsMime(mimes, mimePNG) {
		mime = mimePNG
	}
	if mime == "" {
		return ""
	}

	rctx, cancel := context.WithTimeout(ctx, dataTimeout)
	defer cancel()
	data, err := e.comp.SelectionRead(rctx, mime)
	if err != nil {
		return ""
	}
	return hashContent(data)
}

func hashContent(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

func fileGroupDescriptorID(formats []rdp.ClipFormat) (uint32, bool) {
	for _, f := range formats {
		if f.Name == rdp.FormatNameFileGroupDescriptorW {
			return f.ID, true
		}
	}
	return 0, false
}

func containsMime(mimes []string, want string) bool {
	for _, m := range mimes {
		if m == want {
			return true
		}
	}
	return false
}
