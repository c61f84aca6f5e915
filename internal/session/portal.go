package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/lamco-admin/lamco-rdp/internal/secmem"
	"github.com/lamco-admin/lamco-rdp/internal/tokenstore"
)

// tokenKey is the token store key for the single v1 session.
const tokenKey = "default"

// portalStrategy opens a combined ScreenCast + RemoteDesktop + Clipboard
// session through the desktop portal. First run shows a permission
// dialog; the issued restore token skips it on later runs.
type portalStrategy struct {
	tokens  *tokenstore.Store
	persist bool

	// restore caches the current token across reconnects so a new
	// connection does not round-trip the backends. Tokens are single-use:
	// the cached value is zeroed the moment it is supplied to the portal.
	restoreMu sync.Mutex
	restore   *secmem.SecureString
}

func newPortalStrategy(tokens *tokenstore.Store, persist bool) *portalStrategy {
	return &portalStrategy{tokens: tokens, persist: persist}
}

// takeRestoreToken pops the cached token, falling back to the store.
func (p *portalStrategy) takeRestoreToken() *secmem.SecureString {
	p.restoreMu.Lock()
	token := p.restore
	p.restore = nil
	p.restoreMu.Unlock()
	if token == nil || token.IsZeroed() {
		return p.tokens.Load(tokenKey)
	}
	return token
}

// keepRestoreToken caches the freshly issued token and persists it.
func (p *portalStrategy) keepRestoreToken(token *secmem.SecureString) {
	p.restoreMu.Lock()
	old := p.restore
	p.restore = token
	p.restoreMu.Unlock()
	old.Zero()
	p.tokens.Save(tokenKey, token)
}

func (p *portalStrategy) Tag() StrategyTag { return StrategyPortal }

func (p *portalStrategy) Create(ctx context.Context) (Handle, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}

	h := &portalHandle{conn: conn, captureFD: -1}
	if err := p.establish(ctx, h); err != nil {
		h.Stop()
		return nil, err
	}
	return h, nil
}

func (p *portalStrategy) establish(ctx context.Context, h *portalHandle) error {
	conn := h.conn

	results, err := portalCall(ctx, conn, portalRemoteDesktopIface+".CreateSession", map[string]dbus.Variant{
		"session_handle_token": dbus.MakeVariant(fmt.Sprintf("lamco_rdp_s%d", requestCounter.Add(1))),
	})
	if err != nil {
		return fmt.Errorf("create portal session: %w", err)
	}
	sessionHandle, _ := results["session_handle"].Value().(string)
	if sessionHandle == "" {
		return fmt.Errorf("portal returned no session handle")
	}
	h.sessionPath = dbus.ObjectPath(sessionHandle)
	log.Debug("portal session created", "handle", sessionHandle)

	deviceOpts := map[string]dbus.Variant{
		"types": dbus.MakeVariant(deviceKeyboard | devicePointer),
	}
	var spent *secmem.SecureString
	if p.persist {
		deviceOpts["persist_mode"] = dbus.MakeVariant(persistModeExplicit)
		if token := p.takeRestoreToken(); token != nil {
			deviceOpts["restore_token"] = dbus.MakeVariant(token.Reveal())
			spent = token
			log.Info("restoring portal session from saved token")
		}
	}
	err = func() error {
		_, err := portalCall(ctx, conn, portalRemoteDesktopIface+".SelectDevices", deviceOpts, h.sessionPath)
		return err
	}()
	// The token was handed to the portal; it is spent either way.
	spent.Zero()
	delete(deviceOpts, "restore_token")
	if err != nil {
		return fmt.Errorf("select input devices: %w", err)
	}

	sourceOpts := map[string]dbus.Variant{
		"types":       dbus.MakeVariant(sourceMonitor),
		"multiple":    dbus.MakeVariant(false),
		"cursor_mode": dbus.MakeVariant(cursorModeMetadata),
	}
	if _, err := portalCall(ctx, conn, portalScreenCastIface+".SelectSources", sourceOpts, h.sessionPath); err != nil {
		return fmt.Errorf("select capture sources: %w", err)
	}

	// Clipboard must be requested before Start; afterwards the portal
	// refuses to attach it to the running session.
	clipCall := conn.Object(portalBus, portalPath).CallWithContext(ctx,
		portalClipboardIface+".RequestClipboard", 0, h.sessionPath, map[string]dbus.Variant{})
	clipboardOK := clipCall.Err == nil
	if !clipboardOK {
		log.Warn("portal clipboard unavailable for this session", "error", clipCall.Err)
	}

	startResults, err := portalCall(ctx, conn, portalRemoteDesktopIface+".Start", nil, h.sessionPath, "")
	if err != nil {
		return fmt.Errorf("start portal session: %w", err)
	}

	h.streams = parseStreams(startResults)
	if len(h.streams) == 0 {
		return fmt.Errorf("portal session started with no streams")
	}

	if token, ok := startResults["restore_token"].Value().(string); ok && token != "" {
		// Tokens are single-use; the fresh one replaces the spent one.
		p.keepRestoreToken(secmem.NewSecureString(token))
		log.Info("saved portal restore token")
	}

	fd, err := openPipeWireRemote(ctx, conn, h.sessionPath)
	if err != nil {
		return err
	}
	h.captureFD = fd

	if clipboardOK {
		h.clipboard = newPortalClipboard(conn, h.sessionPath)
	}

	log.Info("portal session established",
		"streams", len(h.streams),
		"nodeId", h.streams[0].NodeID,
		"clipboard", clipboardOK,
	)
	return nil
}

// openPipeWireRemote fetches the PipeWire connection fd for the session.
// The fd is dup'd because godbus closes message fds after dispatch.
func openPipeWireRemote(ctx context.Context, conn *dbus.Conn, session dbus.ObjectPath) (int, error) {
	var fd dbus.UnixFD
	err := conn.Object(portalBus, portalPath).CallWithContext(ctx,
		portalScreenCastIface+".OpenPipeWireRemote", 0, session, map[string]dbus.Variant{}).Store(&fd)
	if err != nil {
		return -1, fmt.Errorf("OpenPipeWireRemote: %w", err)
	}
	dup, err := unix.Dup(int(fd))
	if err != nil {
		return int(fd), nil
	}
	return dup, nil
}

// portalHandle is the Handle implementation over one portal session.
type portalHandle struct {
	conn        *dbus.Conn
	sessionPath dbus.ObjectPath
	streams     []Stream
	captureFD   int
	clipboard   *portalClipboard

	// injectMu serializes input injection narrowly around each D-Bus
	// call. It is deliberately NOT shared with clipboard operations:
	// SelectionWrite can block for seconds during complex pastes, and
	// holding a shared session lock across it would back up injection
	// until the portal overflows.
	injectMu sync.Mutex

	stopOnce sync.Once
}

func (h *portalHandle) Strategy() StrategyTag { return StrategyPortal }

func (h *portalHandle) CaptureAccess() CaptureAccess {
	return CaptureAccess{FD: h.captureFD}
}

func (h *portalHandle) Streams() []Stream { return h.streams }

func (h *portalHandle) rd() dbus.BusObject {
	return h.conn.Object(portalBus, portalPath)
}

func (h *portalHandle) InjectKey(keycode int32, pressed bool) error {
	h.injectMu.Lock()
	defer h.injectMu.Unlock()
	return h.rd().Call(portalRemoteDesktopIface+".NotifyKeyboardKeycode", 0,
		h.sessionPath, map[string]dbus.Variant{}, keycode, pressState(pressed)).Err
}

func (h *portalHandle) InjectPointerMotionAbsolute(stream uint32, x, y float64) error {
	h.injectMu.Lock()
	defer h.injectMu.Unlock()
	return h.rd().Call(portalRemoteDesktopIface+".NotifyPointerMotionAbsolute", 0,
		h.sessionPath, map[string]dbus.Variant{}, stream, x, y).Err
}

func (h *portalHandle) InjectPointerButton(button int32, pressed bool) error {
	h.injectMu.Lock()
	defer h.injectMu.Unlock()
	return h.rd().Call(portalRemoteDesktopIface+".NotifyPointerButton", 0,
		h.sessionPath, map[string]dbus.Variant{}, button, pressState(pressed)).Err
}

func (h *portalHandle) InjectPointerAxis(dx, dy float64) error {
	h.injectMu.Lock()
	defer h.injectMu.Unlock()
	return h.rd().Call(portalRemoteDesktopIface+".NotifyPointerAxis", 0,
		h.sessionPath, map[string]dbus.Variant{"finish": dbus.MakeVariant(true)}, dx, dy).Err
}

func (h *portalHandle) Clipboard() ClipboardComponents {
	if h.clipboard == nil {
		return nil
	}
	return h.clipboard
}

func (h *portalHandle) Stop() {
	h.stopOnce.Do(func() {
		if h.clipboard != nil {
			h.clipboard.stop()
		}
		if h.sessionPath != "" {
			if err := h.conn.Object(portalBus, h.sessionPath).Call(portalSessionIface+".Close", 0).Err; err != nil {
				log.Debug("portal session close failed", "error", err)
			}
		}
		if h.captureFD >= 0 {
			unix.Close(h.captureFD)
			h.captureFD = -1
		}
		h.conn.Close()
		log.Info("portal session released")
	})
}

func pressState(pressed bool) uint32 {
	if pressed {
		return 1
	}
	return 0
}

// portalClipboard implements ClipboardComponents over the portal
// Clipboard interface attached to a RemoteDesktop session.
type portalClipboard struct {
	conn        *dbus.Conn
	sessionPath dbus.ObjectPath
	signals     chan ClipboardSignal
	raw         chan *dbus.Signal
	done        chan struct{}
	stopOnce    sync.Once
}

func newPortalClipboard(conn *dbus.Conn, session dbus.ObjectPath) *portalClipboard {
	pc := &portalClipboard{
		conn:        conn,
		sessionPath: session,
		signals:     make(chan ClipboardSignal, 16),
		raw:         make(chan *dbus.Signal, 32),
		done:        make(chan struct{}),
	}

	for _, member := range []string{"SelectionTransfer", "SelectionOwnerChanged"} {
		if err := conn.AddMatchSignal(
			dbus.WithMatchInterface(portalClipboardIface),
			dbus.WithMatchMember(member),
		); err != nil {
			log.Warn("clipboard signal subscription failed", "member", member, "error", err)
		}
	}
	conn.Signal(pc.raw)
	go pc.pump()
	return pc
}

func (pc *portalClipboard) pump() {
	for {
		select {
		case <-pc.done:
			return
		case sig, ok := <-pc.raw:
			if !ok {
				return
			}
			pc.dispatch(sig)
		}
	}
}

func (pc *portalClipboard) dispatch(sig *dbus.Signal) {
	switch sig.Name {
	case portalClipboardIface + ".SelectionTransfer":
		if len(sig.Body) < 3 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		if path != pc.sessionPath {
			return
		}
		mime, _ := sig.Body[1].(string)
		serial, _ := sig.Body[2].(uint32)
		pc.deliver(ClipboardSignal{Kind: SignalSelectionTransfer, MimeType: mime, Serial: serial})

	case portalClipboardIface + ".SelectionOwnerChanged":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		if path != pc.sessionPath {
			return
		}
		opts, _ := sig.Body[1].(map[string]dbus.Variant)
		ev := ClipboardSignal{Kind: SignalOwnerChanged}
		if v, ok := opts["mime_types"]; ok {
			if mimes, ok := v.Value().([]string); ok {
				ev.MimeTypes = mimes
			}
		}
		if v, ok := opts["session_is_owner"]; ok {
			if owner, ok := v.Value().(bool); ok {
				ev.IsOwner = owner
			}
		}
		pc.deliver(ev)
	}
}

func (pc *portalClipboard) deliver(ev ClipboardSignal) {
	select {
	case pc.signals <- ev:
	default:
		log.Warn("clipboard signal queue full, dropping", "kind", ev.Kind)
	}
}

func (pc *portalClipboard) Signals() <-chan ClipboardSignal { return pc.signals }

func (pc *portalClipboard) obj() dbus.BusObject {
	return pc.conn.Object(portalBus, portalPath)
}

func (pc *portalClipboard) SetSelection(ctx context.Context, mimeTypes []string) error {
	opts := map[string]dbus.Variant{
		"mime_types": dbus.MakeVariant(mimeTypes),
	}
	return pc.obj().CallWithContext(ctx, portalClipboardIface+".SetSelection", 0, pc.sessionPath, opts).Err
}

func (pc *portalClipboard) SelectionRead(ctx context.Context, mimeType string) ([]byte, error) {
	var fd dbus.UnixFD
	err := pc.obj().CallWithContext(ctx, portalClipboardIface+".SelectionRead", 0,
		pc.sessionPath, mimeType).Store(&fd)
	if err != nil {
		return nil, fmt.Errorf("SelectionRead: %w", err)
	}
	file := os.NewFile(uintptr(fd), "clipboard-read")
	if file == nil {
		return nil, fmt.Errorf("SelectionRead returned invalid fd")
	}
	defer file.Close()
	return io.ReadAll(file)
}

func (pc *portalClipboard) SelectionWrite(ctx context.Context, serial uint32, data []byte) error {
	var fd dbus.UnixFD
	err := pc.obj().CallWithContext(ctx, portalClipboardIface+".SelectionWrite", 0,
		pc.sessionPath, serial).Store(&fd)
	if err != nil {
		return fmt.Errorf("SelectionWrite: %w", err)
	}
	file := os.NewFile(uintptr(fd), "clipboard-write")
	if file == nil {
		return fmt.Errorf("SelectionWrite returned invalid fd")
	}
	defer file.Close()
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write selection: %w", err)
	}
	return nil
}

func (pc *portalClipboard) SelectionWriteDone(ctx context.Context, serial uint32, success bool) error {
	return pc.obj().CallWithContext(ctx, portalClipboardIface+".SelectionWriteDone", 0,
		pc.sessionPath, serial, success).Err
}

func (pc *portalClipboard) stop() {
	pc.stopOnce.Do(func() {
		close(pc.done)
		pc.conn.RemoveSignal(pc.raw)
	})
}

// NewClipboardOnlySession opens a minimal portal session that serves only
// clipboard traffic. Used with the direct compositor strategy, whose
// Mutter grant cannot carry the portal clipboard; keeping the clipboard
// on its own session also isolates slow SelectionWrites from input
// injection entirely.
func NewClipboardOnlySession(ctx context.Context) (ClipboardComponents, func(), error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, nil, fmt.Errorf("connect session bus: %w", err)
	}

	results, err := portalCall(ctx, conn, portalRemoteDesktopIface+".CreateSession", map[string]dbus.Variant{
		"session_handle_token": dbus.MakeVariant(fmt.Sprintf("lamco_rdp_clip%d", requestCounter.Add(1))),
	})
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create clipboard session: %w", err)
	}
	sessionHandle, _ := results["session_handle"].Value().(string)
	if sessionHandle == "" {
		conn.Close()
		return nil, nil, fmt.Errorf("portal returned no session handle")
	}
	sessionPath := dbus.ObjectPath(sessionHandle)

	// No devices, no sources: the session exists only to anchor the
	// clipboard.
	if _, err := portalCall(ctx, conn, portalRemoteDesktopIface+".SelectDevices", map[string]dbus.Variant{
		"types": dbus.MakeVariant(uint32(0)),
	}, sessionPath); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("select devices: %w", err)
	}

	if err := conn.Object(portalBus, portalPath).CallWithContext(ctx,
		portalClipboardIface+".RequestClipboard", 0, sessionPath, map[string]dbus.Variant{}).Err; err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("request clipboard: %w", err)
	}

	if _, err := portalCall(ctx, conn, portalRemoteDesktopIface+".Start", nil, sessionPath, ""); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("start clipboard session: %w", err)
	}

	pc := newPortalClipboard(conn, sessionPath)
	cleanup := func() {
		pc.stop()
		conn.Object(portalBus, sessionPath).Call(portalSessionIface+".Close", 0)
		conn.Close()
	}
	return pc, cleanup, nil
}
