package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// GNOME Mutter private D-Bus interfaces. Only selectable outside a
// sandbox and only when the compositor advertises both; no permission
// dialog is shown.
const (
	mutterRDBus          = "org.gnome.Mutter.RemoteDesktop"
	mutterRDPath         = "/org/gnome/Mutter/RemoteDesktop"
	mutterRDIface        = "org.gnome.Mutter.RemoteDesktop"
	mutterRDSessionIface = "org.gnome.Mutter.RemoteDesktop.Session"

	mutterSCBus          = "org.gnome.Mutter.ScreenCast"
	mutterSCPath         = "/org/gnome/Mutter/ScreenCast"
	mutterSCIface        = "org.gnome.Mutter.ScreenCast"
	mutterSCSessionIface = "org.gnome.Mutter.ScreenCast.Session"
	mutterSCStreamIface  = "org.gnome.Mutter.ScreenCast.Stream"
)

// pipeWireStreamTimeout bounds the wait for PipeWireStreamAdded after
// starting the session.
const pipeWireStreamTimeout = 10 * time.Second

type mutterStrategy struct{}

func newMutterStrategy() *mutterStrategy { return &mutterStrategy{} }

func (m *mutterStrategy) Tag() StrategyTag { return StrategyDirectCompositor }

func (m *mutterStrategy) Create(ctx context.Context) (Handle, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}

	h := &mutterHandle{conn: conn}
	if err := h.establish(ctx); err != nil {
		h.Stop()
		return nil, err
	}
	return h, nil
}

// mutterHandle drives linked Mutter RemoteDesktop + ScreenCast sessions.
// Capture access is a bare PipeWire node id: the ingest attaches over its
// own connection to the user's PipeWire socket.
type mutterHandle struct {
	conn          *dbus.Conn
	rdSessionPath dbus.ObjectPath
	scSessionPath dbus.ObjectPath
	scStreamPath  dbus.ObjectPath
	streams       []Stream

	injectMu sync.Mutex
	stopOnce sync.Once
}

func (h *mutterHandle) establish(ctx context.Context) error {
	rdObj := h.conn.Object(mutterRDBus, mutterRDPath)
	if err := rdObj.CallWithContext(ctx, mutterRDIface+".CreateSession", 0).Store(&h.rdSessionPath); err != nil {
		return fmt.Errorf("create RemoteDesktop session: %w", err)
	}

	// The ScreenCast session is linked to the RemoteDesktop session by id
	// (the trailing path element) so input injection targets the stream.
	sessionID := string(h.rdSessionPath)
	if idx := strings.LastIndex(sessionID, "/"); idx >= 0 {
		sessionID = sessionID[idx+1:]
	}

	scObj := h.conn.Object(mutterSCBus, mutterSCPath)
	scOpts := map[string]dbus.Variant{
		"remote-desktop-session-id": dbus.MakeVariant(sessionID),
	}
	if err := scObj.CallWithContext(ctx, mutterSCIface+".CreateSession", 0, scOpts).Store(&h.scSessionPath); err != nil {
		return fmt.Errorf("create ScreenCast session: %w", err)
	}

	scSession := h.conn.Object(mutterSCBus, h.scSessionPath)
	recordOpts := map[string]dbus.Variant{
		"cursor-mode": dbus.MakeVariant(cursorModeMetadata),
	}
	if err := scSession.CallWithContext(ctx, mutterSCSessionIface+".RecordMonitor", 0, "", recordOpts).Store(&h.scStreamPath); err != nil {
		return fmt.Errorf("RecordMonitor: %w", err)
	}

	nodeID, width, height, err := h.startAndWaitForStream(ctx)
	if err != nil {
		return err
	}

	h.streams = []Stream{{
		NodeID: nodeID,
		Width:  width,
		Height: height,
		Format: FormatBGRx,
	}}

	log.Info("mutter session established", "nodeId", nodeID, "stream", h.scStreamPath)
	return nil
}

// startAndWaitForStream subscribes to PipeWireStreamAdded, starts the
// RemoteDesktop session, and waits for the compositor to hand over the
// node id.
func (h *mutterHandle) startAndWaitForStream(ctx context.Context) (uint32, int, int, error) {
	if err := h.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(h.scStreamPath),
		dbus.WithMatchInterface(mutterSCStreamIface),
		dbus.WithMatchMember("PipeWireStreamAdded"),
	); err != nil {
		return 0, 0, 0, fmt.Errorf("add signal match: %w", err)
	}
	signals := make(chan *dbus.Signal, 10)
	h.conn.Signal(signals)
	defer h.conn.RemoveSignal(signals)

	rdSession := h.conn.Object(mutterRDBus, h.rdSessionPath)
	if err := rdSession.CallWithContext(ctx, mutterRDSessionIface+".Start", 0).Err; err != nil {
		return 0, 0, 0, fmt.Errorf("start session: %w", err)
	}

	timeout := time.After(pipeWireStreamTimeout)
	for {
		select {
		case <-ctx.Done():
			return 0, 0, 0, ctx.Err()
		case <-timeout:
			return 0, 0, 0, fmt.Errorf("timeout waiting for PipeWireStreamAdded")
		case sig, ok := <-signals:
			if !ok {
				return 0, 0, 0, fmt.Errorf("signal channel closed")
			}
			if sig.Name != mutterSCStreamIface+".PipeWireStreamAdded" || len(sig.Body) == 0 {
				continue
			}
			nodeID, ok := sig.Body[0].(uint32)
			if !ok {
				continue
			}
			width, height := h.streamSize()
			return nodeID, width, height, nil
		}
	}
}

// streamSize reads the stream Parameters property; zero values are
// tolerated (the ingest learns the size from the PipeWire format).
func (h *mutterHandle) streamSize() (int, int) {
	stream := h.conn.Object(mutterSCBus, h.scStreamPath)
	var params map[string]dbus.Variant
	if err := stream.Call("org.freedesktop.DBus.Properties.Get", 0,
		mutterSCStreamIface, "Parameters").Store(&params); err != nil {
		return 0, 0
	}
	var w, h2 int
	if v, ok := params["size"]; ok {
		if size, ok := v.Value().([]interface{}); ok && len(size) == 2 {
			if iw, ok := size[0].(int32); ok {
				w = int(iw)
			}
			if ih, ok := size[1].(int32); ok {
				h2 = int(ih)
			}
		}
	}
	return w, h2
}

func (h *mutterHandle) Strategy() StrategyTag { return StrategyDirectCompositor }

func (h *mutterHandle) CaptureAccess() CaptureAccess {
	return CaptureAccess{FD: -1, NodeID: h.streams[0].NodeID}
}

func (h *mutterHandle) Streams() []Stream { return h.streams }

func (h *mutterHandle) rdSession() dbus.BusObject {
	return h.conn.Object(mutterRDBus, h.rdSessionPath)
}

func (h *mutterHandle) InjectKey(keycode int32, pressed bool) error {
	h.injectMu.Lock()
	defer h.injectMu.Unlock()
	return h.rdSession().Call(mutterRDSessionIface+".NotifyKeyboardKeycode", 0,
		uint32(keycode), pressed).Err
}

func (h *mutterHandle) InjectPointerMotionAbsolute(stream uint32, x, y float64) error {
	h.injectMu.Lock()
	defer h.injectMu.Unlock()
	// Mutter addresses streams by object path, not node id.
	return h.rdSession().Call(mutterRDSessionIface+".NotifyPointerMotionAbsolute", 0,
		string(h.scStreamPath), x, y).Err
}

func (h *mutterHandle) InjectPointerButton(button int32, pressed bool) error {
	h.injectMu.Lock()
	defer h.injectMu.Unlock()
	return h.rdSession().Call(mutterRDSessionIface+".NotifyPointerButton", 0,
		button, pressed).Err
}

func (h *mutterHandle) InjectPointerAxis(dx, dy float64) error {
	h.injectMu.Lock()
	defer h.injectMu.Unlock()
	// flags=0: motion only, no axis stop.
	return h.rdSession().Call(mutterRDSessionIface+".NotifyPointerAxis", 0,
		dx, dy, uint32(0)).Err
}

// Clipboard returns nil: the Mutter grant cannot carry the portal
// clipboard. The orchestrator opens a separate minimal portal session
// (NewClipboardOnlySession) purely for clipboard traffic.
func (h *mutterHandle) Clipboard() ClipboardComponents { return nil }

func (h *mutterHandle) Stop() {
	h.stopOnce.Do(func() {
		if h.scSessionPath != "" {
			h.conn.Object(mutterSCBus, h.scSessionPath).Call(mutterSCSessionIface+".Stop", 0)
		}
		if h.rdSessionPath != "" {
			h.conn.Object(mutterRDBus, h.rdSessionPath).Call(mutterRDSessionIface+".Stop", 0)
		}
		h.conn.Close()
		log.Info("mutter session released")
	})
}
