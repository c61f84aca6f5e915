package clipboard

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Companion compositor extension interface. GNOME never delivers the
// portal's SelectionOwnerChanged signal, so a shell extension polls the
// compositor clipboard and re-publishes changes on the session bus; on
// KDE and wlroots the portal signal works and the extension is not
// required.
const (
	companionBus   = "org.wayland_rdp.Clipboard"
	companionPath  = "/org/wayland_rdp/Clipboard"
	companionIface = "org.wayland_rdp.Clipboard"
)

// LocalChange is one clipboard-change notification from the companion
// extension.
type LocalChange struct {
	MimeTypes   []string
	ContentHash string
}

// Monitor subscribes to the companion extension's ClipboardChanged
// signal.
type Monitor struct {
	conn     *dbus.Conn
	changes  chan LocalChange
	raw      chan *dbus.Signal
	done     chan struct{}
	stopOnce sync.Once
}

// NewMonitor connects to the companion extension. Returns an error when
// the extension is not on the bus; callers treat that as "portal signal
// only".
func NewMonitor() (*Monitor, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}

	// Fail fast when the extension is absent.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, err
	}
	found := false
	for _, n := range names {
		if n == companionBus {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("companion extension %s not on the bus", companionBus)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(companionPath),
		dbus.WithMatchInterface(companionIface),
		dbus.WithMatchMember("ClipboardChanged"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe ClipboardChanged: %w", err)
	}

	m := &Monitor{
		conn:    conn,
		changes: make(chan LocalChange, 8),
		raw:     make(chan *dbus.Signal, 16),
		done:    make(chan struct{}),
	}
	conn.Signal(m.raw)
	go m.pump()
	return m, nil
}

// Changes delivers clipboard-change notifications.
func (m *Monitor) Changes() <-chan LocalChange { return m.changes }

func (m *Monitor) pump() {
	for {
		select {
		case <-m.done:
			return
		case sig, ok := <-m.raw:
			if !ok {
				return
			}
			if sig.Name != companionIface+".ClipboardChanged" || len(sig.Body) < 2 {
				continue
			}
			mimes, _ := sig.Body[0].([]string)
			hash, _ := sig.Body[1].(string)
			select {
			case m.changes <- LocalChange{MimeTypes: mimes, ContentHash: hash}:
			default:
				// The engine is busy; a newer change will follow.
			}
		}
	}
}

// GetText fetches the current clipboard text through the extension.
func (m *Monitor) GetText(ctx context.Context) (string, error) {
	var text string
	err := m.conn.Object(companionBus, companionPath).
		CallWithContext(ctx, companionIface+".GetText", 0).Store(&text)
	return text, err
}

// GetMimeTypes fetches the current clipboard MIME types.
func (m *Monitor) GetMimeTypes(ctx context.Context) ([]string, error) {
	var mimes []string
	err := m.conn.Object(companionBus, companionPath).
		CallWithContext(ctx, companionIface+".GetMimeTypes", 0).Store(&mimes)
	return mimes, err
}

// Stop unsubscribes and closes the bus connection.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.conn.RemoveSignal(m.raw)
		m.conn.Close()
	})
}
