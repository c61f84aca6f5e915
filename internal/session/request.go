package session

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
)

// XDG desktop portal constants.
const (
	portalBus  = "org.freedesktop.portal.Desktop"
	portalPath = "/org/freedesktop/portal/desktop"

	portalScreenCastIface    = "org.freedesktop.portal.ScreenCast"
	portalRemoteDesktopIface = "org.freedesktop.portal.RemoteDesktop"
	portalClipboardIface     = "org.freedesktop.portal.Clipboard"
	portalRequestIface       = "org.freedesktop.portal.Request"
	portalSessionIface       = "org.freedesktop.portal.Session"
)

// ScreenCast source types and cursor modes.
const (
	sourceMonitor = uint32(1)

	cursorModeHidden   = uint32(1)
	cursorModeEmbedded = uint32(2)
	cursorModeMetadata = uint32(4)
)

// Device types for RemoteDesktop.SelectDevices.
const (
	deviceKeyboard = uint32(1)
	devicePointer  = uint32(2)
)

// persistModeExplicit asks the portal to persist the grant until
// explicitly revoked, yielding a restore token on Start.
const persistModeExplicit = uint32(2)

// portalResponseTimeout bounds the wait for a Request.Response signal.
// Interactive requests can sit behind a permission dialog, so this is
// generous.
const portalResponseTimeout = 120 * time.Second

var requestCounter atomic.Uint64

// portalCall performs one portal request: subscribe to the Response
// signal on the predicted request path, invoke method with the
// handle_token option merged in, and wait for the response results.
//
// This is the request half of the portal's async convention; every
// interactive portal method (CreateSession, SelectSources, Start, ...)
// goes through here.
func portalCall(ctx context.Context, conn *dbus.Conn, method string, options map[string]dbus.Variant, args ...interface{}) (map[string]dbus.Variant, error) {
	token := fmt.Sprintf("lamco_rdp_%d", requestCounter.Add(1))
	requestPath := predictRequestPath(conn, token)

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(requestPath),
		dbus.WithMatchInterface(portalRequestIface),
		dbus.WithMatchMember("Response"),
	); err != nil {
		return nil, fmt.Errorf("add signal match: %w", err)
	}
	defer conn.RemoveMatchSignal(
		dbus.WithMatchObjectPath(requestPath),
		dbus.WithMatchInterface(portalRequestIface),
		dbus.WithMatchMember("Response"),
	)

	signals := make(chan *dbus.Signal, 10)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	if options == nil {
		options = map[string]dbus.Variant{}
	}
	options["handle_token"] = dbus.MakeVariant(token)

	callArgs := append(append([]interface{}{}, args...), options)
	portal := conn.Object(portalBus, portalPath)
	var returnedPath dbus.ObjectPath
	if err := portal.CallWithContext(ctx, method, 0, callArgs...).Store(&returnedPath); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	// Pre-0.9 portals return a different request path than predicted;
	// re-subscribe if they disagree.
	if returnedPath != requestPath {
		if err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath(returnedPath),
			dbus.WithMatchInterface(portalRequestIface),
			dbus.WithMatchMember("Response"),
		); err != nil {
			return nil, fmt.Errorf("add signal match (returned path): %w", err)
		}
	}

	return waitResponse(ctx, signals)
}

// waitResponse waits for a portal Request.Response and returns its
// results vardict. A non-zero response code means the user denied the
// request or the portal cancelled it.
func waitResponse(ctx context.Context, signals chan *dbus.Signal) (map[string]dbus.Variant, error) {
	timeout := time.After(portalResponseTimeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, fmt.Errorf("timeout waiting for portal response")
		case sig, ok := <-signals:
			if !ok {
				return nil, fmt.Errorf("signal channel closed")
			}
			if sig.Name != portalRequestIface+".Response" || len(sig.Body) < 2 {
				continue
			}
			code, ok := sig.Body[0].(uint32)
			if !ok {
				continue
			}
			if code != 0 {
				return nil, fmt.Errorf("portal request denied (response %d)", code)
			}
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			return results, nil
		}
	}
}

// predictRequestPath derives the request object path the portal will use
// for our handle token: the sender's unique name with ':' stripped and
// '.' replaced by '_'.
func predictRequestPath(conn *dbus.Conn, token string) dbus.ObjectPath {
	sender := strings.TrimPrefix(conn.Names()[0], ":")
	sender = strings.ReplaceAll(sender, ".", "_")
	return dbus.ObjectPath("/org/freedesktop/portal/desktop/request/" + sender + "/" + token)
}

// parseStreams unpacks the a(ua{sv}) streams property of a Start
// response into Stream records.
func parseStreams(results map[string]dbus.Variant) []Stream {
	raw, ok := results["streams"]
	if !ok {
		return nil
	}

	var streams []Stream
	entries, ok := raw.Value().([][]interface{})
	if !ok {
		// Some portal versions deliver []interface{} of 2-tuples.
		loose, ok := raw.Value().([]interface{})
		if !ok {
			return nil
		}
		for _, e := range loose {
			if tuple, ok := e.([]interface{}); ok {
				entries = append(entries, tuple)
			}
		}
	}

	for i, entry := range entries {
		if len(entry) < 2 {
			continue
		}
		nodeID, ok := entry[0].(uint32)
		if !ok {
			continue
		}
		stream := Stream{NodeID: nodeID, MonitorIndex: i, Format: FormatBGRx}
		if props, ok := entry[1].(map[string]dbus.Variant); ok {
			if size, ok := props["size"].Value().([]interface{}); ok && len(size) == 2 {
				if w, ok := size[0].(int32); ok {
					stream.Width = int(w)
				}
				if h, ok := size[1].(int32); ok {
					stream.Height = int(h)
				}
			}
			if pos, ok := props["position"].Value().([]interface{}); ok && len(pos) == 2 {
				if x, ok := pos[0].(int32); ok {
					stream.X = int(x)
				}
				if y, ok := pos[1].(int32); ok {
					stream.Y = int(y)
				}
			}
		}
		streams = append(streams, stream)
	}
	return streams
}
