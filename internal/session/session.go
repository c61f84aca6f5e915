// Package session abstracts capture+input grants across compositor
// backends. Two strategies exist: the desktop portal (permission dialog,
// restore tokens, works everywhere) and GNOME Mutter's private D-Bus
// interfaces (no dialog, unsandboxed GNOME only). Both yield a uniform
// Handle the rest of the server drives.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/lamco-admin/lamco-rdp/internal/logging"
	"github.com/lamco-admin/lamco-rdp/internal/registry"
	"github.com/lamco-admin/lamco-rdp/internal/tokenstore"
)

var log = logging.L("session")

// StrategyTag identifies which backend produced a session.
type StrategyTag string

const (
	StrategyPortal           StrategyTag = "portal"
	StrategyDirectCompositor StrategyTag = "direct-compositor"
)

// PixelFormat of a captured stream.
type PixelFormat string

const (
	FormatBGRA PixelFormat = "BGRA"
	FormatBGRx PixelFormat = "BGRx"
	FormatYUV  PixelFormat = "YUV"
)

// Stream is one captured region (monitor or virtual). Born with the
// session, dies with it.
type Stream struct {
	NodeID       uint32
	Width        int
	Height       int
	Format       PixelFormat
	Stride       int
	MonitorIndex int
	// Position of this stream in the logical monitor layout, used for
	// client-space pointer coordinate transformation.
	X, Y int
}

// CaptureAccess is how the PipeWire ingest reaches the stream: either a
// portal-issued connection fd or a bare node id on the user socket.
type CaptureAccess struct {
	// FD is a PipeWire connection file descriptor, or -1 when the access
	// is by node id. Ownership transfers to the ingest.
	FD int
	// NodeID is set for direct-compositor access.
	NodeID uint32
}

// ByFD reports whether the access carries a portal connection fd.
func (c CaptureAccess) ByFD() bool { return c.FD >= 0 }

// ClipboardComponents exposes the portal clipboard surface of a session.
// Nil for strategies that cannot serve clipboard from the same grant; the
// orchestrator then opens a separate minimal portal session.
type ClipboardComponents interface {
	// SetSelection announces ownership with the given MIME types.
	SetSelection(ctx context.Context, mimeTypes []string) error
	// SelectionRead opens the current selection for reading.
	SelectionRead(ctx context.Context, mimeType string) ([]byte, error)
	// SelectionWrite answers a SelectionTransfer serial with data.
	SelectionWrite(ctx context.Context, serial uint32, data []byte) error
	// SelectionWriteDone signals transfer completion or failure.
	SelectionWriteDone(ctx context.Context, serial uint32, success bool) error
	// Signals delivers SelectionTransfer and SelectionOwnerChanged events.
	Signals() <-chan ClipboardSignal
}

// ClipboardSignalKind discriminates portal clipboard signals.
type ClipboardSignalKind int

const (
	// SignalSelectionTransfer: a local app reads the clipboard we own.
	SignalSelectionTransfer ClipboardSignalKind = iota
	// SignalOwnerChanged: another local app took clipboard ownership.
	SignalOwnerChanged
)

// ClipboardSignal is one portal clipboard event.
type ClipboardSignal struct {
	Kind      ClipboardSignalKind
	MimeType  string   // SelectionTransfer
	Serial    uint32   // SelectionTransfer
	MimeTypes []string // OwnerChanged
	IsOwner   bool     // OwnerChanged: whether this session is the new owner
}

// Handle is one active capture+input grant. Safe for concurrent use; a
// Handle exclusively owns the grant and releases it on Stop.
//
// Input injection is best-effort: errors are returned per call, logged by
// the caller, and never retried.
type Handle interface {
	Strategy() StrategyTag
	CaptureAccess() CaptureAccess
	Streams() []Stream

	InjectKey(keycode int32, pressed bool) error
	// InjectPointerMotionAbsolute positions the pointer in stream-native
	// coordinates. stream is the PipeWire node id — never a stream index,
	// which compositors accept silently without moving the cursor.
	InjectPointerMotionAbsolute(stream uint32, x, y float64) error
	InjectPointerButton(button int32, pressed bool) error
	InjectPointerAxis(dx, dy float64) error

	// Clipboard returns the clipboard components sharing this grant, or
	// nil when the strategy cannot serve clipboard.
	Clipboard() ClipboardComponents

	// Stop cancels the grant and all child resources. The handle must not
	// be used after Stop returns.
	Stop()
}

// Strategy creates sessions.
type Strategy interface {
	Tag() StrategyTag
	Create(ctx context.Context) (Handle, error)
}

var ErrNoStrategy = errors.New("session: no usable capture strategy")

// Select picks the strategy with the highest DirectCompositorAPI level
// compatible with the deployment, falling back to the portal. Strategy
// construction failure later is fatal for the connection, not the
// process.
func Select(reg *registry.Registry, tokens *tokenstore.Store) (Strategy, error) {
	direct := reg.Get(registry.DirectCompositorAPI)
	capture := reg.Get(registry.VideoCapture)

	if direct.Level == registry.Guaranteed {
		log.Info("selected direct compositor strategy", "reason", direct.Reason)
		return newMutterStrategy(), nil
	}
	if capture.Level >= registry.Degraded {
		log.Info("selected portal strategy", "reason", capture.Reason)
		return newPortalStrategy(tokens, reg.Level(registry.SessionPersistence) >= registry.BestEffort), nil
	}
	return nil, fmt.Errorf("%w: video capture is %s (%s)", ErrNoStrategy, capture.Level, capture.Reason)
}
