//go:build linux

package input

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/wayland-virtual-input-go/virtual_keyboard"
	"github.com/bnema/wayland-virtual-input-go/virtual_pointer"

	"github.com/lamco-admin/lamco-rdp/internal/session"
)

// WlrootsInjector injects input through the zwlr_virtual_pointer_v1 and
// zwp_virtual_keyboard_v1 protocols. Fallback for wlroots compositors
// whose portal lacks RemoteDesktop: no portal grant and no privileges
// required, but also no per-stream addressing — absolute motion is
// emulated with tracked relative moves on the primary stream.
type WlrootsInjector struct {
	pointerManager  *virtual_pointer.VirtualPointerManager
	pointer         *virtual_pointer.VirtualPointer
	keyboardManager *virtual_keyboard.VirtualKeyboardManager
	keyboard        *virtual_keyboard.VirtualKeyboard

	mu     sync.Mutex
	closed bool

	width, height float64
	curX, curY    float64
	positioned    bool
}

// NewWlrootsInjector connects virtual devices for the given primary
// stream geometry.
func NewWlrootsInjector(ctx context.Context, primary session.Stream) (*WlrootsInjector, error) {
	pointerManager, err := virtual_pointer.NewVirtualPointerManager(ctx)
	if err != nil {
		return nil, fmt.Errorf("virtual pointer manager: %w", err)
	}
	pointer, err := pointerManager.CreatePointer()
	if err != nil {
		pointerManager.Close()
		return nil, fmt.Errorf("virtual pointer: %w", err)
	}
	keyboardManager, err := virtual_keyboard.NewVirtualKeyboardManager(ctx)
	if err != nil {
		pointer.Close()
		pointerManager.Close()
		return nil, fmt.Errorf("virtual keyboard manager: %w", err)
	}
	keyboard, err := keyboardManager.CreateKeyboard()
	if err != nil {
		keyboardManager.Close()
		pointer.Close()
		pointerManager.Close()
		return nil, fmt.Errorf("virtual keyboard: %w", err)
	}

	log.Info("wlroots virtual input connected",
		"width", primary.Width, "height", primary.Height)

	return &WlrootsInjector{
		pointerManager:  pointerManager,
		pointer:         pointer,
		keyboardManager: keyboardManager,
		keyboard:        keyboard,
		width:           float64(primary.Width),
		height:          float64(primary.Height),
		curX:            float64(primary.Width) / 2,
		curY:            float64(primary.Height) / 2,
	}, nil
}

func (w *WlrootsInjector) InjectKey(keycode int32, pressed bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	state := virtual_keyboard.KeyStateReleased
	if pressed {
		state = virtual_keyboard.KeyStatePressed
	}
	return w.keyboard.Key(time.Now(), uint32(keycode), state)
}

func (w *WlrootsInjector) InjectPointerMotionAbsolute(_ uint32, x, y float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}

	// The wlr virtual pointer is relative-only; track position and emit
	// the delta.
	if !w.positioned {
		w.positioned = true
	}
	dx := x - w.curX
	dy := y - w.curY
	w.curX = clampFloat(x, 0, w.width-1)
	w.curY = clampFloat(y, 0, w.height-1)
	if dx == 0 && dy == 0 {
		return nil
	}
	w.pointer.MoveRelative(dx, dy)
	w.pointer.Frame()
	return nil
}

func (w *WlrootsInjector) InjectPointerButton(button int32, pressed bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	state := virtual_pointer.ButtonState(virtual_pointer.BUTTON_STATE_RELEASED)
	if pressed {
		state = virtual_pointer.ButtonState(virtual_pointer.BUTTON_STATE_PRESSED)
	}
	w.pointer.Button(time.Now(), uint32(button), state)
	w.pointer.Frame()
	return nil
}

func (w *WlrootsInjector) InjectPointerAxis(dx, dy float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if dy != 0 {
		w.pointer.ScrollVertical(dy)
	}
	if dx != 0 {
		w.pointer.ScrollHorizontal(dx)
	}
	w.pointer.Frame()
	return nil
}

// Close releases the virtual devices.
func (w *WlrootsInjector) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	for _, c := range []interface{ Close() error }{
		w.keyboard, w.keyboardManager, w.pointer, w.pointerManager,
	} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
