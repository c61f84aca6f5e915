//go:build !cgo || !linux

package pipewire

import (
	"errors"

	"github.com/lamco-admin/lamco-rdp/internal/session"
)

// ErrNotSupported is returned when the binary was built without cgo and
// thus without the libpipewire client.
var ErrNotSupported = errors.New("pipewire: capture requires a cgo build with libpipewire-0.3")

// RawFrame mirrors the cgo definition for nocgo builds.
type RawFrame struct {
	Data        []byte
	Size        int
	Width       int
	Height      int
	Stride      int
	Format      session.PixelFormat
	BufferType  BufferType
	TimestampUS int64
}

// Stream is unavailable without cgo.
type Stream struct{}

func Connect(session.CaptureAccess, func(RawFrame), func(string)) (*Stream, error) {
	return nil, ErrNotSupported
}

func (s *Stream) Iterate() error { return ErrNotSupported }

func (s *Stream) Close() {}
