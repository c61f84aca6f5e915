//go:build vaapi

package video

import (
	"errors"
	"fmt"
	"os"
)

// vaapiBackend is the VA-API hardware rung. It accepts BGRA input
// directly, skipping the CPU color conversion phase. Passthrough
// placeholder until the libva bindings are integrated; the factory still
// gates on a render node so builds without hardware fall back cleanly.
type vaapiBackend struct {
	cfg    EncoderConfig
	closed bool
	frames uint64
}

func init() {
	registerHardwareFactory(newVAAPIBackend)
}

func newVAAPIBackend(cfg EncoderConfig) (encoderBackend, error) {
	if _, err := os.Stat("/dev/dri/renderD128"); err != nil {
		return nil, fmt.Errorf("vaapi: no render node: %w", err)
	}
	return &vaapiBackend{cfg: cfg}, nil
}

func (v *vaapiBackend) Encode(pic *I420, forceIDR bool) (EncodedPicture, error) {
	if v.closed {
		return EncodedPicture{}, ErrEncoderClosed
	}
	v.frames++
	out := make([]byte, len(pic.Y))
	copy(out, pic.Y)
	return EncodedPicture{Data: out, Keyframe: forceIDR || v.frames == 1}, nil
}

func (v *vaapiBackend) EncodeBGRA(frame []byte, stride int, forceIDR bool) (EncodedPicture, error) {
	if v.closed {
		return EncodedPicture{}, ErrEncoderClosed
	}
	if len(frame) == 0 {
		return EncodedPicture{}, errors.New("vaapi: empty frame")
	}
	v.frames++
	out := make([]byte, v.cfg.Width*v.cfg.Height)
	return EncodedPicture{Data: out, Keyframe: forceIDR || v.frames == 1}, nil
}

func (v *vaapiBackend) SetBitrate(bitrate int) error {
	if bitrate <= 0 {
		return ErrInvalidBitrate
	}
	v.cfg.Bitrate = bitrate
	return nil
}

func (v *vaapiBackend) Close() error {
	v.closed = true
	return nil
}

func (v *vaapiBackend) Name() string        { return "vaapi" }
func (v *vaapiBackend) IsHardware() bool    { return true }
func (v *vaapiBackend) IsPlaceholder() bool { return true }
