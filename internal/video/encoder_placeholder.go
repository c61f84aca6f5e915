//go:build !cgo

package video

// placeholderBackend keeps nocgo builds (CI cross-compiles, unit tests)
// structurally functional: output is the raw luma plane, not H.264.
type placeholderBackend struct {
	cfg    EncoderConfig
	closed bool
	frames uint64
}

func newSoftwareBackend(cfg EncoderConfig) (encoderBackend, error) {
	return &placeholderBackend{cfg: cfg}, nil
}

func (p *placeholderBackend) Encode(pic *I420, forceIDR bool) (EncodedPicture, error) {
	if p.closed {
		return EncodedPicture{}, ErrEncoderClosed
	}
	p.frames++
	out := make([]byte, len(pic.Y))
	copy(out, pic.Y)
	return EncodedPicture{Data: out, Keyframe: forceIDR || p.frames == 1}, nil
}

func (p *placeholderBackend) SetBitrate(bitrate int) error {
	if bitrate <= 0 {
		return ErrInvalidBitrate
	}
	p.cfg.Bitrate = bitrate
	return nil
}

func (p *placeholderBackend) Close() error {
	p.closed = true
	return nil
}

func (p *placeholderBackend) Name() string        { return "placeholder" }
func (p *placeholderBackend) IsHardware() bool    { return false }
func (p *placeholderBackend) IsPlaceholder() bool { return true }
