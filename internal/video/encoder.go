package video

import (
	"errors"
	"fmt"
	"sync"
)

// Codec identifies the EGFX codec rung in use.
type Codec string

const (
	CodecRemoteFX Codec = "remotefx"
	CodecAVC420   Codec = "avc420"
	CodecAVC444   Codec = "avc444"
)

var (
	ErrInvalidCodec   = errors.New("invalid codec")
	ErrInvalidBitrate = errors.New("invalid bitrate")
	ErrEncoderClosed  = errors.New("encoder closed")
)

// EncoderConfig configures one encoder instance. AVC444 uses two
// instances (main and aux) with identical configs; shared DPB state
// would cross-contaminate the views.
type EncoderConfig struct {
	Width   int
	Height  int
	Bitrate int
	FPS     int
	// SceneChangeDetect enables the encoder's scene-cut IDR insertion.
	// Disabled for AVC444 unless aux-return IDRs are forced, because a
	// scene cut detected in only one view desynchronizes the pair.
	SceneChangeDetect bool
	PreferHardware    bool
}

// EncodedPicture is one encoder output. Empty Data means the encoder
// skipped the frame (rate control); for AVC444 a skip in either view
// suppresses the whole composite.
type EncodedPicture struct {
	Data     []byte
	Keyframe bool
	QP       uint8
}

// Skipped reports a rate-control skip.
func (p EncodedPicture) Skipped() bool { return len(p.Data) == 0 }

// encoderBackend is one H.264 implementation. Not goroutine-safe; the
// pipeline task owns it exclusively.
type encoderBackend interface {
	Encode(pic *I420, forceIDR bool) (EncodedPicture, error)
	SetBitrate(bitrate int) error
	Close() error
	Name() string
	IsHardware() bool
	IsPlaceholder() bool
}

// bgraBackend is implemented by hardware backends that take BGRA frames
// directly, skipping the CPU color conversion phase.
type bgraBackend interface {
	EncodeBGRA(frame []byte, stride int, forceIDR bool) (EncodedPicture, error)
}

type backendFactory func(cfg EncoderConfig) (encoderBackend, error)

var (
	hardwareFactoriesMu sync.Mutex
	hardwareFactories   []backendFactory
)

func registerHardwareFactory(factory backendFactory) {
	hardwareFactoriesMu.Lock()
	defer hardwareFactoriesMu.Unlock()
	hardwareFactories = append(hardwareFactories, factory)
}

// Encoder is the facade over one backend instance.
type Encoder struct {
	mu      sync.Mutex
	cfg     EncoderConfig
	backend encoderBackend
}

// NewEncoder creates an encoder, preferring registered hardware
// factories when cfg.PreferHardware is set.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Bitrate <= 0 {
		return nil, ErrInvalidBitrate
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	return &Encoder{cfg: cfg, backend: backend}, nil
}

// Encode encodes one I420 picture.
func (e *Encoder) Encode(pic *I420, forceIDR bool) (EncodedPicture, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend == nil {
		return EncodedPicture{}, ErrEncoderClosed
	}
	return e.backend.Encode(pic, forceIDR)
}

// EncodeBGRA bypasses color conversion on capable hardware backends.
// Returns false when the backend needs I420 input.
func (e *Encoder) EncodeBGRA(frame []byte, stride int, forceIDR bool) (EncodedPicture, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend == nil {
		return EncodedPicture{}, false, ErrEncoderClosed
	}
	if hw, ok := e.backend.(bgraBackend); ok {
		pic, err := hw.EncodeBGRA(frame, stride, forceIDR)
		return pic, true, err
	}
	return EncodedPicture{}, false, nil
}

// SetBitrate retunes the rate controller.
func (e *Encoder) SetBitrate(bitrate int) error {
	if bitrate <= 0 {
		return ErrInvalidBitrate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend == nil {
		return ErrEncoderClosed
	}
	if err := e.backend.SetBitrate(bitrate); err != nil {
		return err
	}
	e.cfg.Bitrate = bitrate
	return nil
}

// BackendName reports the active backend for logging.
func (e *Encoder) BackendName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend == nil {
		return ""
	}
	return e.backend.Name()
}

// IsHardware reports whether frames go to a hardware encoder.
func (e *Encoder) IsHardware() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend != nil && e.backend.IsHardware()
}

// IsPlaceholder reports a build without a real encoder (no cgo).
func (e *Encoder) IsPlaceholder() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend == nil || e.backend.IsPlaceholder()
}

// Close releases the backend.
func (e *Encoder) Close() error {
	e.mu.Lock()
	backend := e.backend
	e.backend = nil
	e.mu.Unlock()
	if backend == nil {
		return nil
	}
	return backend.Close()
}

func newBackend(cfg EncoderConfig) (encoderBackend, error) {
	if cfg.PreferHardware {
		if backend := tryHardware(cfg); backend != nil {
			return backend, nil
		}
	}
	return newSoftwareBackend(cfg)
}

func tryHardware(cfg EncoderConfig) encoderBackend {
	hardwareFactoriesMu.Lock()
	factories := append([]backendFactory(nil), hardwareFactories...)
	hardwareFactoriesMu.Unlock()
	for _, factory := range factories {
		backend, err := factory(cfg)
		if err == nil && backend != nil {
			return backend
		}
	}
	return nil
}
