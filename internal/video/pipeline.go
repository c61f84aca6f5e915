// Package video is the hot path: damage-tracked encoding of captured
// frames into EGFX-ready H.264. One Pipeline runs per connection as a
// dedicated task; CPU-bound stages fan out over the worker pool, the
// encoders stay owned by the pipeline goroutine.
package video

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/lamco-admin/lamco-rdp/internal/logging"
	"github.com/lamco-admin/lamco-rdp/internal/pipewire"
	"github.com/lamco-admin/lamco-rdp/internal/rdp"
	"github.com/lamco-admin/lamco-rdp/internal/registry"
	"github.com/lamco-admin/lamco-rdp/internal/session"
	"github.com/lamco-admin/lamco-rdp/internal/workerpool"
)

var log = logging.L("video")

// failureWindow and failureLimit drive the codec fallback ladder:
// more than failureLimit encoder errors inside failureWindow downgrade
// AVC444 → AVC420 → RemoteFX.
const (
	failureWindow = time.Second
	failureLimit  = 3
)

// convertBands is the fan-out width for color conversion on the pool.
const convertBands = 4

// PipelineConfig configures one connection's frame pipeline.
type PipelineConfig struct {
	Stream         session.Stream
	SurfaceID      uint16
	Codec          Codec
	Bitrate        int
	TargetFPS      int
	PreferHardware bool
	Damage         DamageConfig
	AuxOmission    AuxOmissionConfig
}

// GraphicsFrame is the EGFX frame carrier queued for the graphics drain
// task. Exactly one of the codec fields is set.
type GraphicsFrame struct {
	AVC420   *rdp.Avc420Frame
	AVC444   *rdp.Avc444Frame
	RemoteFX *rdp.RemoteFXFrame
	ts       int64
	size     int
}

// FrameTimestampUS implements mux.GraphicsItem.
func (g GraphicsFrame) FrameTimestampUS() int64 { return g.ts }

// Size returns the encoded payload size in bytes.
func (g GraphicsFrame) Size() int { return g.size }

// Pipeline turns raw captured frames into GraphicsFrames.
type Pipeline struct {
	cfg  PipelineConfig
	reg  *registry.Registry
	pool *workerpool.Pool
	emit func(GraphicsFrame)

	codec     Codec
	damage    *DamageMap
	regulator *FrameRegulator
	packer    *Avc444Packer
	auxOmit   *AuxOmission
	matrix    ColorMatrix

	mainEnc *Encoder
	auxEnc  *Encoder

	yuv444  *YUV444
	conv420 *I420 // stream-sized conversion target
	i420    *I420 // padded encoder input

	forceIDR    bool
	wasOmitting bool
	failures    []time.Time

	metrics *PipelineMetrics
}

// NewPipeline builds the pipeline for a stream. emit pushes a finished
// frame onto the connection's graphics queue; it must not block beyond
// the queue's coalesce semantics.
func NewPipeline(cfg PipelineConfig, reg *registry.Registry, pool *workerpool.Pool, emit func(GraphicsFrame)) (*Pipeline, error) {
	if cfg.Stream.Width <= 0 || cfg.Stream.Height <= 0 {
		return nil, fmt.Errorf("video: stream has no geometry")
	}
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = 30
	}

	p := &Pipeline{
		cfg:       cfg,
		reg:       reg,
		pool:      pool,
		emit:      emit,
		codec:     cfg.Codec,
		damage:    NewDamageMap(cfg.Damage, cfg.Stream.Width, cfg.Stream.Height),
		regulator: NewFrameRegulator(cfg.TargetFPS),
		packer:    NewAvc444Packer(cfg.Stream.Width, cfg.Stream.Height),
		auxOmit:   NewAuxOmission(cfg.AuxOmission),
		matrix:    MatrixForResolution(cfg.Stream.Width, cfg.Stream.Height),
		forceIDR:  true,
		metrics:   newPipelineMetrics(),
	}

	if err := p.openEncoders(); err != nil {
		return nil, err
	}

	log.Info("frame pipeline ready",
		"codec", p.codec,
		"matrix", p.matrix.String(),
		"size", fmt.Sprintf("%dx%d", cfg.Stream.Width, cfg.Stream.Height),
		"encoder", p.mainEnc.BackendName(),
		"hardware", p.mainEnc.IsHardware(),
	)
	return p, nil
}

func (p *Pipeline) openEncoders() error {
	p.closeEncoders()

	padW, padH := p.packer.PaddedSize()
	encCfg := EncoderConfig{
		Width:   padW,
		Height:  padH,
		Bitrate: p.cfg.Bitrate,
		FPS:     p.cfg.TargetFPS,
		// Scene-cut IDRs desynchronize the AVC444 view pair unless the
		// return path forces aux IDRs anyway.
		SceneChangeDetect: p.codec != CodecAVC444 || p.cfg.AuxOmission.ForceIDROnReturn,
		PreferHardware:    p.cfg.PreferHardware,
	}

	switch p.codec {
	case CodecAVC444:
		main, err := NewEncoder(encCfg)
		if err != nil {
			return err
		}
		// Separate instance: shared DPB state would cross-contaminate the
		// main and aux reference chains.
		aux, err := NewEncoder(encCfg)
		if err != nil {
			main.Close()
			return err
		}
		p.mainEnc, p.auxEnc = main, aux
		p.yuv444 = NewYUV444(p.cfg.Stream.Width, p.cfg.Stream.Height)

	case CodecAVC420:
		main, err := NewEncoder(encCfg)
		if err != nil {
			return err
		}
		p.mainEnc = main
		p.conv420 = NewI420(p.cfg.Stream.Width, p.cfg.Stream.Height)
		p.i420 = newPaddedI420(padW, padH)

	case CodecRemoteFX:
		// RemoteFX bitmap coding happens in the RDP library; the pipeline
		// only rate-limits, damage-gates and hands over raw frames.
	default:
		return fmt.Errorf("%w: %s", ErrInvalidCodec, p.codec)
	}
	return nil
}

func (p *Pipeline) closeEncoders() {
	if p.mainEnc != nil {
		p.mainEnc.Close()
		p.mainEnc = nil
	}
	if p.auxEnc != nil {
		p.auxEnc.Close()
		p.auxEnc = nil
	}
}

// Metrics exposes the pipeline counters.
func (p *Pipeline) Metrics() *PipelineMetrics { return p.metrics }

// ForceKeyframe requests an IDR on the next encoded frame (client
// refresh request, frame ack timeout).
func (p *Pipeline) ForceKeyframe() { p.forceIDR = true }

// Run consumes frames until the channel closes or ctx is done.
func (p *Pipeline) Run(ctx context.Context, frames <-chan *pipewire.Frame) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer p.closeEncoders()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := p.metrics.Snapshot()
			log.Info("pipeline stats",
				"in", snap.FramesIn,
				"sent", snap.FramesSent,
				"clean", snap.FramesClean,
				"auxOmitted", snap.AuxOmitted,
				"bandwidthKBps", int(snap.BandwidthKBps),
			)
		case frame, ok := <-frames:
			if !ok {
				return
			}
			p.process(frame)
		}
	}
}

// process runs phases A–E for one frame. The raw buffer is released
// before returning regardless of outcome.
func (p *Pipeline) process(frame *pipewire.Frame) {
	defer frame.Release()
	p.metrics.recordIn()

	// Phase A: rate regulation.
	if !p.regulator.Admit() {
		p.metrics.recordRated()
		return
	}

	if frame.Width != p.cfg.Stream.Width || frame.Height != p.cfg.Stream.Height {
		log.Warn("frame geometry mismatch, dropping",
			"got", fmt.Sprintf("%dx%d", frame.Width, frame.Height),
			"want", fmt.Sprintf("%dx%d", p.cfg.Stream.Width, p.cfg.Stream.Height),
		)
		return
	}

	// Phase B: damage detection. Empty damage short-circuits before any
	// color conversion or encoding.
	var rects []image.Rectangle
	if p.cfg.Damage.Enabled {
		rects = p.damage.Diff(frame.Data, frame.Stride)
		if len(rects) == 0 {
			p.metrics.recordClean()
			return
		}
	} else {
		rects = p.damage.FullFrame()
	}

	var gf GraphicsFrame
	var err error
	switch p.codec {
	case CodecAVC444:
		gf, err = p.encodeAVC444(frame)
	case CodecAVC420:
		gf, err = p.encodeAVC420(frame)
	default:
		gf = p.packageRemoteFX(frame)
	}
	if err != nil {
		p.onEncodeError(err)
		return
	}
	if gf.AVC420 == nil && gf.AVC444 == nil && gf.RemoteFX == nil {
		return // rate-control skip
	}

	p.metrics.recordSent(gf.size)
	p.emit(gf)
	_ = rects // rects gate encoding; sub-frame dest rects arrive with EGFX partial updates
}

func (p *Pipeline) destRect() rdp.DestRect {
	return rdp.DestRect{
		Left:   0,
		Top:    0,
		Right:  uint16(p.cfg.Stream.Width),
		Bottom: uint16(p.cfg.Stream.Height),
	}
}

// encodeAVC444 runs phases C–E for the dual-stream codec.
func (p *Pipeline) encodeAVC444(frame *pipewire.Frame) (GraphicsFrame, error) {
	start := time.Now()
	p.convertYUV444(frame)
	p.metrics.recordConvert(time.Since(start))

	main, aux := p.packer.Pack(p.yuv444)

	encStart := time.Now()
	forceIDR := p.forceIDR
	mainPic, err := p.mainEnc.Encode(main, forceIDR)
	if err != nil {
		return GraphicsFrame{}, fmt.Errorf("main view: %w", err)
	}
	if mainPic.Skipped() {
		// Either view skipping invalidates the composite; emit nothing.
		return GraphicsFrame{}, nil
	}

	omit := p.auxOmit.ShouldOmit(aux)
	out := &rdp.Avc444Frame{
		SurfaceID:   p.cfg.SurfaceID,
		Dest:        p.destRect(),
		Main:        mainPic.Data,
		Keyframe:    mainPic.Keyframe,
		QP:          mainPic.QP,
		TimestampUS: frame.TimestampUS,
	}

	if omit {
		out.LC = rdp.LCLumaOnly
		p.wasOmitting = true
	} else {
		auxIDR := forceIDR || mainPic.Keyframe && p.cfg.AuxOmission.ForceIDROnReturn
		if p.wasOmitting && p.auxOmit.ReturnNeedsIDR() {
			auxIDR = true
		}
		p.wasOmitting = false

		auxPic, err := p.auxEnc.Encode(aux, auxIDR)
		if err != nil {
			return GraphicsFrame{}, fmt.Errorf("aux view: %w", err)
		}
		if auxPic.Skipped() {
			return GraphicsFrame{}, nil
		}
		out.LC = rdp.LCBothStreams
		out.Aux = auxPic.Data
		out.AuxKeyframe = auxPic.Keyframe
	}

	p.forceIDR = false
	size := len(out.Main) + len(out.Aux)
	p.metrics.recordEncode(time.Since(encStart), size, omit)

	return GraphicsFrame{AVC444: out, ts: frame.TimestampUS, size: size}, nil
}

// encodeAVC420 runs phases C–E for the single-stream codec.
func (p *Pipeline) encodeAVC420(frame *pipewire.Frame) (GraphicsFrame, error) {
	forceIDR := p.forceIDR

	// Hardware backends take BGRA directly and skip phase C.
	if pic, ok, err := p.mainEnc.EncodeBGRA(frame.Data, frame.Stride, forceIDR); ok {
		if err != nil {
			return GraphicsFrame{}, err
		}
		if pic.Skipped() {
			return GraphicsFrame{}, nil
		}
		p.forceIDR = false
		p.metrics.recordEncode(0, len(pic.Data), false)
		return GraphicsFrame{
			AVC420: &rdp.Avc420Frame{
				SurfaceID:   p.cfg.SurfaceID,
				Dest:        p.destRect(),
				Data:        pic.Data,
				Keyframe:    pic.Keyframe,
				QP:          pic.QP,
				TimestampUS: frame.TimestampUS,
			},
			ts:   frame.TimestampUS,
			size: len(pic.Data),
		}, nil
	}

	start := time.Now()
	p.convertI420(frame)
	p.metrics.recordConvert(time.Since(start))

	encStart := time.Now()
	pic, err := p.mainEnc.Encode(p.i420, forceIDR)
	if err != nil {
		return GraphicsFrame{}, err
	}
	if pic.Skipped() {
		return GraphicsFrame{}, nil
	}
	p.forceIDR = false
	p.metrics.recordEncode(time.Since(encStart), len(pic.Data), false)

	return GraphicsFrame{
		AVC420: &rdp.Avc420Frame{
			SurfaceID:   p.cfg.SurfaceID,
			Dest:        p.destRect(),
			Data:        pic.Data,
			Keyframe:    pic.Keyframe,
			QP:          pic.QP,
			TimestampUS: frame.TimestampUS,
		},
		ts:   frame.TimestampUS,
		size: len(pic.Data),
	}, nil
}

// packageRemoteFX hands the raw frame to the library's RemoteFX coder.
func (p *Pipeline) packageRemoteFX(frame *pipewire.Frame) GraphicsFrame {
	data := make([]byte, len(frame.Data))
	copy(data, frame.Data)
	p.metrics.recordEncode(0, len(data), false)
	return GraphicsFrame{
		RemoteFX: &rdp.RemoteFXFrame{
			SurfaceID:   p.cfg.SurfaceID,
			Dest:        p.destRect(),
			Data:        data,
			TimestampUS: frame.TimestampUS,
		},
		ts:   frame.TimestampUS,
		size: len(data),
	}
}

// convertYUV444 fans the BGRA→YUV444 conversion across the worker pool
// in row bands.
func (p *Pipeline) convertYUV444(frame *pipewire.Frame) {
	h := p.cfg.Stream.Height
	band := (h/convertBands + 1) &^ 1 // even band height
	p.pool.RunParallel(convertBands, func(i int) {
		y0 := i * band
		y1 := minInt(y0+band, h)
		if y0 >= y1 {
			return
		}
		BGRAToYUV444(frame.Data, frame.Stride, p.yuv444, p.matrix, y0, y1)
	})
}

func (p *Pipeline) convertI420(frame *pipewire.Frame) {
	h := p.cfg.Stream.Height
	band := (h/convertBands + 1) &^ 1
	p.pool.RunParallel(convertBands, func(i int) {
		y0 := i * band
		y1 := minInt(y0+band, h)
		if y0 >= y1 {
			return
		}
		BGRAToI420(frame.Data, frame.Stride, p.conv420, p.matrix, y0, y1)
	})
	blitI420(p.conv420, p.i420)
}

// blitI420 copies the stream-sized planes into the padded encoder input;
// the padding stays neutral from allocation.
func blitI420(src, dst *I420) {
	w, h := src.Width, src.Height
	pw := dst.Width
	for y := 0; y < h; y++ {
		copy(dst.Y[y*pw:y*pw+w], src.Y[y*w:(y+1)*w])
	}
	cw := (w + 1) / 2
	ch := (h + 1) / 2
	pcw := pw / 2
	for y := 0; y < ch; y++ {
		copy(dst.U[y*pcw:y*pcw+cw], src.U[y*cw:(y+1)*cw])
		copy(dst.V[y*pcw:y*pcw+cw], src.V[y*cw:(y+1)*cw])
	}
}

// onEncodeError logs, forces a keyframe, and rides the fallback ladder
// when failures cluster.
func (p *Pipeline) onEncodeError(err error) {
	p.metrics.recordFailure()
	p.forceIDR = true
	log.Warn("encode failed, forcing keyframe on next frame", "codec", p.codec, "error", err)

	now := time.Now()
	p.failures = append(p.failures, now)
	cutoff := now.Add(-failureWindow)
	kept := p.failures[:0]
	for _, t := range p.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.failures = kept

	if len(p.failures) <= failureLimit {
		return
	}
	p.failures = p.failures[:0]

	var next Codec
	switch p.codec {
	case CodecAVC444:
		next = CodecAVC420
	case CodecAVC420:
		next = CodecRemoteFX
	default:
		return
	}

	reason := fmt.Sprintf("%s disabled after repeated encoder failures", p.codec)
	log.Error("codec capability regression", "from", p.codec, "to", next, "error", err)
	if p.reg != nil {
		p.reg.Downgrade(registry.VideoCapture, registry.Degraded, reason)
	}

	p.codec = next
	p.damage.Reset()
	if err := p.openEncoders(); err != nil {
		log.Error("fallback encoder unavailable", "codec", next, "error", err)
	}
}
