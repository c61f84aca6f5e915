package pipewire

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lamco-admin/lamco-rdp/internal/session"
)

// pollInterval paces the non-blocking loop iterations. A blocking wait
// shows ±10 ms wakeup jitter under load; a short non-blocking poll keeps
// frame latency flat at the cost of a few idle wakeups.
const pollInterval = 5 * time.Millisecond

// IngestConfig configures one capture ingest.
type IngestConfig struct {
	Access session.CaptureAccess
	Stream session.Stream
	// QueueDepth is the frame channel capacity. When the pipeline falls
	// behind, new frames are dropped: the next capture is better than a
	// backlog.
	QueueDepth int
}

// Ingest pulls frames from one PipeWire stream into a bounded channel.
type Ingest struct {
	cfg    IngestConfig
	frames chan *Frame
	pool   *framePool

	delivered atomic.Uint64
	dropped   atomic.Uint64
	empties   atomic.Uint64

	streamErr atomic.Value // string
}

// NewIngest creates the ingest for a stream descriptor.
func NewIngest(cfg IngestConfig) *Ingest {
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 2
	}
	return &Ingest{
		cfg:    cfg,
		frames: make(chan *Frame, cfg.QueueDepth),
		pool:   newFramePool(),
	}
}

// Frames is the pipeline's intake channel.
func (in *Ingest) Frames() <-chan *Frame { return in.frames }

// Stats returns delivered and dropped frame counts.
func (in *Ingest) Stats() (delivered, dropped uint64) {
	return in.delivered.Load(), in.dropped.Load()
}

// Run polls the PipeWire loop until ctx is done or the stream dies. One
// reconnection is attempted on stream error; a second failure reports
// the stream as dead.
func (in *Ingest) Run(ctx context.Context) error {
	attempts := 0
	for {
		err := in.runOnce(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		attempts++
		if attempts > 1 {
			log.Error("capture stream dead",
				"nodeId", in.cfg.Stream.NodeID,
				"error", err,
			)
			return fmt.Errorf("stream %d dead: %w", in.cfg.Stream.NodeID, err)
		}
		log.Warn("capture stream error, reconnecting once",
			"nodeId", in.cfg.Stream.NodeID,
			"error", err,
		)
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (in *Ingest) runOnce(ctx context.Context) error {
	in.streamErr.Store("")
	stream, err := Connect(in.cfg.Access,
		in.onFrame,
		func(msg string) { in.streamErr.Store(msg) },
	)
	if err != nil {
		return err
	}
	defer stream.Close()

	log.Info("capture stream connected",
		"nodeId", in.cfg.Stream.NodeID,
		"byFd", in.cfg.Access.ByFD(),
	)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := stream.Iterate(); err != nil {
				if msg, _ := in.streamErr.Load().(string); msg != "" {
					return fmt.Errorf("%s", msg)
				}
				return err
			}
		}
	}
}

// onFrame runs inside the PipeWire loop iteration: copy out, never block.
func (in *Ingest) onFrame(raw RawFrame) {
	if raw.Size == 0 || raw.Data == nil {
		// Normal early-stream signal while the producer warms up.
		in.empties.Add(1)
		log.Debug("empty capture buffer",
			"nodeId", in.cfg.Stream.NodeID,
			"bufferType", raw.BufferType.String(),
		)
		return
	}

	width, height := raw.Width, raw.Height
	if width == 0 {
		width = in.cfg.Stream.Width
		height = in.cfg.Stream.Height
	}
	stride := raw.Stride
	if stride <= 0 && width > 0 {
		stride = width * 4
	}

	frame := in.pool.get(raw.Size)
	copy(frame.Data, raw.Data)
	frame.Width = width
	frame.Height = height
	frame.Stride = stride
	frame.Format = raw.Format
	frame.BufferType = raw.BufferType
	frame.TimestampUS = raw.TimestampUS

	select {
	case in.frames <- frame:
		in.delivered.Add(1)
	default:
		// Consumer is behind; drop the new frame rather than queue stale
		// ones.
		frame.Release()
		in.dropped.Add(1)
	}
}
