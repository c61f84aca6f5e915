package rdp

// EGFX codec ids (MS-RDPEGFX RDPGFX_CODECID).
const (
	CodecIDUncompressed = 0x0000
	CodecIDRemoteFX     = 0x0003
	CodecIDAvc420       = 0x000B
	CodecIDAvc444       = 0x000E
	CodecIDAvc444v2     = 0x000F
)

// LCField is the 2-bit AVC444 stream descriptor: which of the two YUV420
// bitstreams are present in this frame.
type LCField uint8

const (
	// LCBothStreams: luma (main) followed by chroma (auxiliary).
	LCBothStreams LCField = 0
	// LCLumaOnly: only the main stream; the client reuses the last aux.
	LCLumaOnly LCField = 1
	// LCChromaOnly: only the auxiliary stream.
	LCChromaOnly LCField = 2
)

// DestRect is the destination rectangle within the EGFX surface. For
// padded encodes it crops the frame back to the true stream size.
type DestRect struct {
	Left, Top, Right, Bottom uint16
}

// Width returns the rectangle width in pixels.
func (r DestRect) Width() int { return int(r.Right) - int(r.Left) }

// Height returns the rectangle height in pixels.
func (r DestRect) Height() int { return int(r.Bottom) - int(r.Top) }

// Avc420Frame is a single-stream H.264 frame ready for the library's
// RFX_AVC420_BITMAP_STREAM encoding.
type Avc420Frame struct {
	SurfaceID uint16
	Dest      DestRect
	Data      []byte
	Keyframe  bool
	QP        uint8
	// TimestampUS is the capture timestamp in monotonic microseconds;
	// frames are never reordered relative to it.
	TimestampUS int64
}

// Avc444Frame is a dual-stream frame for RFX_AVC444_BITMAP_STREAM. Aux is
// nil iff LC == LCLumaOnly. Main and Aux always carry the same timestamp
// and originate from the same encoder family; the composite is invalid
// otherwise.
type Avc444Frame struct {
	SurfaceID   uint16
	Dest        DestRect
	LC          LCField
	Main        []byte
	Aux         []byte
	Keyframe    bool
	AuxKeyframe bool
	QP          uint8
	TimestampUS int64
}

// RemoteFXFrame is the lowest rung of the codec fallback ladder.
type RemoteFXFrame struct {
	SurfaceID   uint16
	Dest        DestRect
	Data        []byte
	TimestampUS int64
}
