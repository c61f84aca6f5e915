package video

// YUV conversion with studio-swing matrices, fixed-point with rounding:
// the +0.5 rounding bias is folded into the integer +128 before the >>8.
// BT.709 for streams 720p and larger, BT.601 below; anything else shifts
// desktop colors visibly on saturated UI themes.

// ColorMatrix selects the RGB→YUV coefficient set.
type ColorMatrix int

const (
	MatrixBT601 ColorMatrix = iota
	MatrixBT709
)

// MatrixForResolution picks BT.709 for ≥720p, BT.601 below.
func MatrixForResolution(width, height int) ColorMatrix {
	if height >= 720 || width >= 1280 {
		return MatrixBT709
	}
	return MatrixBT601
}

func (m ColorMatrix) String() string {
	if m == MatrixBT709 {
		return "BT.709"
	}
	return "BT.601"
}

// coefficient sets, Q8 fixed point, studio swing (Y 16..235, C 16..240).
type yuvCoeffs struct {
	yr, yg, yb int
	ur, ug, ub int
	vr, vg, vb int
}

var coeffs601 = yuvCoeffs{
	yr: 66, yg: 129, yb: 25,
	ur: -38, ug: -74, ub: 112,
	vr: 112, vg: -94, vb: -18,
}

var coeffs709 = yuvCoeffs{
	yr: 47, yg: 157, yb: 16,
	ur: -26, ug: -87, ub: 112,
	vr: 112, vg: -102, vb: -10,
}

func (m ColorMatrix) coeffs() yuvCoeffs {
	if m == MatrixBT709 {
		return coeffs709
	}
	return coeffs601
}

// YUV444 holds full-resolution planes for AVC444 packing.
type YUV444 struct {
	Y, U, V []byte
	Width   int
	Height  int
}

// NewYUV444 allocates planes for the given size.
func NewYUV444(width, height int) *YUV444 {
	n := width * height
	return &YUV444{
		Y:      make([]byte, n),
		U:      make([]byte, n),
		V:      make([]byte, n),
		Width:  width,
		Height: height,
	}
}

// I420 holds 4:2:0 planes in encoder input layout.
type I420 struct {
	Y, U, V []byte
	Width   int
	Height  int
}

// NewI420 allocates planes; chroma dimensions round up for odd sizes.
func NewI420(width, height int) *I420 {
	cw := (width + 1) / 2
	ch := (height + 1) / 2
	return &I420{
		Y:      make([]byte, width*height),
		U:      make([]byte, cw*ch),
		V:      make([]byte, cw*ch),
		Width:  width,
		Height: height,
	}
}

// BGRAToYUV444 converts the rows [y0,y1) of a BGRA buffer into the
// destination planes. Row-banded so the worker pool can fan it out.
func BGRAToYUV444(bgra []byte, stride int, dst *YUV444, matrix ColorMatrix, y0, y1 int) {
	c := matrix.coeffs()
	w := dst.Width
	for y := y0; y < y1; y++ {
		rowOff := y * stride
		planeOff := y * w
		for x := 0; x < w; x++ {
			pi := rowOff + x*4
			b := int(bgra[pi+0])
			g := int(bgra[pi+1])
			r := int(bgra[pi+2])

			dst.Y[planeOff+x] = clampY((c.yr*r + c.yg*g + c.yb*b + 128) >> 8)
			dst.U[planeOff+x] = clampC((c.ur*r + c.ug*g + c.ub*b + 128) >> 8)
			dst.V[planeOff+x] = clampC((c.vr*r + c.vg*g + c.vb*b + 128) >> 8)
		}
	}
}

// BGRAToI420 converts rows [y0,y1) into 4:2:0 planes, averaging each 2×2
// chroma block. y0/y1 must be even (band boundaries align to chroma rows).
func BGRAToI420(bgra []byte, stride int, dst *I420, matrix ColorMatrix, y0, y1 int) {
	c := matrix.coeffs()
	w := dst.Width
	h := dst.Height
	cw := (w + 1) / 2
	for y := y0; y < y1; y++ {
		rowOff := y * stride
		planeOff := y * w
		for x := 0; x < w; x++ {
			pi := rowOff + x*4
			b := int(bgra[pi+0])
			g := int(bgra[pi+1])
			r := int(bgra[pi+2])
			dst.Y[planeOff+x] = clampY((c.yr*r + c.yg*g + c.yb*b + 128) >> 8)
		}

		if y%2 != 0 {
			continue
		}
		cRow := (y / 2) * cw
		for x := 0; x < w; x += 2 {
			// Box filter over the (clipped) 2×2 block.
			var rs, gs, bs, n int
			for dy := 0; dy < 2 && y+dy < h; dy++ {
				for dx := 0; dx < 2 && x+dx < w; dx++ {
					pi := (y+dy)*stride + (x+dx)*4
					bs += int(bgra[pi+0])
					gs += int(bgra[pi+1])
					rs += int(bgra[pi+2])
					n++
				}
			}
			r := (rs + n/2) / n
			g := (gs + n/2) / n
			b := (bs + n/2) / n
			dst.U[cRow+x/2] = clampC((c.ur*r + c.ug*g + c.ub*b + 128) >> 8)
			dst.V[cRow+x/2] = clampC((c.vr*r + c.vg*g + c.vb*b + 128) >> 8)
		}
	}
}

// YUV444ToBGRA is the inverse transform, used by round-trip tests and the
// DIB clipboard converter.
func YUV444ToBGRA(src *YUV444, matrix ColorMatrix, dst []byte, stride int) {
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			i := y*src.Width + x
			r, g, b := yuvToRGB(int(src.Y[i]), int(src.U[i]), int(src.V[i]), matrix)
			pi := y*stride + x*4
			dst[pi+0] = byte(b)
			dst[pi+1] = byte(g)
			dst[pi+2] = byte(r)
			dst[pi+3] = 0xFF
		}
	}
}

// yuvToRGB undoes the studio-swing transform with float math and +0.5
// rounding; accuracy matters more than speed off the hot path.
func yuvToRGB(yv, uv, vv int, matrix ColorMatrix) (int, int, int) {
	yf := float64(yv-16) * 255.0 / 219.0
	uf := float64(uv-128) * 255.0 / 224.0
	vf := float64(vv-128) * 255.0 / 224.0

	var kr, kb float64
	if matrix == MatrixBT709 {
		kr, kb = 0.2126, 0.0722
	} else {
		kr, kb = 0.299, 0.114
	}
	kg := 1 - kr - kb

	r := yf + 2*(1-kr)*vf
	b := yf + 2*(1-kb)*uf
	g := (yf - kr*r - kb*b) / kg

	return clamp255(r + 0.5), clamp255(g + 0.5), clamp255(b + 0.5)
}

func clampY(v int) byte {
	v += 16
	if v < 16 {
		return 16
	}
	if v > 235 {
		return 235
	}
	return byte(v)
}

func clampC(v int) byte {
	v += 128
	if v < 16 {
		return 16
	}
	if v > 240 {
		return 240
	}
	return byte(v)
}

func clamp255(v float64) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return int(v)
}
