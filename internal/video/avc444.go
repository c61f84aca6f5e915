package video

// AVC444 dual-stream packing: full-chroma YUV444 is split into two
// independent YUV420 pictures that any baseline H.264 encoder can emit
// and a conformant MS-RDPEGFX client recomposes into 4:4:4.
//
//   main view: full Y, U and V box-filtered 2×2.
//   aux view:  the chroma samples 4:2:0 discards. Per 2×2 block at even
//     origin, the three positions with an odd coordinate carry their
//     U444 sample in the aux Y plane (even-even stays neutral 128); the
//     aux U plane carries the block's top-right odd V444 sample; the aux
//     V plane is neutral 128.
//
// Both pictures are padded to multiples of 16 with neutral YUV; the EGFX
// destination rectangle crops back to the true stream size.

const neutralChroma = 128

// neutralLuma pads the Y plane; studio-swing black.
const neutralLuma = 16

// Avc444Packer packs YUV444 frames for one stream geometry.
type Avc444Packer struct {
	width, height int
	padW, padH    int
}

// NewAvc444Packer creates a packer; pad dimensions round up to 16.
func NewAvc444Packer(width, height int) *Avc444Packer {
	return &Avc444Packer{
		width:  width,
		height: height,
		padW:   alignUp(width, 16),
		padH:   alignUp(height, 16),
	}
}

// PaddedSize returns the encode dimensions.
func (p *Avc444Packer) PaddedSize() (int, int) { return p.padW, p.padH }

// Pack produces the main and auxiliary 4:2:0 pictures.
func (p *Avc444Packer) Pack(src *YUV444) (main, aux *I420) {
	main = newPaddedI420(p.padW, p.padH)
	aux = newPaddedI420(p.padW, p.padH)

	w, h := p.width, p.height
	pw := p.padW
	cw := pw / 2

	// Main Y: copy; main U/V: 2×2 box filter with rounding.
	for y := 0; y < h; y++ {
		copy(main.Y[y*pw:y*pw+w], src.Y[y*w:(y+1)*w])
	}
	for cy := 0; cy < (h+1)/2; cy++ {
		for cx := 0; cx < (w+1)/2; cx++ {
			x := cx * 2
			y := cy * 2
			main.U[cy*cw+cx] = boxFilter(src.U, w, h, x, y)
			main.V[cy*cw+cx] = boxFilter(src.V, w, h, x, y)
		}
	}

	// Aux Y: U444 at positions with an odd coordinate, neutral elsewhere.
	for y := 0; y < h; y++ {
		row := y * pw
		srow := y * w
		for x := 0; x < w; x++ {
			if x%2 == 1 || y%2 == 1 {
				aux.Y[row+x] = src.U[srow+x]
			} else {
				aux.Y[row+x] = neutralChroma
			}
		}
	}

	// Aux U: the top-right odd V444 sample of each 2×2 block.
	for cy := 0; cy < (h+1)/2; cy++ {
		for cx := 0; cx < (w+1)/2; cx++ {
			x := cx*2 + 1
			y := cy * 2
			if x >= w {
				x = w - 1
			}
			aux.U[cy*cw+cx] = src.V[y*w+x]
		}
	}
	// Aux V stays neutral 128.

	return main, aux
}

// Unpack recomposes YUV444 from a main+aux pair, cropping padding. This
// is the client-side inverse used to validate the packing against the
// reference recomposition; chroma recovers within ±3.
func Unpack(main, aux *I420, width, height int) *YUV444 {
	out := NewYUV444(width, height)
	pw := main.Width
	cw := pw / 2

	for y := 0; y < height; y++ {
		copy(out.Y[y*width:(y+1)*width], main.Y[y*pw:y*pw+width])
	}

	for cy := 0; cy < (height+1)/2; cy++ {
		for cx := 0; cx < (width+1)/2; cx++ {
			x := cx * 2
			y := cy * 2

			// U: three odd-coordinate samples come straight from aux Y; the
			// even-even sample is recovered from the main-view average.
			var known [3]int
			n := 0
			for _, pos := range [3][2]int{{x + 1, y}, {x, y + 1}, {x + 1, y + 1}} {
				px, py := pos[0], pos[1]
				if px < width && py < height {
					v := int(aux.Y[py*pw+px])
					out.U[py*width+px] = byte(v)
					known[n] = v
					n++
				}
			}
			avg := int(main.U[cy*cw+cx])
			sum := 0
			for i := 0; i < n; i++ {
				sum += known[i]
			}
			ee := (n+1)*avg - sum
			out.U[y*width+x] = clampByte(ee)

			// V: the top-right sample is exact from aux U; the remaining
			// positions share the residue of the main-view average.
			tr := int(aux.U[cy*cw+cx])
			vAvg := int(main.V[cy*cw+cx])
			if x+1 < width {
				out.V[y*width+x+1] = byte(tr)
			}
			rest := clampByte((4*vAvg - tr + 1) / 3)
			out.V[y*width+x] = rest
			if y+1 < height {
				out.V[(y+1)*width+x] = rest
				if x+1 < width {
					out.V[(y+1)*width+x+1] = rest
				}
			}
			if x+1 >= width {
				out.V[y*width+x] = byte(tr)
			}
		}
	}
	return out
}

// boxFilter averages the in-bounds samples of the 2×2 block at (x,y),
// rounding half up.
func boxFilter(plane []byte, w, h, x, y int) byte {
	sum, n := 0, 0
	for dy := 0; dy < 2 && y+dy < h; dy++ {
		for dx := 0; dx < 2 && x+dx < w; dx++ {
			sum += int(plane[(y+dy)*w+x+dx])
			n++
		}
	}
	return byte((sum + n/2) / n)
}

// newPaddedI420 allocates planes pre-filled with neutral YUV so padding
// never bleeds color into the visible area after encoding.
func newPaddedI420(w, h int) *I420 {
	p := NewI420(w, h)
	for i := range p.Y {
		p.Y[i] = neutralLuma
	}
	for i := range p.U {
		p.U[i] = neutralChroma
	}
	for i := range p.V {
		p.V[i] = neutralChroma
	}
	return p
}

func alignUp(v, a int) int {
	return (v + a - 1) / a * a
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// AuxOmissionConfig tunes the aux-skip schedule.
type AuxOmissionConfig struct {
	Enabled          bool
	ChangeThreshold  float64 // fraction of changed aux samples below which aux is omitted
	MaxInterval      int     // max frames between transmitted aux views
	ForceIDROnReturn bool
}

// AuxOmission decides per frame whether the auxiliary view can be
// skipped (LC = luma only). Desktop content skips ≈90% of aux frames.
type AuxOmission struct {
	cfg           AuxOmissionConfig
	lastY         []byte
	lastU         []byte
	sinceLastSent int
	omitted       uint64
	considered    uint64
}

// NewAuxOmission creates the omission tracker.
func NewAuxOmission(cfg AuxOmissionConfig) *AuxOmission {
	return &AuxOmission{cfg: cfg}
}

// ShouldOmit reports whether this frame's aux view may be skipped, and
// records the decision. The first aux is always sent.
func (a *AuxOmission) ShouldOmit(aux *I420) bool {
	a.considered++
	if !a.cfg.Enabled {
		a.remember(aux)
		return false
	}
	if a.lastY == nil {
		a.remember(aux)
		a.sinceLastSent = 0
		return false
	}
	if a.sinceLastSent >= a.cfg.MaxInterval {
		a.remember(aux)
		a.sinceLastSent = 0
		return false
	}

	changed := sampleDiffRatio(a.lastY, aux.Y) // aux Y carries most chroma detail
	if changed < 1 {                           // only bother with U when Y alone is not conclusive
		changed = maxFloat(changed, sampleDiffRatio(a.lastU, aux.U))
	}
	if changed <= a.cfg.ChangeThreshold {
		a.sinceLastSent++
		a.omitted++
		return true
	}

	a.remember(aux)
	a.sinceLastSent = 0
	return false
}

// ReturnNeedsIDR reports whether an aux keyframe must be forced when aux
// transmission resumes.
func (a *AuxOmission) ReturnNeedsIDR() bool {
	return a.cfg.ForceIDROnReturn
}

// Stats returns frames considered and aux views omitted.
func (a *AuxOmission) Stats() (considered, omitted uint64) {
	return a.considered, a.omitted
}

func (a *AuxOmission) remember(aux *I420) {
	a.lastY = append(a.lastY[:0], aux.Y...)
	a.lastU = append(a.lastU[:0], aux.U...)
}

// sampleDiffRatio returns the fraction of samples differing by more than
// a small dead zone (encoder noise).
func sampleDiffRatio(prev, cur []byte) float64 {
	if len(prev) != len(cur) || len(cur) == 0 {
		return 1
	}
	const deadZone = 2
	diff := 0
	for i := range cur {
		d := int(cur[i]) - int(prev[i])
		if d < -deadZone || d > deadZone {
			diff++
		}
	}
	return float64(diff) / float64(len(cur))
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
