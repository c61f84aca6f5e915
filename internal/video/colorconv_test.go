package video

import "testing"

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func bgraPixelFrame(w, h int, b, g, r byte) []byte {
	buf := make([]byte, w*h*4)
	for i := 0; i < w*h; i++ {
		buf[i*4+0] = b
		buf[i*4+1] = g
		buf[i*4+2] = r
		buf[i*4+3] = 0xFF
	}
	return buf
}

func TestMatrixSelection(t *testing.T) {
	if m := MatrixForResolution(1920, 1080); m != MatrixBT709 {
		t.Errorf("1080p matrix = %v, want BT.709", m)
	}
	if m := MatrixForResolution(1280, 720); m != MatrixBT709 {
		t.Errorf("720p matrix = %v, want BT.709", m)
	}
	if m := MatrixForResolution(640, 480); m != MatrixBT601 {
		t.Errorf("480p matrix = %v, want BT.601", m)
	}
}

func TestYUV444RoundTripPrimaries(t *testing.T) {
	// Solid primaries round-trip within ±2 per channel.
	colors := []struct {
		name    string
		b, g, r byte
	}{
		{"black", 0, 0, 0},
		{"white", 255, 255, 255},
		{"red", 0, 0, 255},
		{"green", 0, 255, 0},
		{"blue", 255, 0, 0},
	}

	for _, matrix := range []ColorMatrix{MatrixBT601, MatrixBT709} {
		for _, c := range colors {
			t.Run(matrix.String()+"/"+c.name, func(t *testing.T) {
				const w, h = 8, 8
				src := bgraPixelFrame(w, h, c.b, c.g, c.r)
				yuv := NewYUV444(w, h)
				BGRAToYUV444(src, w*4, yuv, matrix, 0, h)

				dst := make([]byte, w*h*4)
				YUV444ToBGRA(yuv, matrix, dst, w*4)

				for _, ch := range []struct {
					off  int
					want byte
				}{{0, c.b}, {1, c.g}, {2, c.r}} {
					got := dst[ch.off]
					if absInt(int(got)-int(ch.want)) > 2 {
						t.Errorf("channel +%d = %d, want %d ±2", ch.off, got, ch.want)
					}
				}
			})
		}
	}
}

func TestYUV444GrayIsNeutralChroma(t *testing.T) {
	const w, h = 4, 4
	src := bgraPixelFrame(w, h, 128, 128, 128)
	yuv := NewYUV444(w, h)
	BGRAToYUV444(src, w*4, yuv, MatrixBT601, 0, h)

	for i, u := range yuv.U {
		if absInt(int(u)-128) > 1 {
			t.Fatalf("U[%d] = %d, want ~128 for gray", i, u)
		}
	}
	for i, v := range yuv.V {
		if absInt(int(v)-128) > 1 {
			t.Fatalf("V[%d] = %d, want ~128 for gray", i, v)
		}
	}
}

func TestBGRAToI420ChromaBoxFilter(t *testing.T) {
	// A 2×2 checkerboard of red/blue: the single chroma sample must land
	// between the two extremes, not on either one (top-left-only sampling
	// is the classic shortcut bug).
	const w, h = 2, 2
	src := make([]byte, w*h*4)
	// (0,0) red, (1,0) blue, (0,1) blue, (1,1) red
	set := func(x, y int, b, g, r byte) {
		i := (y*w + x) * 4
		src[i], src[i+1], src[i+2], src[i+3] = b, g, r, 0xFF
	}
	set(0, 0, 0, 0, 255)
	set(1, 0, 255, 0, 0)
	set(0, 1, 255, 0, 0)
	set(1, 1, 0, 0, 255)

	dst := NewI420(w, h)
	BGRAToI420(src, w*4, dst, MatrixBT601, 0, h)

	// Red U≈90, blue U≈240; the average sits near 165.
	if u := int(dst.U[0]); absInt(u-165) > 6 {
		t.Errorf("U = %d, want ≈165 (box filter of red+blue)", u)
	}
}

func TestConversionIsRowBandSafe(t *testing.T) {
	// Converting in two bands must equal converting in one pass.
	const w, h = 16, 16
	src := make([]byte, w*h*4)
	for i := range src {
		src[i] = byte(i * 31)
	}

	whole := NewYUV444(w, h)
	BGRAToYUV444(src, w*4, whole, MatrixBT709, 0, h)

	banded := NewYUV444(w, h)
	BGRAToYUV444(src, w*4, banded, MatrixBT709, 0, h/2)
	BGRAToYUV444(src, w*4, banded, MatrixBT709, h/2, h)

	for i := range whole.Y {
		if whole.Y[i] != banded.Y[i] || whole.U[i] != banded.U[i] || whole.V[i] != banded.V[i] {
			t.Fatalf("banded conversion diverges at %d", i)
		}
	}
}

func TestStudioSwingClamps(t *testing.T) {
	const w, h = 2, 2
	src := bgraPixelFrame(w, h, 255, 255, 255)
	yuv := NewYUV444(w, h)
	BGRAToYUV444(src, w*4, yuv, MatrixBT601, 0, h)
	if yuv.Y[0] > 235 || yuv.Y[0] < 16 {
		t.Fatalf("Y = %d outside studio range", yuv.Y[0])
	}
}
