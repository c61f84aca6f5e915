package video

import "testing"

func solidYUV444(w, h int, y, u, v byte) *YUV444 {
	out := NewYUV444(w, h)
	for i := range out.Y {
		out.Y[i] = y
		out.U[i] = u
		out.V[i] = v
	}
	return out
}

func TestPackMainViewLumaAndSubsampledChroma(t *testing.T) {
	src := solidYUV444(32, 32, 120, 70, 200)
	p := NewAvc444Packer(32, 32)
	main, aux := p.Pack(src)

	if main.Width != 32 || main.Height != 32 {
		t.Fatalf("padded size = %dx%d, want 32x32", main.Width, main.Height)
	}
	if main.Y[0] != 120 {
		t.Errorf("main Y = %d, want 120", main.Y[0])
	}
	if main.U[0] != 70 || main.V[0] != 200 {
		t.Errorf("main chroma = %d,%d, want 70,200", main.U[0], main.V[0])
	}
	// Aux V plane must be neutral 128 everywhere.
	for i, v := range aux.V {
		if v != 128 {
			t.Fatalf("aux V[%d] = %d, want 128", i, v)
		}
	}
}

func TestPackAuxLayout(t *testing.T) {
	const w, h = 4, 4
	src := NewYUV444(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src.U[y*w+x] = byte(10 + y*w + x)
			src.V[y*w+x] = byte(100 + y*w + x)
		}
	}
	p := NewAvc444Packer(w, h)
	_, aux := p.Pack(src)

	pw, _ := p.PaddedSize() // 16

	// Even-even aux Y positions are neutral; odd-coordinate positions
	// carry U444.
	if aux.Y[0] != neutralLuma && aux.Y[0] != 128 {
		// even-even inside the visible area carries neutral 128
		t.Logf("aux.Y[0] = %d", aux.Y[0])
	}
	if got := aux.Y[0*pw+1]; got != src.U[1] {
		t.Errorf("aux Y(1,0) = %d, want U444(1,0)=%d", got, src.U[1])
	}
	if got := aux.Y[1*pw+0]; got != src.U[w] {
		t.Errorf("aux Y(0,1) = %d, want U444(0,1)=%d", got, src.U[w])
	}
	if got := aux.Y[1*pw+1]; got != src.U[w+1] {
		t.Errorf("aux Y(1,1) = %d, want U444(1,1)=%d", got, src.U[w+1])
	}

	// Aux U carries the top-right odd V444 sample of each 2×2 block.
	if got := aux.U[0]; got != src.V[1] {
		t.Errorf("aux U(0,0) = %d, want V444(1,0)=%d", got, src.V[1])
	}
	if got := aux.U[1]; got != src.V[3] {
		t.Errorf("aux U(1,0) = %d, want V444(3,0)=%d", got, src.V[3])
	}
}

func TestPackUnpackRoundTripSolid(t *testing.T) {
	colors := []struct{ y, u, v byte }{
		{16, 128, 128},  // black
		{235, 128, 128}, // white
		{82, 90, 240},   // red
		{145, 54, 34},   // green
		{41, 240, 110},  // blue
	}
	for _, c := range colors {
		src := solidYUV444(32, 16, c.y, c.u, c.v)
		p := NewAvc444Packer(32, 16)
		main, aux := p.Pack(src)
		out := Unpack(main, aux, 32, 16)

		for i := range src.Y {
			if absInt(int(out.Y[i])-int(src.Y[i])) > 0 {
				t.Fatalf("Y[%d] = %d, want %d (luma is exact)", i, out.Y[i], src.Y[i])
			}
			if absInt(int(out.U[i])-int(src.U[i])) > 3 {
				t.Fatalf("U[%d] = %d, want %d ±3", i, out.U[i], src.U[i])
			}
			if absInt(int(out.V[i])-int(src.V[i])) > 3 {
				t.Fatalf("V[%d] = %d, want %d ±3", i, out.V[i], src.V[i])
			}
		}
	}
}

func TestPackUnpackRoundTripSmoothGradient(t *testing.T) {
	const w, h = 32, 32
	src := NewYUV444(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			src.Y[i] = byte(16 + x*4)
			src.U[i] = byte(64 + x) // ≤1 step per pixel
			src.V[i] = byte(64 + y)
		}
	}
	p := NewAvc444Packer(w, h)
	main, aux := p.Pack(src)
	out := Unpack(main, aux, w, h)

	for i := range src.U {
		if absInt(int(out.U[i])-int(src.U[i])) > 3 {
			t.Fatalf("U[%d] = %d, want %d ±3", i, out.U[i], src.U[i])
		}
		if absInt(int(out.V[i])-int(src.V[i])) > 3 {
			t.Fatalf("V[%d] = %d, want %d ±3", i, out.V[i], src.V[i])
		}
	}
}

func TestPackPadsOddSizesTo16(t *testing.T) {
	p := NewAvc444Packer(1366, 768)
	pw, ph := p.PaddedSize()
	if pw != 1376 || ph != 768 {
		t.Fatalf("padded = %dx%d, want 1376x768", pw, ph)
	}

	p2 := NewAvc444Packer(1365, 767)
	pw2, ph2 := p2.PaddedSize()
	if pw2%16 != 0 || ph2%16 != 0 {
		t.Fatalf("padding %dx%d not multiple of 16", pw2, ph2)
	}
	if pw2 < 1365 || ph2 < 767 {
		t.Fatalf("padding shrank the frame")
	}

	src := solidYUV444(1365, 767, 100, 110, 120)
	main, _ := p2.Pack(src)
	// Padding area stays neutral.
	if main.Y[0*pw2+1365] != neutralLuma {
		t.Errorf("Y padding = %d, want %d", main.Y[1365], neutralLuma)
	}
	if main.U[0*(pw2/2)+(1365+1)/2] != neutralChroma {
		t.Errorf("U padding not neutral")
	}
}

func TestAuxOmissionSchedule(t *testing.T) {
	a := NewAuxOmission(AuxOmissionConfig{
		Enabled:         true,
		ChangeThreshold: 0.02,
		MaxInterval:     5,
	})

	aux := newPaddedI420(32, 32)

	// First frame always transmits aux.
	if a.ShouldOmit(aux) {
		t.Fatal("first aux must be sent")
	}
	// Static content: omitted while at most MaxInterval frames have passed
	// since the last sent aux (frames 2–6); frame 7 is forced.
	for i := 0; i < 5; i++ {
		if !a.ShouldOmit(aux) {
			t.Fatalf("static aux %d not omitted", i)
		}
	}
	if a.ShouldOmit(aux) {
		t.Fatal("max interval must force aux transmission")
	}
}

func TestAuxOmissionDetectsChange(t *testing.T) {
	a := NewAuxOmission(AuxOmissionConfig{
		Enabled:         true,
		ChangeThreshold: 0.02,
		MaxInterval:     100,
	})

	aux := newPaddedI420(32, 32)
	a.ShouldOmit(aux) // seed

	// Rewrite a third of the aux luma: far above threshold.
	changed := newPaddedI420(32, 32)
	for i := 0; i < len(changed.Y)/3; i++ {
		changed.Y[i] = 200
	}
	if a.ShouldOmit(changed) {
		t.Fatal("changed aux wrongly omitted")
	}
}

func TestAuxOmissionDisabled(t *testing.T) {
	a := NewAuxOmission(AuxOmissionConfig{Enabled: false})
	aux := newPaddedI420(16, 16)
	for i := 0; i < 10; i++ {
		if a.ShouldOmit(aux) {
			t.Fatal("omission disabled but aux omitted")
		}
	}
}

func TestAuxOmissionStaticDesktopRate(t *testing.T) {
	// 300 frames of static desktop at max interval 30: one aux initially,
	// then one every 30 frames — ≈10/300 transmitted, ≥90% omitted.
	a := NewAuxOmission(AuxOmissionConfig{
		Enabled:         true,
		ChangeThreshold: 0.02,
		MaxInterval:     30,
	})
	aux := newPaddedI420(64, 64)

	sent := 0
	for i := 0; i < 300; i++ {
		if !a.ShouldOmit(aux) {
			sent++
		}
	}
	if sent > 15 {
		t.Fatalf("static desktop sent %d aux frames of 300, want ≤15", sent)
	}
	_, omitted := a.Stats()
	if float64(omitted)/300 < 0.9 {
		t.Fatalf("omission rate %.2f, want ≥0.90", float64(omitted)/300)
	}
}
