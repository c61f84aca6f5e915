package video

import (
	"image"
	"testing"
)

func solidFrame(w, h int, b, g, r byte) []byte {
	buf := make([]byte, w*h*4)
	for i := 0; i < w*h; i++ {
		buf[i*4+0] = b
		buf[i*4+1] = g
		buf[i*4+2] = r
		buf[i*4+3] = 0xFF
	}
	return buf
}

func defaultDamage(w, h int) *DamageMap {
	return NewDamageMap(DamageConfig{Enabled: true, TileSize: 64, MergeDistance: 32}, w, h)
}

func TestDiffFirstFrameIsFullyDirty(t *testing.T) {
	d := defaultDamage(256, 128)
	rects := d.Diff(solidFrame(256, 128, 0, 0, 0), 256*4)
	if len(rects) != 1 || rects[0] != image.Rect(0, 0, 256, 128) {
		t.Fatalf("first frame rects = %v, want full frame", rects)
	}
}

func TestDiffUnchangedFrameIsEmpty(t *testing.T) {
	d := defaultDamage(256, 128)
	frame := solidFrame(256, 128, 10, 20, 30)
	d.Diff(frame, 256*4)

	rects := d.Diff(frame, 256*4)
	if rects != nil {
		t.Fatalf("unchanged frame rects = %v, want nil", rects)
	}
	if _, clean := d.Stats(); clean != 1 {
		t.Fatalf("clean count = %d, want 1", clean)
	}
}

func TestDiffSingleTileChange(t *testing.T) {
	d := defaultDamage(256, 128)
	frame := solidFrame(256, 128, 0, 0, 0)
	d.Diff(frame, 256*4)

	// Touch one pixel inside tile (1,1): x in [64,128), y in [64,128).
	frame[(70*256+70)*4+2] = 0xFF
	rects := d.Diff(frame, 256*4)
	if len(rects) != 1 {
		t.Fatalf("rects = %v, want one tile", rects)
	}
	want := image.Rect(64, 64, 128, 128)
	if rects[0] != want {
		t.Fatalf("rect = %v, want %v", rects[0], want)
	}
}

func TestDiffMergesNearbyTiles(t *testing.T) {
	d := defaultDamage(512, 64)
	frame := solidFrame(512, 64, 0, 0, 0)
	d.Diff(frame, 512*4)

	// Dirty tiles 0 and 1 (adjacent): must merge into one rect.
	frame[10*4] = 0xFF          // tile 0
	frame[(5*512+100)*4] = 0xFF // tile 1
	rects := d.Diff(frame, 512*4)
	if len(rects) != 1 {
		t.Fatalf("rects = %v, want merged single rect", rects)
	}
	if rects[0] != image.Rect(0, 0, 128, 64) {
		t.Fatalf("merged rect = %v", rects[0])
	}
}

func TestDiffDistantTilesStaySeparate(t *testing.T) {
	d := NewDamageMap(DamageConfig{Enabled: true, TileSize: 64, MergeDistance: 8}, 512, 64)
	frame := solidFrame(512, 64, 0, 0, 0)
	d.Diff(frame, 512*4)

	frame[0] = 0xFF              // tile 0
	frame[(10*512+500)*4] = 0xFF // tile 7
	rects := d.Diff(frame, 512*4)
	if len(rects) != 2 {
		t.Fatalf("rects = %v, want 2 separate rects", rects)
	}
}

func TestDiffThresholdSuppressesTinyChanges(t *testing.T) {
	d := NewDamageMap(DamageConfig{Enabled: true, TileSize: 64, DiffThreshold: 5, MergeDistance: 32}, 64, 64)
	frame := solidFrame(64, 64, 0, 0, 0)
	d.Diff(frame, 64*4)

	// 3 changed pixels ≤ threshold 5: clean.
	for i := 0; i < 3; i++ {
		frame[i*4+1] = 0x80
	}
	if rects := d.Diff(frame, 64*4); rects != nil {
		t.Fatalf("sub-threshold change produced rects %v", rects)
	}

	// 10 more changed pixels: dirty.
	for i := 10; i < 20; i++ {
		frame[i*4+1] = 0x80
	}
	if rects := d.Diff(frame, 64*4); len(rects) != 1 {
		t.Fatalf("above-threshold change rects = %v", rects)
	}
}

func TestDiffHonorsStridePadding(t *testing.T) {
	w, h := 60, 40
	stride := 64 * 4 // padded rows
	d := NewDamageMap(DamageConfig{Enabled: true, TileSize: 64}, w, h)

	frame := make([]byte, stride*h)
	d.Diff(frame, stride)

	// Change only padding bytes: must stay clean.
	for y := 0; y < h; y++ {
		frame[y*stride+w*4] = 0xFF
	}
	if rects := d.Diff(frame, stride); rects != nil {
		t.Fatalf("padding-only change produced rects %v", rects)
	}
}

func TestResetMakesNextFrameDirty(t *testing.T) {
	d := defaultDamage(128, 128)
	frame := solidFrame(128, 128, 1, 2, 3)
	d.Diff(frame, 128*4)
	d.Reset()
	if rects := d.Diff(frame, 128*4); len(rects) != 1 {
		t.Fatalf("post-reset rects = %v, want full frame", rects)
	}
}

func TestMergeRectsChain(t *testing.T) {
	rects := []image.Rectangle{
		image.Rect(0, 0, 10, 10),
		image.Rect(15, 0, 25, 10),
		image.Rect(30, 0, 40, 10),
	}
	merged := MergeRects(rects, 6)
	if len(merged) != 1 {
		t.Fatalf("chain merge = %v, want single rect", merged)
	}
	if merged[0] != image.Rect(0, 0, 40, 10) {
		t.Fatalf("merged = %v", merged[0])
	}
}
