package video

import (
	"image"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// DamageConfig tunes the tile-hash damage detector.
type DamageConfig struct {
	Enabled       bool
	TileSize      int // pixels per tile edge, power of two
	DiffThreshold int // changed pixels a tile may have and still count clean
	MergeDistance int // rectangles closer than this merge
}

// DamageMap tracks which tiles of the stream changed since the last sent
// frame. Each tile stores the xxhash of its last sent pixels; a frame
// whose every tile hash matches produces an empty rectangle list and the
// pipeline short-circuits before color conversion.
type DamageMap struct {
	cfg    DamageConfig
	width  int
	height int
	cols   int
	rows   int

	hashes []uint64
	seeded bool

	// last sent pixels, kept only when DiffThreshold > 0 so hash
	// collisions on the threshold path can fall back to pixel counting.
	prev []byte

	checked atomic.Uint64
	clean   atomic.Uint64
}

// NewDamageMap creates a damage map for a stream of the given size.
func NewDamageMap(cfg DamageConfig, width, height int) *DamageMap {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 64
	}
	cols := (width + cfg.TileSize - 1) / cfg.TileSize
	rows := (height + cfg.TileSize - 1) / cfg.TileSize
	d := &DamageMap{
		cfg:    cfg,
		width:  width,
		height: height,
		cols:   cols,
		rows:   rows,
		hashes: make([]uint64, cols*rows),
	}
	if cfg.DiffThreshold > 0 {
		d.prev = make([]byte, width*height*4)
	}
	return d
}

// Reset forgets all tile state; the next frame is fully dirty. Called on
// stream geometry changes and after forced keyframes.
func (d *DamageMap) Reset() {
	d.seeded = false
}

// FullFrame is the single rectangle covering the whole stream, used when
// damage tracking is disabled.
func (d *DamageMap) FullFrame() []image.Rectangle {
	return []image.Rectangle{image.Rect(0, 0, d.width, d.height)}
}

// Diff hashes every tile of frame (BGRA, given stride) against the last
// sent frame and returns a minimal set of rectangles covering the dirty
// tiles, merged within MergeDistance. An empty result means nothing
// visible changed. The first frame after creation or Reset is fully
// dirty.
func (d *DamageMap) Diff(frame []byte, stride int) []image.Rectangle {
	d.checked.Add(1)

	if !d.seeded {
		d.rehash(frame, stride)
		d.seeded = true
		d.remember(frame, stride)
		return d.FullFrame()
	}

	ts := d.cfg.TileSize
	var dirty []image.Rectangle
	for row := 0; row < d.rows; row++ {
		for col := 0; col < d.cols; col++ {
			h := d.hashTile(frame, stride, col, row)
			idx := row*d.cols + col
			if h == d.hashes[idx] {
				continue
			}
			if d.cfg.DiffThreshold > 0 && d.prev != nil &&
				d.changedPixels(frame, stride, col, row) <= d.cfg.DiffThreshold {
				// Below threshold: not visible damage, but remember the new
				// hash so the drift does not re-trigger every frame.
				d.hashes[idx] = h
				continue
			}
			d.hashes[idx] = h
			x := col * ts
			y := row * ts
			dirty = append(dirty, image.Rect(x, y,
				minInt(x+ts, d.width), minInt(y+ts, d.height)))
		}
	}

	if len(dirty) == 0 {
		d.clean.Add(1)
		return nil
	}
	d.remember(frame, stride)
	return MergeRects(dirty, d.cfg.MergeDistance)
}

// Stats returns frames checked and frames found clean.
func (d *DamageMap) Stats() (checked, clean uint64) {
	return d.checked.Load(), d.clean.Load()
}

func (d *DamageMap) rehash(frame []byte, stride int) {
	for row := 0; row < d.rows; row++ {
		for col := 0; col < d.cols; col++ {
			d.hashes[row*d.cols+col] = d.hashTile(frame, stride, col, row)
		}
	}
}

// hashTile hashes one tile's rows. Rows are fed to a streaming digest so
// the tile's stride padding never contaminates the hash.
func (d *DamageMap) hashTile(frame []byte, stride, col, row int) uint64 {
	ts := d.cfg.TileSize
	x0 := col * ts
	y0 := row * ts
	x1 := minInt(x0+ts, d.width)
	y1 := minInt(y0+ts, d.height)

	digest := xxhash.New()
	for y := y0; y < y1; y++ {
		off := y*stride + x0*4
		digest.Write(frame[off : off+(x1-x0)*4])
	}
	return digest.Sum64()
}

func (d *DamageMap) changedPixels(frame []byte, stride, col, row int) int {
	ts := d.cfg.TileSize
	x0 := col * ts
	y0 := row * ts
	x1 := minInt(x0+ts, d.width)
	y1 := minInt(y0+ts, d.height)

	count := 0
	for y := y0; y < y1; y++ {
		off := y*stride + x0*4
		prevOff := (y*d.width + x0) * 4
		for x := 0; x < (x1 - x0); x++ {
			po := prevOff + x*4
			fo := off + x*4
			if frame[fo] != d.prev[po] || frame[fo+1] != d.prev[po+1] || frame[fo+2] != d.prev[po+2] {
				count++
			}
		}
	}
	return count
}

// remember stores a tightly-packed copy of the frame for pixel-count
// thresholding.
func (d *DamageMap) remember(frame []byte, stride int) {
	if d.prev == nil {
		return
	}
	for y := 0; y < d.height; y++ {
		copy(d.prev[y*d.width*4:(y+1)*d.width*4], frame[y*stride:y*stride+d.width*4])
	}
}

// MergeRects merges rectangles whose bounding boxes, inflated by
// distance, intersect. Iterates to a fixed point so chains of nearby
// rectangles collapse into one.
func MergeRects(rects []image.Rectangle, distance int) []image.Rectangle {
	if len(rects) <= 1 {
		return rects
	}

	merged := append([]image.Rectangle(nil), rects...)
	for {
		changed := false
		for i := 0; i < len(merged); i++ {
			for j := i + 1; j < len(merged); j++ {
				if merged[i].Inset(-distance).Overlaps(merged[j].Inset(-distance)) {
					merged[i] = merged[i].Union(merged[j])
					merged = append(merged[:j], merged[j+1:]...)
					j--
					changed = true
				}
			}
		}
		if !changed {
			return merged
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
