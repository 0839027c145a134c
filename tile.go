package subsampling

import (
	"fmt"
	"image"
	"time"
)

// TileState is the load state of a tile
type TileState int

const (
	TileStateNone TileState = iota
	TileStateLoading
	TileStateLoaded
	TileStateError
)

func (s TileState) String() string {
	switch s {
	case TileStateNone:
		return "none"
	case TileStateLoading:
		return "loading"
	case TileStateLoaded:
		return "loaded"
	case TileStateError:
		return "error"
	default:
		return fmt.Sprintf("TileState(%d)", int(s))
	}
}

// AnimationSpec configures the fade-in of freshly loaded tiles
type AnimationSpec struct {
	Enabled  bool
	Duration time.Duration
}

// DefaultAnimationSpec fades tiles in over 200ms
var DefaultAnimationSpec = AnimationSpec{Enabled: true, Duration: 200 * time.Millisecond}

// TileAnimationState is the cross-fade state of one tile. Alpha is advanced
// lazily by Tick, so no timer runs while nothing is drawn.
type TileAnimationState struct {
	running  bool
	alpha    int
	start    time.Time
	duration time.Duration
}

// Start begins a fade from alpha 0
func (a *TileAnimationState) Start(now time.Time, duration time.Duration) {
	if duration <= 0 {
		a.Finish()
		return
	}
	a.running = true
	a.alpha = 0
	a.start = now
	a.duration = duration
}

// Finish jumps to full opacity
func (a *TileAnimationState) Finish() {
	a.running = false
	a.alpha = 255
}

// Reset returns to the state of a tile that was never shown
func (a *TileAnimationState) Reset() {
	*a = TileAnimationState{}
}

// Tick recomputes alpha for now and reports whether the fade is still running
func (a *TileAnimationState) Tick(now time.Time) bool {
	if !a.running {
		return false
	}
	elapsed := now.Sub(a.start)
	if elapsed >= a.duration {
		a.Finish()
		return false
	}
	if elapsed < 0 {
		elapsed = 0
	}
	a.alpha = int(255 * float64(elapsed) / float64(a.duration))
	return true
}

func (a TileAnimationState) Running() bool { return a.running }

func (a TileAnimationState) Alpha() int { return a.alpha }

// Tile is one rectangle of the original image at one sample size. Tiles are
// owned by the TileManager and only mutated on its timeline.
type Tile struct {
	Coordinate image.Point
	SourceRect image.Rectangle
	SampleSize int

	State     TileState
	Animation TileAnimationState

	bitmap    Bitmap
	fromCache bool // bitmap is owned by the memory cache
	job       *loadJob
	retries   int
}

func newTile(coordinate image.Point, sourceRect image.Rectangle, sampleSize int) *Tile {
	return &Tile{
		Coordinate: coordinate,
		SourceRect: sourceRect,
		SampleSize: sampleSize,
	}
}

// Bitmap returns the decoded pixels, nil unless the tile is loaded
func (t *Tile) Bitmap() Bitmap {
	return t.bitmap
}

// Snapshot copies the drawable state of the tile
func (t *Tile) Snapshot() TileSnapshot {
	alpha := t.Animation.Alpha()
	if t.bitmap == nil {
		alpha = 0
	}
	return TileSnapshot{
		Coordinate: t.Coordinate,
		SourceRect: t.SourceRect,
		SampleSize: t.SampleSize,
		Bitmap:     t.bitmap,
		State:      t.State,
		Alpha:      alpha,
	}
}

func (t *Tile) String() string {
	return fmt.Sprintf("Tile(%d,%d %v ss=%d %s)", t.Coordinate.X, t.Coordinate.Y, t.SourceRect, t.SampleSize, t.State)
}

// TileSnapshot is an immutable, consumer-facing copy of a tile. Bitmap stays
// valid until the next tile change notification.
type TileSnapshot struct {
	Coordinate image.Point
	SourceRect image.Rectangle
	SampleSize int
	Bitmap     Bitmap
	State      TileState
	Alpha      int
}

// loadJob ties an in-flight decode to the tile that requested it. A completion
// whose job is no longer the tile's current job is stale and dropped.
type loadJob struct {
	tile       *Tile
	key        string
	sampleSize int
	rect       image.Rectangle
}

func snapshotTiles(tiles []*Tile) []TileSnapshot {
	snapshots := make([]TileSnapshot, len(tiles))
	for i, t := range tiles {
		snapshots[i] = t.Snapshot()
	}
	return snapshots
}
