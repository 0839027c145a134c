package subsampling

import (
	"image"
	"testing"
	"time"
)

func TestTileAnimationState(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var a TileAnimationState

	a.Start(start, 200*time.Millisecond)
	if !a.Running() || a.Alpha() != 0 {
		t.Fatalf("after Start: running=%v alpha=%d", a.Running(), a.Alpha())
	}

	if !a.Tick(start.Add(100 * time.Millisecond)) {
		t.Fatal("expected animation to run at half time")
	}
	if a.Alpha() != 127 {
		t.Errorf("alpha at half time = %d, want 127", a.Alpha())
	}

	if a.Tick(start.Add(200 * time.Millisecond)) {
		t.Fatal("expected animation to finish at full duration")
	}
	if a.Running() || a.Alpha() != 255 {
		t.Errorf("after finish: running=%v alpha=%d", a.Running(), a.Alpha())
	}

	// Finished animations stay finished
	if a.Tick(start.Add(time.Hour)) {
		t.Error("finished animation ticked again")
	}
}

func TestTileAnimationStateClockSkew(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var a TileAnimationState
	a.Start(start, time.Second)
	if !a.Tick(start.Add(-time.Second)) || a.Alpha() != 0 {
		t.Errorf("tick before start: alpha=%d", a.Alpha())
	}
}

func TestTileAnimationStateZeroDuration(t *testing.T) {
	var a TileAnimationState
	a.Start(time.Now(), 0)
	if a.Running() || a.Alpha() != 255 {
		t.Errorf("zero duration: running=%v alpha=%d", a.Running(), a.Alpha())
	}
	a.Reset()
	if a.Running() || a.Alpha() != 0 {
		t.Errorf("after reset: running=%v alpha=%d", a.Running(), a.Alpha())
	}
}

func TestTileSnapshot(t *testing.T) {
	tile := newTile(image.Pt(1, 2), image.Rect(10, 20, 30, 40), 4)
	snap := tile.Snapshot()
	if snap.Bitmap != nil || snap.State != TileStateNone || snap.Alpha != 0 {
		t.Errorf("unexpected snapshot of empty tile: %+v", snap)
	}

	tile.bitmap = NewImageBitmap(5, 5, FormatRGBA)
	tile.State = TileStateLoaded
	tile.Animation.Finish()
	snap = tile.Snapshot()
	if snap.Bitmap == nil || snap.Alpha != 255 || snap.Coordinate != image.Pt(1, 2) || snap.SampleSize != 4 {
		t.Errorf("unexpected snapshot of loaded tile: %+v", snap)
	}

	// Snapshots do not follow later changes
	tile.bitmap = nil
	tile.State = TileStateNone
	if snap.Bitmap == nil || snap.State != TileStateLoaded {
		t.Error("snapshot changed with the tile")
	}
}

func TestTileStateString(t *testing.T) {
	for state, want := range map[TileState]string{
		TileStateNone:    "none",
		TileStateLoading: "loading",
		TileStateLoaded:  "loaded",
		TileStateError:   "error",
		TileState(9):     "TileState(9)",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(state), got, want)
		}
	}
}
