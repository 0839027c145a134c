package subsampling

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubDecoder records decode calls. While held, decodes block until release
// or until their context is cancelled.
type stubDecoder struct {
	mu    sync.Mutex
	gate  chan struct{}
	err   error
	calls []image.Rectangle
}

func (d *stubDecoder) Decode(ctx context.Context, rect image.Rectangle, sampleSize int) (Bitmap, error) {
	d.mu.Lock()
	d.calls = append(d.calls, rect)
	gate, err := d.gate, d.err
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	size := SampledSize(SizeOf(rect), sampleSize, MimeTypeJPEG)
	return NewImageBitmap(size.Width, size.Height, FormatRGBA), nil
}

func (d *stubDecoder) hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
}

func (d *stubDecoder) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
}

func (d *stubDecoder) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *stubDecoder) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// managerHarness drives a tileManager over a 1600x1600 image shown through a
// 200x200 thumbnail. With 400x400 tiles the grid has 4x4 tiles at sample
// size 1, 2x2 at 2 and a single tile at 4.
type managerHarness struct {
	t        *testing.T
	timeline *ManualTimeline
	decoder  *stubDecoder
	pool     *BitmapPool
	opts     *Options
	manager  *tileManager

	sampleSizes []int
	loadRects   []image.Rectangle
	changes     int
}

func newManagerHarness(t *testing.T, opts ...Option) *managerHarness {
	t.Helper()
	o := defaultOptions()
	o.Animation = AnimationSpec{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.BitmapPool == nil {
		o.BitmapPool = NewBitmapPool(0)
	}

	h := &managerHarness{
		t:        t,
		timeline: NewManualTimeline(),
		decoder:  &stubDecoder{},
		pool:     o.BitmapPool,
		opts:     &o,
	}
	o.Listener = Listener{
		OnTileChanged:          func(_, _ []TileSnapshot) { h.changes++ },
		OnSampleSizeChanged:    func(ss int) { h.sampleSizes = append(h.sampleSizes, ss) },
		OnImageLoadRectChanged: func(r image.Rectangle) { h.loadRects = append(h.loadRects, r) },
	}
	h.manager = newTileManager(tileManagerConfig{
		opts:          &o,
		timeline:      h.timeline,
		pool:          h.pool,
		decoder:       h.decoder,
		imageKey:      "big.jpg",
		info:          ImageInfo{Width: 1600, Height: 1600, MimeType: MimeTypeJPEG},
		thumbnailSize: Size{200, 200},
		contentSize:   Size{200, 200},
		tileMaxSize:   Size{400, 400},
	})
	t.Cleanup(func() {
		h.decoder.release()
		h.manager.Close()
	})
	return h
}

// refresh shows the content rect visible at scale. Scale 8 selects sample
// size 1, scale 4 selects 2.
func (h *managerHarness) refresh(scale float32, visible image.Rectangle) StatusCode {
	return h.manager.RefreshTiles(Viewport{Scale: scale, ContentVisibleRect: visible}, "test")
}

// drain runs completions until no decode is in flight
func (h *managerHarness) drain() {
	h.t.Helper()
	for h.manager.inFlight > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := h.timeline.Wait(ctx)
		cancel()
		require.NoError(h.t, err, "decodes did not complete")
		h.timeline.RunPending()
	}
}

// requireCalls waits for the decode goroutines to reach the decoder
func (h *managerHarness) requireCalls(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.decoder.callCount() == n }, time.Second, time.Millisecond)
}

func (h *managerHarness) countStates(tiles []TileSnapshot) map[TileState]int {
	counts := make(map[TileState]int)
	for _, tile := range tiles {
		counts[tile.State]++
	}
	return counts
}

func (h *managerHarness) foreground() []TileSnapshot {
	fg, _ := h.manager.Snapshots()
	return fg
}

func (h *managerHarness) background() []TileSnapshot {
	_, bg := h.manager.Snapshots()
	return bg
}

func TestTileManagerGrid(t *testing.T) {
	h := newManagerHarness(t)
	require.Equal(t, map[int]image.Point{
		1: {4, 4},
		2: {2, 2},
		4: {1, 1},
	}, h.manager.GridSizes())
}

func TestTileManagerLoadsTilesInLoadRect(t *testing.T) {
	h := newManagerHarness(t)
	h.decoder.hold()

	require.Equal(t, StatusOK, h.refresh(8, image.Rect(0, 0, 50, 50)))
	require.Equal(t, 1, h.manager.sampleSize)
	require.Equal(t, []int{1}, h.sampleSizes)
	require.Equal(t, []image.Rectangle{image.Rect(0, 0, 600, 600)}, h.loadRects)
	h.requireCalls(4)

	fg := h.foreground()
	require.Len(t, fg, 16)
	require.Equal(t, map[TileState]int{TileStateLoading: 4, TileStateNone: 12}, h.countStates(fg))

	// Refreshing with the same viewport dispatches nothing new
	require.Equal(t, StatusOK, h.refresh(8, image.Rect(0, 0, 50, 50)))
	require.Equal(t, 4, h.manager.inFlight)
	h.requireCalls(4)
	require.Len(t, h.loadRects, 1)

	h.decoder.release()
	h.drain()

	fg = h.foreground()
	require.Equal(t, map[TileState]int{TileStateLoaded: 4, TileStateNone: 12}, h.countStates(fg))
	for _, tile := range fg {
		if tile.State == TileStateLoaded {
			require.Equal(t, 255, tile.Alpha)
			require.Equal(t, 400, tile.Bitmap.Width())
			require.True(t, tile.SourceRect.Overlaps(image.Rect(0, 0, 600, 600)))
		}
	}
	require.Positive(t, h.changes)
}

func TestTileManagerStatusCodes(t *testing.T) {
	h := newManagerHarness(t)
	visible := image.Rect(0, 0, 50, 50)

	v := Viewport{Scale: 8, ContentVisibleRect: visible, Rotation: 45}
	require.Equal(t, StatusUnsupportedRotation, h.manager.RefreshTiles(v, "test"))

	v = Viewport{Scale: 8, ContentVisibleRect: visible, ContinuousTransformType: TransformScale | TransformGesture}
	require.Equal(t, StatusContinuousTransform, h.manager.RefreshTiles(v, "test"))
	require.Zero(t, h.decoder.callCount())

	v = Viewport{Scale: 8, ContentVisibleRect: visible, Rotation: 270, ContinuousTransformType: TransformFling}
	require.Equal(t, StatusOK, h.manager.RefreshTiles(v, "test"), "flings are not paused by default")

	// At scale 1 the thumbnail is detailed enough and no level exists
	require.Equal(t, StatusNoTiles, h.refresh(1, visible))
	require.Equal(t, StatusNoTiles, h.refresh(0, visible))

	h.manager.SetPaused(true)
	require.Equal(t, StatusPaused, h.refresh(8, visible))
	v = Viewport{Scale: 8, ContentVisibleRect: visible, Rotation: 10}
	require.Equal(t, StatusUnsupportedRotation, h.manager.RefreshTiles(v, "test"), "rotation is checked first")

	h.manager.Close()
	require.Equal(t, StatusNotReady, h.refresh(8, visible))
}

func TestTileManagerDiscardsStaleResults(t *testing.T) {
	h := newManagerHarness(t)
	h.decoder.hold()

	require.Equal(t, StatusOK, h.refresh(8, image.Rect(0, 0, 50, 50)))
	h.requireCalls(4)

	// Scroll to the opposite corner while the first decodes are running
	require.Equal(t, StatusOK, h.refresh(8, image.Rect(150, 150, 200, 200)))
	require.Equal(t, image.Rect(1000, 1000, 1600, 1600), h.manager.imageLoadRect)
	h.requireCalls(8)
	require.Equal(t, map[TileState]int{TileStateLoading: 4, TileStateNone: 12}, h.countStates(h.foreground()))

	h.decoder.release()
	h.drain()

	for _, tile := range h.foreground() {
		if tile.SourceRect.Overlaps(h.manager.imageLoadRect) {
			require.Equal(t, TileStateLoaded, tile.State, "%v", tile.SourceRect)
		} else {
			require.Equal(t, TileStateNone, tile.State, "%v", tile.SourceRect)
			require.Nil(t, tile.Bitmap)
		}
	}
	require.Equal(t, 4, h.pool.Stats().Puts, "stale bitmaps go back to the pool")
}

func TestTileManagerKeepsBackgroundUntilLoaded(t *testing.T) {
	h := newManagerHarness(t)
	visible := image.Rect(0, 0, 50, 50)

	require.Equal(t, StatusOK, h.refresh(4, visible))
	require.Equal(t, 2, h.manager.sampleSize)
	h.drain()
	require.Equal(t, 1, h.countStates(h.foreground())[TileStateLoaded])

	h.decoder.hold()
	require.Equal(t, StatusOK, h.refresh(8, visible))
	require.Equal(t, 1, h.manager.sampleSize)

	bg := h.background()
	require.Len(t, bg, 1)
	require.Equal(t, 2, bg[0].SampleSize)
	require.Equal(t, image.Rect(0, 0, 800, 800), bg[0].SourceRect)
	require.NotNil(t, bg[0].Bitmap)

	h.decoder.release()
	h.drain()
	require.Empty(t, h.background())
	require.Equal(t, 1, h.pool.Stats().Puts, "the background bitmap is recycled")
}

func TestTileManagerBackgroundKeepsCoarseLevelsFirst(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newManagerHarness(t,
		WithTileAnimation(AnimationSpec{Enabled: true, Duration: 100 * time.Millisecond}),
		WithClock(func() time.Time { return start }),
	)
	visible := image.Rect(0, 0, 50, 50)

	h.refresh(2, visible)
	h.drain()

	// Sample size 2 is still fading in, so 4 stays behind it
	h.refresh(4, visible)
	h.drain()
	require.Len(t, h.background(), 1)

	h.decoder.hold()
	h.refresh(8, visible)
	bg := h.background()
	require.Len(t, bg, 2)
	require.Equal(t, 4, bg[0].SampleSize)
	require.Equal(t, 2, bg[1].SampleSize)
}

func TestTileManagerReturnsToBackgroundLevel(t *testing.T) {
	h := newManagerHarness(t)
	visible := image.Rect(0, 0, 50, 50)

	h.refresh(4, visible)
	h.drain()
	h.requireCalls(1)

	h.decoder.hold()
	h.refresh(8, visible)
	h.requireCalls(5)

	// Zooming back out promotes the loaded level without decoding it again
	require.Equal(t, StatusOK, h.refresh(4, visible))
	h.requireCalls(5)
	require.Empty(t, h.background())
	require.Equal(t, 1, h.countStates(h.foreground())[TileStateLoaded])

	h.decoder.release()
	h.drain()
	require.Equal(t, 4, h.pool.Stats().Puts)
	require.Equal(t, 1, h.countStates(h.foreground())[TileStateLoaded])
}

func TestTileManagerBackgroundDisabled(t *testing.T) {
	h := newManagerHarness(t, WithBackgroundTilesDisabled(true))
	visible := image.Rect(0, 0, 50, 50)

	h.refresh(4, visible)
	h.drain()

	h.decoder.hold()
	h.refresh(8, visible)
	require.Empty(t, h.background())
	require.Equal(t, 1, h.pool.Stats().Puts)
}

func TestTileManagerDisablingBackgroundDropsIt(t *testing.T) {
	h := newManagerHarness(t)
	visible := image.Rect(0, 0, 50, 50)

	h.refresh(4, visible)
	h.drain()
	h.decoder.hold()
	h.refresh(8, visible)
	require.Len(t, h.background(), 1)

	h.manager.SetBackgroundTilesDisabled(true)
	require.Empty(t, h.background())
}

func TestTileManagerRetriesFailedTiles(t *testing.T) {
	h := newManagerHarness(t)
	h.decoder.fail(errors.New("io error"))
	visible := image.Rect(0, 0, 50, 50)

	h.refresh(8, visible)
	h.drain()
	require.Equal(t, map[TileState]int{TileStateError: 4, TileStateNone: 12}, h.countStates(h.foreground()))

	h.refresh(8, visible)
	h.requireCalls(8)
	h.drain()

	h.decoder.fail(nil)
	h.refresh(8, visible)
	h.drain()
	require.Equal(t, map[TileState]int{TileStateLoaded: 4, TileStateNone: 12}, h.countStates(h.foreground()))
}

func TestTileManagerMaxDecodeRetries(t *testing.T) {
	h := newManagerHarness(t, WithMaxDecodeRetries(1))
	h.decoder.fail(errors.New("io error"))
	visible := image.Rect(0, 0, 50, 50)

	h.refresh(8, visible)
	h.drain()
	h.refresh(8, visible)
	h.drain()
	h.requireCalls(8)

	h.refresh(8, visible)
	require.Zero(t, h.manager.inFlight, "retries are exhausted")
	h.requireCalls(8)
}

func TestTileManagerFailuresClearBackground(t *testing.T) {
	h := newManagerHarness(t)
	visible := image.Rect(0, 0, 50, 50)

	h.refresh(4, visible)
	h.drain()

	h.decoder.fail(errors.New("io error"))
	h.refresh(8, visible)
	require.Len(t, h.background(), 1)
	h.drain()
	require.Empty(t, h.background(), "failed tiles count as settled")
}

func TestTileManagerMemoryCache(t *testing.T) {
	pool := NewBitmapPool(0)
	cache, err := NewLRUTileCache(32, pool)
	require.NoError(t, err)
	h := newManagerHarness(t,
		WithBitmapPool(pool),
		WithMemoryCache(cache),
		WithTileAnimation(DefaultAnimationSpec),
	)
	visible := image.Rect(0, 0, 50, 50)

	h.refresh(8, visible)
	h.drain()
	require.Equal(t, 4, cache.Len())

	h.manager.Clean("test")
	require.Equal(t, 0, pool.Stats().Puts, "cached bitmaps are not recycled")

	h.refresh(8, visible)
	h.requireCalls(4)
	for _, tile := range h.foreground() {
		if tile.State == TileStateLoaded {
			require.Equal(t, 255, tile.Alpha, "cache hits skip the fade-in")
		}
	}
	require.Equal(t, 4, h.countStates(h.foreground())[TileStateLoaded])

	h.opts.MemoryCacheDisabled = true
	h.manager.Clean("test")
	h.refresh(8, visible)
	require.Equal(t, 4, h.manager.inFlight, "cache disabled: tiles are decoded again")
	h.requireCalls(8)
	h.drain()
	require.Equal(t, 4, h.countStates(h.foreground())[TileStateLoaded])
}

func TestTileManagerAnimation(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newManagerHarness(t,
		WithTileAnimation(AnimationSpec{Enabled: true, Duration: 100 * time.Millisecond}),
		WithClock(func() time.Time { return start }),
	)
	visible := image.Rect(0, 0, 50, 50)

	h.refresh(4, visible)
	h.drain()
	require.True(t, h.manager.Tick(start.Add(50*time.Millisecond)))
	require.False(t, h.manager.Tick(start.Add(100*time.Millisecond)))

	h.refresh(8, visible)
	h.drain()
	require.Len(t, h.background(), 1, "kept while the new tiles fade in")
	for _, tile := range h.foreground() {
		if tile.State == TileStateLoaded {
			require.Equal(t, 0, tile.Alpha)
		}
	}

	require.True(t, h.manager.Tick(start.Add(50*time.Millisecond)))
	for _, tile := range h.foreground() {
		if tile.State == TileStateLoaded {
			require.Equal(t, 127, tile.Alpha)
		}
	}
	require.Len(t, h.background(), 1)

	require.False(t, h.manager.Tick(start.Add(time.Second)))
	require.Empty(t, h.background())
	for _, tile := range h.foreground() {
		if tile.State == TileStateLoaded {
			require.Equal(t, 255, tile.Alpha)
		}
	}
}

func TestTileManagerPauseCleans(t *testing.T) {
	h := newManagerHarness(t)
	visible := image.Rect(0, 0, 50, 50)

	h.refresh(8, visible)
	h.drain()

	h.manager.SetPaused(true)
	require.Empty(t, h.foreground())
	require.Equal(t, 0, h.manager.sampleSize)
	require.Equal(t, []int{1, 0}, h.sampleSizes)
	require.Equal(t, image.Rectangle{}, h.loadRects[len(h.loadRects)-1])
	require.Equal(t, 4, h.pool.Stats().Puts)
	require.Equal(t, StatusPaused, h.refresh(8, visible))

	h.manager.SetPaused(false)
	require.Equal(t, StatusOK, h.refresh(8, visible))
	h.requireCalls(8)
}

func TestTileManagerCleanCancelsDecodes(t *testing.T) {
	h := newManagerHarness(t)
	h.decoder.hold()

	h.refresh(8, image.Rect(0, 0, 50, 50))
	h.manager.Close()
	h.drain()

	require.Empty(t, h.foreground())
	require.Empty(t, h.background())
	require.Zero(t, h.pool.Stats().Puts, "cancelled decodes return no bitmap")
}
