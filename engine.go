package subsampling

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"
)

// Engine draws a large image as tiles decoded at the sample size the
// viewport needs, on top of a thumbnail.
//
// Engine is not safe for concurrent use. Every method must be called on the
// engine's timeline: directly when the host drives a ManualTimeline, or from a
// function posted to it otherwise. Listener callbacks run there too.
type Engine struct {
	opts        Options
	logger      *slog.Logger
	timeline    Timeline
	ownTimeline *SerialTimeline
	pool        *BitmapPool

	source        ImageSource
	thumbnailSize Size
	containerSize Size
	contentSize   Size

	generation  uint64
	cancelSetup context.CancelFunc
	info        ImageInfo
	setupErr    error
	decoder     *TileDecoder
	manager     *tileManager

	ready       bool
	paused      bool
	viewport    Viewport
	hasViewport bool
	closed      bool
}

// New creates an engine. It panics on invalid options.
func New(opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.validate()
	if o.Logger == nil {
		o.Logger = nopLogger
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.RegionDecoderFactory == nil {
		o.RegionDecoderFactory = NewRegionDecoderFactory
	}
	if o.BitmapPool == nil {
		o.BitmapPool = NewBitmapPool(0)
	}

	e := &Engine{
		opts:     o,
		logger:   o.Logger,
		timeline: o.Timeline,
		pool:     o.BitmapPool,
	}
	if e.timeline == nil {
		e.ownTimeline = NewSerialTimeline()
		e.timeline = e.ownTimeline
	}
	return e
}

// Timeline returns the timeline the engine runs on
func (e *Engine) Timeline() Timeline {
	return e.timeline
}

// SetImageSource replaces the image. A nil source detaches the current one.
// The image is probed off the timeline; the engine becomes ready once it is
// known to be tileable and the container and content sizes are set.
func (e *Engine) SetImageSource(src ImageSource, thumbnailSize Size) {
	if e.closed {
		return
	}
	e.resetImage("setImageSource")
	e.source = src
	e.thumbnailSize = thumbnailSize
	if src == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancelSetup = cancel
	generation := e.generation
	opts := e.opts
	pool := e.pool
	go func() {
		info, decoder, err := setupImage(ctx, src, thumbnailSize, &opts, pool)
		e.timeline.Post(func() {
			e.onImageSetup(generation, info, decoder, err)
		})
	}()
}

// setupImage probes src and opens its decoder
func setupImage(ctx context.Context, src ImageSource, thumbnailSize Size, opts *Options, pool *BitmapPool) (ImageInfo, *TileDecoder, error) {
	info, err := ReadImageInfo(src)
	if err != nil {
		return ImageInfo{}, nil, err
	}
	if err := CanUseSubsampling(info, thumbnailSize); err != nil {
		return info, nil, err
	}
	if err := ctx.Err(); err != nil {
		return info, nil, err
	}

	open, err := opts.RegionDecoderFactory(src, info, DecodeConfig{
		Pool:                 pool,
		LegacyRegionRounding: opts.LegacyRegionRounding,
	})
	if err != nil {
		return info, nil, fmt.Errorf("failed to create region decoder for %s: %w", src.Key(), err)
	}
	decoder, err := NewTileDecoder(src.Key(), open, TileDecoderConfig{
		MaxHandles: opts.DecodeConcurrency,
		Timeout:    opts.DecodeTimeout,
		Logger:     opts.Logger,
	})
	if err != nil {
		return info, nil, err
	}
	if err := ctx.Err(); err != nil {
		decoder.Close()
		return info, nil, err
	}
	return info, decoder, nil
}

func (e *Engine) onImageSetup(generation uint64, info ImageInfo, decoder *TileDecoder, err error) {
	if e.closed || generation != e.generation {
		if decoder != nil {
			decoder.Close()
		}
		return
	}
	e.cancelSetup = nil
	e.info = info
	if err != nil {
		e.setupErr = err
		e.logger.Info("subsampling disabled", "image", e.source.Key(), "reason", err)
		return
	}
	e.decoder = decoder
	e.logger.Info("image ready", "image", e.source.Key(), "info", info)
	e.rebuild("imageSetup")
}

// resetImage drops everything tied to the current image
func (e *Engine) resetImage(caller string) {
	e.generation++
	if e.cancelSetup != nil {
		e.cancelSetup()
		e.cancelSetup = nil
	}
	if e.manager != nil {
		e.manager.Close()
		e.manager = nil
	}
	if e.decoder != nil {
		if err := e.decoder.Close(); err != nil {
			e.logger.Warn("failed to close decoder", "caller", caller, "error", err)
		}
		e.decoder = nil
	}
	if e.source != nil {
		e.logger.Info("image reset", "caller", caller, "image", e.source.Key())
	}
	e.source = nil
	e.info = ImageInfo{}
	e.setupErr = nil
	e.setReady(false)
}

// rebuild recreates the tile grid for the current sizes
func (e *Engine) rebuild(caller string) {
	if e.manager != nil {
		e.manager.Close()
		e.manager = nil
	}
	if e.decoder == nil || e.containerSize.IsEmpty() || e.contentSize.IsEmpty() {
		e.setReady(false)
		return
	}

	tileMaxSize := e.opts.TileMaxSize
	if tileMaxSize.IsEmpty() {
		tileMaxSize = CalculatePreferredTileSize(e.containerSize)
	}
	e.manager = newTileManager(tileManagerConfig{
		opts:          &e.opts,
		timeline:      e.timeline,
		pool:          e.pool,
		decoder:       e.decoder,
		imageKey:      e.source.Key(),
		info:          e.info,
		thumbnailSize: e.thumbnailSize,
		contentSize:   e.contentSize,
		tileMaxSize:   tileMaxSize,
	})
	e.manager.paused = e.paused
	e.setReady(true)

	if e.hasViewport {
		e.manager.RefreshTiles(e.viewport, caller)
	}
}

func (e *Engine) setReady(ready bool) {
	if e.ready == ready {
		return
	}
	e.ready = ready
	if fn := e.opts.Listener.OnReadyChanged; fn != nil {
		fn(ready)
	}
}

// SetContainerSize sets the size of the view the image is shown in
func (e *Engine) SetContainerSize(size Size) {
	if e.closed || size == e.containerSize {
		return
	}
	e.containerSize = size
	if e.decoder != nil {
		e.rebuild("setContainerSize")
	}
}

// SetContentSize sets the unscaled size of the displayed content (the
// thumbnail as laid out in the container)
func (e *Engine) SetContentSize(size Size) {
	if e.closed || size == e.contentSize {
		return
	}
	e.contentSize = size
	if e.decoder != nil {
		e.rebuild("setContentSize")
	}
}

// SetViewport refreshes the tiles for v. The viewport is remembered and
// applied again whenever the engine becomes ready or is resumed.
func (e *Engine) SetViewport(v Viewport) StatusCode {
	if e.closed {
		return StatusNotReady
	}
	e.viewport = v
	e.hasViewport = true
	if e.manager == nil {
		return StatusNotReady
	}
	return e.manager.RefreshTiles(v, "setViewport")
}

// SetPaused stops loading and frees every tile, or resumes with the last
// viewport.
func (e *Engine) SetPaused(paused bool) {
	if e.closed || e.paused == paused {
		return
	}
	e.paused = paused
	if e.manager == nil {
		return
	}
	e.manager.SetPaused(paused)
	if !paused && e.hasViewport {
		e.manager.RefreshTiles(e.viewport, "resume")
	}
}

// SetBackgroundTilesDisabled stops keeping the previous level on screen
// while a new sample size loads. Lower peak memory, visible flash.
func (e *Engine) SetBackgroundTilesDisabled(disabled bool) {
	e.opts.BackgroundTilesDisabled = disabled
	if e.manager != nil {
		e.manager.SetBackgroundTilesDisabled(disabled)
	}
}

// SetMemoryCacheDisabled bypasses the memory cache for later tile loads
func (e *Engine) SetMemoryCacheDisabled(disabled bool) {
	e.opts.MemoryCacheDisabled = disabled
}

// SetPausedTransformTypes sets the continuous transforms during which
// viewport updates do not load tiles.
func (e *Engine) SetPausedTransformTypes(types TransformType) {
	e.opts.PausedTransformTypes = types
}

// SetTileAnimation sets the fade-in of newly decoded tiles. It panics on a
// negative duration.
func (e *Engine) SetTileAnimation(spec AnimationSpec) {
	if spec.Duration < 0 {
		panic(fmt.Sprintf("subsampling: invalid animation duration %s", spec.Duration))
	}
	e.opts.Animation = spec
}

// Tick advances tile fade-ins to now and reports whether another frame is
// needed.
func (e *Engine) Tick(now time.Time) bool {
	if e.manager == nil {
		return false
	}
	return e.manager.Tick(now)
}

// Ready reports whether tiles can be loaded for the current image
func (e *Engine) Ready() bool {
	return e.ready
}

// Err returns why subsampling is disabled for the current image, if it is
func (e *Engine) Err() error {
	return e.setupErr
}

// ImageInfo returns the probed image info; ok is false until known
func (e *Engine) ImageInfo() (info ImageInfo, ok bool) {
	return e.info, e.info.Width > 0
}

// SampleSize returns the sample size of the foreground tiles
func (e *Engine) SampleSize() int {
	if e.manager == nil {
		return 0
	}
	return e.manager.sampleSize
}

// ImageLoadRect returns the area tiles are currently loaded for
func (e *Engine) ImageLoadRect() image.Rectangle {
	if e.manager == nil {
		return image.Rectangle{}
	}
	return e.manager.imageLoadRect
}

// TileSnapshots returns the drawable foreground and background tiles.
// Background tiles come first in draw order, coarsest level first.
func (e *Engine) TileSnapshots() (foreground, background []TileSnapshot) {
	if e.manager == nil {
		return nil, nil
	}
	return e.manager.Snapshots()
}

// TileGridSizes returns columns and rows per sample size
func (e *Engine) TileGridSizes() map[int]image.Point {
	if e.manager == nil {
		return nil
	}
	return e.manager.GridSizes()
}

// Close frees every tile and closes the decoder. An engine-owned timeline
// is stopped after the work already queued.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.resetImage("close")
	e.closed = true
	if e.ownTimeline != nil {
		e.ownTimeline.Close()
	}
	return nil
}
