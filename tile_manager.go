package subsampling

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sort"
	"time"
)

// StatusCode is the outcome of a tile refresh
type StatusCode int

const (
	StatusOK                  StatusCode = 0
	StatusUnsupportedRotation StatusCode = -1
	StatusContinuousTransform StatusCode = -2
	StatusPaused              StatusCode = -3
	StatusNotReady            StatusCode = -4
	StatusNoTiles             StatusCode = -5
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusUnsupportedRotation:
		return "unsupported rotation"
	case StatusContinuousTransform:
		return "continuous transform"
	case StatusPaused:
		return "paused"
	case StatusNotReady:
		return "not ready"
	case StatusNoTiles:
		return "no tiles"
	default:
		return "unknown"
	}
}

// Viewport is the transform state a refresh is computed for
type Viewport struct {
	// Scale of the content relative to its unscaled size
	Scale float32

	// ContentVisibleRect is the visible part of the content, in content
	// coordinates
	ContentVisibleRect image.Rectangle

	// Rotation in degrees; only multiples of 90 can be tiled
	Rotation int

	// ContinuousTransformType is the transform in progress, if any
	ContinuousTransformType TransformType
}

// tileDecoder is the part of TileDecoder the manager needs
type tileDecoder interface {
	Decode(ctx context.Context, rect image.Rectangle, sampleSize int) (Bitmap, error)
}

type tileManagerConfig struct {
	opts          *Options
	timeline      Timeline
	pool          *BitmapPool
	decoder       tileDecoder
	imageKey      string
	info          ImageInfo
	thumbnailSize Size
	contentSize   Size
	tileMaxSize   Size
}

// tileManager keeps the tile grid of one image in step with the viewport.
// All methods, and every decode completion, run on the timeline.
type tileManager struct {
	tileManagerConfig
	logger *slog.Logger

	grid          map[int][]*Tile
	maxSampleSize int

	ctx    context.Context
	cancel context.CancelFunc

	paused        bool
	sampleSize    int
	imageLoadRect image.Rectangle
	foreground    []*Tile
	background    []*Tile
	inFlight      int
	tilesDirty    bool
	closed        bool
}

func newTileManager(cfg tileManagerConfig) *tileManager {
	imageSize := cfg.info.Size()
	maxSampleSize := MaxSampleSizeForThumbnail(imageSize, cfg.thumbnailSize)
	ctx, cancel := context.WithCancel(context.Background())
	m := &tileManager{
		tileManagerConfig: cfg,
		logger:            cfg.opts.Logger.With("image", cfg.imageKey),
		grid:              CalculateTileGridMap(imageSize, cfg.tileMaxSize, maxSampleSize),
		maxSampleSize:     maxSampleSize,
		ctx:               ctx,
		cancel:            cancel,
	}
	m.logger.Debug("tile grid created",
		"imageSize", imageSize, "tileMaxSize", cfg.tileMaxSize, "levels", len(m.grid), "maxSampleSize", maxSampleSize)
	return m
}

// RefreshTiles brings the tiles in line with the viewport and returns why
// nothing was done, if so.
func (m *tileManager) RefreshTiles(v Viewport, caller string) StatusCode {
	if m.closed {
		return StatusNotReady
	}
	if v.Rotation%90 != 0 {
		m.logger.Debug("refreshTiles. interrupted. rotation is not a multiple of 90",
			"caller", caller, "rotation", v.Rotation)
		return StatusUnsupportedRotation
	}
	if m.paused {
		m.logger.Debug("refreshTiles. interrupted. paused", "caller", caller)
		return StatusPaused
	}
	if v.ContinuousTransformType&m.opts.PausedTransformTypes != 0 {
		m.logger.Debug("refreshTiles. interrupted. continuous transform",
			"caller", caller, "transform", v.ContinuousTransformType)
		return StatusContinuousTransform
	}

	imageSize := m.info.Size()
	sampleSize := FindSampleSize(imageSize, m.thumbnailSize, v.Scale)
	loadRect := CalculateImageLoadRect(imageSize, m.contentSize, m.tileMaxSize, v.ContentVisibleRect)

	if sampleSize != m.sampleSize {
		m.switchSampleSize(sampleSize, loadRect, caller)
	}
	if loadRect != m.imageLoadRect {
		m.imageLoadRect = loadRect
		if fn := m.opts.Listener.OnImageLoadRectChanged; fn != nil {
			fn(loadRect)
		}
	}

	dispatched, freed := 0, 0
	for _, tile := range m.foreground {
		if tile.SourceRect.Overlaps(loadRect) {
			if m.shouldLoad(tile) {
				m.loadTile(tile)
				dispatched++
			}
		} else if tile.State != TileStateNone {
			m.freeTile(tile)
			freed++
		}
	}
	m.background = m.retainBackground(m.background, loadRect)
	m.maybeClearBackground()

	m.logger.Debug("refreshTiles. done",
		"caller", caller, "sampleSize", sampleSize, "imageLoadRect", loadRect,
		"dispatched", dispatched, "freed", freed, "inFlight", m.inFlight,
		"foreground", len(m.foreground), "background", len(m.background))
	m.publish()

	if len(m.foreground) == 0 {
		return StatusNoTiles
	}
	return StatusOK
}

// switchSampleSize moves the loaded foreground tiles that are still worth
// drawing to the background and makes the grid of sampleSize the foreground.
func (m *tileManager) switchSampleSize(sampleSize int, loadRect image.Rectangle, caller string) {
	previous := m.sampleSize
	next := m.grid[sampleSize]

	// Going back to a level still held in the background: its tiles become
	// foreground again with their bitmaps.
	background := m.background[:0]
	for _, tile := range m.background {
		if tile.SampleSize != sampleSize {
			background = append(background, tile)
		}
	}
	m.background = background

	if m.opts.BackgroundTilesDisabled {
		for _, tile := range m.foreground {
			m.freeTile(tile)
		}
		m.freeTiles(m.background)
		m.background = nil
	} else {
		m.background = m.retainBackground(append(m.background, m.foreground...), loadRect)
		// Coarse levels first so finer ones are drawn over them
		sort.SliceStable(m.background, func(i, j int) bool {
			return m.background[i].SampleSize > m.background[j].SampleSize
		})
	}

	m.sampleSize = sampleSize
	m.foreground = next
	for _, tile := range next {
		if tile.State != TileStateLoaded {
			tile.Animation.Reset()
		}
	}
	m.tilesDirty = true

	m.logger.Debug("sample size changed",
		"caller", caller, "from", previous, "to", sampleSize, "tiles", len(next), "background", len(m.background))
	if fn := m.opts.Listener.OnSampleSizeChanged; fn != nil {
		fn(sampleSize)
	}
}

// retainBackground keeps the loaded tiles that overlap loadRect and frees
// the others.
func (m *tileManager) retainBackground(tiles []*Tile, loadRect image.Rectangle) []*Tile {
	kept := tiles[:0]
	for _, tile := range tiles {
		if tile.State == TileStateLoaded && tile.SourceRect.Overlaps(loadRect) {
			kept = append(kept, tile)
		} else {
			m.freeTile(tile)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func (m *tileManager) shouldLoad(tile *Tile) bool {
	switch tile.State {
	case TileStateNone:
		return true
	case TileStateError:
		return m.opts.MaxDecodeRetries == 0 || tile.retries <= m.opts.MaxDecodeRetries
	default:
		return false
	}
}

// loadTile serves the tile from the memory cache or starts decoding it
func (m *tileManager) loadTile(tile *Tile) {
	key := TileCacheKey(m.imageKey, tile.SourceRect, tile.SampleSize)
	m.tilesDirty = true

	if cache := m.cache(); cache != nil {
		if bitmap, ok := cache.Get(key); ok {
			tile.bitmap = bitmap
			tile.fromCache = true
			tile.State = TileStateLoaded
			tile.retries = 0
			tile.Animation.Finish()
			m.logger.Debug("tile loaded from memory cache", "tile", tile)
			return
		}
	}

	job := &loadJob{tile: tile, key: key, sampleSize: tile.SampleSize, rect: tile.SourceRect}
	tile.job = job
	tile.State = TileStateLoading
	m.inFlight++

	ctx, decoder, timeline := m.ctx, m.decoder, m.timeline
	go func() {
		bitmap, err := decoder.Decode(ctx, job.rect, job.sampleSize)
		timeline.Post(func() {
			m.onDecodeDone(job, bitmap, err)
		})
	}()
}

// onDecodeDone applies a decode result, unless the tile moved on meanwhile
func (m *tileManager) onDecodeDone(job *loadJob, bitmap Bitmap, err error) {
	m.inFlight--
	tile := job.tile
	stale := m.closed || tile.job != job || tile.SampleSize != m.sampleSize ||
		!tile.SourceRect.Overlaps(m.imageLoadRect)
	if stale {
		if bitmap != nil {
			m.pool.Free(bitmap)
		}
		if tile.job == job {
			tile.job = nil
			tile.State = TileStateNone
			m.tilesDirty = true
		}
		m.logger.Debug("decode result discarded", "tile", tile, "error", err)
		m.publish()
		return
	}

	tile.job = nil
	m.tilesDirty = true
	if err != nil {
		tile.State = TileStateError
		tile.retries++
		if errors.Is(err, ErrSourceClosed) {
			m.logger.Error("decode after source closed", "tile", tile, "error", err)
		} else {
			m.logger.Warn("tile decode failed", "tile", tile, "retries", tile.retries, "error", err)
		}
		m.maybeClearBackground()
		m.publish()
		return
	}

	if cache := m.cache(); cache != nil {
		bitmap = cache.Put(job.key, bitmap, m.imageKey, m.info)
		tile.fromCache = true
	}
	tile.bitmap = bitmap
	tile.State = TileStateLoaded
	tile.retries = 0
	if m.opts.Animation.Enabled {
		tile.Animation.Start(m.opts.Clock(), m.opts.Animation.Duration)
	} else {
		tile.Animation.Finish()
	}
	m.logger.Debug("tile loaded", "tile", tile, "inFlight", m.inFlight)

	m.maybeClearBackground()
	m.publish()
}

func (m *tileManager) cache() TileMemoryCache {
	if m.opts.MemoryCacheDisabled {
		return nil
	}
	return m.opts.MemoryCache
}

// freeTile drops the tile's bitmap and any in-flight job and resets it
func (m *tileManager) freeTile(tile *Tile) {
	if tile.bitmap != nil {
		if tracker, ok := tile.bitmap.(DisplayTracker); ok {
			tracker.SetDisplayed(false)
		} else if !tile.fromCache {
			m.pool.Free(tile.bitmap)
		}
	}
	if tile.State != TileStateNone || tile.bitmap != nil {
		m.tilesDirty = true
	}
	tile.bitmap = nil
	tile.fromCache = false
	tile.job = nil
	tile.State = TileStateNone
	tile.Animation.Reset()
}

func (m *tileManager) freeTiles(tiles []*Tile) {
	for _, tile := range tiles {
		m.freeTile(tile)
	}
}

// maybeClearBackground drops the background once every foreground tile in
// the load rect has settled: loaded and no longer fading, or failed.
func (m *tileManager) maybeClearBackground() {
	if len(m.background) == 0 {
		return
	}
	for _, tile := range m.foreground {
		if !tile.SourceRect.Overlaps(m.imageLoadRect) {
			continue
		}
		switch tile.State {
		case TileStateLoaded:
			if tile.Animation.Running() {
				return
			}
		case TileStateError:
		default:
			return
		}
	}
	m.logger.Debug("background tiles cleared", "count", len(m.background))
	m.freeTiles(m.background)
	m.background = nil
	m.tilesDirty = true
}

// Tick advances the fade-in of every tile and reports whether another frame
// is needed.
func (m *tileManager) Tick(now time.Time) bool {
	running := false
	for _, tiles := range [][]*Tile{m.foreground, m.background} {
		for _, tile := range tiles {
			if !tile.Animation.Running() {
				continue
			}
			if tile.Animation.Tick(now) {
				running = true
			}
			m.tilesDirty = true
		}
	}
	if !running {
		m.maybeClearBackground()
	}
	m.publish()
	return running
}

// SetPaused gates loading. Pausing frees every tile.
func (m *tileManager) SetPaused(paused bool) {
	if m.paused == paused {
		return
	}
	m.paused = paused
	if paused {
		m.Clean("paused")
	}
}

// SetBackgroundTilesDisabled applies the toggle to the tiles held right now
func (m *tileManager) SetBackgroundTilesDisabled(disabled bool) {
	if disabled && len(m.background) > 0 {
		m.freeTiles(m.background)
		m.background = nil
		m.tilesDirty = true
		m.publish()
	}
}

// Clean cancels in-flight decodes and frees every tile
func (m *tileManager) Clean(caller string) {
	m.cancel()
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for _, tiles := range m.grid {
		m.freeTiles(tiles)
	}
	m.freeTiles(m.background)
	m.background = nil
	m.foreground = nil
	m.tilesDirty = true

	if m.sampleSize != 0 {
		m.sampleSize = 0
		if fn := m.opts.Listener.OnSampleSizeChanged; fn != nil {
			fn(0)
		}
	}
	if !m.imageLoadRect.Empty() {
		m.imageLoadRect = image.Rectangle{}
		if fn := m.opts.Listener.OnImageLoadRectChanged; fn != nil {
			fn(m.imageLoadRect)
		}
	}
	m.logger.Info("tiles cleaned", "caller", caller)
	m.publish()
}

// Close cleans and ignores every later call and completion
func (m *tileManager) Close() {
	if m.closed {
		return
	}
	m.Clean("close")
	m.cancel()
	m.closed = true
}

// publish reports tile changes accumulated since the last call
func (m *tileManager) publish() {
	if !m.tilesDirty {
		return
	}
	m.tilesDirty = false
	if fn := m.opts.Listener.OnTileChanged; fn != nil {
		fn(snapshotTiles(m.foreground), snapshotTiles(m.background))
	}
}

// Snapshots returns the drawable state of the foreground and background tiles
func (m *tileManager) Snapshots() (foreground, background []TileSnapshot) {
	return snapshotTiles(m.foreground), snapshotTiles(m.background)
}

// GridSizes returns the column and row count of every grid level
func (m *tileManager) GridSizes() map[int]image.Point {
	sizes := make(map[int]image.Point, len(m.grid))
	for sampleSize, tiles := range m.grid {
		if len(tiles) > 0 {
			last := tiles[len(tiles)-1].Coordinate
			sizes[sampleSize] = image.Pt(last.X+1, last.Y+1)
		}
	}
	return sizes
}
