package subsampling

import (
	"fmt"
	"image"
	"log/slog"
	"time"
)

// TransformType classifies the viewport transform in progress. Values are
// bit flags so that a set of them can be paused at once.
type TransformType int

const (
	TransformNone    TransformType = 0
	TransformScale   TransformType = 1
	TransformOffset  TransformType = 2
	TransformLocate  TransformType = 4
	TransformGesture TransformType = 8
	TransformFling   TransformType = 16
)

// DefaultPausedTransformTypes defers loading during animated scale, offset
// and locate transforms, but not during gestures or flings.
const DefaultPausedTransformTypes = TransformScale | TransformOffset | TransformLocate

func (t TransformType) String() string {
	if t == TransformNone {
		return "none"
	}
	names := []struct {
		flag TransformType
		name string
	}{
		{TransformScale, "scale"},
		{TransformOffset, "offset"},
		{TransformLocate, "locate"},
		{TransformGesture, "gesture"},
		{TransformFling, "fling"},
	}
	s := ""
	for _, n := range names {
		if t&n.flag != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if rest := t &^ (TransformScale | TransformOffset | TransformLocate | TransformGesture | TransformFling); rest != 0 {
		if s != "" {
			s += "|"
		}
		s += fmt.Sprintf("0x%x", int(rest))
	}
	return s
}

// Listener receives state changes. Callbacks run on the timeline and must
// return quickly. Nil callbacks are skipped.
type Listener struct {
	OnTileChanged          func(foreground, background []TileSnapshot)
	OnSampleSizeChanged    func(sampleSize int)
	OnImageLoadRectChanged func(rect image.Rectangle)
	OnReadyChanged         func(ready bool)
}

// Options configures an Engine
type Options struct {
	// TileMaxSize bounds the sampled size of a tile. Zero means half the
	// container size.
	TileMaxSize Size

	PausedTransformTypes    TransformType
	BackgroundTilesDisabled bool
	MemoryCacheDisabled     bool
	Animation               AnimationSpec

	// MemoryCache is optional; with it tiles survive refreshes and resets
	MemoryCache TileMemoryCache

	// BitmapPool recycles tile buffers. Nil gets a pool of DefaultBitmapPoolBytes.
	BitmapPool *BitmapPool

	// DecodeConcurrency caps decoder handles; 0 means runtime.NumCPU()
	DecodeConcurrency int

	// DecodeTimeout bounds each tile decode; 0 means no limit
	DecodeTimeout time.Duration

	// MaxDecodeRetries caps how often a failed tile is decoded again; 0
	// retries on every refresh without limit
	MaxDecodeRetries int

	LegacyRegionRounding bool

	RegionDecoderFactory RegionDecoderFactory
	Clock                func() time.Time
	Logger               *slog.Logger

	// Timeline runs every state change. Nil starts a SerialTimeline owned
	// by the engine.
	Timeline Timeline

	Listener Listener
}

type Option func(*Options)

func WithTileMaxSize(size Size) Option {
	return func(o *Options) { o.TileMaxSize = size }
}

func WithPausedTransformTypes(types TransformType) Option {
	return func(o *Options) { o.PausedTransformTypes = types }
}

func WithBackgroundTilesDisabled(disabled bool) Option {
	return func(o *Options) { o.BackgroundTilesDisabled = disabled }
}

func WithMemoryCacheDisabled(disabled bool) Option {
	return func(o *Options) { o.MemoryCacheDisabled = disabled }
}

func WithTileAnimation(spec AnimationSpec) Option {
	return func(o *Options) { o.Animation = spec }
}

func WithMemoryCache(cache TileMemoryCache) Option {
	return func(o *Options) { o.MemoryCache = cache }
}

func WithBitmapPool(pool *BitmapPool) Option {
	return func(o *Options) { o.BitmapPool = pool }
}

func WithDecodeConcurrency(n int) Option {
	return func(o *Options) { o.DecodeConcurrency = n }
}

func WithDecodeTimeout(d time.Duration) Option {
	return func(o *Options) { o.DecodeTimeout = d }
}

func WithMaxDecodeRetries(n int) Option {
	return func(o *Options) { o.MaxDecodeRetries = n }
}

// WithLegacyRegionRounding rounds every decoded region up, PNG included
func WithLegacyRegionRounding(enabled bool) Option {
	return func(o *Options) { o.LegacyRegionRounding = enabled }
}

func WithRegionDecoderFactory(factory RegionDecoderFactory) Option {
	return func(o *Options) { o.RegionDecoderFactory = factory }
}

func WithClock(clock func() time.Time) Option {
	return func(o *Options) { o.Clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

func WithTimeline(timeline Timeline) Option {
	return func(o *Options) { o.Timeline = timeline }
}

func WithListener(listener Listener) Option {
	return func(o *Options) { o.Listener = listener }
}

// defaultOptions returns the options every engine starts from
func defaultOptions() Options {
	return Options{
		PausedTransformTypes: DefaultPausedTransformTypes,
		Animation:            DefaultAnimationSpec,
		RegionDecoderFactory: NewRegionDecoderFactory,
		Clock:                time.Now,
		Logger:               nopLogger,
	}
}

// validate panics on configuration that can only be a programming error
func (o *Options) validate() {
	switch {
	case o.TileMaxSize != (Size{}) && o.TileMaxSize.IsEmpty():
		panic(fmt.Sprintf("subsampling: invalid tile max size %s", o.TileMaxSize))
	case o.DecodeConcurrency < 0:
		panic(fmt.Sprintf("subsampling: invalid decode concurrency %d", o.DecodeConcurrency))
	case o.DecodeTimeout < 0:
		panic(fmt.Sprintf("subsampling: invalid decode timeout %s", o.DecodeTimeout))
	case o.MaxDecodeRetries < 0:
		panic(fmt.Sprintf("subsampling: invalid max decode retries %d", o.MaxDecodeRetries))
	case o.Animation.Duration < 0:
		panic(fmt.Sprintf("subsampling: invalid animation duration %s", o.Animation.Duration))
	}
}
