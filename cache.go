package subsampling

import (
	"fmt"
	"image"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
)

// TileMemoryCache keeps decoded tiles across refreshes and image resets.
// Implementations must be safe for concurrent use: several engines may share one.
//
// A DisplayTracker returned by Get or Put already carries one display
// reference for the caller, released with SetDisplayed(false).
type TileMemoryCache interface {
	// Get returns the cached tile stored under key
	Get(key string) (Bitmap, bool)

	// Put stores bitmap and returns the bitmap the tile should hold from now
	// on, which may be a cache-owned wrapper.
	Put(key string, bitmap Bitmap, imageKey string, info ImageInfo) Bitmap
}

// DisplayTracker is implemented by cache-owned bitmaps. A bitmap that is
// displayed is not recycled when the cache evicts it; it is recycled when the
// last tile showing it lets go.
type DisplayTracker interface {
	Bitmap
	SetDisplayed(displayed bool)
}

// TileCacheKey identifies a tile of an image at a sample size
func TileCacheKey(imageKey string, rect image.Rectangle, sampleSize int) string {
	return fmt.Sprintf("%s_tile_%d_%d_%d_%d_%d",
		imageKey, rect.Min.X, rect.Min.Y, rect.Max.X, rect.Max.Y, sampleSize)
}

// DefaultTileCacheEntries is the entry limit of NewLRUTileCache(0, ...)
const DefaultTileCacheEntries = 256

// LRUTileCache is a count-bounded least-recently-used TileMemoryCache.
// Evicted bitmaps go back to the BitmapPool once no tile displays them.
type LRUTileCache struct {
	lru  *lru.Cache // xxhash(key) -> *cachedBitmap
	pool *BitmapPool
}

// NewLRUTileCache creates a cache of at most maxEntries tiles
func NewLRUTileCache(maxEntries int, pool *BitmapPool) (*LRUTileCache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultTileCacheEntries
	}
	c := &LRUTileCache{pool: pool}
	l, err := lru.NewWithEvict(maxEntries, c.onEvicted)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}
	c.lru = l
	return c, nil
}

func (c *LRUTileCache) Get(key string) (Bitmap, bool) {
	v, ok := c.lru.Get(xxhash.Sum64String(key))
	if !ok {
		return nil, false
	}
	entry := v.(*cachedBitmap)
	if entry.key != key || !entry.retain() {
		return nil, false
	}
	return entry, true
}

func (c *LRUTileCache) Put(key string, bitmap Bitmap, imageKey string, info ImageInfo) Bitmap {
	hash := xxhash.Sum64String(key)
	if v, ok := c.lru.Peek(hash); ok {
		if existing := v.(*cachedBitmap); existing.key == key && existing.retain() {
			// Somebody decoded the same tile first; share theirs.
			c.pool.Free(bitmap)
			return existing
		}
		c.lru.Remove(hash)
	}

	entry := &cachedBitmap{
		Bitmap:    bitmap,
		key:       key,
		imageKey:  imageKey,
		info:      info,
		pool:      c.pool,
		displayed: 1,
	}
	c.lru.Add(hash, entry)
	return entry
}

// Len returns the number of cached tiles
func (c *LRUTileCache) Len() int {
	return c.lru.Len()
}

// Purge evicts every tile
func (c *LRUTileCache) Purge() {
	c.lru.Purge()
}

func (c *LRUTileCache) onEvicted(_ interface{}, value interface{}) {
	value.(*cachedBitmap).evict()
}

// cachedBitmap is the cache-owned wrapper handed out by LRUTileCache
type cachedBitmap struct {
	Bitmap
	key      string
	imageKey string
	info     ImageInfo
	pool     *BitmapPool

	mu        sync.Mutex
	displayed int
	evicted   bool
	recycled  bool
}

func (b *cachedBitmap) Unwrap() Bitmap { return b.Bitmap }

// retain takes a display reference unless the bitmap was already recycled
func (b *cachedBitmap) retain() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recycled {
		return false
	}
	b.displayed++
	return true
}

func (b *cachedBitmap) SetDisplayed(displayed bool) {
	b.mu.Lock()
	if displayed {
		b.displayed++
	} else if b.displayed > 0 {
		b.displayed--
	}
	recycle := b.evicted && b.displayed == 0 && !b.recycled
	if recycle {
		b.recycled = true
	}
	b.mu.Unlock()

	if recycle {
		b.pool.Free(b.Bitmap)
	}
}

func (b *cachedBitmap) evict() {
	b.mu.Lock()
	b.evicted = true
	recycle := b.displayed == 0 && !b.recycled
	if recycle {
		b.recycled = true
	}
	b.mu.Unlock()

	if recycle {
		b.pool.Free(b.Bitmap)
	}
}

func (b *cachedBitmap) String() string {
	return fmt.Sprintf("cachedBitmap(%s %dx%d)", b.key, b.Width(), b.Height())
}
