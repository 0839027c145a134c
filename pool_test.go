package subsampling

import (
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type foreignBitmap struct{}

func (foreignBitmap) Image() image.Image  { return image.NewRGBA(image.Rect(0, 0, 1, 1)) }
func (foreignBitmap) Width() int          { return 1 }
func (foreignBitmap) Height() int         { return 1 }
func (foreignBitmap) Format() PixelFormat { return FormatRGBA }
func (foreignBitmap) ByteCount() int      { return 4 }

func TestBitmapPoolReuse(t *testing.T) {
	pool := NewBitmapPool(0)

	_, ok := pool.Get(10, 10, FormatRGBA)
	require.False(t, ok)

	b := pool.GetOrCreate(10, 10, FormatRGBA)
	require.Equal(t, 10, b.Width())
	require.True(t, pool.Put(b))

	_, ok = pool.Get(10, 10, FormatGray)
	require.False(t, ok, "format must match")
	_, ok = pool.Get(10, 11, FormatRGBA)
	require.False(t, ok, "size must match")

	got, ok := pool.Get(10, 10, FormatRGBA)
	require.True(t, ok)
	require.Same(t, b, got)

	stats := pool.Stats()
	require.Equal(t, 1, stats.Hits)
	require.Equal(t, 1, stats.Puts)
	require.Equal(t, 0, stats.Count)
}

func TestBitmapPoolRejects(t *testing.T) {
	pool := NewBitmapPool(1000)

	require.False(t, pool.Put(NewImageBitmap(2, 2, FormatHardware)), "hardware bitmaps are not reusable")
	require.False(t, pool.Put(foreignBitmap{}), "foreign bitmaps are not reusable")
	require.False(t, pool.Put(NewImageBitmap(100, 100, FormatRGBA)), "larger than the whole pool")
	require.False(t, pool.Put(nil))

	pool.SetDisabled(true)
	require.False(t, pool.Put(NewImageBitmap(2, 2, FormatRGBA)), "disabled pool")
	pool.SetDisabled(false)
	require.True(t, pool.Put(NewImageBitmap(2, 2, FormatRGBA)))

	require.Equal(t, 4, pool.Stats().Rejected)
}

func TestBitmapPoolEvictsOldest(t *testing.T) {
	// Room for two 10x10 RGBA bitmaps
	pool := NewBitmapPool(800)
	first := NewImageBitmap(10, 10, FormatRGBA)
	second := NewImageBitmap(10, 10, FormatRGBA)
	third := NewImageBitmap(10, 10, FormatRGBA)
	require.True(t, pool.Put(first))
	require.True(t, pool.Put(second))
	require.True(t, pool.Put(third))

	stats := pool.Stats()
	require.Equal(t, 1, stats.Evicted)
	require.Equal(t, 2, stats.Count)
	require.Equal(t, 800, stats.Bytes)

	a, _ := pool.Get(10, 10, FormatRGBA)
	b, _ := pool.Get(10, 10, FormatRGBA)
	require.ElementsMatch(t, []*ImageBitmap{second, third}, []*ImageBitmap{a, b})
}

func TestBitmapPoolUnwrapsCacheWrappers(t *testing.T) {
	pool := NewBitmapPool(0)
	inner := NewImageBitmap(4, 4, FormatRGBA)
	require.True(t, pool.Put(&cachedBitmap{Bitmap: inner}))
	got, ok := pool.Get(4, 4, FormatRGBA)
	require.True(t, ok)
	require.Same(t, inner, got)
}

func TestBitmapPoolNil(t *testing.T) {
	var pool *BitmapPool
	b := pool.GetOrCreate(3, 3, FormatGray)
	require.Equal(t, FormatGray, b.Format())
	require.False(t, pool.Put(b))
	pool.Free(b)
	pool.Clear()
	pool.SetDisabled(true)
	require.Equal(t, PoolStats{}, pool.Stats())
}

func TestBitmapPoolConcurrent(t *testing.T) {
	pool := NewBitmapPool(64 * 64 * 4 * 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b := pool.GetOrCreate(64, 64, FormatRGBA)
				pool.Free(b)
			}
		}()
	}
	wg.Wait()

	stats := pool.Stats()
	require.LessOrEqual(t, stats.Count, 8)
	require.Equal(t, 8*200, stats.Hits+stats.Misses)
}
