package subsampling

import (
	"sync"
)

// DefaultBitmapPoolBytes bounds the memory parked in a BitmapPool (64MB)
const DefaultBitmapPoolBytes = 64 * 1024 * 1024

// BitmapPool recycles decoded tile buffers keyed by width, height and format.
//
// Every operation, including allocation on a miss, runs under a single mutex.
// Freed buffers therefore can never be outpaced by a burst of fresh
// allocations while scrolling fast, which is what keeps peak memory flat.
//
// A nil *BitmapPool is valid: it always allocates and never retains.
type BitmapPool struct {
	mu       sync.Mutex
	maxBytes int
	bytes    int
	disabled bool
	free     []*ImageBitmap // oldest first
	stats    PoolStats
}

// PoolStats counts pool traffic
type PoolStats struct {
	Hits     int
	Misses   int
	Puts     int
	Rejected int
	Evicted  int
	Count    int
	Bytes    int
}

// NewBitmapPool creates a pool holding at most maxBytes of free buffers.
// maxBytes <= 0 selects DefaultBitmapPoolBytes.
func NewBitmapPool(maxBytes int) *BitmapPool {
	if maxBytes <= 0 {
		maxBytes = DefaultBitmapPoolBytes
	}
	return &BitmapPool{maxBytes: maxBytes}
}

// Get returns a pooled bitmap matching the request, if one is free
func (p *BitmapPool) Get(width, height int, format PixelFormat) (*ImageBitmap, bool) {
	if p == nil {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.takeLocked(width, height, format)
}

// GetOrCreate returns a pooled bitmap or allocates a new one. Allocation
// happens under the pool lock.
func (p *BitmapPool) GetOrCreate(width, height int, format PixelFormat) *ImageBitmap {
	if p == nil {
		return NewImageBitmap(width, height, format)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.takeLocked(width, height, format); ok {
		return b
	}
	return NewImageBitmap(width, height, format)
}

func (p *BitmapPool) takeLocked(width, height int, format PixelFormat) (*ImageBitmap, bool) {
	if !p.disabled {
		for i := len(p.free) - 1; i >= 0; i-- {
			b := p.free[i]
			if b.format == format && b.Width() == width && b.Height() == height {
				p.free = append(p.free[:i], p.free[i+1:]...)
				p.bytes -= b.ByteCount()
				p.stats.Hits++
				return b, true
			}
		}
	}
	p.stats.Misses++
	return nil, false
}

// Put parks a bitmap for reuse. It returns false when the bitmap cannot be
// pooled (foreign implementation, hardware format, disabled pool or larger
// than the whole pool); the caller then drops it.
func (p *BitmapPool) Put(b Bitmap) bool {
	if p == nil || b == nil {
		return false
	}
	ib, ok := unwrapBitmap(b)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !ok || p.disabled || !ib.format.Reusable() || ib.ByteCount() > p.maxBytes {
		p.stats.Rejected++
		return false
	}

	p.free = append(p.free, ib)
	p.bytes += ib.ByteCount()
	p.stats.Puts++
	for p.bytes > p.maxBytes && len(p.free) > 0 {
		oldest := p.free[0]
		p.free = p.free[1:]
		p.bytes -= oldest.ByteCount()
		p.stats.Evicted++
	}
	return true
}

// Free returns b to the pool when possible and otherwise lets it go
func (p *BitmapPool) Free(b Bitmap) {
	_ = p.Put(b)
}

// SetDisabled turns reuse off (and empties the pool) or back on
func (p *BitmapPool) SetDisabled(disabled bool) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled = disabled
	if disabled {
		p.free = nil
		p.bytes = 0
	}
}

// Clear drops every free bitmap
func (p *BitmapPool) Clear() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = nil
	p.bytes = 0
}

// Stats returns a copy of the pool counters
func (p *BitmapPool) Stats() PoolStats {
	if p == nil {
		return PoolStats{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Count = len(p.free)
	s.Bytes = p.bytes
	return s
}
