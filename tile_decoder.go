package subsampling

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// TileDecoder decodes tiles with a growing set of RegionDecoder handles.
// It starts with one handle and opens more, up to maxHandles, only when
// concurrent Decode calls find every handle busy. Handles are kept until
// Close. Decode is safe for concurrent use.
type TileDecoder struct {
	key        string
	open       func() (RegionDecoder, error)
	sem        *semaphore.Weighted
	maxHandles int
	timeout    time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	free    []RegionDecoder
	handles int
	closed  bool
}

// TileDecoderConfig configures NewTileDecoder
type TileDecoderConfig struct {
	// MaxHandles caps the number of open handles; <= 0 means runtime.NumCPU()
	MaxHandles int

	// Timeout bounds a single decode; 0 means no limit
	Timeout time.Duration

	Logger *slog.Logger
}

// NewTileDecoder opens the first handle eagerly so that a source that cannot
// be decoded at all fails here rather than once per tile.
func NewTileDecoder(key string, open func() (RegionDecoder, error), cfg TileDecoderConfig) (*TileDecoder, error) {
	maxHandles := cfg.MaxHandles
	if maxHandles <= 0 {
		maxHandles = runtime.NumCPU()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}

	first, err := open()
	if err != nil {
		return nil, fmt.Errorf("failed to open decoder for %s: %w", key, err)
	}

	return &TileDecoder{
		key:        key,
		open:       open,
		sem:        semaphore.NewWeighted(int64(maxHandles)),
		maxHandles: maxHandles,
		timeout:    cfg.Timeout,
		logger:     logger,
		free:       []RegionDecoder{first},
		handles:    1,
	}, nil
}

// Decode decodes rect at sampleSize. It waits for a free handle when all
// maxHandles are busy. Failures are returned as *DecodeError; calls made
// after Close fail with ErrSourceClosed.
func (d *TileDecoder) Decode(ctx context.Context, rect image.Rectangle, sampleSize int) (Bitmap, error) {
	if d.isClosed() {
		return nil, ErrSourceClosed
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, d.decodeError(rect, sampleSize, err)
	}
	defer d.sem.Release(1)

	handle, err := d.acquire()
	if err != nil {
		return nil, d.decodeError(rect, sampleSize, err)
	}

	bitmap, err := handle.DecodeRegion(ctx, rect, sampleSize)
	d.release(handle)
	if err != nil {
		return nil, d.decodeError(rect, sampleSize, err)
	}
	return bitmap, nil
}

func (d *TileDecoder) decodeError(rect image.Rectangle, sampleSize int, err error) error {
	if errors.Is(err, ErrSourceClosed) {
		return err
	}
	return &DecodeError{Key: d.key, Rect: rect, SampleSize: sampleSize, Err: err}
}

// acquire pops a free handle or opens a new one. The semaphore guarantees
// that a new handle never exceeds maxHandles.
func (d *TileDecoder) acquire() (RegionDecoder, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrSourceClosed
	}
	if n := len(d.free); n > 0 {
		handle := d.free[n-1]
		d.free = d.free[:n-1]
		d.mu.Unlock()
		return handle, nil
	}
	d.handles++
	count := d.handles
	d.mu.Unlock()

	handle, err := d.open()
	if err != nil {
		d.mu.Lock()
		d.handles--
		d.mu.Unlock()
		return nil, fmt.Errorf("failed to open decoder: %w", err)
	}
	d.logger.Debug("opened decoder handle", "image", d.key, "handles", count, "max", d.maxHandles)
	return handle, nil
}

// release returns a handle to the free list, or closes it if the decoder
// was closed while the handle was busy.
func (d *TileDecoder) release(handle RegionDecoder) {
	d.mu.Lock()
	if !d.closed {
		d.free = append(d.free, handle)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	if err := handle.Close(); err != nil {
		d.logger.Warn("failed to close decoder handle", "image", d.key, "error", err)
	}
}

func (d *TileDecoder) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// HandleCount returns the number of handles opened so far
func (d *TileDecoder) HandleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles
}

// Close closes every idle handle. Busy handles are closed when their decode
// finishes.
func (d *TileDecoder) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	free := d.free
	d.free = nil
	d.mu.Unlock()

	var firstErr error
	for _, handle := range free {
		if err := handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
