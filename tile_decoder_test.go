package subsampling

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOpener hands out fakeRegionDecoders that share its counters. With a
// gate, every decode blocks until the gate is closed or ctx is done.
type fakeOpener struct {
	gate    chan struct{}
	err     error
	openErr error

	opened atomic.Int32
	closed atomic.Int32
	calls  atomic.Int32
	active atomic.Int32
	peak   atomic.Int32
}

func (o *fakeOpener) open() (RegionDecoder, error) {
	if o.openErr != nil {
		return nil, o.openErr
	}
	o.opened.Add(1)
	return &fakeRegionDecoder{opener: o}, nil
}

type fakeRegionDecoder struct {
	opener *fakeOpener
	busy   atomic.Bool
}

func (d *fakeRegionDecoder) DecodeRegion(ctx context.Context, rect image.Rectangle, sampleSize int) (Bitmap, error) {
	o := d.opener
	if !d.busy.CompareAndSwap(false, true) {
		return nil, errors.New("handle used concurrently")
	}
	defer d.busy.Store(false)

	o.calls.Add(1)
	active := o.active.Add(1)
	defer o.active.Add(-1)
	for {
		peak := o.peak.Load()
		if active <= peak || o.peak.CompareAndSwap(peak, active) {
			break
		}
	}

	if o.gate != nil {
		select {
		case <-o.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if o.err != nil {
		return nil, o.err
	}
	size := SampledSize(SizeOf(rect), sampleSize, MimeTypeJPEG)
	return NewImageBitmap(size.Width, size.Height, FormatRGBA), nil
}

func (d *fakeRegionDecoder) Close() error {
	d.opener.closed.Add(1)
	return nil
}

func TestTileDecoderOpensFirstHandleEagerly(t *testing.T) {
	opener := &fakeOpener{}
	d, err := NewTileDecoder("img", opener.open, TileDecoderConfig{MaxHandles: 4})
	require.NoError(t, err)
	require.Equal(t, 1, d.HandleCount())
	require.Equal(t, int32(1), opener.opened.Load())

	bitmap, err := d.Decode(context.Background(), image.Rect(0, 0, 100, 60), 2)
	require.NoError(t, err)
	require.Equal(t, 50, bitmap.Width())
	require.Equal(t, 30, bitmap.Height())
	require.Equal(t, 1, d.HandleCount(), "a sequential decode reuses the first handle")

	failing := &fakeOpener{openErr: errors.New("corrupt")}
	_, err = NewTileDecoder("img", failing.open, TileDecoderConfig{})
	require.Error(t, err)
}

func TestTileDecoderGrowsUpToMaxHandles(t *testing.T) {
	opener := &fakeOpener{gate: make(chan struct{})}
	d, err := NewTileDecoder("img", opener.open, TileDecoderConfig{MaxHandles: 3})
	require.NoError(t, err)
	defer d.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Decode(context.Background(), image.Rect(i, 0, i+10, 10), 1)
			assert.NoError(t, err)
		}(i)
	}

	require.Eventually(t, func() bool { return opener.active.Load() == 3 }, time.Second, time.Millisecond)
	close(opener.gate)
	wg.Wait()

	require.Equal(t, 3, d.HandleCount())
	require.Equal(t, int32(3), opener.peak.Load())
	require.Equal(t, int32(8), opener.calls.Load())
}

func TestTileDecoderWrapsErrors(t *testing.T) {
	cause := errors.New("bad huffman table")
	opener := &fakeOpener{err: cause}
	d, err := NewTileDecoder("photo.jpg", opener.open, TileDecoderConfig{})
	require.NoError(t, err)

	rect := image.Rect(0, 0, 10, 10)
	_, err = d.Decode(context.Background(), rect, 4)
	require.ErrorIs(t, err, cause)

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	require.Equal(t, "photo.jpg", decodeErr.Key)
	require.Equal(t, rect, decodeErr.Rect)
	require.Equal(t, 4, decodeErr.SampleSize)
}

func TestTileDecoderTimeout(t *testing.T) {
	opener := &fakeOpener{gate: make(chan struct{})}
	defer close(opener.gate)
	d, err := NewTileDecoder("img", opener.open, TileDecoderConfig{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = d.Decode(context.Background(), image.Rect(0, 0, 10, 10), 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, d.HandleCount())
}

func TestTileDecoderClose(t *testing.T) {
	opener := &fakeOpener{gate: make(chan struct{})}
	d, err := NewTileDecoder("img", opener.open, TileDecoderConfig{MaxHandles: 2})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := d.Decode(context.Background(), image.Rect(0, 0, 10, 10), 1)
		done <- err
	}()
	require.Eventually(t, func() bool { return opener.active.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	require.Equal(t, int32(0), opener.closed.Load(), "the busy handle stays open")

	close(opener.gate)
	require.NoError(t, <-done)
	require.Equal(t, int32(1), opener.closed.Load(), "the busy handle closes once released")

	_, err = d.Decode(context.Background(), image.Rect(0, 0, 10, 10), 1)
	require.ErrorIs(t, err, ErrSourceClosed)
	var decodeErr *DecodeError
	require.False(t, errors.As(err, &decodeErr))
}
