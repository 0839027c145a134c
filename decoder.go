package subsampling

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"sync"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// RegionDecoder decodes rectangles of one image. A RegionDecoder is a single
// stateful handle and is not safe for concurrent use; TileDecoder pools them.
type RegionDecoder interface {
	// DecodeRegion decodes rect (original image coordinates) downsampled by
	// sampleSize.
	DecodeRegion(ctx context.Context, rect image.Rectangle, sampleSize int) (Bitmap, error)
	Close() error
}

// DecodeConfig is shared by every handle of one image
type DecodeConfig struct {
	Pool *BitmapPool

	// LegacyRegionRounding rounds every sampled region up, see SampledRegionSize
	LegacyRegionRounding bool
}

// RegionDecoderFactory creates the handle opener for an image. The returned
// function is called once per handle, possibly from several goroutines.
type RegionDecoderFactory func(src ImageSource, info ImageInfo, cfg DecodeConfig) (func() (RegionDecoder, error), error)

// NewRegionDecoderFactory is the default RegionDecoderFactory. Tiled and
// stripped TIFF images are decoded region by region straight from the stream;
// everything else is decoded once and shared by the handles.
func NewRegionDecoderFactory(src ImageSource, info ImageInfo, cfg DecodeConfig) (func() (RegionDecoder, error), error) {
	if info.MimeType == MimeTypeTIFF {
		if err := probeTIFFRegionSupport(src); err == nil {
			return func() (RegionDecoder, error) {
				return newTIFFRegionDecoder(src, info, cfg)
			}, nil
		}
	}

	shared := &sharedImage{src: src}
	return func() (RegionDecoder, error) {
		return &imageRegionDecoder{shared: shared, info: info, cfg: cfg}, nil
	}, nil
}

// sharedImage decodes the source at most once. The decoded image is only read
// afterwards, so every handle may sample from it concurrently.
type sharedImage struct {
	src  ImageSource
	once sync.Once
	img  image.Image
	err  error
}

func (s *sharedImage) get() (image.Image, error) {
	s.once.Do(func() {
		stream, err := s.src.OpenStream()
		if err != nil {
			s.err = fmt.Errorf("failed to open %s: %w", s.src.Key(), err)
			return
		}
		defer stream.Close()

		img, _, err := image.Decode(stream)
		if err != nil {
			s.err = fmt.Errorf("failed to decode %s: %w", s.src.Key(), err)
			return
		}
		s.img = img
	})
	return s.img, s.err
}

// imageRegionDecoder crops and downsamples a fully decoded image
type imageRegionDecoder struct {
	shared *sharedImage
	info   ImageInfo
	cfg    DecodeConfig
	closed bool
}

func (d *imageRegionDecoder) DecodeRegion(ctx context.Context, rect image.Rectangle, sampleSize int) (Bitmap, error) {
	if d.closed {
		return nil, ErrSourceClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := d.shared.get()
	if err != nil {
		return nil, err
	}
	if sampleSize < 1 || rect.Empty() || !rect.In(img.Bounds()) {
		return nil, fmt.Errorf("%w: %v at sample size %d in %v", ErrInvalidRegion, rect, sampleSize, img.Bounds())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := SampledRegionSize(SizeOf(rect), sampleSize, d.info.MimeType, d.cfg.LegacyRegionRounding)
	return scaleInto(d.cfg.Pool, img, rect, size)
}

func (d *imageRegionDecoder) Close() error {
	d.closed = true
	return nil
}

// scaleInto draws src[rect] into a pooled RGBA bitmap of the given size
func scaleInto(pool *BitmapPool, src image.Image, rect image.Rectangle, size Size) (*ImageBitmap, error) {
	bitmap := pool.GetOrCreate(size.Width, size.Height, FormatRGBA)
	dst := bitmap.DrawImage()
	if dst.Bounds().Dx() < size.Width || dst.Bounds().Dy() < size.Height {
		pool.Free(bitmap)
		return nil, fmt.Errorf("%w: %v for %s", ErrBitmapTooSmall, dst.Bounds(), size)
	}

	if SizeOf(rect) == size {
		draw.Draw(dst, dst.Bounds(), src, rect.Min, draw.Src)
	} else {
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, rect, xdraw.Src, nil)
	}
	return bitmap, nil
}

// scaleWindow resamples the window (x0, y0)-(x1, y1) of src, given in src
// coordinates with fractional edges, into a new bitmap of size.
func scaleWindow(pool *BitmapPool, src image.Image, x0, y0, x1, y1 float64, size Size) (*ImageBitmap, error) {
	bitmap := pool.GetOrCreate(size.Width, size.Height, FormatRGBA)
	dst := bitmap.DrawImage()
	if dst.Bounds().Dx() < size.Width || dst.Bounds().Dy() < size.Height {
		pool.Free(bitmap)
		return nil, fmt.Errorf("%w: %v for %s", ErrBitmapTooSmall, dst.Bounds(), size)
	}

	sx := float64(size.Width) / (x1 - x0)
	sy := float64(size.Height) / (y1 - y0)
	srcToDst := f64.Aff3{
		sx, 0, -x0 * sx,
		0, sy, -y0 * sy,
	}
	xdraw.ApproxBiLinear.Transform(dst, srcToDst, src, src.Bounds(), xdraw.Src, nil)
	return bitmap, nil
}
