package subsampling

import (
	"fmt"
	"image"
	"image/draw"
)

// PixelFormat is the memory layout of a bitmap
type PixelFormat int

const (
	FormatRGBA PixelFormat = iota
	FormatNRGBA
	FormatGray
	// FormatHardware stands for buffers owned by a GPU or compositor. They are
	// never recycled through a BitmapPool.
	FormatHardware
)

func (f PixelFormat) String() string {
	switch f {
	case FormatRGBA:
		return "RGBA"
	case FormatNRGBA:
		return "NRGBA"
	case FormatGray:
		return "Gray"
	case FormatHardware:
		return "Hardware"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// Reusable reports whether buffers of this format may go back to a pool
func (f PixelFormat) Reusable() bool {
	return f == FormatRGBA || f == FormatNRGBA || f == FormatGray
}

// Bitmap is a decoded pixel buffer. Implementations other than ImageBitmap
// (for example cache-owned wrappers) must delegate to one.
type Bitmap interface {
	Image() image.Image
	Width() int
	Height() int
	Format() PixelFormat
	ByteCount() int
}

// ImageBitmap is the in-memory Bitmap produced by the region decoders
type ImageBitmap struct {
	img    draw.Image
	format PixelFormat
}

// NewImageBitmap allocates a bitmap of the given size and format
func NewImageBitmap(width, height int, format PixelFormat) *ImageBitmap {
	r := image.Rect(0, 0, width, height)
	var img draw.Image
	switch format {
	case FormatNRGBA:
		img = image.NewNRGBA(r)
	case FormatGray:
		img = image.NewGray(r)
	default:
		img = image.NewRGBA(r)
	}
	return &ImageBitmap{img: img, format: format}
}

func (b *ImageBitmap) Image() image.Image { return b.img }

// DrawImage returns the mutable image backing the bitmap
func (b *ImageBitmap) DrawImage() draw.Image { return b.img }

func (b *ImageBitmap) Width() int { return b.img.Bounds().Dx() }

func (b *ImageBitmap) Height() int { return b.img.Bounds().Dy() }

func (b *ImageBitmap) Format() PixelFormat { return b.format }

func (b *ImageBitmap) ByteCount() int {
	switch img := b.img.(type) {
	case *image.RGBA:
		return len(img.Pix)
	case *image.NRGBA:
		return len(img.Pix)
	case *image.Gray:
		return len(img.Pix)
	default:
		return b.Width() * b.Height() * 4
	}
}

func (b *ImageBitmap) String() string {
	return fmt.Sprintf("ImageBitmap(%dx%d %s)", b.Width(), b.Height(), b.format)
}

// unwrapBitmap returns the ImageBitmap behind b, if any
func unwrapBitmap(b Bitmap) (*ImageBitmap, bool) {
	for {
		switch v := b.(type) {
		case *ImageBitmap:
			return v, true
		case interface{ Unwrap() Bitmap }:
			b = v.Unwrap()
		default:
			return nil, false
		}
	}
}
