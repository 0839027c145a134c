package subsampling

import (
	"errors"
	"fmt"
	"image"
)

var (
	// ErrSourceClosed is returned by decode calls made after the decoder was closed.
	ErrSourceClosed = errors.New("image source closed")

	ErrEmptySize           = errors.New("empty image or thumbnail size")
	ErrThumbnailNotSmaller = errors.New("thumbnail is not smaller than the image")
	ErrAspectRatioMismatch = errors.New("thumbnail aspect ratio does not match the image")
	ErrUnsupportedMimeType = errors.New("unsupported mime type")

	ErrInvalidRegion   = errors.New("invalid decode region")
	ErrBitmapTooSmall  = errors.New("reused bitmap is smaller than the decoded region")
	ErrUnsupportedTIFF = errors.New("unsupported TIFF layout")
)

// DecodeError describes a failed tile decode
type DecodeError struct {
	Key        string
	Rect       image.Rectangle
	SampleSize int
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode tile %s (rect %v, sample size %d): %v", e.Key, e.Rect, e.SampleSize, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
