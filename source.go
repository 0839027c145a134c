package subsampling

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Mime types understood by the decoders
const (
	MimeTypeJPEG = "image/jpeg"
	MimeTypePNG  = "image/png"
	MimeTypeWebP = "image/webp"
	MimeTypeBMP  = "image/bmp"
	MimeTypeTIFF = "image/tiff"
	MimeTypeGIF  = "image/gif"
)

// IsSupportedMimeType reports whether tiles can be decoded for the mime type.
// GIF is refused because it may be animated.
func IsSupportedMimeType(mimeType string) bool {
	switch mimeType {
	case MimeTypeJPEG, MimeTypePNG, MimeTypeWebP, MimeTypeBMP, MimeTypeTIFF:
		return true
	default:
		return false
	}
}

// ImageSource provides the bytes of the original image. Every call to
// OpenStream must return an independent stream positioned at the start.
type ImageSource interface {
	// Key identifies the image in caches and logs
	Key() string
	OpenStream() (io.ReadSeekCloser, error)
}

// ImageInfo describes the original image
type ImageInfo struct {
	Width           int
	Height          int
	MimeType        string
	ExifOrientation int
}

// Size returns the image dimensions
func (i ImageInfo) Size() Size {
	return Size{Width: i.Width, Height: i.Height}
}

func (i ImageInfo) String() string {
	return fmt.Sprintf("ImageInfo(%dx%d %s orientation=%d)", i.Width, i.Height, i.MimeType, i.ExifOrientation)
}

// OrientationUndefined is reported when the orientation was not read
const OrientationUndefined = 0

// ReadImageInfo probes the image header without decoding pixels
func ReadImageInfo(src ImageSource) (ImageInfo, error) {
	stream, err := src.OpenStream()
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to open %s: %w", src.Key(), err)
	}
	defer stream.Close()

	cfg, format, err := image.DecodeConfig(stream)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to read image header of %s: %w", src.Key(), err)
	}

	return ImageInfo{
		Width:           cfg.Width,
		Height:          cfg.Height,
		MimeType:        "image/" + format,
		ExifOrientation: OrientationUndefined,
	}, nil
}

type fileImageSource struct {
	path string
}

// NewFileImageSource reads the image from a local file
func NewFileImageSource(path string) ImageSource {
	return &fileImageSource{path: path}
}

func (s *fileImageSource) Key() string { return s.path }

func (s *fileImageSource) OpenStream() (io.ReadSeekCloser, error) {
	return os.Open(s.path)
}

type bytesImageSource struct {
	key  string
	data []byte
}

// NewBytesImageSource serves the image from memory
func NewBytesImageSource(key string, data []byte) ImageSource {
	return &bytesImageSource{key: key, data: data}
}

func (s *bytesImageSource) Key() string { return s.key }

func (s *bytesImageSource) OpenStream() (io.ReadSeekCloser, error) {
	return nopSeekCloser{bytes.NewReader(s.data)}, nil
}

type nopSeekCloser struct {
	io.ReadSeeker
}

func (nopSeekCloser) Close() error { return nil }
