package subsampling

import (
	"fmt"
	"image"
	"math"

	"github.com/paulmach/orb"
)

// Size is a width/height pair in pixels
type Size struct {
	Width  int
	Height int
}

// IsEmpty reports whether either dimension is not positive
func (s Size) IsEmpty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// Rect returns the rectangle (0,0)-(Width,Height)
func (s Size) Rect() image.Rectangle {
	return image.Rect(0, 0, s.Width, s.Height)
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// SizeOf returns the size of a rectangle
func SizeOf(r image.Rectangle) Size {
	return Size{Width: r.Dx(), Height: r.Dy()}
}

// maxSampleSizeExponent keeps 1<<exp inside an int on every platform.
const maxSampleSizeExponent = 30

// FindSampleSize returns the power-of-two sample size at which the original
// image should be decoded so that it matches the thumbnail displayed at scale.
// It returns 0 when scale is not positive or either size is empty.
//
// The ratio imageWidth/(thumbnailWidth*scale) is rounded to one decimal before
// the nearest power of two is taken, so the result only changes at fixed scale
// thresholds and never increases as scale grows.
func FindSampleSize(imageSize, thumbnailSize Size, scale float32) int {
	if scale <= 0 || imageSize.IsEmpty() || thumbnailSize.IsEmpty() {
		return 0
	}

	factor := float64(imageSize.Width) / (float64(thumbnailSize.Width) * float64(scale))
	factor = math.Round(factor*10) / 10
	if factor <= 0 {
		return 1
	}

	exp := math.Round(math.Log2(factor))
	if exp <= 0 {
		return 1
	}
	if exp > maxSampleSizeExponent {
		exp = maxSampleSizeExponent
	}
	return 1 << int(exp)
}

// MaxSampleSizeForThumbnail returns the coarsest sample size worth building
// tiles for: beyond it a tile carries no more detail than the thumbnail.
func MaxSampleSizeForThumbnail(imageSize, thumbnailSize Size) int {
	return FindSampleSize(imageSize, thumbnailSize, 1)
}

// CalculatePreferredTileSize returns the default maximum tile size for a
// container, half of the container in each direction.
func CalculatePreferredTileSize(containerSize Size) Size {
	return Size{
		Width:  max(containerSize.Width/2, 1),
		Height: max(containerSize.Height/2, 1),
	}
}

// CalculateTileGridMap partitions the image into tiles for every sample size
// 1, 2, 4, ... The sampled size of every tile is at most tileMaxSize. Building
// stops at the first level made of a single tile, or once the next level would
// exceed maxSampleSize (maxSampleSize <= 0 disables that bound).
//
// Tiles are ordered row-major. Column and row boundaries are spread evenly
// across the image, so each level covers the image exactly with no empty tile.
func CalculateTileGridMap(imageSize, tileMaxSize Size, maxSampleSize int) map[int][]*Tile {
	grid := make(map[int][]*Tile)
	if imageSize.IsEmpty() || tileMaxSize.IsEmpty() {
		return grid
	}

	for sampleSize := 1; ; sampleSize *= 2 {
		cols := tileCount(imageSize.Width, tileMaxSize.Width, sampleSize)
		rows := tileCount(imageSize.Height, tileMaxSize.Height, sampleSize)

		tiles := make([]*Tile, 0, cols*rows)
		for row := 0; row < rows; row++ {
			top := row * imageSize.Height / rows
			bottom := (row + 1) * imageSize.Height / rows
			for col := 0; col < cols; col++ {
				left := col * imageSize.Width / cols
				right := (col + 1) * imageSize.Width / cols
				tiles = append(tiles, newTile(
					image.Pt(col, row),
					image.Rect(left, top, right, bottom),
					sampleSize,
				))
			}
		}
		grid[sampleSize] = tiles

		if cols*rows == 1 {
			break
		}
		if maxSampleSize > 0 && sampleSize*2 > maxSampleSize {
			break
		}
		if sampleSize >= 1<<maxSampleSizeExponent {
			break
		}
	}

	return grid
}

// tileCount returns the smallest number of tiles along one axis whose
// widest member, once sampled, fits in maxLength.
func tileCount(length, maxLength, sampleSize int) int {
	count := 1
	for ceilDiv(ceilDiv(length, count), sampleSize) > maxLength {
		count++
	}
	return count
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// CalculateImageLoadRect maps the visible part of the content into original
// image coordinates, pads it by half a tile on each axis as a pre-fetch margin
// and clamps it to the image. The zero rectangle is returned when any input is
// empty.
func CalculateImageLoadRect(imageSize, contentSize, tileMaxSize Size, contentVisibleRect image.Rectangle) image.Rectangle {
	if imageSize.IsEmpty() || contentSize.IsEmpty() || tileMaxSize.IsEmpty() || contentVisibleRect.Empty() {
		return image.Rectangle{}
	}

	widthScale := float64(imageSize.Width) / float64(contentSize.Width)
	heightScale := float64(imageSize.Height) / float64(contentSize.Height)

	// Round outward before padding so the mapped rect always covers the
	// visible content completely.
	mapped := orb.Bound{
		Min: orb.Point{
			math.Floor(float64(contentVisibleRect.Min.X) * widthScale),
			math.Floor(float64(contentVisibleRect.Min.Y) * heightScale),
		},
		Max: orb.Point{
			math.Ceil(float64(contentVisibleRect.Max.X) * widthScale),
			math.Ceil(float64(contentVisibleRect.Max.Y) * heightScale),
		},
	}

	halfWidth := float64(tileMaxSize.Width) / 2
	halfHeight := float64(tileMaxSize.Height) / 2
	padded := mapped.
		Extend(orb.Point{mapped.Min[0] - halfWidth, mapped.Min[1] - halfHeight}).
		Extend(orb.Point{mapped.Max[0] + halfWidth, mapped.Max[1] + halfHeight})

	imageBound := RectToBound(imageSize.Rect())
	if !padded.Intersects(imageBound) {
		return image.Rectangle{}
	}
	return BoundToRect(padded).Intersect(imageSize.Rect())
}

// CoveredRect returns the smallest rectangle of the original image that holds
// every loaded tile, or the zero rectangle when none is loaded.
func CoveredRect(tiles ...[]TileSnapshot) image.Rectangle {
	var covered orb.Bound
	found := false
	for _, layer := range tiles {
		for _, tile := range layer {
			if tile.State != TileStateLoaded || tile.SourceRect.Empty() {
				continue
			}
			if !found {
				covered, found = RectToBound(tile.SourceRect), true
				continue
			}
			covered = covered.Union(RectToBound(tile.SourceRect))
		}
	}
	if !found {
		return image.Rectangle{}
	}
	return BoundToRect(covered)
}

// BoundToRect rounds a bound outward to integer pixel coordinates
func BoundToRect(b orb.Bound) image.Rectangle {
	return image.Rect(
		int(math.Floor(b.Min[0])),
		int(math.Floor(b.Min[1])),
		int(math.Ceil(b.Max[0])),
		int(math.Ceil(b.Max[1])),
	)
}

// RectToBound converts a pixel rectangle to a bound
func RectToBound(r image.Rectangle) orb.Bound {
	return orb.Bound{
		Min: orb.Point{float64(r.Min.X), float64(r.Min.Y)},
		Max: orb.Point{float64(r.Max.X), float64(r.Max.Y)},
	}
}

// SampledSize returns the size of an image decoded at sampleSize. PNG
// decoding drops the partial last pixel (floor); other formats keep it (ceil).
func SampledSize(size Size, sampleSize int, mimeType string) Size {
	if sampleSize <= 1 {
		return size
	}
	if mimeType == MimeTypePNG {
		return Size{
			Width:  max(size.Width/sampleSize, 1),
			Height: max(size.Height/sampleSize, 1),
		}
	}
	return Size{
		Width:  ceilDiv(size.Width, sampleSize),
		Height: ceilDiv(size.Height, sampleSize),
	}
}

// SampledRegionSize returns the size of a region decoded at sampleSize.
// With legacyRounding every format rounds up, matching region decoders that
// ignore the PNG floor rule.
func SampledRegionSize(region Size, sampleSize int, mimeType string, legacyRounding bool) Size {
	if legacyRounding && sampleSize > 1 {
		return Size{
			Width:  ceilDiv(region.Width, sampleSize),
			Height: ceilDiv(region.Height, sampleSize),
		}
	}
	return SampledSize(region, sampleSize, mimeType)
}

// maxAspectRatioDifference is the largest allowed gap between the width and
// height scale factors of image and thumbnail.
const maxAspectRatioDifference = 1.0

// CanUseSubsampling checks whether tiles can be drawn over the thumbnail.
// The returned error explains why subsampling is disabled for the image.
func CanUseSubsampling(info ImageInfo, thumbnailSize Size) error {
	imageSize := info.Size()
	if imageSize.IsEmpty() || thumbnailSize.IsEmpty() {
		return fmt.Errorf("%w: image %s, thumbnail %s", ErrEmptySize, imageSize, thumbnailSize)
	}
	if thumbnailSize.Width >= imageSize.Width && thumbnailSize.Height >= imageSize.Height {
		return fmt.Errorf("%w: image %s, thumbnail %s", ErrThumbnailNotSmaller, imageSize, thumbnailSize)
	}

	widthScale := float64(imageSize.Width) / float64(thumbnailSize.Width)
	heightScale := float64(imageSize.Height) / float64(thumbnailSize.Height)
	if math.Abs(widthScale-heightScale) > maxAspectRatioDifference {
		return fmt.Errorf("%w: width scale %.2f, height scale %.2f", ErrAspectRatioMismatch, widthScale, heightScale)
	}

	if !IsSupportedMimeType(info.MimeType) {
		return fmt.Errorf("%w: %q", ErrUnsupportedMimeType, info.MimeType)
	}
	return nil
}
