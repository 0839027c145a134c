package subsampling

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"sort"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/image/tiff/lzw"
)

// tiffLevel is one resolution of a TIFF: the full image or an overview
type tiffLevel struct {
	ifd    *tiffIFD
	factor int
}

// probeTIFFRegionSupport reports whether src can be decoded region by region
func probeTIFFRegionSupport(src ImageSource) error {
	stream, err := src.OpenStream()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src.Key(), err)
	}
	defer stream.Close()

	tf, err := readTIFF(stream)
	if err != nil {
		return err
	}
	return tf.ifds[0].validate()
}

// tiffRegionDecoder reads only the tiles or strips a region touches, from
// the overview closest to the requested sample size.
type tiffRegionDecoder struct {
	key    string
	stream io.ReadSeekCloser
	levels []tiffLevel // ascending factor, levels[0] is the full image
	info   ImageInfo
	cfg    DecodeConfig
	zstd   *zstd.Decoder
	closed bool
}

func newTIFFRegionDecoder(src ImageSource, info ImageInfo, cfg DecodeConfig) (RegionDecoder, error) {
	stream, err := src.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", src.Key(), err)
	}
	tf, err := readTIFF(stream)
	if err != nil {
		stream.Close()
		return nil, err
	}
	full := tf.ifds[0]
	if err := full.validate(); err != nil {
		stream.Close()
		return nil, err
	}

	return &tiffRegionDecoder{
		key:    src.Key(),
		stream: stream,
		levels: overviewLevels(tf),
		info:   info,
		cfg:    cfg,
	}, nil
}

// overviewLevels returns the full resolution image followed by every usable
// reduced-resolution directory whose size is the full size divided by a power
// of two.
func overviewLevels(tf *tiffFile) []tiffLevel {
	full := tf.ifds[0]
	levels := []tiffLevel{{ifd: full, factor: 1}}
	seen := map[int]bool{1: true}

	for _, ifd := range tf.ifds[1:] {
		if ifd.subfileType&subfileMask != 0 || ifd.width <= 0 || ifd.height <= 0 {
			continue
		}
		if ifd.validate() != nil {
			continue
		}
		for factor := 2; factor <= full.width; factor *= 2 {
			if ifd.width == ceilDiv(full.width, factor) && ifd.height == ceilDiv(full.height, factor) {
				if !seen[factor] {
					seen[factor] = true
					levels = append(levels, tiffLevel{ifd: ifd, factor: factor})
				}
				break
			}
		}
	}

	sort.Slice(levels, func(i, j int) bool { return levels[i].factor < levels[j].factor })
	return levels
}

// levelFor picks the coarsest level whose factor divides sampleSize
func (d *tiffRegionDecoder) levelFor(sampleSize int) tiffLevel {
	best := d.levels[0]
	for _, level := range d.levels[1:] {
		if level.factor <= sampleSize && sampleSize%level.factor == 0 {
			best = level
		}
	}
	return best
}

func (d *tiffRegionDecoder) DecodeRegion(ctx context.Context, rect image.Rectangle, sampleSize int) (Bitmap, error) {
	if d.closed {
		return nil, ErrSourceClosed
	}
	full := d.levels[0].ifd
	bounds := image.Rect(0, 0, full.width, full.height)
	if sampleSize < 1 || rect.Empty() || !rect.In(bounds) {
		return nil, fmt.Errorf("%w: %v at sample size %d in %v", ErrInvalidRegion, rect, sampleSize, bounds)
	}

	level := d.levelFor(sampleSize)
	f := level.factor
	levelRect := image.Rect(
		rect.Min.X/f, rect.Min.Y/f,
		ceilDiv(rect.Max.X, f), ceilDiv(rect.Max.Y, f),
	).Intersect(image.Rect(0, 0, level.ifd.width, level.ifd.height))

	region := d.cfg.Pool.GetOrCreate(levelRect.Dx(), levelRect.Dy(), FormatRGBA)
	if err := d.readRegion(ctx, level.ifd, levelRect, region.DrawImage().(*image.RGBA)); err != nil {
		d.cfg.Pool.Free(region)
		return nil, err
	}

	size := SampledRegionSize(SizeOf(rect), sampleSize, d.info.MimeType, d.cfg.LegacyRegionRounding)
	if SizeOf(levelRect) == size {
		return region, nil
	}
	defer d.cfg.Pool.Free(region)

	// levelRect was rounded outward to whole level pixels. Resample only the
	// window rect covers so unaligned tiles are not shifted.
	x0, x1 := levelSpan(rect.Min.X, rect.Max.X, full.width, f, levelRect.Min.X, levelRect.Max.X)
	y0, y1 := levelSpan(rect.Min.Y, rect.Max.Y, full.height, f, levelRect.Min.Y, levelRect.Max.Y)
	origin := region.Image().Bounds().Min
	if x0 == 0 && y0 == 0 && x1 == float64(levelRect.Dx()) && y1 == float64(levelRect.Dy()) {
		return scaleInto(d.cfg.Pool, region.Image(), region.Image().Bounds(), size)
	}
	return scaleWindow(d.cfg.Pool, region.Image(),
		float64(origin.X)+x0, float64(origin.Y)+y0,
		float64(origin.X)+x1, float64(origin.Y)+y1, size)
}

// levelSpan maps [start, end) of the full image onto a level reduced by factor,
// relative to the level pixels [levelMin, levelMax) that were read. The image
// edge maps to the level edge since the last level pixel covers the remainder.
func levelSpan(start, end, fullSize, factor, levelMin, levelMax int) (float64, float64) {
	lo := float64(start)/float64(factor) - float64(levelMin)
	hi := float64(end)/float64(factor) - float64(levelMin)
	if end == fullSize {
		hi = float64(levelMax - levelMin)
	}
	return lo, hi
}

// readRegion fills dst with the pixels of levelRect
func (d *tiffRegionDecoder) readRegion(ctx context.Context, ifd *tiffIFD, levelRect image.Rectangle, dst *image.RGBA) error {
	cw, ch := ifd.chunkWidth, ifd.chunkHeight
	across := ifd.chunksAcross()

	for cy := levelRect.Min.Y / ch; cy <= (levelRect.Max.Y-1)/ch; cy++ {
		for cx := levelRect.Min.X / cw; cx <= (levelRect.Max.X-1)/cw; cx++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			index := cy*across + cx
			data, err := d.readChunk(ifd, index, cy)
			if err != nil {
				return fmt.Errorf("failed to read chunk %d of %s: %w", index, d.key, err)
			}
			chunkRect := image.Rect(cx*cw, cy*ch, cx*cw+cw, cy*ch+ch)
			copyChunk(ifd, data, chunkRect, levelRect, dst)
		}
	}
	return nil
}

// readChunk reads and decompresses one tile or strip
func (d *tiffRegionDecoder) readChunk(ifd *tiffIFD, index, chunkRow int) ([]byte, error) {
	offset := int64(ifd.offsets[index])
	byteCount := int64(ifd.byteCounts[index])

	rows := ifd.chunkHeight
	if !ifd.tiled {
		rows = min(ifd.chunkHeight, ifd.height-chunkRow*ifd.chunkHeight)
	}
	rowBytes := ifd.chunkWidth * ifd.samplesPerPixel
	expected := rowBytes * rows

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if _, err := d.stream.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := buf.ReadFrom(io.LimitReader(d.stream, byteCount)); err != nil {
		return nil, err
	}
	if int64(buf.Len()) != byteCount {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := d.decompress(ifd.compression, buf.B)
	if err != nil {
		return nil, err
	}
	if len(data) < expected {
		return nil, fmt.Errorf("%w: chunk has %d bytes, want %d", ErrUnsupportedTIFF, len(data), expected)
	}

	if ifd.predictor == predictorHorizontal {
		undoHorizontalPredictor(data[:expected], rowBytes, ifd.samplesPerPixel)
	}
	return data, nil
}

// decompress returns a fresh slice; the input belongs to a pooled buffer.
func (d *tiffRegionDecoder) decompress(compression uint64, data []byte) ([]byte, error) {
	switch compression {
	case compressionNone:
		return append([]byte(nil), data...), nil
	case compressionLZW:
		r := lzw.NewReader(bytes.NewReader(data), lzw.MSB, 8)
		defer r.Close()
		return io.ReadAll(r)
	case compressionDeflate, compressionDeflateOld:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case compressionZSTD:
		if d.zstd == nil {
			dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
			}
			d.zstd = dec
		}
		return d.zstd.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("%w: compression %d", ErrUnsupportedTIFF, compression)
	}
}

// undoHorizontalPredictor reverses TIFF predictor 2 for 8-bit samples
func undoHorizontalPredictor(data []byte, rowBytes, samplesPerPixel int) {
	for row := 0; row+rowBytes <= len(data); row += rowBytes {
		line := data[row : row+rowBytes]
		for i := samplesPerPixel; i < len(line); i++ {
			line[i] += line[i-samplesPerPixel]
		}
	}
}

// copyChunk converts the part of a chunk inside levelRect to premultiplied
// RGBA at the matching position of dst.
func copyChunk(ifd *tiffIFD, data []byte, chunkRect, levelRect image.Rectangle, dst *image.RGBA) {
	area := chunkRect.Intersect(levelRect)
	spp := ifd.samplesPerPixel
	associated := ifd.hasAssociatedAlpha()
	invert := ifd.photometric == photometricWhiteIsZero

	for y := area.Min.Y; y < area.Max.Y; y++ {
		src := ((y-chunkRect.Min.Y)*ifd.chunkWidth + (area.Min.X - chunkRect.Min.X)) * spp
		out := dst.PixOffset(area.Min.X-levelRect.Min.X, y-levelRect.Min.Y)
		for x := area.Min.X; x < area.Max.X; x++ {
			var r, g, b, a uint8
			switch spp {
			case 1, 2:
				r = data[src]
				if invert {
					r = 255 - r
				}
				g, b, a = r, r, 255
				if spp == 2 {
					a = data[src+1]
				}
			default:
				r, g, b, a = data[src], data[src+1], data[src+2], 255
				if spp == 4 {
					a = data[src+3]
				}
			}
			if a != 255 && !associated {
				r = uint8(uint16(r) * uint16(a) / 255)
				g = uint8(uint16(g) * uint16(a) / 255)
				b = uint8(uint16(b) * uint16(a) / 255)
			}
			dst.Pix[out+0] = r
			dst.Pix[out+1] = g
			dst.Pix[out+2] = b
			dst.Pix[out+3] = a
			src += spp
			out += 4
		}
	}
}

func (d *tiffRegionDecoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.zstd != nil {
		d.zstd.Close()
	}
	return d.stream.Close()
}
