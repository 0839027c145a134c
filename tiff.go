package subsampling

import (
	"encoding/binary"
	"fmt"
	"io"
)

// TIFF constants
const (
	tiffMagicLE = 0x4949 // "II" little-endian
	tiffMagicBE = 0x4D4D // "MM" big-endian
	tiffVersion = 42
)

// TIFF tags used by the region decoder
const (
	tagNewSubfileType  = 254
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagExtraSamples    = 338
	tagSampleFormat    = 339
)

// Compression types
const (
	compressionNone        = 1
	compressionLZW         = 5
	compressionDeflate     = 8
	compressionDeflateOld  = 32946
	compressionZSTD        = 50000
	photometricWhiteIsZero = 0
	photometricBlackIsZero = 1
	photometricRGB         = 2
	predictorHorizontal    = 2
	extraSampleAssociated  = 1
	subfileReducedImage    = 1
	subfileMask            = 4
)

// tiffTypeSizes is the byte size of each TIFF field type
var tiffTypeSizes = [...]int{0, 1, 1, 2, 4, 8, 1, 1, 2, 4, 8, 4, 8}

// tiffIFD is the part of an image file directory the region decoder needs.
// Strips are treated as tiles spanning the full image width.
type tiffIFD struct {
	width, height   int
	chunkWidth      int
	chunkHeight     int
	tiled           bool
	subfileType     uint64
	bitsPerSample   []uint64
	samplesPerPixel int
	compression     uint64
	photometric     uint64
	planarConfig    uint64
	predictor       uint64
	extraSamples    []uint64
	sampleFormat    []uint64
	offsets         []uint64
	byteCounts      []uint64
}

// chunksAcross returns the number of tiles (or strips) per row
func (ifd *tiffIFD) chunksAcross() int {
	return ceilDiv(ifd.width, ifd.chunkWidth)
}

// chunksDown returns the number of tile (or strip) rows
func (ifd *tiffIFD) chunksDown() int {
	return ceilDiv(ifd.height, ifd.chunkHeight)
}

// validate checks that the directory can be decoded region by region
func (ifd *tiffIFD) validate() error {
	if ifd.width <= 0 || ifd.height <= 0 || ifd.chunkWidth <= 0 || ifd.chunkHeight <= 0 {
		return fmt.Errorf("%w: missing dimensions", ErrUnsupportedTIFF)
	}
	if ifd.samplesPerPixel < 1 || ifd.samplesPerPixel > 4 {
		return fmt.Errorf("%w: %d samples per pixel", ErrUnsupportedTIFF, ifd.samplesPerPixel)
	}
	for _, bits := range ifd.bitsPerSample {
		if bits != 8 {
			return fmt.Errorf("%w: %d bits per sample", ErrUnsupportedTIFF, bits)
		}
	}
	for _, format := range ifd.sampleFormat {
		if format != 1 {
			return fmt.Errorf("%w: sample format %d", ErrUnsupportedTIFF, format)
		}
	}
	if ifd.planarConfig != 1 {
		return fmt.Errorf("%w: planar configuration %d", ErrUnsupportedTIFF, ifd.planarConfig)
	}
	switch ifd.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateOld, compressionZSTD:
	default:
		return fmt.Errorf("%w: compression %d", ErrUnsupportedTIFF, ifd.compression)
	}
	switch ifd.photometric {
	case photometricWhiteIsZero, photometricBlackIsZero:
	case photometricRGB:
		if ifd.samplesPerPixel < 3 {
			return fmt.Errorf("%w: RGB with %d samples", ErrUnsupportedTIFF, ifd.samplesPerPixel)
		}
	default:
		return fmt.Errorf("%w: photometric interpretation %d", ErrUnsupportedTIFF, ifd.photometric)
	}
	if ifd.predictor != 1 && ifd.predictor != predictorHorizontal {
		return fmt.Errorf("%w: predictor %d", ErrUnsupportedTIFF, ifd.predictor)
	}
	chunks := ifd.chunksAcross() * ifd.chunksDown()
	if len(ifd.offsets) < chunks || len(ifd.byteCounts) < chunks {
		return fmt.Errorf("%w: %d chunk offsets for %d chunks", ErrUnsupportedTIFF, len(ifd.offsets), chunks)
	}
	return nil
}

// hasAssociatedAlpha reports whether the extra sample is premultiplied alpha
func (ifd *tiffIFD) hasAssociatedAlpha() bool {
	return len(ifd.extraSamples) > 0 && ifd.extraSamples[0] == extraSampleAssociated
}

// tiffFile holds the parsed directories of a classic (non-Big) TIFF
type tiffFile struct {
	byteOrder binary.ByteOrder
	ifds      []*tiffIFD
}

// maxTIFFDirectories guards against IFD chains that loop
const maxTIFFDirectories = 64

// readTIFF parses the header and every image file directory
func readTIFF(r io.ReadSeeker) (*tiffFile, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to TIFF header: %w", err)
	}

	// Header: magic + version + first IFD offset
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read TIFF header: %w", err)
	}

	tf := &tiffFile{}
	switch binary.LittleEndian.Uint16(header[0:2]) {
	case tiffMagicLE:
		tf.byteOrder = binary.LittleEndian
	case tiffMagicBE:
		tf.byteOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("invalid TIFF magic: 0x%04x", binary.LittleEndian.Uint16(header[0:2]))
	}
	if version := tf.byteOrder.Uint16(header[2:4]); version != tiffVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedTIFF, version)
	}

	offset := tf.byteOrder.Uint32(header[4:8])
	for offset != 0 {
		if len(tf.ifds) == maxTIFFDirectories {
			return nil, fmt.Errorf("%w: more than %d directories", ErrUnsupportedTIFF, maxTIFFDirectories)
		}
		ifd, next, err := tf.readIFD(r, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to read IFD %d: %w", len(tf.ifds), err)
		}
		tf.ifds = append(tf.ifds, ifd)
		offset = next
	}
	if len(tf.ifds) == 0 {
		return nil, fmt.Errorf("%w: no image directory", ErrUnsupportedTIFF)
	}
	return tf, nil
}

// readIFD reads one directory at offset and returns the next directory offset
func (tf *tiffFile) readIFD(r io.ReadSeeker, offset uint32) (*tiffIFD, uint32, error) {
	if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("failed to seek to IFD: %w", err)
	}
	countBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, countBuf); err != nil {
		return nil, 0, fmt.Errorf("failed to read tag count: %w", err)
	}
	tagCount := int(tf.byteOrder.Uint16(countBuf))

	// All entries plus the next IFD offset in a single read
	entries := make([]byte, tagCount*12+4)
	if _, err := io.ReadFull(r, entries); err != nil {
		return nil, 0, fmt.Errorf("failed to read IFD entries: %w", err)
	}

	ifd := &tiffIFD{
		samplesPerPixel: 1,
		compression:     compressionNone,
		photometric:     photometricBlackIsZero,
		planarConfig:    1,
		predictor:       1,
	}
	var rowsPerStrip uint64
	var stripOffsets, stripByteCounts []uint64

	for i := 0; i < tagCount; i++ {
		entry := entries[i*12 : i*12+12]
		tag := tf.byteOrder.Uint16(entry[0:2])
		switch tag {
		case tagNewSubfileType, tagImageWidth, tagImageLength, tagBitsPerSample, tagCompression,
			tagPhotometric, tagStripOffsets, tagSamplesPerPixel, tagRowsPerStrip, tagStripByteCounts,
			tagPlanarConfig, tagPredictor, tagTileWidth, tagTileLength, tagTileOffsets,
			tagTileByteCounts, tagExtraSamples, tagSampleFormat:
		default:
			continue
		}

		values, err := tf.readEntryValues(r, entry)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read tag %d: %w", tag, err)
		}
		if len(values) == 0 {
			continue
		}

		switch tag {
		case tagNewSubfileType:
			ifd.subfileType = values[0]
		case tagImageWidth:
			ifd.width = int(values[0])
		case tagImageLength:
			ifd.height = int(values[0])
		case tagBitsPerSample:
			ifd.bitsPerSample = values
		case tagCompression:
			ifd.compression = values[0]
		case tagPhotometric:
			ifd.photometric = values[0]
		case tagStripOffsets:
			stripOffsets = values
		case tagSamplesPerPixel:
			ifd.samplesPerPixel = int(values[0])
		case tagRowsPerStrip:
			rowsPerStrip = values[0]
		case tagStripByteCounts:
			stripByteCounts = values
		case tagPlanarConfig:
			ifd.planarConfig = values[0]
		case tagPredictor:
			ifd.predictor = values[0]
		case tagTileWidth:
			ifd.chunkWidth = int(values[0])
			ifd.tiled = true
		case tagTileLength:
			ifd.chunkHeight = int(values[0])
		case tagTileOffsets:
			ifd.offsets = values
		case tagTileByteCounts:
			ifd.byteCounts = values
		case tagExtraSamples:
			ifd.extraSamples = values
		case tagSampleFormat:
			ifd.sampleFormat = values
		}
	}

	if !ifd.tiled {
		ifd.chunkWidth = ifd.width
		ifd.chunkHeight = ifd.height
		if rowsPerStrip > 0 && int(rowsPerStrip) < ifd.height {
			ifd.chunkHeight = int(rowsPerStrip)
		}
		ifd.offsets = stripOffsets
		ifd.byteCounts = stripByteCounts
	}

	next := tf.byteOrder.Uint32(entries[tagCount*12:])
	return ifd, next, nil
}

// readEntryValues returns the integer values of a 12-byte IFD entry. Values
// of at most 4 bytes are stored inline, larger ones at the given offset.
func (tf *tiffFile) readEntryValues(r io.ReadSeeker, entry []byte) ([]uint64, error) {
	typ := int(tf.byteOrder.Uint16(entry[2:4]))
	count := int(tf.byteOrder.Uint32(entry[4:8]))
	if typ <= 0 || typ >= len(tiffTypeSizes) {
		return nil, fmt.Errorf("%w: field type %d", ErrUnsupportedTIFF, typ)
	}
	size := tiffTypeSizes[typ]
	if count < 0 || count > 1<<24 {
		return nil, fmt.Errorf("%w: %d values", ErrUnsupportedTIFF, count)
	}

	raw := entry[8:12]
	if size*count > 4 {
		raw = make([]byte, size*count)
		if _, err := r.Seek(int64(tf.byteOrder.Uint32(entry[8:12])), io.SeekStart); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, err
		}
	}

	values := make([]uint64, count)
	for i := range values {
		switch size {
		case 1:
			values[i] = uint64(raw[i])
		case 2:
			values[i] = uint64(tf.byteOrder.Uint16(raw[i*2:]))
		case 4:
			values[i] = uint64(tf.byteOrder.Uint32(raw[i*4:]))
		case 8:
			// Rationals and doubles are not needed for decoding pixels
			values[i] = uint64(tf.byteOrder.Uint32(raw[i*8:]))
		}
	}
	return values, nil
}
