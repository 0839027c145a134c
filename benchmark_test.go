package subsampling

import (
	"context"
	"image"
	"sync"
	"testing"
)

// Grid and geometry

func BenchmarkCalculateTileGridMap_8000(b *testing.B) {
	imageSize := Size{8000, 8000}
	tileMaxSize := CalculatePreferredTileSize(Size{1080, 1920})
	maxSampleSize := MaxSampleSizeForThumbnail(imageSize, Size{540, 540})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = CalculateTileGridMap(imageSize, tileMaxSize, maxSampleSize)
	}
}

func BenchmarkCalculateImageLoadRect(b *testing.B) {
	imageSize := Size{8000, 8000}
	contentSize := Size{540, 540}
	tileMaxSize := Size{540, 960}
	visible := image.Rect(100, 120, 300, 380)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = CalculateImageLoadRect(imageSize, contentSize, tileMaxSize, visible)
	}
}

func BenchmarkFindSampleSize(b *testing.B) {
	imageSize := Size{8000, 8000}
	thumbnailSize := Size{540, 540}
	for i := 0; i < b.N; i++ {
		_ = FindSampleSize(imageSize, thumbnailSize, float32(1+i%32))
	}
}

// Region decoding

func benchmarkTIFFRegion(b *testing.B, spec tiffSpec, rect image.Rectangle, sampleSize int, pool *BitmapPool) {
	data := buildTestTIFF(b, spec)
	src := NewBytesImageSource("bench.tif", data)
	info := ImageInfo{Width: spec.width, Height: spec.height, MimeType: MimeTypeTIFF}
	d, err := newTIFFRegionDecoder(src, info, DecodeConfig{Pool: pool})
	if err != nil {
		b.Fatalf("failed to open decoder: %v", err)
	}
	defer d.Close()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bitmap, err := d.DecodeRegion(context.Background(), rect, sampleSize)
		if err != nil {
			b.Fatalf("decode failed: %v", err)
		}
		pool.Free(bitmap)
	}
}

func BenchmarkTIFFRegion_None(b *testing.B) {
	spec := tiffSpec{width: 1024, height: 1024, tileSize: 256, samples: 3, compression: compressionNone}
	benchmarkTIFFRegion(b, spec, image.Rect(128, 128, 640, 640), 1, NewBitmapPool(0))
}

func BenchmarkTIFFRegion_Deflate(b *testing.B) {
	spec := tiffSpec{width: 1024, height: 1024, tileSize: 256, samples: 3, compression: compressionDeflate, predictor: predictorHorizontal}
	benchmarkTIFFRegion(b, spec, image.Rect(128, 128, 640, 640), 1, NewBitmapPool(0))
}

func BenchmarkTIFFRegion_ZSTD(b *testing.B) {
	spec := tiffSpec{width: 1024, height: 1024, tileSize: 256, samples: 3, compression: compressionZSTD}
	benchmarkTIFFRegion(b, spec, image.Rect(128, 128, 640, 640), 1, NewBitmapPool(0))
}

func BenchmarkTIFFRegion_Subsampled(b *testing.B) {
	spec := tiffSpec{width: 1024, height: 1024, tileSize: 256, samples: 3, compression: compressionNone}
	benchmarkTIFFRegion(b, spec, image.Rect(0, 0, 1024, 1024), 4, NewBitmapPool(0))
}

func BenchmarkTIFFRegion_Overview(b *testing.B) {
	spec := tiffSpec{width: 1024, height: 1024, tileSize: 256, samples: 3, compression: compressionNone, overviews: []int{2, 4}}
	benchmarkTIFFRegion(b, spec, image.Rect(0, 0, 1024, 1024), 4, NewBitmapPool(0))
}

func BenchmarkTIFFRegion_NoPool(b *testing.B) {
	spec := tiffSpec{width: 1024, height: 1024, tileSize: 256, samples: 3, compression: compressionNone}
	benchmarkTIFFRegion(b, spec, image.Rect(128, 128, 640, 640), 1, nil)
}

func BenchmarkImageRegion_PNG(b *testing.B) {
	src := NewBytesImageSource("bench.png", encodePNG(b, 1024, 1024))
	info := ImageInfo{Width: 1024, Height: 1024, MimeType: MimeTypePNG}
	pool := NewBitmapPool(0)
	open, err := NewRegionDecoderFactory(src, info, DecodeConfig{Pool: pool})
	if err != nil {
		b.Fatal(err)
	}
	d, err := open()
	if err != nil {
		b.Fatal(err)
	}
	defer d.Close()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bitmap, err := d.DecodeRegion(context.Background(), image.Rect(0, 0, 512, 512), 2)
		if err != nil {
			b.Fatal(err)
		}
		pool.Free(bitmap)
	}
}

// Parallel tile decoding through a TileDecoder, like a refresh dispatching
// every tile of a load rect at once.

func BenchmarkTileDecoder_Parallel(b *testing.B) {
	spec := tiffSpec{width: 2048, height: 2048, tileSize: 256, samples: 3, compression: compressionDeflate}
	src := NewBytesImageSource("bench.tif", buildTestTIFF(b, spec))
	info := ImageInfo{Width: spec.width, Height: spec.height, MimeType: MimeTypeTIFF}
	pool := NewBitmapPool(0)
	open, err := NewRegionDecoderFactory(src, info, DecodeConfig{Pool: pool})
	if err != nil {
		b.Fatal(err)
	}
	decoder, err := NewTileDecoder("bench.tif", open, TileDecoderConfig{})
	if err != nil {
		b.Fatal(err)
	}
	defer decoder.Close()

	grid := CalculateTileGridMap(info.Size(), Size{512, 512}, 0)[1]

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var wg sync.WaitGroup
		for _, tile := range grid {
			wg.Add(1)
			go func(rect image.Rectangle) {
				defer wg.Done()
				bitmap, err := decoder.Decode(context.Background(), rect, 1)
				if err != nil {
					b.Error(err)
					return
				}
				pool.Free(bitmap)
			}(tile.SourceRect)
		}
		wg.Wait()
	}
}

// Pool

func BenchmarkBitmapAlloc(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = NewImageBitmap(540, 960, FormatRGBA)
	}
}

func BenchmarkBitmapPooled(b *testing.B) {
	pool := NewBitmapPool(0)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bitmap := pool.GetOrCreate(540, 960, FormatRGBA)
		pool.Free(bitmap)
	}
}
