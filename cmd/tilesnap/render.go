package main

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/tingold/subsampling"
	"golang.org/x/sync/errgroup"
)

var (
	renderOut         string
	renderTilesDir    string
	renderScale       float32
	renderRect        string
	renderWorkers     int
	renderCacheTiles  int
	renderTimeout     time.Duration
	renderLegacyRound bool
)

var renderCmd = &cobra.Command{
	Use:   "render <source>",
	Short: "Render one viewport from subsampled tiles",
	Long: `Loads the tiles one viewport needs, waits until they are decoded and
writes the viewport composed over the thumbnail. With --tiles every loaded
tile is written as its own PNG as well.

The visible rect is given in thumbnail (content) coordinates.`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

func init() {
	renderCmd.Flags().StringVarP(&renderOut, "out", "o", "viewport.png", "output image")
	renderCmd.Flags().StringVar(&renderTilesDir, "tiles", "", "directory to export every loaded tile to")
	renderCmd.Flags().Float32VarP(&renderScale, "scale", "s", 1, "viewport scale")
	renderCmd.Flags().StringVarP(&renderRect, "rect", "r", "", "visible content rect x0,y0,x1,y1 (default: top-left container)")
	renderCmd.Flags().IntVarP(&renderWorkers, "workers", "w", 0, "decoder handles (0 = NumCPU)")
	renderCmd.Flags().IntVar(&renderCacheTiles, "cache-tiles", subsampling.DefaultTileCacheEntries, "tiles kept in the memory cache")
	renderCmd.Flags().DurationVar(&renderTimeout, "timeout", 2*time.Minute, "give up after this long")
	renderCmd.Flags().BoolVar(&renderLegacyRound, "legacy-rounding", false, "round every decoded region up")
	rootCmd.AddCommand(renderCmd)
}

func runRender(cmd *cobra.Command, args []string) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(cmd.Context(), renderTimeout)
	defer cancel()

	src := openSource(args[0])
	info, err := subsampling.ReadImageInfo(src)
	if err != nil {
		return err
	}
	thumbnailSize := fitSize(info.Size(), containerSize())
	thumbnail, err := decodeThumbnail(ctx, src, info, thumbnailSize)
	if err != nil {
		return err
	}

	visible := image.Rect(0, 0,
		min(thumbnailSize.Width, int(float32(containerWidth)/renderScale)),
		min(thumbnailSize.Height, int(float32(containerHeight)/renderScale)),
	)
	if renderRect != "" {
		if visible, err = parseRect(renderRect); err != nil {
			return err
		}
	}
	visible = visible.Intersect(thumbnailSize.Rect())
	if visible.Empty() {
		return fmt.Errorf("visible rect is outside the content %s", thumbnailSize)
	}

	pool := subsampling.NewBitmapPool(0)
	cache, err := subsampling.NewLRUTileCache(renderCacheTiles, pool)
	if err != nil {
		return err
	}
	timeline := subsampling.NewManualTimeline()
	engine := subsampling.New(
		subsampling.WithTimeline(timeline),
		subsampling.WithBitmapPool(pool),
		subsampling.WithMemoryCache(cache),
		subsampling.WithDecodeConcurrency(renderWorkers),
		subsampling.WithTileMaxSize(tileMaxSize()),
		subsampling.WithTileAnimation(subsampling.AnimationSpec{}),
		subsampling.WithLegacyRegionRounding(renderLegacyRound),
		subsampling.WithLogger(newLogger()),
	)
	defer engine.Close()

	engine.SetContainerSize(containerSize())
	engine.SetContentSize(thumbnailSize)
	engine.SetImageSource(src, thumbnailSize)
	engine.SetViewport(subsampling.Viewport{Scale: renderScale, ContentVisibleRect: visible})

	foreground, background, err := waitForTiles(ctx, engine, timeline)
	if err != nil {
		return err
	}

	canvas := composeViewport(thumbnail, thumbnailSize, info.Size(), visible, renderScale, background, foreground)
	if err := imaging.Save(canvas, renderOut); err != nil {
		return fmt.Errorf("write %s: %w", renderOut, err)
	}

	exported := 0
	if renderTilesDir != "" {
		if exported, err = exportTiles(ctx, renderTilesDir, foreground); err != nil {
			return err
		}
	}

	stats := pool.Stats()
	fmt.Println()
	fmt.Printf("  Image:       %s (%s %s)\n", src.Key(), info.Size(), info.MimeType)
	fmt.Printf("  Sample size: %d\n", engine.SampleSize())
	fmt.Printf("  Load rect:   %v\n", engine.ImageLoadRect())
	fmt.Printf("  Covered:     %v\n", subsampling.CoveredRect(background, foreground))
	fmt.Printf("  Tiles:       %d foreground, %d cached\n", len(foreground), cache.Len())
	fmt.Printf("  Pool:        %d hits, %d misses, %d parked\n", stats.Hits, stats.Misses, stats.Count)
	if exported > 0 {
		fmt.Printf("  Exported:    %d tiles to %s\n", exported, renderTilesDir)
	}
	fmt.Printf("  Output:      %s\n", renderOut)
	fmt.Printf("  Time:        %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Println()
	return nil
}

// decodeThumbnail decodes the whole image at the coarsest useful sample size
// and fits it to size.
func decodeThumbnail(ctx context.Context, src subsampling.ImageSource, info subsampling.ImageInfo, size subsampling.Size) (image.Image, error) {
	open, err := subsampling.NewRegionDecoderFactory(src, info, subsampling.DecodeConfig{})
	if err != nil {
		return nil, err
	}
	decoder, err := open()
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	sampleSize := max(subsampling.MaxSampleSizeForThumbnail(info.Size(), size), 1)
	bitmap, err := decoder.DecodeRegion(ctx, info.Size().Rect(), sampleSize)
	if err != nil {
		return nil, fmt.Errorf("decode thumbnail: %w", err)
	}
	return imaging.Resize(bitmap.Image(), size.Width, size.Height, imaging.Lanczos), nil
}

// waitForTiles runs the timeline until every foreground tile inside the load
// rect has loaded or failed.
func waitForTiles(ctx context.Context, engine *subsampling.Engine, timeline *subsampling.ManualTimeline) (foreground, background []subsampling.TileSnapshot, err error) {
	var bar *progressbar.ProgressBar
	loaded := 0
	for {
		if err := timeline.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("waiting for tiles: %w", err)
		}
		timeline.RunPending()

		if err := engine.Err(); err != nil {
			return nil, nil, err
		}
		if !engine.Ready() {
			continue
		}

		foreground, background = engine.TileSnapshots()
		loadRect := engine.ImageLoadRect()
		pending, done := 0, 0
		for _, tile := range foreground {
			if !tile.SourceRect.Overlaps(loadRect) {
				continue
			}
			switch tile.State {
			case subsampling.TileStateLoaded, subsampling.TileStateError:
				done++
			default:
				pending++
			}
		}
		if bar == nil && pending+done > 0 {
			bar = progressbar.NewOptions(pending+done, progressbar.OptionShowCount(), progressbar.OptionSetDescription("tiles"))
		}
		if bar != nil && done > loaded {
			bar.Add(done - loaded)
			loaded = done
		}
		if pending == 0 {
			if bar != nil {
				bar.Finish()
				fmt.Println()
			}
			return foreground, background, nil
		}
	}
}

// composeViewport draws the visible part of the thumbnail scaled to the
// viewport, then every tile over it in draw order.
func composeViewport(thumbnail image.Image, contentSize, imageSize subsampling.Size, visible image.Rectangle, scale float32, layers ...[]subsampling.TileSnapshot) image.Image {
	outW := max(int(float32(visible.Dx())*scale), 1)
	outH := max(int(float32(visible.Dy())*scale), 1)
	canvas := imaging.Resize(imaging.Crop(thumbnail, visible), outW, outH, imaging.Linear)

	// original image pixel -> viewport pixel
	sx := float64(contentSize.Width) / float64(imageSize.Width) * float64(scale)
	sy := float64(contentSize.Height) / float64(imageSize.Height) * float64(scale)
	ox := float64(visible.Min.X) * float64(scale)
	oy := float64(visible.Min.Y) * float64(scale)

	for _, tiles := range layers {
		for _, tile := range tiles {
			if tile.Bitmap == nil {
				continue
			}
			x0 := int(float64(tile.SourceRect.Min.X)*sx - ox)
			y0 := int(float64(tile.SourceRect.Min.Y)*sy - oy)
			x1 := int(float64(tile.SourceRect.Max.X)*sx - ox + 0.5)
			y1 := int(float64(tile.SourceRect.Max.Y)*sy - oy + 0.5)
			if x1 <= x0 || y1 <= y0 || x1 <= 0 || y1 <= 0 || x0 >= outW || y0 >= outH {
				continue
			}
			scaled := imaging.Resize(tile.Bitmap.Image(), x1-x0, y1-y0, imaging.Linear)
			canvas = imaging.Overlay(canvas, scaled, image.Pt(x0, y0), float64(max(tile.Alpha, 0))/255)
		}
	}
	return canvas
}

// exportTiles writes every loaded tile as tile_<sampleSize>_<col>_<row>.png
func exportTiles(ctx context.Context, dir string, tiles []subsampling.TileSnapshot) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create tiles dir: %w", err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(max(renderWorkers, 4))
	count := 0
	for _, tile := range tiles {
		if tile.Bitmap == nil {
			continue
		}
		count++
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := fmt.Sprintf("tile_%d_%d_%d.png", tile.SampleSize, tile.Coordinate.X, tile.Coordinate.Y)
			return imaging.Save(tile.Bitmap.Image(), filepath.Join(dir, name))
		})
	}
	return count, group.Wait()
}
