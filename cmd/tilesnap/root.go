package main

import (
	"fmt"
	"image"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tingold/subsampling"
)

var (
	version = "0.1.0"
	verbose bool

	containerWidth  int
	containerHeight int
	tileWidth       int
	tileHeight      int
)

var rootCmd = &cobra.Command{
	Use:   "tilesnap",
	Short: "Inspect and render very large images tile by tile",
	Long: `tilesnap drives the subsampling engine outside of a viewer.

It shows how an image would be split into tiles for every sample size and
renders a single viewport from tiles decoded at the matching sample size,
composed over a thumbnail.

Sources may be local paths or http(s) URLs served with range requests.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().IntVar(&containerWidth, "container-width", 1080, "viewer width in pixels")
	rootCmd.PersistentFlags().IntVar(&containerHeight, "container-height", 1920, "viewer height in pixels")
	rootCmd.PersistentFlags().IntVar(&tileWidth, "tile-width", 0, "maximum tile width (0 = half the container)")
	rootCmd.PersistentFlags().IntVar(&tileHeight, "tile-height", 0, "maximum tile height (0 = half the container)")
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"tilesnap %s (%s/%s, %s)\n",
		version, runtime.GOOS, runtime.GOARCH, runtime.Version(),
	))
}

// newLogger returns a debug logger on stderr when --verbose is set
func newLogger() *slog.Logger {
	if !verbose {
		return nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// openSource maps a path or URL to an image source
func openSource(location string) subsampling.ImageSource {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return subsampling.NewHTTPImageSource(location, nil)
	}
	return subsampling.NewFileImageSource(location)
}

func containerSize() subsampling.Size {
	return subsampling.Size{Width: containerWidth, Height: containerHeight}
}

// tileMaxSize returns the --tile-* flags, or half the container
func tileMaxSize() subsampling.Size {
	if tileWidth > 0 && tileHeight > 0 {
		return subsampling.Size{Width: tileWidth, Height: tileHeight}
	}
	return subsampling.CalculatePreferredTileSize(containerSize())
}

// fitSize returns the size of imageSize scaled down to fit into bounds,
// keeping the aspect ratio. It never scales up.
func fitSize(imageSize, bounds subsampling.Size) subsampling.Size {
	if imageSize.Width <= bounds.Width && imageSize.Height <= bounds.Height {
		return imageSize
	}
	ratio := min(
		float64(bounds.Width)/float64(imageSize.Width),
		float64(bounds.Height)/float64(imageSize.Height),
	)
	return subsampling.Size{
		Width:  max(int(float64(imageSize.Width)*ratio+0.5), 1),
		Height: max(int(float64(imageSize.Height)*ratio+0.5), 1),
	}
}

// parseRect parses "x0,y0,x1,y1"
func parseRect(s string) (image.Rectangle, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return image.Rectangle{}, fmt.Errorf("invalid rect %q: want x0,y0,x1,y1", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("invalid rect %q: %w", s, err)
		}
		v[i] = n
	}
	return image.Rect(v[0], v[1], v[2], v[3]), nil
}
