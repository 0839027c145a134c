package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/tingold/subsampling"
)

var infoScale float32

var infoCmd = &cobra.Command{
	Use:   "info <source>",
	Short: "Print image info and the tile grid of every sample size",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func init() {
	infoCmd.Flags().Float32VarP(&infoScale, "scale", "s", 1, "viewport scale to report the sample size for")
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	src := openSource(args[0])
	info, err := subsampling.ReadImageInfo(src)
	if err != nil {
		return err
	}

	imageSize := info.Size()
	thumbnailSize := fitSize(imageSize, containerSize())
	maxTile := tileMaxSize()

	fmt.Printf("  Image:       %s\n", src.Key())
	fmt.Printf("  Size:        %s\n", imageSize)
	fmt.Printf("  Mime type:   %s\n", info.MimeType)
	fmt.Printf("  Thumbnail:   %s (container %s)\n", thumbnailSize, containerSize())
	fmt.Printf("  Tile max:    %s\n", maxTile)

	if err := subsampling.CanUseSubsampling(info, thumbnailSize); err != nil {
		fmt.Printf("  Subsampling: disabled (%v)\n", err)
		return nil
	}
	fmt.Printf("  Subsampling: enabled\n")
	fmt.Printf("  Sample size: %d at scale %.2f\n",
		subsampling.FindSampleSize(imageSize, thumbnailSize, infoScale), infoScale)
	fmt.Println()

	maxSampleSize := subsampling.MaxSampleSizeForThumbnail(imageSize, thumbnailSize)
	grid := subsampling.CalculateTileGridMap(imageSize, maxTile, maxSampleSize)
	sampleSizes := make([]int, 0, len(grid))
	for sampleSize := range grid {
		sampleSizes = append(sampleSizes, sampleSize)
	}
	sort.Ints(sampleSizes)

	fmt.Printf("  %-12s %-10s %-8s %s\n", "Sample size", "Grid", "Tiles", "Largest tile (sampled)")
	for _, sampleSize := range sampleSizes {
		tiles := grid[sampleSize]
		last := tiles[len(tiles)-1].Coordinate
		largest := subsampling.Size{}
		for _, tile := range tiles {
			sampled := subsampling.SampledSize(subsampling.SizeOf(tile.SourceRect), sampleSize, info.MimeType)
			largest.Width = max(largest.Width, sampled.Width)
			largest.Height = max(largest.Height, sampled.Height)
		}
		fmt.Printf("  %-12d %-10s %-8d %s\n",
			sampleSize, fmt.Sprintf("%dx%d", last.X+1, last.Y+1), len(tiles), largest)
	}
	fmt.Println()
	return nil
}
