// Command anchortest runs anchor detection on a scanned sheet and prints
// every candidate, for tuning the anchor parameters against real scans.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"omr-scanner/internal/anchor"
	"omr-scanner/internal/config"
	omrimage "omr-scanner/internal/image"
	"omr-scanner/pkg/geometry"
)

func main() {
	imagePath := flag.String("image", "", "Path to scanned sheet (PNG, JPEG, TIFF, BMP or PDF)")
	configPath := flag.String("config", "", "Optional YAML config")
	threshold := flag.Int("threshold", -1, "Binary threshold override (0-255)")
	maxDist := flag.Float64("max-distance", -1, "Max distance override in px (0 = unbounded)")
	flag.Parse()

	if *imagePath == "" {
		fmt.Println("Usage: anchortest -image <path> [-config omr.yaml] [-threshold 127] [-max-distance 150]")
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	params := cfg.Anchor
	if *threshold >= 0 && *threshold <= 255 {
		params.Threshold = uint8(*threshold)
	}
	if *maxDist >= 0 {
		params.MaxDistance = *maxDist
	}

	sheet, err := omrimage.Load(*imagePath, cfg.Loader.PDFDPI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load image: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %s\n", sheet.Describe())

	fmt.Printf("\nDetection parameters:\n")
	fmt.Printf("  Threshold: %d\n", params.Threshold)
	fmt.Printf("  Expected: %d px squares, %d px from the edges\n", params.Size, params.Margin)
	fmt.Printf("  Contour size: %d-%d px, aspect %.2f-%.2f\n",
		params.ContourMin, params.ContourMax, params.AspectMin, params.AspectMax)
	fmt.Printf("  Max distance: %.0f px\n", params.MaxDistance)

	det := anchor.NewDetector(params)
	candidates, err := det.Candidates(sheet.Image)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Candidate search failed: %v\n", err)
		os.Exit(1)
	}

	w, h := sheet.Width(), sheet.Height()
	expected := det.Expected(w, h)

	fmt.Printf("\n%d square candidates:\n", len(candidates))
	fmt.Printf("%-6s %8s %8s %6s %6s %8s  %s\n", "#", "X", "Y", "W", "H", "Dist", "Nearest")
	fmt.Println(strings.Repeat("-", 60))
	for i, c := range candidates {
		nearest, dist := nearestAnchor(c, expected)
		fmt.Printf("%-6d %8d %8d %6d %6d %8.1f  %s\n", i, c.X, c.Y, c.Width, c.Height, dist, nearest)
	}

	res := det.Match(candidates, w, h)
	fmt.Printf("\nResult: %s (%s)\n", res.Status, res.Message)
	for _, name := range anchor.Names {
		if a, ok := res.Anchors[name]; ok {
			fmt.Printf("  %-13s (%d, %d) %dx%d\n", name, a.X, a.Y, a.Width, a.Height)
		} else {
			fmt.Printf("  %-13s missing\n", name)
		}
	}
	if !res.OK() {
		os.Exit(2)
	}
}

func nearestAnchor(c geometry.RectInt, expected map[anchor.Name]geometry.RectInt) (anchor.Name, float64) {
	var best anchor.Name
	bestDist := -1.0
	for _, name := range anchor.Names {
		d := c.Center().Distance(expected[name].Center())
		if bestDist < 0 || d < bestDist {
			best, bestDist = name, d
		}
	}
	return best, bestDist
}
