// Package overlay draws debug views of a scan: anchors, mapped bubble
// positions and analysis results.
package overlay

import (
	"fmt"
	"image"
	"sort"
	"strings"

	"omr-scanner/internal/anchor"
	"omr-scanner/internal/bubble"
	omrimage "omr-scanner/internal/image"
	"omr-scanner/internal/resolve"
	"omr-scanner/internal/scan"
	"omr-scanner/pkg/colorutil"
	"omr-scanner/pkg/geometry"

	"gocv.io/x/gocv"
)

const (
	circleThickness = 2
	anchorThickness = 3
	darknessScale   = 5 // outline thickness per unit of darkness
	fillHalfSize    = 8 // radius of the dot marking a filled bubble
)

// Render draws the richest view the snapshot supports: results once
// analyzed, positions once mapped, otherwise anchors only. The caller must
// Close the returned Mat.
func Render(snap scan.Snapshot, radius int) (gocv.Mat, error) {
	if snap.Sheet == nil {
		return gocv.Mat{}, scan.ErrNoImage
	}
	var anchors map[anchor.Name]anchor.Anchor
	if snap.Detection != nil {
		anchors = snap.Detection.Anchors
	}
	if snap.Analysis != nil {
		return Results(snap.Sheet.Image, snap.Positions, snap.Analysis, anchors, radius)
	}
	return Positions(snap.Sheet.Image, snap.Positions, anchors, radius)
}

// Positions draws each mapped bubble as an outline in its option colour,
// labels each row, and boxes the anchors.
func Positions(img image.Image, positions map[int]map[string]geometry.Point2D, anchors map[anchor.Name]anchor.Anchor, radius int) (gocv.Mat, error) {
	dst, err := omrimage.ToMat(img)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("overlay: %w", err)
	}

	for _, q := range sortedQuestions(positions) {
		opts := positions[q]
		for _, opt := range sortedOptions(opts) {
			c := pixel(opts[opt])
			col := colorutil.OptionColor(opt)
			gocv.Circle(&dst, c, radius, col, circleThickness)
			gocv.PutText(&dst, opt, image.Pt(c.X-5, c.Y-8), gocv.FontHersheyPlain, 1.0, col, 1)
		}
		if a, ok := opts["A"]; ok {
			c := pixel(a)
			gocv.PutText(&dst, fmt.Sprintf("Q%d", q), image.Pt(max(0, c.X-30-radius), c.Y+4),
				gocv.FontHersheyPlain, 1.0, colorutil.Black, 1)
		}
	}
	drawAnchors(&dst, anchors)
	return dst, nil
}

// Results draws each analyzed bubble with an outline whose thickness grows
// with darkness, a dot on filled bubbles, and the resolved answer per row.
func Results(img image.Image, positions map[int]map[string]geometry.Point2D, analysis *scan.Analysis, anchors map[anchor.Name]anchor.Anchor, radius int) (gocv.Mat, error) {
	dst, err := omrimage.ToMat(img)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("overlay: %w", err)
	}
	if analysis == nil {
		return dst, nil
	}

	for _, q := range sortedQuestions(positions) {
		opts := positions[q]
		for _, opt := range sortedOptions(opts) {
			res, ok := analysis.Results[q][opt]
			if !ok {
				continue
			}
			drawResult(&dst, pixel(opts[opt]), opt, res, radius)
		}
		if ans, ok := analysis.Answers[q]; ok {
			drawAnswer(&dst, q, ans, opts, radius)
		}
	}
	drawAnchors(&dst, anchors)
	return dst, nil
}

func drawResult(dst *gocv.Mat, c image.Point, opt string, res bubble.Result, radius int) {
	col := colorutil.OptionColor(opt)
	thickness := max(1, int(res.DarknessScore*darknessScale))
	gocv.Circle(dst, c, radius, col, thickness)
	if res.IsFilled {
		gocv.Circle(dst, c, fillHalfSize, col, -1)
	}
}

func drawAnswer(dst *gocv.Mat, q int, ans resolve.Resolution, opts map[string]geometry.Point2D, radius int) {
	if !ans.Answered() {
		return
	}
	p, ok := opts[ans.Option]
	if !ok {
		return
	}
	c := pixel(p)
	label := fmt.Sprintf("Q%d->%s", q, ans.Option)
	if ans.Status == resolve.StatusMultipleMarks {
		label += "*"
	}
	gocv.PutText(dst, label, image.Pt(max(0, c.X-radius-60), max(10, c.Y-radius-4)),
		gocv.FontHersheyPlain, 1.0, colorutil.Black, 1)
}

func drawAnchors(dst *gocv.Mat, anchors map[anchor.Name]anchor.Anchor) {
	for _, name := range anchor.Names {
		a, ok := anchors[name]
		if !ok {
			continue
		}
		rect := image.Rect(a.X, a.Y, a.X+a.Width, a.Y+a.Height)
		gocv.Rectangle(dst, rect, colorutil.Yellow, anchorThickness)
		gocv.PutText(dst, anchorLabel(name), image.Pt(a.X+2, a.Y+a.Height+14),
			gocv.FontHersheyPlain, 1.0, colorutil.Yellow, 1)
	}
}

// Save writes a Mat to path; the format follows the extension.
func Save(path string, mat gocv.Mat) error {
	if mat.Empty() {
		return fmt.Errorf("overlay: nothing to save")
	}
	if !gocv.IMWrite(path, mat) {
		return fmt.Errorf("overlay: failed to write %s", path)
	}
	return nil
}

func anchorLabel(n anchor.Name) string {
	words := strings.Split(string(n), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func pixel(p geometry.Point2D) image.Point {
	t := p.Truncate()
	return image.Pt(t.X, t.Y)
}

func sortedQuestions(positions map[int]map[string]geometry.Point2D) []int {
	qs := make([]int, 0, len(positions))
	for q := range positions {
		qs = append(qs, q)
	}
	sort.Ints(qs)
	return qs
}

func sortedOptions(opts map[string]geometry.Point2D) []string {
	out := make([]string, 0, len(opts))
	for o := range opts {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}
