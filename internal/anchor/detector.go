package anchor

import (
	"fmt"
	"image"
	"math"
	"strings"

	"omr-scanner/internal/config"
	omrimage "omr-scanner/internal/image"
	"omr-scanner/internal/logging"
	"omr-scanner/pkg/geometry"

	"gocv.io/x/gocv"
)

// MinAnchors is the fewest anchors a usable detection may find.
const MinAnchors = 3

// Detector finds anchor squares with a fixed set of parameters.
type Detector struct {
	cfg config.AnchorConfig
}

// NewDetector creates a detector.
func NewDetector(cfg config.AnchorConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Config returns the detector's parameters.
func (d *Detector) Config() config.AnchorConfig {
	return d.cfg
}

// Detect locates the anchors in img. Problems are reported through the
// result status, never as errors or panics.
func (d *Detector) Detect(img image.Image) (res Result) {
	log := logging.For(logging.ComponentAnchor)
	defer func() {
		if r := recover(); r != nil {
			log.Error("anchor detection panicked", "panic", r)
			res = failure(fmt.Sprintf("anchor detection failed: %v", r))
		}
	}()

	if img == nil || img.Bounds().Empty() {
		return failure("no image to search for anchors")
	}

	candidates, err := d.Candidates(img)
	if err != nil {
		log.Warn("anchor candidate search failed", "error", err)
		return failure(fmt.Sprintf("anchor detection failed: %v", err))
	}

	bounds := img.Bounds()
	res = d.Match(candidates, bounds.Dx(), bounds.Dy())
	log.Debug("anchor detection finished",
		"status", res.Status,
		"found", len(res.Anchors),
		"candidates", res.Candidates)
	return res
}

// Candidates thresholds the image and returns the bounding boxes of every
// external contour shaped like an anchor square, in contour order.
func (d *Detector) Candidates(img image.Image) ([]geometry.RectInt, error) {
	gray, err := omrimage.ToGrayMat(img)
	if err != nil {
		return nil, err
	}
	defer gray.Close()

	// Dark marks become foreground
	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(gray, &binary, float32(d.cfg.Threshold), 255, gocv.ThresholdBinaryInv)

	contours := gocv.FindContours(binary, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var candidates []geometry.RectInt
	for i := 0; i < contours.Size(); i++ {
		r := gocv.BoundingRect(contours.At(i))
		rect := geometry.RectInt{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
		if d.isSquare(rect) {
			candidates = append(candidates, rect)
		}
	}
	return candidates, nil
}

func (d *Detector) isSquare(r geometry.RectInt) bool {
	if r.Width < d.cfg.ContourMin || r.Width > d.cfg.ContourMax {
		return false
	}
	if r.Height < d.cfg.ContourMin || r.Height > d.cfg.ContourMax {
		return false
	}
	aspect := r.Aspect()
	return aspect >= d.cfg.AspectMin && aspect <= d.cfg.AspectMax
}

// Expected returns where each anchor square should sit on an image of the
// given size.
func (d *Detector) Expected(width, height int) map[Name]geometry.RectInt {
	m, s := d.cfg.Margin, d.cfg.Size
	rect := func(x, y int) geometry.RectInt {
		return geometry.RectInt{X: x, Y: y, Width: s, Height: s}
	}
	return map[Name]geometry.RectInt{
		TopLeft:     rect(m, m),
		TopRight:    rect(width-m-s, m),
		BottomLeft:  rect(m, height-m-s),
		BottomRight: rect(width-m-s, height-m-s),
	}
}

// Match assigns candidates to anchor names by nearest centre. Each
// candidate serves at most one anchor, and matches farther than
// MaxDistance are rejected.
func (d *Detector) Match(candidates []geometry.RectInt, width, height int) Result {
	expected := d.Expected(width, height)
	used := make([]bool, len(candidates))
	res := Result{
		Anchors:    make(map[Name]Anchor, len(Names)),
		Candidates: len(candidates),
	}

	for _, name := range Names {
		target := expected[name].Center()
		best := -1
		bestDist := math.Inf(1)
		for i, c := range candidates {
			if used[i] {
				continue
			}
			if dist := c.Center().Distance(target); dist < bestDist {
				best, bestDist = i, dist
			}
		}
		if best < 0 || (d.cfg.MaxDistance > 0 && bestDist > d.cfg.MaxDistance) {
			res.Missing = append(res.Missing, name)
			continue
		}
		used[best] = true
		c := candidates[best]
		res.Anchors[name] = Anchor{Name: name, X: c.X, Y: c.Y, Width: c.Width, Height: c.Height}
	}

	found := len(res.Anchors)
	switch {
	case found == len(Names):
		res.Status = StatusSuccess
		res.Message = "All 4 anchors detected"
	case found >= MinAnchors:
		res.Status = StatusPartial
		res.Message = fmt.Sprintf("Detected %d of 4 anchors; missing %s", found, joinNames(res.Missing))
	default:
		res.Status = StatusFailure
		res.Message = fmt.Sprintf("Detected %d of 4 anchors; at least %d required", found, MinAnchors)
	}
	return res
}

func failure(msg string) Result {
	return Result{
		Status:  StatusFailure,
		Anchors: map[Name]Anchor{},
		Missing: append([]Name(nil), Names...),
		Message: msg,
	}
}

func joinNames(names []Name) string {
	s := make([]string, len(names))
	for i, n := range names {
		s[i] = string(n)
	}
	return strings.Join(s, ", ")
}
