// Package bubble measures how dark each answer bubble is on a scanned sheet.
package bubble

import (
	"context"
	"image"
	"runtime"
	"sort"

	"omr-scanner/internal/config"
	"omr-scanner/internal/logging"
	"omr-scanner/pkg/geometry"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// Result is the measurement of one bubble. The zero value is the result
// reported for samples that could not be taken.
type Result struct {
	DarknessScore float64 `json:"darkness_score"`
	IsFilled      bool    `json:"is_filled"`
	Confidence    float64 `json:"confidence"`
}

// Analyzer samples bubbles with a fixed radius and fill threshold.
type Analyzer struct {
	cfg     config.AnalysisConfig
	workers int
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(cfg config.AnalysisConfig) *Analyzer {
	return &Analyzer{cfg: cfg, workers: runtime.NumCPU()}
}

// Config returns the analyzer's parameters.
func (a *Analyzer) Config() config.AnalysisConfig {
	return a.cfg
}

// WithThreshold returns a copy using a different fill threshold.
func (a *Analyzer) WithThreshold(t float64) *Analyzer {
	c := *a
	c.cfg.FilledThreshold = t
	return &c
}

// WithWorkers returns a copy that fans out over at most n goroutines.
func (a *Analyzer) WithWorkers(n int) *Analyzer {
	c := *a
	c.workers = max(n, 1)
	return &c
}

// Analyze samples the circle of AnalysisRadius around (cx, cy). The centre
// is truncated to whole pixels. A window that would leave the image yields
// the zero Result; it is never clamped.
func (a *Analyzer) Analyze(p *Plane, cx, cy float64) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.For(logging.ComponentBubble).Warn("bubble sample failed",
				"x", cx, "y", cy, "panic", r)
			res = Result{}
		}
	}()

	if p.empty() {
		return Result{}
	}

	x, y := int(cx), int(cy)
	r := a.cfg.AnalysisRadius
	if x-r < 0 || x+r >= p.width || y-r < 0 || y+r >= p.height {
		return Result{}
	}

	samples := make([]float64, 0, (2*r+1)*(2*r+1))
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				samples = append(samples, p.At(x+dx, y+dy))
			}
		}
	}
	if len(samples) == 0 {
		return Result{}
	}

	mean, std := stat.PopMeanStdDev(samples, nil)
	darkness := (255 - mean) / 255
	return Result{
		DarknessScore: darkness,
		IsFilled:      darkness >= a.cfg.FilledThreshold,
		Confidence:    clamp01(1 - std/100),
	}
}

// AnalyzeImage is Analyze on a plane built from img.
func (a *Analyzer) AnalyzeImage(img image.Image, cx, cy float64) Result {
	return a.Analyze(NewPlane(img), cx, cy)
}

// AnalyzeAll measures every positioned bubble, one question per goroutine.
// It fails only when ctx is cancelled.
func (a *Analyzer) AnalyzeAll(ctx context.Context, p *Plane, positions map[int]map[string]geometry.Point2D) (map[int]map[string]Result, error) {
	questions := make([]int, 0, len(positions))
	for q := range positions {
		questions = append(questions, q)
	}
	sort.Ints(questions)

	perQuestion := make([]map[string]Result, len(questions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.workers, 1))
	for i, q := range questions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			opts := positions[q]
			m := make(map[string]Result, len(opts))
			for opt, pt := range opts {
				m[opt] = a.Analyze(p, pt.X, pt.Y)
			}
			perQuestion[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[int]map[string]Result, len(questions))
	for i, q := range questions {
		out[q] = perQuestion[i]
	}
	logging.For(logging.ComponentBubble).Debug("analyzed bubbles",
		"questions", len(questions),
		"threshold", a.cfg.FilledThreshold)
	return out, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
