// Package mapper converts anchor-relative bubble offsets from a layout into
// absolute pixel positions on one scanned image.
package mapper

import (
	"sort"

	"omr-scanner/internal/anchor"
	"omr-scanner/internal/layout"
	"omr-scanner/pkg/geometry"
)

// Positions maps question id → option letter → absolute bubble centre.
type Positions map[int]map[string]geometry.Point2D

// Get returns the position of one bubble.
func (p Positions) Get(question int, option string) (geometry.Point2D, bool) {
	pt, ok := p[question][option]
	return pt, ok
}

// Set stores the position of one bubble.
func (p Positions) Set(question int, option string, pt geometry.Point2D) {
	if p[question] == nil {
		p[question] = make(map[string]geometry.Point2D)
	}
	p[question][option] = pt
}

// Count returns the number of positioned bubbles.
func (p Positions) Count() int {
	n := 0
	for _, opts := range p {
		n += len(opts)
	}
	return n
}

// Clone returns a deep copy.
func (p Positions) Clone() Positions {
	out := make(Positions, len(p))
	for q, opts := range p {
		m := make(map[string]geometry.Point2D, len(opts))
		for opt, pt := range opts {
			m[opt] = pt
		}
		out[q] = m
	}
	return out
}

// Result is the outcome of mapping one layout onto one scan.
type Result struct {
	Positions Positions
	// Unpositioned lists, per question, the options whose anchor was not
	// detected. Option letters are sorted.
	Unpositioned map[int][]string
}

// Map computes absolute positions as anchor origin plus relative offset.
// Bubbles that reference a missing anchor are left out of Positions.
func Map(coords layout.BubbleCoordinates, anchors map[anchor.Name]anchor.Anchor) Result {
	res := Result{
		Positions:    make(Positions, len(coords)),
		Unpositioned: make(map[int][]string),
	}
	for q, opts := range coords {
		for opt, b := range opts {
			a, ok := anchors[b.Relative.Anchor]
			if !ok {
				res.Unpositioned[q] = append(res.Unpositioned[q], opt)
				continue
			}
			res.Positions.Set(q, opt, a.Origin().Add(geometry.Point2D{X: b.Relative.X, Y: b.Relative.Y}))
		}
	}
	for q := range res.Unpositioned {
		sort.Strings(res.Unpositioned[q])
	}
	return res
}

// Relativize returns a copy of coords with offsets recomputed from the
// corrected absolute positions against each bubble's own anchor. Bubbles
// without a position or whose anchor is missing are copied unchanged.
func Relativize(coords layout.BubbleCoordinates, positions Positions, anchors map[anchor.Name]anchor.Anchor) layout.BubbleCoordinates {
	out := coords.Clone()
	for q, opts := range out {
		for opt, b := range opts {
			pt, ok := positions.Get(q, opt)
			if !ok {
				continue
			}
			a, ok := anchors[b.Relative.Anchor]
			if !ok {
				continue
			}
			rel := pt.Sub(a.Origin())
			b.X, b.Y = pt.X, pt.Y
			b.Relative.X, b.Relative.Y = rel.X, rel.Y
			opts[opt] = b
		}
	}
	return out
}
