// Package anchor locates the four printed registration squares near the
// corners of a scanned answer sheet.
package anchor

import (
	"fmt"

	"omr-scanner/pkg/geometry"
)

// Name identifies one of the four corner anchors.
type Name string

const (
	TopLeft     Name = "top_left"
	TopRight    Name = "top_right"
	BottomLeft  Name = "bottom_left"
	BottomRight Name = "bottom_right"
)

// Names lists the anchors in detection order.
var Names = []Name{TopLeft, TopRight, BottomLeft, BottomRight}

// Valid reports whether n is one of the four anchor names.
func (n Name) Valid() bool {
	switch n {
	case TopLeft, TopRight, BottomLeft, BottomRight:
		return true
	}
	return false
}

// ParseName converts a layout string to a Name.
func ParseName(s string) (Name, error) {
	n := Name(s)
	if !n.Valid() {
		return "", fmt.Errorf("unknown anchor %q", s)
	}
	return n, nil
}

// Anchor is a detected registration square in image pixel space.
// X, Y is the top-left corner of its bounding box.
type Anchor struct {
	Name   Name `json:"name"`
	X      int  `json:"x"`
	Y      int  `json:"y"`
	Width  int  `json:"width"`
	Height int  `json:"height"`
}

// Rect returns the anchor's bounding box.
func (a Anchor) Rect() geometry.RectInt {
	return geometry.RectInt{X: a.X, Y: a.Y, Width: a.Width, Height: a.Height}
}

// Origin returns the top-left corner used as the reference point for
// anchor-relative offsets.
func (a Anchor) Origin() geometry.Point2D {
	return geometry.Point2D{X: float64(a.X), Y: float64(a.Y)}
}

// Status is the outcome of a detection run.
type Status int

const (
	StatusFailure Status = iota
	StatusPartial
	StatusSuccess
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPartial:
		return "partial"
	default:
		return "failure"
	}
}

// MarshalText encodes the status as its string form.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result holds the outcome of anchor detection on one image.
type Result struct {
	Status     Status          `json:"status"`
	Anchors    map[Name]Anchor `json:"anchors"`
	Missing    []Name          `json:"missing,omitempty"`
	Message    string          `json:"message"`
	Candidates int             `json:"candidates"`
}

// OK reports whether enough anchors were found to position bubbles.
func (r Result) OK() bool {
	return r.Status == StatusSuccess || r.Status == StatusPartial
}
